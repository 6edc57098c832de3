package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Exec runs one collaborator process in its own process group with stdout
// and stderr streamed to the log file. Shutdown on timeout or cancellation
// follows TERM, a grace period, then KILL of the whole group so browser
// children cannot linger. The returned exit code is -1 when the process was
// signaled or never started.
func Exec(ctx context.Context, argv, extraEnv []string, logPath string, timeout, grace time.Duration) (int, error) {
	if len(argv) == 0 {
		return -1, errors.New("empty command")
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return -1, fmt.Errorf("create log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader("")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", argv[0], err)
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var cause error
	select {
	case werr := <-waitCh:
		if werr != nil {
			return exitCode(cmd), fmt.Errorf("exit %d", exitCode(cmd))
		}
		return exitCode(cmd), nil
	case <-time.After(timeout):
		cause = fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		cause = context.Cause(ctx)
	}

	if err := killProcessGroup(cmd, syscall.SIGTERM); err != nil {
		return exitCode(cmd), cause
	}
	select {
	case <-waitCh:
		return exitCode(cmd), cause
	case <-time.After(grace):
	}
	_ = killProcessGroup(cmd, syscall.SIGKILL)
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		return exitCode(cmd), fmt.Errorf("process did not exit after SIGKILL: %v", cause)
	}
	return exitCode(cmd), cause
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// killProcessGroup signals the process group. A group that already exited
// is not an error.
func killProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
