// Package gitops shells out to git for the fix lifecycle: committing a
// fixer's changes, reverting a rejected fix, and listing what a commit
// touched. The skill repo is a plain checkout; no worktrees, no remotes.
package gitops

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Fallback committer identity for environments without git config.
const (
	fallbackName  = "flywheel"
	fallbackEmail = "flywheel@local"
)

// ErrNoChanges reports a commit attempt over a clean tree. A fixer that
// changed nothing scores a failed fix, not an error.
var ErrNoChanges = errors.New("no changes to commit")

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, string, error) {
	// Background auto-maintenance would race the crank's frequent small
	// commits; keep git single-process.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func StatusPorcelain(dir string) (string, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

func IsClean(dir string) (bool, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

func ResetHard(dir, ref string) error {
	_, _, err := runGit(dir, "reset", "--hard", ref)
	return err
}

// CleanUntracked removes untracked files and directories. Paired with
// ResetHard when discarding an aborted fixer's leavings.
func CleanUntracked(dir string) error {
	_, _, err := runGit(dir, "clean", "-fd")
	return err
}

// CommitAll stages everything and commits. Returns the new HEAD SHA, or
// ErrNoChanges when the tree was already clean.
func CommitAll(dir, message string) (string, error) {
	if _, _, err := runGit(dir, "add", "-A"); err != nil {
		return "", err
	}
	_, _, err := runGit(dir, "commit", "-m", message)
	if err != nil {
		if isNothingToCommit(err) {
			return "", ErrNoChanges
		}
		// Missing identity: retry once with an explicit fallback committer
		// without mutating repo config.
		if isMissingIdentity(err) {
			_, _, err = runGit(
				dir,
				"-c", "user.name="+fallbackName,
				"-c", "user.email="+fallbackEmail,
				"commit", "-m", message,
			)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(dir)
}

// Revert runs "git revert --no-edit" for the given commit and returns the
// revert commit's SHA.
func Revert(dir, sha string) (string, error) {
	_, _, err := runGit(dir, "revert", "--no-edit", sha)
	if err != nil {
		if isMissingIdentity(err) {
			// The failed revert leaves sequencer state behind; clear it
			// before retrying with the fallback identity.
			_, _, _ = runGit(dir, "revert", "--abort")
			_, _, err = runGit(
				dir,
				"-c", "user.name="+fallbackName,
				"-c", "user.email="+fallbackEmail,
				"revert", "--no-edit", sha,
			)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(dir)
}

// ChangedFiles lists paths that differ between two refs.
func ChangedFiles(dir, base, head string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", base, head)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}

func isNothingToCommit(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return strings.Contains(cmdErr.Stdout, "nothing to commit") ||
		strings.Contains(cmdErr.Stdout, "nothing added to commit")
}

func isMissingIdentity(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Author identity unknown") ||
		strings.Contains(msg, "Please tell me who you are") ||
		strings.Contains(msg, "unable to auto-detect email address")
}
