// Package runner fans the test suite out to external runner processes under
// a fixed concurrency bound. The orchestrator never parses runner output:
// stdout and stderr go to per-attempt log files and the only contract is the
// trace file each runner writes into the run directory.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flywheel/internal/suite"
	"flywheel/internal/trace"
)

var (
	// ErrRunnerFailed marks a runner process that exited non-zero or was
	// killed. The test scores error; the crank continues.
	ErrRunnerFailed = errors.New("runner failed")

	// ErrNoTrace marks a runner that exited without writing its trace.
	ErrNoTrace = errors.New("runner produced no trace")
)

// Environment passed to every runner process, alongside the positional
// arguments <test-file> <run-dir> <trace-file>.
const (
	envTestID    = "FLYWHEEL_TEST_ID"
	envTestFile  = "FLYWHEEL_TEST_FILE"
	envRunDir    = "FLYWHEEL_RUN_DIR"
	envTraceFile = "FLYWHEEL_TRACE_FILE"
)

// Result is one test's runner outcome. Trace is set only when Err is nil.
type Result struct {
	TestID    string
	TracePath string
	LogPath   string
	Trace     *trace.Trace
	Err       error
	Attempts  int
	ExitCode  int
	Duration  time.Duration
}

// Pool runs tests through the configured runner command.
type Pool struct {
	command        []string
	maxConcurrent  int
	defaultTimeout time.Duration
	grace          time.Duration
	log            *zap.Logger
}

// NewPool builds a pool. command is the runner argv prefix; maxConcurrent
// bounds simultaneous runner processes; defaultTimeout applies to tests
// without their own time budget; grace is the TERM-to-KILL window on
// shutdown.
func NewPool(command []string, maxConcurrent int, defaultTimeout, grace time.Duration, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Pool{
		command:        command,
		maxConcurrent:  maxConcurrent,
		defaultTimeout: defaultTimeout,
		grace:          grace,
		log:            log,
	}
}

// Run executes every test and returns results in test order. The pool
// drains fully, sweeps the run directory for missing or malformed traces,
// and re-launches each affected test once. On cancellation the error is the
// cancellation cause; partial traces stay on disk but are not scored.
func (p *Pool) Run(ctx context.Context, tests []suite.Test, runDir string) ([]Result, error) {
	if len(tests) == 0 {
		return nil, nil
	}
	for _, sub := range []string{"traces", "logs", "browser"} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create run dir: %w", err)
		}
	}

	results := make([]Result, len(tests))
	all := make([]int, len(tests))
	for i := range tests {
		all[i] = i
	}
	p.runPass(ctx, tests, runDir, results, all, 1)

	retry := p.sweep(ctx, tests, results)
	if len(retry) > 0 && ctx.Err() == nil {
		p.log.Info("retrying tests with unusable traces", zap.Int("count", len(retry)))
		p.runPass(ctx, tests, runDir, results, retry, 2)
	}

	if err := ctx.Err(); err != nil {
		return results, context.Cause(ctx)
	}
	return results, nil
}

// runPass drives one bounded pass over the given test indices. Workers pull
// from a shared channel; results land in their slot so output order never
// depends on scheduling.
func (p *Pool) runPass(ctx context.Context, tests []suite.Test, runDir string, results []Result, idxs []int, attempt int) {
	jobs := make(chan int)
	workers := p.maxConcurrent
	if workers > len(idxs) {
		workers = len(idxs)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = p.runTest(ctx, &tests[i], runDir, attempt)
			}
		}()
	}
	for _, i := range idxs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}

// sweep re-checks traces on disk after the pool drains. A trace that became
// valid late (exit 0) upgrades its result; missing or malformed traces are
// queued for one retry.
func (p *Pool) sweep(ctx context.Context, tests []suite.Test, results []Result) []int {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(p.maxConcurrent)

	var mu sync.Mutex
	var retry []int
	for i := range results {
		if results[i].Err == nil {
			continue
		}
		i := i
		g.Go(func() error {
			tr, err := trace.LoadForTest(results[i].TracePath, tests[i].ID)
			switch {
			case err == nil && results[i].ExitCode == 0:
				mu.Lock()
				results[i].Trace = tr
				results[i].Err = nil
				mu.Unlock()
			case err == nil:
				// Valid trace from a failed process: score error, no retry.
			default:
				mu.Lock()
				retry = append(retry, i)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Ints(retry)
	return retry
}

// runTest launches one runner process and loads the trace it wrote.
func (p *Pool) runTest(ctx context.Context, t *suite.Test, runDir string, attempt int) Result {
	res := Result{
		TestID:    t.ID,
		TracePath: filepath.Join(runDir, "traces", t.ID+".json"),
		Attempts:  attempt,
		ExitCode:  -1,
	}
	if err := ctx.Err(); err != nil {
		res.Err = context.Cause(ctx)
		return res
	}

	attemptID := uuid.NewString()[:8]
	res.LogPath = filepath.Join(runDir, "logs", fmt.Sprintf("%s.%s.log", t.ID, attemptID))

	// A stale trace from a previous attempt must never be scored as fresh.
	if err := os.Remove(res.TracePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		res.Err = fmt.Errorf("clear stale trace: %w", err)
		return res
	}

	timeout := p.defaultTimeout
	if t.Budget.MaxTimeMS > 0 {
		timeout = time.Duration(t.Budget.MaxTimeMS) * time.Millisecond
	}

	argv := append(append([]string{}, p.command...), t.File, runDir, res.TracePath)
	env := []string{
		envTestID + "=" + t.ID,
		envTestFile + "=" + t.File,
		envRunDir + "=" + runDir,
		envTraceFile + "=" + res.TracePath,
	}

	start := time.Now()
	exitCode, runErr := Exec(ctx, argv, env, res.LogPath, timeout, p.grace)
	res.Duration = time.Since(start)
	res.ExitCode = exitCode

	if runErr != nil {
		res.Err = fmt.Errorf("%w: %v", ErrRunnerFailed, runErr)
		p.log.Warn("runner failed",
			zap.String("test", t.ID),
			zap.Int("attempt", attempt),
			zap.Int("exit", exitCode),
			zap.Error(runErr))
		return res
	}

	tr, err := trace.LoadForTest(res.TracePath, t.ID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			res.Err = ErrNoTrace
		} else {
			res.Err = err
		}
		p.log.Warn("trace unusable",
			zap.String("test", t.ID),
			zap.Int("attempt", attempt),
			zap.Error(res.Err))
		return res
	}
	res.Trace = tr
	return res
}
