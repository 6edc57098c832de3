// Command flywheel turns measured test evidence into skill improvements.
// Each crank selects the top backlog issue, lets the fixer attempt it,
// measures the suite, gates the result against the accepted baseline, and
// folds runner feedback back into the backlog.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flywheel/internal/backlog"
	"flywheel/internal/config"
	"flywheel/internal/crank"
	"flywheel/internal/logging"
	"flywheel/internal/scoring"
	"flywheel/internal/validate"
)

var (
	configPath string
	verbose    bool

	logger *zap.Logger
	cfg    *config.Config
	root   string
)

var rootCmd = &cobra.Command{
	Use:   "flywheel",
	Short: "Improvement flywheel for a browser-automation skill",
	Long: `flywheel drives a measure-fix-measure loop over a test suite.

All state lives in plain files next to the config: the backlog, the history
log, the accepted baseline, and one run directory per crank. The runner,
fixer, and matcher are external processes exchanging JSON documents, so the
loop works with any collaborator that honors the file contracts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env next to the config file, loaded before the config so
		// command strings can expand machine-local paths.
		_ = godotenv.Load(filepath.Join(filepath.Dir(configPath), ".env"))

		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return err
		}
		cfg, root, err = loadConfig(configPath)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var crankCmd = &cobra.Command{
	Use:   "crank",
	Short: "Run one full crank: select, fix, measure, gate, feedback, record",
	Args:  cobra.NoArgs,
	RunE:  runMode(crank.ModeFull),
}

var measureCmd = &cobra.Command{
	Use:   "measure",
	Short: "Measure the suite and gate against the baseline without fixing",
	Args:  cobra.NoArgs,
	RunE:  runMode(crank.ModeMeasure),
}

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Apply the top backlog fix without measuring",
	Args:  cobra.NoArgs,
	RunE:  runMode(crank.ModeFix),
}

var testCmd = &cobra.Command{
	Use:   "test [test-id]",
	Short: "Run and score a single test; no gate, nothing recorded",
	Args:  cobra.ExactArgs(1),
	RunE:  runMode(crank.ModeSingleTest),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show baseline, trend tail, backlog counts, and the next pick",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold a flywheel root: config, directories, empty backlog",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "flywheel.yaml", "Path to the flywheel config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(crankCmd)
	rootCmd.AddCommand(measureCmd)
	rootCmd.AddCommand(fixCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the config file and the flywheel root. A missing file
// is not an error: defaults apply and the root is the file's directory, so
// a scaffolded tree works before anyone edits the config.
func loadConfig(path string) (*config.Config, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", err
	}
	c, err := config.Load(abs)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), filepath.Dir(abs), nil
	}
	if err != nil {
		return nil, "", err
	}
	return c, filepath.Dir(abs), nil
}

func runMode(mode crank.Mode) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var testID string
		if len(args) > 0 {
			testID = args[0]
		}
		out, err := crank.New(cfg, root, logger).Run(ctx, mode, testID)
		if out != nil {
			printOutcome(out)
		}
		if errors.Is(err, crank.ErrMatcherTimeout) {
			// The crank is recorded; only the feedback pass was lost.
			fmt.Fprintln(os.Stderr, "WARNING: matcher timed out; feedback not applied")
			return nil
		}
		return err
	}
}

// printOutcome writes the crank summary as key=value lines. A fix-only
// crank has nothing measured to report, and an empty suite has no score.
func printOutcome(out *crank.Outcome) {
	fmt.Printf("crank=%d\n", out.Crank)
	fmt.Printf("mode=%s\n", out.Mode)
	fmt.Printf("run_dir=%s\n", out.RunDir)
	if out.Fix != nil {
		fmt.Printf("issue=%s (%s)\n", out.Fix.IssueID, out.Fix.Title)
		fmt.Printf("fix_outcome=%s\n", out.Fix.Outcome)
		if out.Fix.Details != "" {
			fmt.Printf("fix_details=%s\n", out.Fix.Details)
		}
	}
	if out.Mode == crank.ModeFix {
		return
	}
	if out.Mode == crank.ModeFull && out.Gate.Verdict == scoring.GateSkipped {
		// The fixer failed, so the crank recorded without measuring.
		return
	}

	if out.Gate.Verdict == scoring.GateEmpty {
		fmt.Println("shs=empty (no tests)")
		return
	}
	fmt.Printf("shs=%.1f\n", out.SHS)
	switch out.Gate.Verdict {
	case scoring.GatePassed, scoring.GateFailed:
		fmt.Printf("shs_delta=%+.1f\n", out.Gate.SHSDelta)
	}
	fmt.Printf("gate=%s\n", out.Gate.Verdict)
	fmt.Printf("tests=%d/%d passed (%d perfect, %d errors)\n",
		out.Summary.Passed, out.Summary.Total, out.Summary.Perfect, out.Summary.Errors)
	for _, cat := range sortedCategories(out.Summary.ByCategory) {
		c := out.Summary.ByCategory[cat]
		fmt.Printf("category_%s=%d/%d\n", cat, c.Passed, c.Total)
	}
	if len(out.Gate.RegressedTests) > 0 {
		fmt.Printf("regressed=%s\n", strings.Join(out.Gate.RegressedTests, ","))
	}

	if out.Mode == crank.ModeSingleTest {
		for i := range out.Results {
			r := &out.Results[i]
			fmt.Printf("result_%s=%s composite=%.3f\n", r.TestID, r.Status, r.Scores.Composite)
		}
		return
	}
	fmt.Printf("feedback_matched=%d\n", out.Feedback.Matched)
	fmt.Printf("feedback_new_issues=%d\n", out.Feedback.NewIssues)
}

func sortedCategories(m map[string]validate.Counts) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func runStatus(cmd *cobra.Command, args []string) error {
	rep, err := crank.New(cfg, root, logger).Status()
	if err != nil {
		return err
	}

	if rep.State != nil {
		st := "running"
		if rep.State.Done {
			st = "idle"
		}
		fmt.Printf("state=%s (crank %d, phase %s)\n", st, rep.State.Crank, rep.State.Phase)
		if rep.State.Error != "" {
			fmt.Printf("last_error=%s\n", rep.State.Error)
		}
	}
	if rep.Baseline != nil {
		fmt.Printf("baseline_shs=%.1f\n", rep.Baseline.SHS)
		fmt.Printf("baseline_crank=%d\n", rep.Baseline.Crank)
		fmt.Printf("baseline_version=%s\n", rep.Baseline.Version)
	} else {
		fmt.Println("baseline=none")
	}
	fmt.Printf("open_issues=%d\n", rep.OpenIssues)
	fmt.Printf("implemented=%d\n", rep.Implemented)
	if rep.Ranking != nil {
		if top := rep.Ranking.Top(); top != nil {
			fmt.Printf("next=%s priority=%.1f votes=%d (%s)\n",
				top.IssueID, top.Priority, top.Votes, top.Title)
		} else {
			fmt.Println("next=none")
		}
		for _, rec := range rep.Ranking.LockedOut {
			fmt.Printf("locked_out=%s (needs design review)\n", rec.IssueID)
		}
	}
	for _, row := range rep.Trend {
		fmt.Printf("trend crank=%d shs=%.1f delta=%+.1f passed=%d/%d\n",
			row.Crank, row.SHS, row.SHSDelta, row.Passed, row.Total)
	}
	return nil
}

// runInit lays out a flywheel root around the config file. Existing files
// are left alone, so re-running init is safe.
func runInit(cmd *cobra.Command, args []string) error {
	for _, dir := range []string{
		cfg.Paths.TestsDir,
		cfg.Paths.RunsDir,
		cfg.Paths.BaselineDir,
		filepath.Dir(cfg.Paths.Backlog),
	} {
		if err := os.MkdirAll(resolve(root, dir), 0o755); err != nil {
			return err
		}
	}

	abs, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(abs, []byte(starterConfig), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", abs, err)
		}
		fmt.Printf("config=%s\n", abs)
	} else if err != nil {
		return err
	} else {
		fmt.Printf("config=%s (kept)\n", abs)
	}

	bl := backlog.NewStore(resolve(root, cfg.Paths.Backlog), logger)
	if err := bl.Init(); err != nil {
		return err
	}
	fmt.Printf("backlog=%s\n", bl.Path())
	fmt.Printf("tests_dir=%s\n", resolve(root, cfg.Paths.TestsDir))
	fmt.Printf("runs_dir=%s\n", resolve(root, cfg.Paths.RunsDir))
	return nil
}

func resolve(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// starterConfig is the flywheel.yaml written by init. Collaborator commands
// stay commented out; a crank degrades to measure-only until they exist.
const starterConfig = `version: 1

skill:
  version: dev
  # repo_path: ../skill

paths:
  backlog: data/backlog.json
  history: data/history.ndjson
  tests_dir: tests
  runs_dir: runs
  baseline_dir: baseline

runner:
  # command: ["./bin/run-test"]
  max_concurrent: 6
  timeout_ms: 120000

fixer:
  # command: ["./bin/fix-issue"]
  timeout_ms: 1800000

matcher:
  # command: ["./bin/match-feedback"]
  poll_interval_ms: 2000
  timeout_ms: 300000
`
