// Package crank drives one turn of the improvement flywheel: pick the
// highest-priority backlog issue, let the fixer change the skill, measure
// the whole suite through the runner pool, validate and score the traces,
// gate the result against the baseline, fold runner feedback back into the
// backlog, and make the outcome durable. Collaborators are external
// processes; every artifact they exchange lives in the run directory.
package crank

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"flywheel/internal/backlog"
	"flywheel/internal/config"
	"flywheel/internal/decision"
	"flywheel/internal/feedback"
	"flywheel/internal/fsbus"
	"flywheel/internal/gitops"
	"flywheel/internal/history"
	"flywheel/internal/runner"
	"flywheel/internal/scoring"
	"flywheel/internal/suite"
	"flywheel/internal/trace"
	"flywheel/internal/validate"
)

// Mode selects which phases a crank executes.
type Mode string

const (
	// ModeFull runs the whole lifecycle: fix, measure, feedback, record.
	ModeFull Mode = "full"
	// ModeMeasure measures and records without selecting or fixing.
	ModeMeasure Mode = "measure"
	// ModeFix selects and fixes without measuring; the fix outcome is
	// recorded as unmeasured.
	ModeFix Mode = "fix"
	// ModeSingleTest runs one test for debugging. Nothing is recorded.
	ModeSingleTest Mode = "single-test"
)

var (
	// ErrCrankRunning means another process holds the crank lock.
	ErrCrankRunning = errors.New("another crank is already running")

	// ErrNoActionableIssue means the backlog has nothing selectable. Full
	// cranks degrade to measure-only instead; fix-only cranks fail with it.
	ErrNoActionableIssue = errors.New("no actionable issue in backlog")

	// ErrMatcherTimeout means the matcher produced no decisions file in
	// time. The crank still records its measurement; feedback application
	// is skipped and the crank summary carries the flag.
	ErrMatcherTimeout = errors.New("matcher did not produce decisions in time")
)

// Orchestrator wires the stores and engines one crank needs. It is safe to
// reuse across runs; the crank lock serializes actual execution.
type Orchestrator struct {
	cfg       *config.Config
	root      string
	log       *zap.Logger
	backlog   *backlog.Store
	history   *history.Store
	baseline  *scoring.Store
	validator *validate.Validator
	extractor *feedback.Extractor
	applier   *feedback.Applier
	engine    *decision.Engine
	now       func() time.Time
}

// New builds an orchestrator rooted at root; relative config paths resolve
// against it.
func New(cfg *config.Config, root string, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	backlogPath := resolve(root, cfg.Paths.Backlog)
	store := backlog.NewStore(backlogPath, log)
	return &Orchestrator{
		cfg:     cfg,
		root:    root,
		log:     log,
		backlog: store,
		// History appends share the backlog's lock so the two files cannot
		// interleave mid-crank.
		history:   history.NewStore(resolve(root, cfg.Paths.History), backlogPath, log),
		baseline:  scoring.NewStore(resolve(root, cfg.Paths.BaselineDir), log),
		validator: validate.New(cfg.Scoring.PassThreshold, log),
		extractor: feedback.NewExtractor(log),
		applier:   feedback.NewApplier(store, cfg.Feedback.ImprovementThreshold, log),
		engine:    decision.New(cfg.Decision, log),
		now:       time.Now,
	}
}

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

func (o *Orchestrator) path(p string) string { return resolve(o.root, p) }

func (o *Orchestrator) skillRepo() string { return resolve(o.root, o.cfg.Skill.RepoPath) }

// Backlog exposes the backlog store for commands that edit issues directly.
func (o *Orchestrator) Backlog() *backlog.Store { return o.backlog }

// FixReport captures the FIX phase for summaries and history.
type FixReport struct {
	IssueID   string   `json:"issueId"`
	Title     string   `json:"title"`
	Outcome   string   `json:"outcome"`
	Details   string   `json:"details,omitempty"`
	Files     []string `json:"files,omitempty"`
	BaseSHA   string   `json:"baseSha,omitempty"`
	CommitSHA string   `json:"commitSha,omitempty"`
	RevertSHA string   `json:"revertSha,omitempty"`
	SHSDelta  float64  `json:"shsDelta"`
}

// FeedbackReport summarizes the feedback pipeline for one crank.
type FeedbackReport struct {
	Extracted int  `json:"extracted"`
	Matched   int  `json:"matched"`
	NewIssues int  `json:"newIssues"`
	Skipped   int  `json:"skipped"`
	TimedOut  bool `json:"timedOut,omitempty"`
}

// Outcome is one crank's complete result. It doubles as the on-disk
// crank-summary.json; per-test results live in the run's results directory
// and are carried here only for callers.
type Outcome struct {
	Crank       int                       `json:"crank"`
	Mode        Mode                      `json:"mode"`
	Timestamp   string                    `json:"timestamp"`
	Version     string                    `json:"version"`
	RunDir      string                    `json:"runDir"`
	Selected    *decision.Recommendation  `json:"selected,omitempty"`
	Fix         *FixReport                `json:"fix,omitempty"`
	Summary     validate.Summary          `json:"summary"`
	Metrics     scoring.Metrics           `json:"metrics"`
	SHS         float64                   `json:"shs"`
	Gate        scoring.GateResult        `json:"gate"`
	Comparison  scoring.Comparison        `json:"comparison"`
	Feedback    FeedbackReport            `json:"feedback"`
	FailureTags []string                  `json:"failureTags,omitempty"`
	Results     []validate.TestResult     `json:"-"`
	LockedOut   []decision.Recommendation `json:"-"`
}

// fixBrief is the document handed to the fixer process.
type fixBrief struct {
	Crank     int           `json:"crank"`
	SkillRepo string        `json:"skillRepo"`
	Issue     backlog.Issue `json:"issue"`
}

// validationSummary is the run's validation-summary.json.
type validationSummary struct {
	Timestamp  string             `json:"timestamp"`
	Crank      int                `json:"crank"`
	Metrics    scoring.Metrics    `json:"metrics"`
	SHS        float64            `json:"shs"`
	Gate       scoring.GateResult `json:"gate"`
	Summary    validate.Summary   `json:"summary"`
	Comparison scoring.Comparison `json:"comparison"`
}

// crankRun is the state of one crank in flight.
type crankRun struct {
	o        *Orchestrator
	mode     Mode
	n        int
	runDir   string
	prog     *progress
	tests    []suite.Test
	canFix   bool
	selected *decision.Recommendation
	issue    *backlog.Issue
	fix      *FixReport
	launched []runner.Result
	results  []validate.TestResult
	entries  []feedback.Entry
	prev     *scoring.Baseline
	timedOut bool
	out      *Outcome
}

// Run executes one crank in the given mode. testID is consulted only in
// single-test mode. The returned Outcome is non-nil whenever a run
// directory was created, even if the crank then failed.
func (o *Orchestrator) Run(ctx context.Context, mode Mode, testID string) (*Outcome, error) {
	runsDir := o.path(o.cfg.Paths.RunsDir)
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	lock, err := fsbus.TryAcquireLock(filepath.Join(runsDir, "crank"))
	if err != nil {
		if errors.Is(err, fsbus.ErrLocked) {
			return nil, ErrCrankRunning
		}
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	tests, err := o.loadTests(mode, testID)
	if err != nil {
		return nil, err
	}
	canFix, err := o.checkFixable(mode, tests)
	if err != nil {
		return nil, err
	}
	if (mode == ModeFull || mode == ModeMeasure || mode == ModeSingleTest) &&
		len(tests) > 0 && len(o.cfg.Runner.Command) == 0 {
		return nil, errors.New("runner.command is not configured")
	}

	last, err := o.history.LastCrankNumber()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	n := last + 1

	runDir := filepath.Join(runsDir, fmt.Sprintf("crank-%04d-%s", n, ulid.Make().String()))
	if err := os.MkdirAll(filepath.Join(runDir, "logs"), 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	r := &crankRun{
		o:      o,
		mode:   mode,
		n:      n,
		runDir: runDir,
		tests:  tests,
		canFix: canFix,
		out: &Outcome{
			Crank:     n,
			Mode:      mode,
			Timestamp: o.now().UTC().Format(time.RFC3339),
			Version:   o.cfg.Skill.Version,
			RunDir:    runDir,
		},
		prog: &progress{
			crank:      n,
			mode:       mode,
			runDir:     runDir,
			eventsPath: filepath.Join(runDir, "crank.ndjson"),
			statePath:  filepath.Join(runsDir, "crank-state.json"),
			now:        o.now,
			log:        o.log,
		},
	}

	runErr := r.execute(ctx)
	r.prog.finish(runErr)
	return r.out, runErr
}

// execute walks the phases this run's mode calls for.
func (r *crankRun) execute(ctx context.Context) error {
	if r.mode == ModeFull || r.mode == ModeFix {
		if err := r.phaseSelect(); err != nil {
			return err
		}
		if r.selected != nil {
			if err := r.phaseFix(ctx); err != nil {
				return err
			}
		}
		if r.mode == ModeFix {
			return r.recordUnmeasured()
		}
		if r.fix != nil && r.fix.CommitSHA == "" {
			// No fix landed, so a measurement would re-score the unchanged
			// skill. Record the failed attempt and stop.
			r.prog.skip(PhaseMeasure, "fix did not land")
			return r.recordUnmeasured()
		}
	}

	if err := r.phaseMeasure(ctx); err != nil {
		return err
	}
	if err := r.phaseValidate(ctx); err != nil {
		return err
	}
	if r.mode == ModeSingleTest {
		return r.writeCrankSummary()
	}
	if err := r.phaseFeedback(ctx); err != nil {
		return err
	}
	return r.phaseRecord()
}

func (o *Orchestrator) loadTests(mode Mode, testID string) ([]suite.Test, error) {
	s, err := suite.Load(o.path(o.cfg.Paths.TestsDir))
	if err != nil {
		return nil, err
	}
	if mode == ModeSingleTest {
		t, ok := s.Get(testID)
		if !ok {
			return nil, fmt.Errorf("test %q not found in suite", testID)
		}
		return []suite.Test{*t}, nil
	}
	return s.Tests, nil
}

// checkFixable decides whether this run may attempt a fix. A full crank
// degrades to measure-only when fixing is impossible; a fix-only crank
// needs the skill repo outright.
func (o *Orchestrator) checkFixable(mode Mode, tests []suite.Test) (bool, error) {
	if mode != ModeFull && mode != ModeFix {
		return false, nil
	}
	repo := o.skillRepo()
	switch {
	case len(o.cfg.Fixer.Command) == 0 || repo == "":
		if mode == ModeFix {
			return false, errors.New("fixing requires fixer.command and skill.repo_path")
		}
		o.log.Warn("fixer not configured; measuring only")
		return false, nil
	case !gitops.IsRepo(repo):
		return false, fmt.Errorf("skill.repo_path %s is not a git repository", repo)
	case mode == ModeFull && len(tests) == 0:
		// No tests means no gate evidence; do not touch the skill.
		o.log.Warn("empty suite; skipping fix phase")
		return false, nil
	}
	return true, nil
}

func (r *crankRun) phaseSelect() error {
	r.prog.enter(PhaseSelect)
	if !r.canFix {
		r.prog.skip(PhaseSelect, "fix phase unavailable; measuring only")
		return nil
	}

	doc, err := r.o.backlog.Load()
	if err != nil {
		if errors.Is(err, backlog.ErrMissing) && r.mode != ModeFix {
			r.prog.skip(PhaseSelect, "no backlog; measuring only")
			return nil
		}
		return fmt.Errorf("load backlog: %w", err)
	}
	lg, err := r.o.history.Read()
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	ranking := r.o.engine.Rank(doc, lg, r.n)
	r.out.LockedOut = ranking.LockedOut
	top := ranking.Top()
	if top == nil {
		detail := "no open issues"
		if len(ranking.LockedOut) > 0 {
			detail = fmt.Sprintf("%d issues locked out pending design review", len(ranking.LockedOut))
		}
		if r.mode == ModeFix {
			return fmt.Errorf("%w: %s", ErrNoActionableIssue, detail)
		}
		r.prog.skip(PhaseSelect, detail+"; measuring only")
		return nil
	}

	issue := doc.Find(top.IssueID)
	if issue == nil {
		return fmt.Errorf("selected issue %s not found in backlog", top.IssueID)
	}
	cp := *issue
	r.selected = top
	r.issue = &cp
	r.out.Selected = top
	r.prog.ok(PhaseSelect, fmt.Sprintf("%s (priority %.1f)", top.IssueID, top.Priority))
	return nil
}

func (r *crankRun) phaseFix(ctx context.Context) error {
	r.prog.enter(PhaseFix)
	r.fix = r.runFixer(ctx)
	r.out.Fix = r.fix
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	r.prog.ok(PhaseFix, r.fix.Outcome)
	return nil
}

// runFixer hands the selected issue to the fixer process and commits what
// it changed. Failures never abort the crank; they become a failed fix
// outcome and the repo is restored to the base commit.
func (r *crankRun) runFixer(ctx context.Context) *FixReport {
	o := r.o
	fix := &FixReport{IssueID: r.selected.IssueID, Title: r.selected.Title, Outcome: backlog.OutcomeFailed}
	repo := o.skillRepo()

	baseSHA, err := gitops.HeadSHA(repo)
	if err != nil {
		fix.Details = fmt.Sprintf("read repo head: %v", err)
		return fix
	}
	fix.BaseSHA = baseSHA

	briefPath := filepath.Join(r.runDir, "fix-issue.json")
	brief := fixBrief{Crank: r.n, SkillRepo: repo, Issue: *r.issue}
	if err := fsbus.WriteJSONAtomic(briefPath, brief); err != nil {
		fix.Details = fmt.Sprintf("write fix brief: %v", err)
		return fix
	}

	argv := append(append([]string{}, o.cfg.Fixer.Command...), briefPath, repo)
	env := []string{
		"FLYWHEEL_CRANK=" + strconv.Itoa(r.n),
		"FLYWHEEL_ISSUE_ID=" + r.selected.IssueID,
		"FLYWHEEL_ISSUE_FILE=" + briefPath,
		"FLYWHEEL_SKILL_REPO=" + repo,
		"FLYWHEEL_RUN_DIR=" + r.runDir,
	}
	exit, err := runner.Exec(ctx, argv, env, filepath.Join(r.runDir, "logs", "fixer.log"),
		o.cfg.FixerTimeout(), o.cfg.ShutdownGrace())
	if err != nil {
		o.restoreRepo(repo, baseSHA)
		fix.Details = fmt.Sprintf("fixer failed (exit %d): %v", exit, err)
		return fix
	}

	clean, err := gitops.IsClean(repo)
	if err != nil {
		o.restoreRepo(repo, baseSHA)
		fix.Details = fmt.Sprintf("inspect repo: %v", err)
		return fix
	}
	if clean {
		fix.Details = "fixer made no changes"
		return fix
	}

	sha, err := gitops.CommitAll(repo, fmt.Sprintf("flywheel: fix %s %s", r.selected.IssueID, r.selected.Title))
	if err != nil {
		o.restoreRepo(repo, baseSHA)
		fix.Details = fmt.Sprintf("commit fix: %v", err)
		return fix
	}
	fix.CommitSHA = sha
	if files, err := gitops.ChangedFiles(repo, baseSHA, sha); err != nil {
		o.log.Warn("list changed files failed", zap.Error(err))
	} else {
		fix.Files = files
	}
	// Provisional until the gate rules.
	fix.Outcome = backlog.OutcomeFixed
	fix.Details = "committed " + shortSHA(sha)
	o.log.Info("fix committed",
		zap.String("issue", fix.IssueID),
		zap.String("sha", shortSHA(sha)),
		zap.Strings("files", fix.Files))
	return fix
}

func (o *Orchestrator) restoreRepo(repo, baseSHA string) {
	if err := gitops.ResetHard(repo, baseSHA); err != nil {
		o.log.Error("repo restore failed", zap.String("base", shortSHA(baseSHA)), zap.Error(err))
		return
	}
	if err := gitops.CleanUntracked(repo); err != nil {
		o.log.Error("repo clean failed", zap.Error(err))
	}
}

func (r *crankRun) phaseMeasure(ctx context.Context) error {
	r.prog.enter(PhaseMeasure)
	if len(r.tests) == 0 {
		r.prog.skip(PhaseMeasure, "suite is empty")
		return nil
	}
	o := r.o
	pool := runner.NewPool(o.cfg.Runner.Command, o.cfg.Runner.MaxConcurrent,
		o.cfg.RunnerTimeout(), o.cfg.ShutdownGrace(), o.log)
	launched, err := pool.Run(ctx, r.tests, r.runDir)
	if err != nil {
		return err
	}
	r.launched = launched
	r.prog.ok(PhaseMeasure, fmt.Sprintf("%d tests", len(r.tests)))
	return nil
}

func (r *crankRun) phaseValidate(ctx context.Context) error {
	r.prog.enter(PhaseValidate)
	o := r.o
	results := make([]validate.TestResult, 0, len(r.tests))
	for i := range r.tests {
		run := r.launched[i]
		var reason string
		if run.Err != nil {
			reason = run.Err.Error()
		}
		res := o.validator.Evaluate(ctx, &r.tests[i], run.Trace, r.runDir, reason)
		if err := validate.WriteResult(r.runDir, &res); err != nil {
			return err
		}
		results = append(results, res)
	}
	r.results = results
	r.out.Results = results
	r.out.Summary = validate.Summarize(results)
	r.out.Metrics = scoring.Compute(results)
	r.out.SHS = r.out.Metrics.SHS()

	if r.mode == ModeSingleTest {
		r.out.Gate = scoring.GateResult{Verdict: scoring.GateSkipped, SHS: r.out.SHS}
	} else {
		prev, err := o.baseline.Load()
		if err != nil && !errors.Is(err, scoring.ErrNoBaseline) {
			return err
		}
		r.prev = prev
		r.out.Gate = scoring.EvaluateGate(o.cfg.Scoring, prev, r.out.Metrics, results)
		r.out.Comparison = scoring.Compare(o.cfg.Scoring, prev, results)
	}

	vs := validationSummary{
		Timestamp:  o.now().UTC().Format(time.RFC3339),
		Crank:      r.n,
		Metrics:    r.out.Metrics,
		SHS:        r.out.SHS,
		Gate:       r.out.Gate,
		Summary:    r.out.Summary,
		Comparison: r.out.Comparison,
	}
	if err := fsbus.WriteJSONAtomic(filepath.Join(r.runDir, "validation-summary.json"), vs); err != nil {
		return err
	}
	r.prog.ok(PhaseValidate, fmt.Sprintf("%d/%d passed", r.out.Summary.Passed, r.out.Summary.Total))
	return nil
}

func (r *crankRun) phaseFeedback(ctx context.Context) error {
	o := r.o
	r.prog.enter(PhaseFeedbackExtract)
	var traces []*trace.Trace
	for i := range r.launched {
		if r.launched[i].Trace != nil {
			traces = append(traces, r.launched[i].Trace)
		}
	}
	r.entries = o.extractor.Extract(traces)
	extractedPath := filepath.Join(r.runDir, "extracted-feedback.json")
	if err := feedback.WriteExtracted(extractedPath, r.entries, o.now()); err != nil {
		return err
	}
	r.out.Feedback.Extracted = len(r.entries)
	r.prog.ok(PhaseFeedbackExtract, fmt.Sprintf("%d entries", len(r.entries)))

	switch {
	case len(r.entries) == 0:
		r.prog.skip(PhaseMatchWait, "no feedback to match")
		r.prog.skip(PhaseFeedbackApply, "no feedback to match")
		return nil
	case len(o.cfg.Matcher.Command) == 0:
		r.prog.skip(PhaseMatchWait, "no matcher configured")
		r.prog.skip(PhaseFeedbackApply, "no matcher configured")
		return nil
	}

	r.prog.enter(PhaseMatchWait)
	decisionsPath := filepath.Join(r.runDir, "match-decisions.json")
	err := o.runMatcher(ctx, extractedPath, decisionsPath, r.runDir)
	switch {
	case errors.Is(err, ErrMatcherTimeout):
		r.timedOut = true
		r.out.Feedback.TimedOut = true
		r.prog.record(PhaseMatchWait, "error", err.Error())
		r.prog.skip(PhaseFeedbackApply, "matcher unavailable")
		return nil
	case err != nil:
		return err
	}
	r.prog.ok(PhaseMatchWait, "")

	r.prog.enter(PhaseFeedbackApply)
	decisions, err := feedback.LoadDecisions(decisionsPath)
	if err != nil {
		return err
	}
	sum, err := o.applier.Apply(r.entries, decisions)
	if err != nil {
		return err
	}
	if err := feedback.WriteSummary(filepath.Join(r.runDir, "applier-summary.json"), sum); err != nil {
		return err
	}
	r.out.Feedback.Matched = sum.MatchedCount()
	r.out.Feedback.NewIssues = sum.NewIssueCount()
	r.out.Feedback.Skipped = len(sum.SkippedLowConfidence) + len(sum.Ignored)
	r.prog.ok(PhaseFeedbackApply,
		fmt.Sprintf("%d matched, %d new issues", r.out.Feedback.Matched, r.out.Feedback.NewIssues))
	return nil
}

// runMatcher launches the matcher and waits for its decisions file. The
// process and the file wait race: a crash fails fast instead of sitting out
// the whole timeout, and a decisions file that appears while the matcher is
// still cleaning up counts as delivery.
func (o *Orchestrator) runMatcher(ctx context.Context, extractedPath, decisionsPath, runDir string) error {
	matchCtx, cancel := context.WithTimeout(ctx, o.cfg.MatcherTimeout())
	defer cancel()

	argv := append(append([]string{}, o.cfg.Matcher.Command...), extractedPath, o.backlog.Path(), decisionsPath)
	env := []string{
		"FLYWHEEL_RUN_DIR=" + runDir,
		"FLYWHEEL_FEEDBACK_FILE=" + extractedPath,
		"FLYWHEEL_BACKLOG_FILE=" + o.backlog.Path(),
		"FLYWHEEL_DECISIONS_FILE=" + decisionsPath,
	}
	procDone := make(chan error, 1)
	go func() {
		_, err := runner.Exec(matchCtx, argv, env, filepath.Join(runDir, "logs", "matcher.log"),
			o.cfg.MatcherTimeout(), o.cfg.ShutdownGrace())
		procDone <- err
	}()
	fileDone := make(chan error, 1)
	go func() { fileDone <- fsbus.WaitForFile(matchCtx, decisionsPath, o.cfg.MatcherPollInterval()) }()

	select {
	case ferr := <-fileDone:
		cancel()
		<-procDone
		if ferr != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return fmt.Errorf("%w (after %s)", ErrMatcherTimeout, o.cfg.MatcherTimeout())
		}
		return nil
	case perr := <-procDone:
		// Matcher exited first. Give the file wait one beat to observe a
		// decisions file written just before exit.
		select {
		case ferr := <-fileDone:
			if ferr == nil {
				return nil
			}
			cancel()
			return o.matcherExitError(ctx, perr)
		case <-time.After(2 * time.Second):
			cancel()
			<-fileDone
			return o.matcherExitError(ctx, perr)
		}
	}
}

func (o *Orchestrator) matcherExitError(ctx context.Context, perr error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if perr != nil {
		return fmt.Errorf("%w: matcher failed: %v", ErrMatcherTimeout, perr)
	}
	return fmt.Errorf("%w: matcher exited without writing decisions", ErrMatcherTimeout)
}

// phaseRecord makes the crank durable: gate-driven repo actions, baseline
// acceptance, history appends, the backlog attempt, and the crank summary.
// A history append failure here is fatal; a measurement that cannot be
// recorded must not report success.
func (r *crankRun) phaseRecord() error {
	o := r.o
	r.prog.enter(PhaseRecord)
	r.out.FailureTags = failureTags(r.results, r.entries)

	if r.fix != nil && r.fix.CommitSHA != "" {
		r.fix.SHSDelta = r.out.Gate.SHSDelta
		if r.out.Gate.Passed() {
			r.fix.Outcome = r.sourceTestOutcome()
		} else {
			r.fix.Outcome = backlog.OutcomeReverted
			revertSHA, err := gitops.Revert(o.skillRepo(), r.fix.CommitSHA)
			if err != nil {
				// The bad fix is still in the tree; record the outcome
				// anyway and surface the failure to the operator.
				r.fix.Details = fmt.Sprintf("gate failed; revert of %s also failed: %v", shortSHA(r.fix.CommitSHA), err)
				o.log.Error("revert failed", zap.String("sha", shortSHA(r.fix.CommitSHA)), zap.Error(err))
			} else {
				r.fix.RevertSHA = revertSHA
				r.fix.Details = fmt.Sprintf("gate failed; reverted in %s", shortSHA(revertSHA))
			}
		}
	}

	if r.out.Gate.Passed() {
		next := scoring.NextBaseline(o.cfg.Scoring, r.prev, r.out.Metrics, r.results, r.out.Version, r.n)
		trend := scoring.TrendRow{
			Crank:    r.n,
			Version:  r.out.Version,
			SHS:      next.SHS,
			SHSDelta: r.out.Gate.SHSDelta,
			Total:    r.out.Metrics.Total,
			Passed:   r.out.Metrics.Passed,
			Perfect:  r.out.Metrics.Perfect,
		}
		if err := o.baseline.Write(next, trend); err != nil {
			return err
		}
	}

	if r.fix != nil {
		err := o.history.AppendFixOutcome(history.FixOutcomeRecord{
			Crank:    r.n,
			IssueID:  r.fix.IssueID,
			Outcome:  r.fix.Outcome,
			Details:  r.fix.Details,
			Files:    r.fix.Files,
			SHSDelta: r.fix.SHSDelta,
		})
		if err != nil {
			return err
		}
	}
	rec := history.CrankRecord{
		Crank:           r.n,
		Version:         r.out.Version,
		SHS:             r.out.SHS,
		SHSDelta:        r.out.Gate.SHSDelta,
		Gate:            r.out.Gate.Verdict,
		TestsTotal:      r.out.Metrics.Total,
		TestsPassed:     r.out.Metrics.Passed,
		TestsPerfect:    r.out.Metrics.Perfect,
		FailureTags:     r.out.FailureTags,
		RegressedTests:  r.out.Gate.RegressedTests,
		MatchedFeedback: r.out.Feedback.Matched,
		NewIssues:       r.out.Feedback.NewIssues,
		MatcherTimedOut: r.timedOut,
	}
	if r.fix != nil {
		rec.FixIssueID = r.fix.IssueID
		rec.FixOutcome = r.fix.Outcome
	}
	if err := o.history.AppendCrank(rec); err != nil {
		return err
	}

	if r.fix != nil {
		if err := r.recordAttempt(); err != nil {
			return err
		}
	}
	if err := r.writeCrankSummary(); err != nil {
		return err
	}
	r.prog.ok(PhaseRecord, "")

	if r.timedOut {
		return ErrMatcherTimeout
	}
	return nil
}

// recordUnmeasured persists a fix attempt that produced no measurement,
// either because the run is fix-only or because the fixer failed: a
// fix_outcome history record, the crank row, and a backlog attempt, but no
// baseline movement.
func (r *crankRun) recordUnmeasured() error {
	o := r.o
	r.prog.enter(PhaseRecord)
	r.out.Gate = scoring.GateResult{Verdict: scoring.GateSkipped}
	if r.fix.CommitSHA != "" {
		r.fix.Details += "; not measured"
	}
	err := o.history.AppendFixOutcome(history.FixOutcomeRecord{
		Crank:    r.n,
		IssueID:  r.fix.IssueID,
		Outcome:  r.fix.Outcome,
		Details:  r.fix.Details,
		Files:    r.fix.Files,
		SHSDelta: 0,
	})
	if err != nil {
		return err
	}
	err = o.history.AppendCrank(history.CrankRecord{
		Crank:      r.n,
		Version:    r.out.Version,
		Gate:       scoring.GateSkipped,
		FixIssueID: r.fix.IssueID,
		FixOutcome: r.fix.Outcome,
	})
	if err != nil {
		return err
	}
	if err := r.recordAttempt(); err != nil {
		return err
	}
	if err := r.writeCrankSummary(); err != nil {
		return err
	}
	r.prog.ok(PhaseRecord, "")
	return nil
}

// recordAttempt appends the fix attempt to the issue. Only a measured,
// gate-accepted fix whose source tests cleared moves the issue to
// implemented.
func (r *crankRun) recordAttempt() error {
	o := r.o
	return o.backlog.Mutate(func(doc *backlog.Document) error {
		issue := doc.Find(r.fix.IssueID)
		if issue == nil {
			return fmt.Errorf("issue %s not found in backlog", r.fix.IssueID)
		}
		issue.AppendAttempt(backlog.FixAttempt{
			Crank:    r.n,
			Outcome:  r.fix.Outcome,
			Details:  r.fix.Details,
			Files:    r.fix.Files,
			SHSDelta: r.fix.SHSDelta,
		}, o.now())
		if r.mode == ModeFull && r.fix.Outcome == backlog.OutcomeFixed {
			return doc.MarkImplemented(r.fix.IssueID)
		}
		return nil
	})
}

// sourceTestOutcome grades an accepted fix against the issue's source
// tests: all passing (or none known) is fixed, anything still failing is
// partial.
func (r *crankRun) sourceTestOutcome() string {
	if r.issue == nil || len(r.issue.SourceTests) == 0 {
		return backlog.OutcomeFixed
	}
	byID := map[string]*validate.TestResult{}
	for i := range r.results {
		byID[r.results[i].TestID] = &r.results[i]
	}
	for _, id := range r.issue.SourceTests {
		if res, ok := byID[id]; ok && res.Failing() {
			return backlog.OutcomePartial
		}
	}
	return backlog.OutcomeFixed
}

func (r *crankRun) writeCrankSummary() error {
	return fsbus.WriteJSONAtomic(filepath.Join(r.runDir, "crank-summary.json"), r.out)
}

// failureTags derives the crank's failure pattern tags: a runner-error
// marker, one cat:<category> tag per category with a failing test, and the
// area of every bug-type feedback entry tied to a failing test.
func failureTags(results []validate.TestResult, entries []feedback.Entry) []string {
	failing := map[string]bool{}
	tags := map[string]bool{}
	for i := range results {
		res := &results[i]
		if res.Status == validate.StatusError {
			tags["runner-error"] = true
		}
		if res.Failing() {
			failing[res.TestID] = true
			tags["cat:"+res.Category] = true
		}
	}
	for _, e := range entries {
		if e.Type != feedback.TypeBug {
			continue
		}
		for _, id := range e.Tests {
			if failing[id] {
				tags[e.Area] = true
				break
			}
		}
	}
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
