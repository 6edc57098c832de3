package crank

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"flywheel/internal/backlog"
	"flywheel/internal/config"
	"flywheel/internal/fsbus"
	"flywheel/internal/history"
	"flywheel/internal/scoring"
	"flywheel/internal/validate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// flywheelRoot builds a workspace with a two-test suite and collaborator
// timeouts tightened for tests.
func flywheelRoot(t *testing.T) (string, *config.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Runner.MaxConcurrent = 2
	cfg.Runner.TimeoutMS = 5_000
	cfg.Runner.ShutdownGraceMS = 200
	cfg.Fixer.TimeoutMS = 5_000
	cfg.Matcher.PollIntervalMS = 20
	cfg.Matcher.TimeoutMS = 2_000
	writeTestDef(t, filepath.Join(root, "tests"), "contact-add", "create")
	writeTestDef(t, filepath.Join(root, "tests"), "contact-list", "read")
	return root, cfg
}

func writeTestDef(t *testing.T, dir, id, category string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	def := fmt.Sprintf(`id: %[1]s
url: https://crm.example/%[1]s
category: %[2]s
task: Exercise the %[1]s flow end to end.
budget:
  maxSteps: 20
milestones:
  - id: opened
    weight: 0.5
    verify:
      url_contains: "/%[1]s"
  - id: saved
    weight: 0.5
    verify:
      url_contains: "/done"
`, id, category)
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".yaml"), []byte(def), 0o644))
}

// writeScript installs a fake collaborator and returns its argv.
func writeScript(t *testing.T, name, body string) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return []string{path}
}

// passTrace claims every milestone inside the step budget; failTrace claims
// none and reports an iframe bug. One trace per invocation, keyed by the
// test id the pool exports.
const passTrace = `printf '{"testId":"%s","wallClockMs":1430,"stepsUsed":8,"milestoneResults":{"opened":true,"saved":true},"feedback":[]}' "$FLYWHEEL_TEST_ID" > "$3"`

const failTrace = `printf '{"testId":"%s","wallClockMs":910,"stepsUsed":8,"milestoneResults":{"opened":false,"saved":false},"feedback":[{"type":"bug","area":"iframe","title":"frame lookup races navigation","detail":"Save button search ran before the editor iframe finished loading."}]}' "$FLYWHEEL_TEST_ID" > "$3"`

func gitOut(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func initSkillRepo(t *testing.T, root string) string {
	t.Helper()
	repo := filepath.Join(root, "skill")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	gitOut(t, repo, "init", "-q", "-b", "main")
	gitOut(t, repo, "config", "user.name", "test")
	gitOut(t, repo, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "SKILL.md"), []byte("# browser skill\n"), 0o644))
	gitOut(t, repo, "add", "-A")
	gitOut(t, repo, "commit", "-q", "-m", "initial skill")
	return repo
}

func seedIssue(t *testing.T, root string, issue backlog.Issue) {
	t.Helper()
	store := backlog.NewStore(filepath.Join(root, "data", "backlog.json"), nil)
	require.NoError(t, store.Save(&backlog.Document{
		Issues:      []backlog.Issue{issue},
		Implemented: []backlog.Issue{},
	}))
}

func iframeIssue() backlog.Issue {
	return backlog.Issue{
		ID:          "1.1",
		Title:       "clicks lost inside editor iframes",
		Section:     "Frames & IFrames",
		Votes:       3,
		Status:      backlog.StatusOpen,
		SourceTests: []string{"contact-add"},
	}
}

func readHistory(t *testing.T, root string) *history.Log {
	t.Helper()
	lg, err := history.NewStore(filepath.Join(root, "data", "history.ndjson"), "", nil).Read()
	require.NoError(t, err)
	return lg
}

func TestFullCrankEstablishesBaseline(t *testing.T) {
	root, cfg := flywheelRoot(t)
	repo := initSkillRepo(t, root)
	cfg.Skill.RepoPath = "skill"
	cfg.Runner.Command = writeScript(t, "runner.sh", passTrace)
	cfg.Fixer.Command = writeScript(t, "fixer.sh", `printf 'wait for frame load before lookup\n' >> "$2/SKILL.md"`)
	seedIssue(t, root, iframeIssue())

	o := New(cfg, root, nil)
	out, err := o.Run(context.Background(), ModeFull, "")
	require.NoError(t, err)

	require.Equal(t, 1, out.Crank)
	require.NotNil(t, out.Selected)
	require.Equal(t, "1.1", out.Selected.IssueID)
	require.NotNil(t, out.Fix)
	require.Equal(t, backlog.OutcomeFixed, out.Fix.Outcome)
	require.NotEmpty(t, out.Fix.CommitSHA)
	require.Equal(t, []string{"SKILL.md"}, out.Fix.Files)
	require.Equal(t, scoring.GateFirst, out.Gate.Verdict)
	require.InDelta(t, 100, out.SHS, 0.001)
	require.Equal(t, 2, out.Summary.Passed)

	subject := strings.TrimSpace(gitOut(t, repo, "log", "-1", "--format=%s"))
	require.Equal(t, "flywheel: fix 1.1 clicks lost inside editor iframes", subject)

	bs := scoring.NewStore(filepath.Join(root, "baseline"), nil)
	b, err := bs.Load()
	require.NoError(t, err)
	require.Equal(t, 1, b.Crank)
	require.InDelta(t, 100, b.SHS, 0.001)
	trend, err := bs.ReadTrend()
	require.NoError(t, err)
	require.Len(t, trend, 1)

	lg := readHistory(t, root)
	require.Len(t, lg.FixOutcomes, 1)
	require.Equal(t, backlog.OutcomeFixed, lg.FixOutcomes[0].Outcome)
	require.Len(t, lg.Cranks, 1)
	require.Equal(t, scoring.GateFirst, lg.Cranks[0].Gate)
	require.Equal(t, "1.1", lg.Cranks[0].FixIssueID)

	doc, err := o.Backlog().Load()
	require.NoError(t, err)
	require.Empty(t, doc.Open())
	require.Len(t, doc.Implemented, 1)
	require.Equal(t, backlog.StatusImplemented, doc.Implemented[0].Status)
	require.Len(t, doc.Implemented[0].FixAttempts, 1)

	for _, name := range []string{"crank-summary.json", "validation-summary.json", "extracted-feedback.json", "fix-issue.json"} {
		_, err := os.Stat(filepath.Join(out.RunDir, name))
		require.NoError(t, err, name)
	}
	data, err := os.ReadFile(filepath.Join(root, "runs", "crank-state.json"))
	require.NoError(t, err)
	var st State
	require.NoError(t, json.Unmarshal(data, &st))
	require.True(t, st.Done)
	require.Empty(t, st.Error)
	require.Equal(t, PhaseDone, st.Phase)
}

func TestGateFailureRevertsFix(t *testing.T) {
	root, cfg := flywheelRoot(t)
	repo := initSkillRepo(t, root)
	cfg.Skill.RepoPath = "skill"
	runnerCmd := writeScript(t, "runner.sh", passTrace)
	cfg.Runner.Command = runnerCmd
	o := New(cfg, root, nil)

	// Crank 1 anchors the baseline at full health.
	out, err := o.Run(context.Background(), ModeMeasure, "")
	require.NoError(t, err)
	require.Equal(t, scoring.GateFirst, out.Gate.Verdict)

	// Crank 2: the fixer commits, then every test collapses.
	require.NoError(t, os.WriteFile(runnerCmd[0], []byte("#!/bin/sh\n"+failTrace+"\n"), 0o755))
	cfg.Fixer.Command = writeScript(t, "fixer.sh", `printf 'regression\n' >> "$2/SKILL.md"`)
	seedIssue(t, root, iframeIssue())

	out, err = o.Run(context.Background(), ModeFull, "")
	require.NoError(t, err)
	require.Equal(t, 2, out.Crank)
	require.Equal(t, scoring.GateFailed, out.Gate.Verdict)
	require.Equal(t, backlog.OutcomeReverted, out.Fix.Outcome)
	require.NotEmpty(t, out.Fix.RevertSHA)
	require.InDelta(t, -90, out.Gate.SHSDelta, 0.01)

	content, err := os.ReadFile(filepath.Join(repo, "SKILL.md"))
	require.NoError(t, err)
	require.Equal(t, "# browser skill\n", string(content))
	subject := strings.TrimSpace(gitOut(t, repo, "log", "-1", "--format=%s"))
	require.Contains(t, subject, "Revert")

	// The baseline is still the one crank 1 accepted.
	b, err := scoring.NewStore(filepath.Join(root, "baseline"), nil).Load()
	require.NoError(t, err)
	require.Equal(t, 1, b.Crank)

	doc, err := o.Backlog().Load()
	require.NoError(t, err)
	issue := doc.Find("1.1")
	require.NotNil(t, issue)
	require.Equal(t, backlog.StatusOpen, issue.Status)
	require.Len(t, issue.FixAttempts, 1)
	require.Equal(t, backlog.OutcomeReverted, issue.FixAttempts[0].Outcome)

	require.Equal(t, []string{"cat:create", "cat:read", "iframe"}, out.FailureTags)
}

func TestMatcherDecisionsFoldIntoBacklog(t *testing.T) {
	root, cfg := flywheelRoot(t)
	cfg.Runner.Command = writeScript(t, "runner.sh", failTrace)
	cfg.Matcher.Command = writeScript(t, "matcher.sh",
		`printf '{"decisions":[{"feedbackId":"fb-001","matchedIssueId":"1.1","confidence":"high","reasoning":"same iframe race"}]}' > "$3"`)
	seedIssue(t, root, iframeIssue())

	o := New(cfg, root, nil)
	out, err := o.Run(context.Background(), ModeMeasure, "")
	require.NoError(t, err)

	require.Equal(t, 1, out.Feedback.Extracted)
	require.Equal(t, 1, out.Feedback.Matched)
	require.Zero(t, out.Feedback.NewIssues)
	require.False(t, out.Feedback.TimedOut)

	// Both tests reported the same bug, so the match upvotes by two.
	doc, err := o.Backlog().Load()
	require.NoError(t, err)
	issue := doc.Find("1.1")
	require.NotNil(t, issue)
	require.Equal(t, 5, issue.Votes)

	for _, name := range []string{"match-decisions.json", "applier-summary.json"} {
		_, err := os.Stat(filepath.Join(out.RunDir, name))
		require.NoError(t, err, name)
	}
}

func TestMatcherTimeoutStillRecordsCrank(t *testing.T) {
	root, cfg := flywheelRoot(t)
	cfg.Runner.Command = writeScript(t, "runner.sh", failTrace)
	cfg.Matcher.Command = writeScript(t, "matcher.sh", `sleep 30`)
	cfg.Matcher.TimeoutMS = 300
	cfg.Runner.ShutdownGraceMS = 100
	seedIssue(t, root, iframeIssue())

	o := New(cfg, root, nil)
	out, err := o.Run(context.Background(), ModeMeasure, "")
	require.ErrorIs(t, err, ErrMatcherTimeout)
	require.NotNil(t, out)
	require.True(t, out.Feedback.TimedOut)
	require.Zero(t, out.Feedback.Matched)

	// The measurement itself is durable; only feedback application was lost.
	lg := readHistory(t, root)
	require.Len(t, lg.Cranks, 1)
	require.True(t, lg.Cranks[0].MatcherTimedOut)
	_, err = os.Stat(filepath.Join(out.RunDir, "crank-summary.json"))
	require.NoError(t, err)

	// The unmatched feedback never reached the backlog.
	doc, err := o.Backlog().Load()
	require.NoError(t, err)
	require.Equal(t, 3, doc.Find("1.1").Votes)
	require.Len(t, doc.Open(), 1)
}

func TestFixOnlyModeSkipsMeasurement(t *testing.T) {
	root, cfg := flywheelRoot(t)
	repo := initSkillRepo(t, root)
	cfg.Skill.RepoPath = "skill"
	cfg.Fixer.Command = writeScript(t, "fixer.sh", `printf 'shadow piercing selector\n' >> "$2/SKILL.md"`)
	seedIssue(t, root, iframeIssue())

	o := New(cfg, root, nil)
	out, err := o.Run(context.Background(), ModeFix, "")
	require.NoError(t, err)
	require.Equal(t, backlog.OutcomeFixed, out.Fix.Outcome)
	require.Contains(t, out.Fix.Details, "not measured")

	subject := strings.TrimSpace(gitOut(t, repo, "log", "-1", "--format=%s"))
	require.Equal(t, "flywheel: fix 1.1 clicks lost inside editor iframes", subject)

	lg := readHistory(t, root)
	require.Len(t, lg.FixOutcomes, 1)
	require.Len(t, lg.Cranks, 1)
	require.Equal(t, scoring.GateSkipped, lg.Cranks[0].Gate)
	require.Zero(t, lg.Cranks[0].TestsTotal)

	// An unmeasured fix leaves the issue open.
	doc, err := o.Backlog().Load()
	require.NoError(t, err)
	issue := doc.Find("1.1")
	require.NotNil(t, issue)
	require.Equal(t, backlog.StatusOpen, issue.Status)
	require.Len(t, issue.FixAttempts, 1)

	_, err = scoring.NewStore(filepath.Join(root, "baseline"), nil).Load()
	require.ErrorIs(t, err, scoring.ErrNoBaseline)
}

func TestFixModeRequiresFixer(t *testing.T) {
	root, cfg := flywheelRoot(t)
	o := New(cfg, root, nil)
	_, err := o.Run(context.Background(), ModeFix, "")
	require.ErrorContains(t, err, "fixer.command")
}

func TestSingleTestMode(t *testing.T) {
	root, cfg := flywheelRoot(t)
	cfg.Runner.Command = writeScript(t, "runner.sh", passTrace)

	o := New(cfg, root, nil)
	out, err := o.Run(context.Background(), ModeSingleTest, "contact-list")
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	require.Equal(t, "contact-list", out.Results[0].TestID)
	require.Equal(t, validate.StatusPass, out.Results[0].Status)
	require.Equal(t, scoring.GateSkipped, out.Gate.Verdict)

	// Nothing durable beyond the run directory.
	_, err = os.Stat(filepath.Join(root, "data", "history.ndjson"))
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = scoring.NewStore(filepath.Join(root, "baseline"), nil).Load()
	require.ErrorIs(t, err, scoring.ErrNoBaseline)
}

func TestSingleTestUnknownID(t *testing.T) {
	root, cfg := flywheelRoot(t)
	cfg.Runner.Command = writeScript(t, "runner.sh", passTrace)
	o := New(cfg, root, nil)
	_, err := o.Run(context.Background(), ModeSingleTest, "contact-delete")
	require.ErrorContains(t, err, "not found")
}

func TestCrankLockHeld(t *testing.T) {
	root, cfg := flywheelRoot(t)
	cfg.Runner.Command = writeScript(t, "runner.sh", passTrace)
	runsDir := filepath.Join(root, "runs")
	require.NoError(t, os.MkdirAll(runsDir, 0o755))
	lock, err := fsbus.TryAcquireLock(filepath.Join(runsDir, "crank"))
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	o := New(cfg, root, nil)
	_, err = o.Run(context.Background(), ModeMeasure, "")
	require.ErrorIs(t, err, ErrCrankRunning)
}

func TestEmptySuiteRecordsEmptyGate(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default()

	o := New(cfg, root, nil)
	out, err := o.Run(context.Background(), ModeFull, "")
	require.NoError(t, err)
	require.Equal(t, scoring.GateEmpty, out.Gate.Verdict)
	require.Nil(t, out.Fix)
	require.Zero(t, out.SHS)

	lg := readHistory(t, root)
	require.Len(t, lg.Cranks, 1)
	require.Equal(t, scoring.GateEmpty, lg.Cranks[0].Gate)
	_, err = scoring.NewStore(filepath.Join(root, "baseline"), nil).Load()
	require.ErrorIs(t, err, scoring.ErrNoBaseline)
}

func TestFullCrankWithoutBacklogMeasures(t *testing.T) {
	root, cfg := flywheelRoot(t)
	initSkillRepo(t, root)
	cfg.Skill.RepoPath = "skill"
	cfg.Runner.Command = writeScript(t, "runner.sh", passTrace)
	cfg.Fixer.Command = writeScript(t, "fixer.sh", `exit 0`)

	o := New(cfg, root, nil)
	out, err := o.Run(context.Background(), ModeFull, "")
	require.NoError(t, err)
	require.Nil(t, out.Selected)
	require.Nil(t, out.Fix)
	require.Equal(t, scoring.GateFirst, out.Gate.Verdict)
}

func TestFixerFailureRestoresRepo(t *testing.T) {
	root, cfg := flywheelRoot(t)
	repo := initSkillRepo(t, root)
	cfg.Skill.RepoPath = "skill"
	cfg.Runner.Command = writeScript(t, "runner.sh", passTrace)
	cfg.Fixer.Command = writeScript(t, "fixer.sh",
		`printf 'half-finished edit\n' >> "$2/SKILL.md"
printf 'scratch\n' > "$2/notes.tmp"
exit 1`)
	seedIssue(t, root, iframeIssue())

	o := New(cfg, root, nil)
	out, err := o.Run(context.Background(), ModeFull, "")
	require.NoError(t, err)
	require.Equal(t, backlog.OutcomeFailed, out.Fix.Outcome)
	require.Contains(t, out.Fix.Details, "fixer failed")
	require.Empty(t, out.Fix.CommitSHA)

	// The aborted fixer's leavings are gone, tracked and untracked alike.
	content, err := os.ReadFile(filepath.Join(repo, "SKILL.md"))
	require.NoError(t, err)
	require.Equal(t, "# browser skill\n", string(content))
	_, err = os.Stat(filepath.Join(repo, "notes.tmp"))
	require.ErrorIs(t, err, os.ErrNotExist)

	// The crank recorded the failed attempt without measuring.
	require.Equal(t, scoring.GateSkipped, out.Gate.Verdict)
	_, err = os.Stat(filepath.Join(out.RunDir, "validation-summary.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
	doc, err := o.Backlog().Load()
	require.NoError(t, err)
	issue := doc.Find("1.1")
	require.NotNil(t, issue)
	require.Equal(t, backlog.StatusOpen, issue.Status)
	require.Len(t, issue.FixAttempts, 1)
	require.Equal(t, backlog.OutcomeFailed, issue.FixAttempts[0].Outcome)
}

func TestFixerNoChangesScoresFailed(t *testing.T) {
	root, cfg := flywheelRoot(t)
	initSkillRepo(t, root)
	cfg.Skill.RepoPath = "skill"
	cfg.Runner.Command = writeScript(t, "runner.sh", passTrace)
	cfg.Fixer.Command = writeScript(t, "fixer.sh", `exit 0`)
	seedIssue(t, root, iframeIssue())

	o := New(cfg, root, nil)
	out, err := o.Run(context.Background(), ModeFull, "")
	require.NoError(t, err)
	require.Equal(t, backlog.OutcomeFailed, out.Fix.Outcome)
	require.Equal(t, "fixer made no changes", out.Fix.Details)
	require.Empty(t, out.Fix.CommitSHA)
	require.Equal(t, scoring.GateSkipped, out.Gate.Verdict)
}

func TestStatusAfterCrank(t *testing.T) {
	root, cfg := flywheelRoot(t)
	cfg.Runner.Command = writeScript(t, "runner.sh", passTrace)
	o := New(cfg, root, nil)
	_, err := o.Run(context.Background(), ModeMeasure, "")
	require.NoError(t, err)

	rep, err := o.Status()
	require.NoError(t, err)
	require.NotNil(t, rep.State)
	require.True(t, rep.State.Done)
	require.NotNil(t, rep.Baseline)
	require.Len(t, rep.Trend, 1)
	require.Len(t, rep.LastCranks, 1)
	require.Zero(t, rep.OpenIssues)
}
