// Package validate scores runner traces against the suite's milestone
// definitions. Validation is deterministic for a given trace: milestone
// verification prefers the trace's captured snapshot, falling back to the
// runner's still-open browser context only for facts the snapshot lacks.
package validate

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"flywheel/internal/fsbus"
	"flywheel/internal/suite"
	"flywheel/internal/trace"
	"flywheel/internal/verify"
)

// Composite weights. Completion dominates: a test that achieves nothing
// cannot pass on style points alone.
const (
	weightCompletion = 0.60
	weightEfficiency = 0.15
	weightResilience = 0.10
	weightQuality    = 0.15
)

// perfectEpsilon absorbs float drift when milestone weights sum to one.
const perfectEpsilon = 1e-9

// Status classifies one test's validation outcome. StatusError means the
// trace could not be scored at all (missing or malformed), which is distinct
// from a scored test that fell below the pass threshold.
type Status string

const (
	StatusPass  Status = "pass"
	StatusFail  Status = "fail"
	StatusError Status = "error"
)

// MilestoneOutcome records one milestone's verification result.
type MilestoneOutcome struct {
	ID           string  `json:"id"`
	Weight       float64 `json:"weight"`
	Achieved     bool    `json:"achieved"`
	Unverifiable bool    `json:"unverifiable,omitempty"`
}

// Scores holds the four sub-scores and their weighted composite, all in
// [0, 1].
type Scores struct {
	Completion      float64 `json:"completion"`
	Efficiency      float64 `json:"efficiency"`
	Resilience      float64 `json:"resilience"`
	ResponseQuality float64 `json:"responseQuality"`
	Composite       float64 `json:"composite"`
}

// TestResult is the scored outcome of one test.
type TestResult struct {
	TestID         string             `json:"testId"`
	Category       string             `json:"category"`
	Status         Status             `json:"status"`
	Perfect        bool               `json:"perfect"`
	Reason         string             `json:"reason,omitempty"`
	Milestones     []MilestoneOutcome `json:"milestones,omitempty"`
	Scores         Scores             `json:"scores"`
	WallClockMs    float64            `json:"wallClockMs,omitempty"`
	SnapshotDigest string             `json:"snapshotDigest,omitempty"`
}

// Passed reports whether the test was scored and met the threshold.
func (r *TestResult) Passed() bool { return r.Status == StatusPass }

// Failing reports whether the test counts toward failure-pattern tags.
func (r *TestResult) Failing() bool { return r.Status != StatusPass }

// LiveDialer opens a read-only probe into the runner's browser context for
// one test. Returning verify.ErrLiveUnavailable marks affected milestones
// unverifiable instead of failing the validation.
type LiveDialer func(ctx context.Context, runDir, testID string) (verify.Probe, error)

// Validator scores traces. The zero live dialer reads the runner's CDP
// endpoint file from the run directory's browser/ subdirectory.
type Validator struct {
	passThreshold float64
	dialLive      LiveDialer
	log           *zap.Logger
}

func New(passThreshold float64, log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{
		passThreshold: passThreshold,
		dialLive:      dialEndpointFile,
		log:           log,
	}
}

// WithLiveDialer replaces the live-probe dialer. Tests use this to avoid
// touching a real browser.
func (v *Validator) WithLiveDialer(d LiveDialer) *Validator {
	v.dialLive = d
	return v
}

func dialEndpointFile(ctx context.Context, runDir, testID string) (verify.Probe, error) {
	return verify.DialEndpointFile(ctx, filepath.Join(runDir, "browser", testID+".json"))
}

// Evaluate scores one test. A nil trace is the unscoreable case: the result
// carries status error, composite zero, and the caller's reason.
func (v *Validator) Evaluate(ctx context.Context, t *suite.Test, tr *trace.Trace, runDir, reason string) TestResult {
	res := TestResult{TestID: t.ID, Category: t.Category}
	if tr == nil {
		res.Status = StatusError
		res.Reason = reason
		if res.Reason == "" {
			res.Reason = "trace unavailable"
		}
		v.log.Warn("test unscoreable",
			zap.String("test", t.ID),
			zap.String("reason", res.Reason))
		return res
	}

	res.WallClockMs = tr.WallClockMs
	res.Milestones = v.verifyMilestones(ctx, t, tr, runDir, &res)

	var completion float64
	for _, m := range res.Milestones {
		if m.Achieved {
			completion += m.Weight
		}
	}
	if completion > 1 {
		completion = 1
	}

	sc := Scores{
		Completion:      completion,
		Efficiency:      efficiency(t.Budget.MaxSteps, tr.StepsUsed),
		Resilience:      resilience(tr.Errors, tr.RecoveredErrors),
		ResponseQuality: responseQuality(tr.ResponseChecks),
	}
	sc.Composite = weightCompletion*sc.Completion +
		weightEfficiency*sc.Efficiency +
		weightResilience*sc.Resilience +
		weightQuality*sc.ResponseQuality
	res.Scores = sc

	if sc.Composite >= v.passThreshold {
		res.Status = StatusPass
	} else {
		res.Status = StatusFail
	}
	res.Perfect = res.Status == StatusPass && sc.Completion >= 1-perfectEpsilon
	return res
}

// verifyMilestones resolves each milestone's achievement. With no captured
// snapshot the runner's own milestone results stand; with one, the verify
// blocks are re-evaluated against the snapshot and the trace's claims are
// ignored. Facts absent from the snapshot fall back to the live context; an
// unreachable live context leaves the milestone not achieved and flagged
// unverifiable.
func (v *Validator) verifyMilestones(ctx context.Context, t *suite.Test, tr *trace.Trace, runDir string, res *TestResult) []MilestoneOutcome {
	out := make([]MilestoneOutcome, 0, len(t.Milestones))

	snap, err := verify.ParseSnapshot(tr.Snapshot)
	if err != nil {
		// A snapshot that cannot be parsed is the same as none: fall back
		// to the runner's claims.
		v.log.Warn("snapshot unparseable", zap.String("test", t.ID), zap.Error(err))
		snap = nil
	}
	if snap == nil {
		for _, m := range t.Milestones {
			out = append(out, MilestoneOutcome{
				ID:       m.ID,
				Weight:   m.Weight,
				Achieved: tr.MilestoneResults[m.ID],
			})
		}
		return out
	}

	res.SnapshotDigest = snap.Digest()
	live := verify.NewLazyProbe(func() (verify.Probe, error) {
		if v.dialLive == nil {
			return nil, verify.ErrLiveUnavailable
		}
		return v.dialLive(ctx, runDir, t.ID)
	})
	defer live.Close()

	for i := range t.Milestones {
		m := &t.Milestones[i]
		mo := MilestoneOutcome{ID: m.ID, Weight: m.Weight}
		switch verify.Evaluate(&m.Verify, snap, live) {
		case verify.True:
			mo.Achieved = true
		case verify.Unverifiable:
			mo.Unverifiable = true
		}
		out = append(out, mo)
	}
	if live.Dialed() {
		v.log.Debug("live fallback used", zap.String("test", t.ID))
	}
	return out
}

// efficiency scores step usage against the test budget. Linear decay from
// one at the budget to zero at double the budget. With no budget, only a
// reported zero-step run earns full marks; an unreported step count scores
// zero either way.
func efficiency(maxSteps int, stepsUsed *int) float64 {
	if stepsUsed == nil {
		return 0
	}
	if maxSteps <= 0 {
		if *stepsUsed == 0 {
			return 1
		}
		return 0
	}
	over := float64(*stepsUsed - maxSteps)
	if over < 0 {
		over = 0
	}
	e := 1 - over/float64(maxSteps)
	if e < 0 {
		return 0
	}
	return e
}

// resilience rewards recovering from errors. An error-free run scores one;
// otherwise the score starts at one half and climbs with the recovery rate.
func resilience(errors, recovered int) float64 {
	if errors <= 0 {
		return 1
	}
	r := 0.5 + 0.5*float64(recovered)/float64(errors)
	if r > 1 {
		return 1
	}
	if r < 0 {
		return 0
	}
	return r
}

// responseQuality is the fraction of response checks that passed. Absent
// checks score one rather than penalizing runners that report none.
func responseQuality(rc *trace.ResponseChecks) float64 {
	if rc == nil || rc.Total <= 0 {
		return 1
	}
	q := float64(rc.Passed) / float64(rc.Total)
	if q > 1 {
		return 1
	}
	if q < 0 {
		return 0
	}
	return q
}

// WriteResult writes one per-test result document under the run directory's
// results/ subdirectory.
func WriteResult(runDir string, res *TestResult) error {
	path := filepath.Join(runDir, "results", res.TestID+".json")
	if err := fsbus.WriteJSONAtomic(path, res); err != nil {
		return fmt.Errorf("write result for %s: %w", res.TestID, err)
	}
	return nil
}

// Counts is the per-category tally reported in the validation summary.
type Counts struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
}

// Summary aggregates one crank's results for the validation summary file.
type Summary struct {
	Total      int               `json:"total"`
	Passed     int               `json:"passed"`
	Perfect    int               `json:"perfect"`
	Errors     int               `json:"errors"`
	ByCategory map[string]Counts `json:"byCategory"`
}

// Summarize tallies results by status and category.
func Summarize(results []TestResult) Summary {
	s := Summary{ByCategory: map[string]Counts{}}
	for i := range results {
		r := &results[i]
		s.Total++
		c := s.ByCategory[r.Category]
		c.Total++
		switch r.Status {
		case StatusPass:
			s.Passed++
			c.Passed++
			if r.Perfect {
				s.Perfect++
			}
		case StatusError:
			s.Errors++
		}
		s.ByCategory[r.Category] = c
	}
	return s
}
