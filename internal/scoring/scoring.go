// Package scoring turns per-test validation results into the skill health
// score and decides whether a crank's measurement may become the new
// baseline.
package scoring

import (
	"math"
	"sort"

	"flywheel/internal/config"
	"flywheel/internal/validate"
)

// Skill health score component weights. The score is 0-100.
const (
	weightPassRate      = 0.40
	weightAvgCompletion = 0.25
	weightPerfectRate   = 0.15
	weightAvgEfficiency = 0.10
	weightCoverage      = 0.10
)

// Metrics are the aggregate inputs to the skill health score. Empty marks a
// run with no tests at all, which is reported as such rather than as a zero
// score.
type Metrics struct {
	Total            int     `json:"total"`
	Passed           int     `json:"passed"`
	Perfect          int     `json:"perfect"`
	PassRate         float64 `json:"passRate"`
	AvgCompletion    float64 `json:"avgCompletion"`
	PerfectRate      float64 `json:"perfectRate"`
	AvgEfficiency    float64 `json:"avgEfficiency"`
	CategoryCoverage float64 `json:"categoryCoverage"`
	Empty            bool    `json:"empty,omitempty"`
}

// Compute derives metrics from one crank's results. Unscoreable tests count
// toward the totals with zero scores; a skill that produces no trace is not
// excused from the denominator.
func Compute(results []validate.TestResult) Metrics {
	m := Metrics{Total: len(results)}
	if m.Total == 0 {
		m.Empty = true
		return m
	}

	categories := map[string]bool{}
	categoriesPassed := map[string]bool{}
	var sumCompletion, sumEfficiency float64
	for i := range results {
		r := &results[i]
		categories[r.Category] = true
		sumCompletion += r.Scores.Completion
		sumEfficiency += r.Scores.Efficiency
		if r.Status == validate.StatusPass {
			m.Passed++
			categoriesPassed[r.Category] = true
			if r.Perfect {
				m.Perfect++
			}
		}
	}

	n := float64(m.Total)
	m.PassRate = float64(m.Passed) / n
	m.AvgCompletion = sumCompletion / n
	m.PerfectRate = float64(m.Perfect) / n
	m.AvgEfficiency = sumEfficiency / n
	m.CategoryCoverage = float64(len(categoriesPassed)) / float64(len(categories))
	return m
}

// SHS folds the metrics into the 0-100 skill health score. Zero for an
// empty run; callers check Empty before treating the value as meaningful.
func (m Metrics) SHS() float64 {
	if m.Empty {
		return 0
	}
	return 100 * (weightPassRate*m.PassRate +
		weightAvgCompletion*m.AvgCompletion +
		weightPerfectRate*m.PerfectRate +
		weightAvgEfficiency*m.AvgEfficiency +
		weightCoverage*m.CategoryCoverage)
}

// Gate verdicts recorded in crank summaries.
const (
	GatePassed  = "passed"
	GateFailed  = "failed"
	GateFirst   = "first"
	GateEmpty   = "empty"
	GateSkipped = "skipped"
)

// GateResult is the regression gate's decision for one measurement.
type GateResult struct {
	Verdict        string   `json:"verdict"`
	SHS            float64  `json:"shs"`
	SHSDelta       float64  `json:"shsDelta"`
	RegressedTests []string `json:"regressedTests,omitempty"`
	Reasons        []string `json:"reasons,omitempty"`
}

// Passed reports whether the measurement may become the new baseline.
func (g *GateResult) Passed() bool {
	return g.Verdict == GatePassed || g.Verdict == GateFirst
}

// EvaluateGate compares a measurement against the previous baseline. The
// gate tolerates an SHS drop up to the margin but never a ratcheted test
// falling below the ratchet threshold. Ratcheted tests absent from the
// current run are skipped, not failed.
func EvaluateGate(cfg config.ScoringConfig, prev *Baseline, m Metrics, results []validate.TestResult) GateResult {
	if m.Empty {
		return GateResult{Verdict: GateEmpty}
	}
	shs := m.SHS()
	if prev == nil {
		return GateResult{Verdict: GateFirst, SHS: shs}
	}

	g := GateResult{SHS: shs, SHSDelta: shs - prev.SHS}
	if shs < prev.SHS-cfg.SHSMargin {
		g.Reasons = append(g.Reasons,
			"skill health score dropped beyond margin")
	}
	byID := map[string]*validate.TestResult{}
	for i := range results {
		byID[results[i].TestID] = &results[i]
	}
	for id, tb := range prev.Tests {
		if !tb.Ratcheted {
			continue
		}
		r, ok := byID[id]
		if !ok {
			continue
		}
		if r.Scores.Composite < cfg.RatchetThreshold {
			g.RegressedTests = append(g.RegressedTests, id)
		}
	}
	sort.Strings(g.RegressedTests)
	if len(g.RegressedTests) > 0 {
		g.Reasons = append(g.Reasons, "ratcheted test regressed")
	}

	if len(g.Reasons) > 0 {
		g.Verdict = GateFailed
	} else {
		g.Verdict = GatePassed
	}
	return g
}

// TestDelta is one test's movement relative to the baseline.
type TestDelta struct {
	TestID string  `json:"testId"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
	Delta  float64 `json:"delta"`
}

// Comparison reports per-test movement against the previous baseline.
// Movement inside the noise band counts as neither improvement nor
// regression.
type Comparison struct {
	IsFirst   bool        `json:"isFirst"`
	New       []string    `json:"new,omitempty"`
	Removed   []string    `json:"removed,omitempty"`
	Improved  []TestDelta `json:"improved,omitempty"`
	Regressed []TestDelta `json:"regressed,omitempty"`
}

// Compare diffs a measurement against the previous baseline.
func Compare(cfg config.ScoringConfig, prev *Baseline, results []validate.TestResult) Comparison {
	c := Comparison{}
	if prev == nil {
		c.IsFirst = true
		for i := range results {
			c.New = append(c.New, results[i].TestID)
		}
		sort.Strings(c.New)
		return c
	}

	seen := map[string]bool{}
	for i := range results {
		r := &results[i]
		seen[r.TestID] = true
		tb, ok := prev.Tests[r.TestID]
		if !ok {
			c.New = append(c.New, r.TestID)
			continue
		}
		d := r.Scores.Composite - tb.Composite
		if math.Abs(d) <= cfg.NoiseDelta {
			continue
		}
		td := TestDelta{TestID: r.TestID, Before: tb.Composite, After: r.Scores.Composite, Delta: d}
		if d > 0 {
			c.Improved = append(c.Improved, td)
		} else {
			c.Regressed = append(c.Regressed, td)
		}
	}
	for id := range prev.Tests {
		if !seen[id] {
			c.Removed = append(c.Removed, id)
		}
	}
	sort.Strings(c.New)
	sort.Strings(c.Removed)
	sort.Slice(c.Improved, func(i, j int) bool { return c.Improved[i].TestID < c.Improved[j].TestID })
	sort.Slice(c.Regressed, func(i, j int) bool { return c.Regressed[i].TestID < c.Regressed[j].TestID })
	return c
}
