package suite

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	TestID   string   `json:"test_id,omitempty"`
	File     string   `json:"file,omitempty"`
}

// weightTolerance absorbs float accumulation when summing milestone weights.
const weightTolerance = 1e-9

// Lint runs every suite rule and returns the diagnostics in rule order.
func Lint(s *Suite) []Diagnostic {
	var diags []Diagnostic
	diags = append(diags, lintRequiredFields(s)...)
	diags = append(diags, lintDuplicateIDs(s)...)
	diags = append(diags, lintCategories(s)...)
	diags = append(diags, lintMilestones(s)...)
	diags = append(diags, lintBudget(s)...)
	return diags
}

func lintRequiredFields(s *Suite) []Diagnostic {
	var diags []Diagnostic
	for i := range s.Tests {
		t := &s.Tests[i]
		if strings.TrimSpace(t.ID) == "" {
			diags = append(diags, Diagnostic{Rule: "id_required", Severity: SeverityError,
				Message: "test id is required (the id is authoritative over the filename)", File: t.File})
		}
		if strings.TrimSpace(t.URL) == "" {
			diags = append(diags, Diagnostic{Rule: "url_required", Severity: SeverityError,
				Message: "test url is required", TestID: t.ID, File: t.File})
		}
		if len(t.Milestones) == 0 {
			diags = append(diags, Diagnostic{Rule: "milestones_required", Severity: SeverityError,
				Message: "test has no milestones", TestID: t.ID, File: t.File})
		}
	}
	return diags
}

func lintDuplicateIDs(s *Suite) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]string{}
	for i := range s.Tests {
		t := &s.Tests[i]
		if prev, dup := seen[t.ID]; dup {
			diags = append(diags, Diagnostic{Rule: "duplicate_id", Severity: SeverityError,
				Message: fmt.Sprintf("test id %q already defined in %s", t.ID, prev), TestID: t.ID, File: t.File})
			continue
		}
		seen[t.ID] = t.File
	}
	return diags
}

func lintCategories(s *Suite) []Diagnostic {
	valid := map[string]bool{}
	for _, c := range Categories {
		valid[c] = true
	}
	var diags []Diagnostic
	for i := range s.Tests {
		t := &s.Tests[i]
		if !valid[t.Category] {
			diags = append(diags, Diagnostic{Rule: "category_unknown", Severity: SeverityError,
				Message: fmt.Sprintf("category %q is not one of %s", t.Category, strings.Join(Categories, ", ")),
				TestID:  t.ID, File: t.File})
		}
	}
	return diags
}

func lintMilestones(s *Suite) []Diagnostic {
	var diags []Diagnostic
	for i := range s.Tests {
		t := &s.Tests[i]
		seen := map[string]bool{}
		for j := range t.Milestones {
			m := &t.Milestones[j]
			if strings.TrimSpace(m.ID) == "" {
				diags = append(diags, Diagnostic{Rule: "milestone_id_required", Severity: SeverityError,
					Message: fmt.Sprintf("milestone %d has no id", j), TestID: t.ID, File: t.File})
			} else if seen[m.ID] {
				diags = append(diags, Diagnostic{Rule: "milestone_id_duplicate", Severity: SeverityError,
					Message: fmt.Sprintf("milestone id %q repeats", m.ID), TestID: t.ID, File: t.File})
			}
			seen[m.ID] = true
			if m.Weight < 0 || m.Weight > 1 {
				diags = append(diags, Diagnostic{Rule: "milestone_weight_range", Severity: SeverityError,
					Message: fmt.Sprintf("milestone %q weight %v outside [0,1]", m.ID, m.Weight), TestID: t.ID, File: t.File})
			}
			if err := m.Verify.Validate(); err != nil {
				diags = append(diags, Diagnostic{Rule: "verify_invalid", Severity: SeverityError,
					Message: fmt.Sprintf("milestone %q: %v", m.ID, err), TestID: t.ID, File: t.File})
			}
		}
		if sum := t.WeightSum(); sum > 1+weightTolerance {
			diags = append(diags, Diagnostic{Rule: "weight_sum", Severity: SeverityError,
				Message: fmt.Sprintf("milestone weights sum to %v, must be <= 1", sum), TestID: t.ID, File: t.File})
		} else if sum < 1-weightTolerance && len(t.Milestones) > 0 {
			// A perfect run requires completion == 1, which these weights
			// cannot reach.
			diags = append(diags, Diagnostic{Rule: "weight_sum_below_one", Severity: SeverityWarning,
				Message: fmt.Sprintf("milestone weights sum to %v; perfect is unreachable", sum), TestID: t.ID, File: t.File})
		}
	}
	return diags
}

func lintBudget(s *Suite) []Diagnostic {
	var diags []Diagnostic
	for i := range s.Tests {
		t := &s.Tests[i]
		if t.Budget.MaxSteps < 0 || t.Budget.MaxTimeMS < 0 {
			diags = append(diags, Diagnostic{Rule: "budget_negative", Severity: SeverityError,
				Message: "budget values must be >= 0", TestID: t.ID, File: t.File})
		}
	}
	return diags
}

func hasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

func formatDiagnostics(diags []Diagnostic) string {
	var b strings.Builder
	for _, d := range diags {
		fmt.Fprintf(&b, "  %s %s", d.Severity, d.Rule)
		if d.TestID != "" {
			fmt.Fprintf(&b, " [%s]", d.TestID)
		}
		fmt.Fprintf(&b, ": %s\n", d.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}
