// Package trace reads the artifact a runner emits per test. The four
// required fields are the whole runner contract; unknown fields are ignored
// so runner implementations can evolve without breaking the flywheel.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrMalformed marks a trace that fails the shape check. The owning test
// scores composite 0 with status=error; the crank continues.
var ErrMalformed = errors.New("trace malformed")

// FeedbackEntry is one raw free-form observation from a runner.
type FeedbackEntry struct {
	Type   string   `json:"type"`
	Area   string   `json:"area,omitempty"`
	Title  string   `json:"title,omitempty"`
	Detail string   `json:"detail,omitempty"`
	Files  []string `json:"files,omitempty"`
}

// ResponseChecks reports how many of the runner's response-quality probes
// passed.
type ResponseChecks struct {
	Passed int `json:"passed"`
	Total  int `json:"total"`
}

// Trace is one test's run record. TestID, WallClockMs, MilestoneResults, and
// Feedback are required; everything else is optional enrichment. StepsUsed is
// a pointer because "ran zero steps" and "did not report steps" score
// efficiency differently.
type Trace struct {
	TestID           string          `json:"testId"`
	WallClockMs      float64         `json:"wallClockMs"`
	MilestoneResults map[string]bool `json:"milestoneResults"`
	Feedback         []FeedbackEntry `json:"feedback"`

	Snapshot        json.RawMessage   `json:"snapshot,omitempty"`
	StepsUsed       *int              `json:"stepsUsed,omitempty"`
	Errors          int               `json:"errors,omitempty"`
	RecoveredErrors int               `json:"recoveredErrors,omitempty"`
	ResponseChecks  *ResponseChecks   `json:"responseChecks,omitempty"`
	Events          []json.RawMessage `json:"events,omitempty"`
}

// Load reads and shape-checks a trace file. Filesystem errors pass through
// untouched so callers can distinguish a missing trace (runner failure) from
// a malformed one.
func Load(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// LoadForTest loads a trace and verifies it belongs to the expected test.
func LoadForTest(path, wantID string) (*Trace, error) {
	t, err := Load(path)
	if err != nil {
		return nil, err
	}
	if t.TestID != wantID {
		return nil, fmt.Errorf("%w: testId %q, expected %q", ErrMalformed, t.TestID, wantID)
	}
	return t, nil
}

// Decode parses trace bytes and applies the shape check.
func Decode(data []byte) (*Trace, error) {
	// Presence is checked through pointers: a required field that is absent
	// or JSON-null fails the shape check even when its zero value would be
	// a legal value.
	var probe struct {
		TestID           *string          `json:"testId"`
		WallClockMs      *float64         `json:"wallClockMs"`
		MilestoneResults *map[string]bool `json:"milestoneResults"`
		Feedback         *json.RawMessage `json:"feedback"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case probe.TestID == nil || *probe.TestID == "":
		return nil, fmt.Errorf("%w: missing testId", ErrMalformed)
	case probe.WallClockMs == nil:
		return nil, fmt.Errorf("%w: missing wallClockMs", ErrMalformed)
	case probe.MilestoneResults == nil:
		return nil, fmt.Errorf("%w: missing milestoneResults", ErrMalformed)
	case probe.Feedback == nil:
		return nil, fmt.Errorf("%w: missing feedback", ErrMalformed)
	}

	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if t.WallClockMs < 0 {
		return nil, fmt.Errorf("%w: negative wallClockMs", ErrMalformed)
	}
	return &t, nil
}
