// Package backlog persists the issue backlog: open and implemented issues,
// their votes, and the append-only fix-attempt history inside each issue.
package backlog

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	StatusOpen        = "open"
	StatusImplemented = "implemented"
	StatusClosed      = "closed"
)

// Fix-attempt outcomes.
const (
	OutcomeFixed    = "fixed"
	OutcomeFailed   = "failed"
	OutcomeReverted = "reverted"
	OutcomePartial  = "partial"
)

var (
	// ErrMissing is returned when the backlog file does not exist.
	ErrMissing = errors.New("backlog missing")
	// ErrCorrupt is returned when the backlog fails the schema check. The
	// orchestrator refuses to start on a corrupt backlog.
	ErrCorrupt = errors.New("backlog corrupt")
)

// FixAttempt records one attempt against an issue. Attempts are append-only;
// state transitions are expressed as new attempts, never edits.
type FixAttempt struct {
	Date     string   `json:"date"`
	Crank    int      `json:"crank"`
	Outcome  string   `json:"outcome"`
	Details  string   `json:"details,omitempty"`
	Files    []string `json:"files,omitempty"`
	SHSDelta float64  `json:"shsDelta"`
}

// Issue ids are hierarchical `major.minor` strings and are never reused,
// even after an issue leaves the open list.
type Issue struct {
	ID               string       `json:"id"`
	Title            string       `json:"title"`
	Section          string       `json:"section"`
	Votes            int          `json:"votes"`
	Status           string       `json:"status"`
	Symptoms         []string     `json:"symptoms,omitempty"`
	ExpectedBehavior string       `json:"expectedBehavior,omitempty"`
	Workaround       string       `json:"workaround,omitempty"`
	SuspectedFiles   []string     `json:"suspectedFiles,omitempty"`
	FixAttempts      []FixAttempt `json:"fixAttempts,omitempty"`
	Source           string       `json:"source,omitempty"`
	SourceTests      []string     `json:"sourceTests,omitempty"`
}

// Document is the whole backlog file.
type Document struct {
	Issues      []Issue `json:"issues"`
	Implemented []Issue `json:"implemented"`
	LastUpdated string  `json:"lastUpdated,omitempty"`
}

// LastAttempt returns the most recent fix attempt, or nil.
func (i *Issue) LastAttempt() *FixAttempt {
	if len(i.FixAttempts) == 0 {
		return nil
	}
	return &i.FixAttempts[len(i.FixAttempts)-1]
}

// ConsecutiveTailFailures counts failed/reverted attempts at the end of the
// attempt list; the design-review lockout keys on this run length.
func (i *Issue) ConsecutiveTailFailures() int {
	n := 0
	for idx := len(i.FixAttempts) - 1; idx >= 0; idx-- {
		switch i.FixAttempts[idx].Outcome {
		case OutcomeFailed, OutcomeReverted:
			n++
		default:
			return n
		}
	}
	return n
}

// Upvote raises the vote count. Votes are monotonically non-decreasing while
// an issue is open, so negative deltas are rejected.
func (i *Issue) Upvote(delta int) error {
	if delta < 0 {
		return fmt.Errorf("vote delta must be >= 0, got %d", delta)
	}
	i.Votes += delta
	return nil
}

// AppendAttempt adds an attempt stamped with the given time.
func (i *Issue) AppendAttempt(a FixAttempt, now time.Time) {
	if a.Date == "" {
		a.Date = now.UTC().Format(time.RFC3339)
	}
	i.FixAttempts = append(i.FixAttempts, a)
}

// Open returns the open issues.
func (d *Document) Open() []Issue {
	out := make([]Issue, 0, len(d.Issues))
	for _, is := range d.Issues {
		if is.Status == StatusOpen {
			out = append(out, is)
		}
	}
	return out
}

// Find locates an issue by id in either list.
func (d *Document) Find(id string) *Issue {
	for idx := range d.Issues {
		if d.Issues[idx].ID == id {
			return &d.Issues[idx]
		}
	}
	for idx := range d.Implemented {
		if d.Implemented[idx].ID == id {
			return &d.Implemented[idx]
		}
	}
	return nil
}

// MarkImplemented flips an open issue to implemented and moves its record to
// the archived list. The id stays reserved forever.
func (d *Document) MarkImplemented(id string) error {
	for idx := range d.Issues {
		if d.Issues[idx].ID != id {
			continue
		}
		is := d.Issues[idx]
		is.Status = StatusImplemented
		d.Issues = append(d.Issues[:idx], d.Issues[idx+1:]...)
		d.Implemented = append(d.Implemented, is)
		return nil
	}
	return fmt.Errorf("issue %s not in open list", id)
}

// ParseID splits a hierarchical id into its numeric parts.
func ParseID(id string) (major, minor int, err error) {
	parts := strings.SplitN(id, ".", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("issue id %q is not major.minor", id)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("issue id %q: %w", id, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("issue id %q: %w", id, err)
	}
	return major, minor, nil
}

// NextIDForSection computes the id a new issue in the section receives:
// `<major>.<maxMinor+1>` within the section's existing major, or a fresh
// major one past the current maximum when the section has no issues yet.
// Implemented issues count, so ids are never reissued.
func (d *Document) NextIDForSection(section string) string {
	sectionMajor := -1
	maxMajor := 0
	maxMinorByMajor := map[int]int{}
	scan := func(issues []Issue) {
		for idx := range issues {
			is := &issues[idx]
			major, minor, err := ParseID(is.ID)
			if err != nil {
				continue
			}
			if major > maxMajor {
				maxMajor = major
			}
			if minor > maxMinorByMajor[major] {
				maxMinorByMajor[major] = minor
			}
			if is.Section == section && (sectionMajor == -1 || major > sectionMajor) {
				sectionMajor = major
			}
		}
	}
	scan(d.Issues)
	scan(d.Implemented)

	if sectionMajor == -1 {
		return fmt.Sprintf("%d.1", maxMajor+1)
	}
	return fmt.Sprintf("%d.%d", sectionMajor, maxMinorByMajor[sectionMajor]+1)
}

// Sections returns the distinct section names in first-seen order across
// open then implemented issues.
func (d *Document) Sections() []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range [][]Issue{d.Issues, d.Implemented} {
		for idx := range list {
			if s := list[idx].Section; s != "" && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// SortIssuesByID orders issues numerically by major then minor, with
// unparseable ids last in lexical order. Used to keep saved documents stable.
func SortIssuesByID(issues []Issue) {
	sort.SliceStable(issues, func(a, b int) bool {
		am, an, aerr := ParseID(issues[a].ID)
		bm, bn, berr := ParseID(issues[b].ID)
		if aerr != nil || berr != nil {
			if (aerr == nil) != (berr == nil) {
				return aerr == nil
			}
			return issues[a].ID < issues[b].ID
		}
		if am != bm {
			return am < bm
		}
		return an < bn
	})
}
