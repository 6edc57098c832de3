package feedback

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"flywheel/internal/backlog"
	"flywheel/internal/fsbus"
)

// Matcher confidence levels. Anything below medium is too weak to act on.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Decision is the matcher's verdict for one feedback entry. An empty
// MatchedIssueID means no existing issue matched.
type Decision struct {
	FeedbackID     string `json:"feedbackId"`
	MatchedIssueID string `json:"matchedIssueId,omitempty"`
	Confidence     string `json:"confidence,omitempty"`
	Reasoning      string `json:"reasoning,omitempty"`
}

// Decisions is the match-decisions document the matcher writes.
type Decisions struct {
	MatchedAt string     `json:"matchedAt,omitempty"`
	Decisions []Decision `json:"decisions"`
}

// LoadDecisions reads and decodes a match-decisions file.
func LoadDecisions(path string) (*Decisions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read match decisions: %w", err)
	}
	var d Decisions
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode match decisions: %w", err)
	}
	return &d, nil
}

// ByFeedbackID indexes the decisions.
func (d *Decisions) ByFeedbackID() map[string]Decision {
	out := make(map[string]Decision, len(d.Decisions))
	for _, dec := range d.Decisions {
		out[dec.FeedbackID] = dec
	}
	return out
}

// UpvoteRecord notes one applied upvote.
type UpvoteRecord struct {
	FeedbackID string `json:"feedbackId"`
	IssueID    string `json:"issueId"`
	Votes      int    `json:"votes"`
	Confidence string `json:"confidence"`
}

// NewIssueRecord notes one minted issue.
type NewIssueRecord struct {
	FeedbackID string `json:"feedbackId"`
	IssueID    string `json:"issueId"`
	Section    string `json:"section"`
	Title      string `json:"title"`
	Votes      int    `json:"votes"`
}

// SkipRecord notes one entry that produced no backlog change.
type SkipRecord struct {
	FeedbackID string `json:"feedbackId"`
	IssueID    string `json:"issueId,omitempty"`
	Reason     string `json:"reason"`
}

// Summary is the applier's report, written alongside the run artifacts.
type Summary struct {
	Timestamp            string           `json:"timestamp"`
	Upvoted              []UpvoteRecord   `json:"upvoted"`
	NewIssues            []NewIssueRecord `json:"newIssues"`
	SkippedLowConfidence []SkipRecord     `json:"skippedLowConfidence"`
	Ignored              []SkipRecord     `json:"ignored"`
}

// MatchedCount is the number of entries folded into existing issues.
func (s *Summary) MatchedCount() int { return len(s.Upvoted) }

// NewIssueCount is the number of issues minted.
func (s *Summary) NewIssueCount() int { return len(s.NewIssues) }

// Applier folds matched feedback into the backlog. All mutations from one
// apply land in a single atomic backlog write; when nothing changes the
// backlog file is left byte-identical.
type Applier struct {
	store                *backlog.Store
	improvementThreshold int
	log                  *zap.Logger
}

func NewApplier(store *backlog.Store, improvementThreshold int, log *zap.Logger) *Applier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Applier{store: store, improvementThreshold: improvementThreshold, log: log}
}

// Apply walks the entries in order against the matcher's decisions.
// Matched entries with high or medium confidence upvote the target issue by
// the entry's count; low-confidence matches are skipped. Unmatched bugs and
// workarounds mint new issues, as do unmatched improvements that recurred
// at least improvementThreshold times. Observations never mint.
func (a *Applier) Apply(entries []Entry, dec *Decisions) (*Summary, error) {
	sum := &Summary{
		Timestamp:            time.Now().UTC().Format(time.RFC3339),
		Upvoted:              []UpvoteRecord{},
		NewIssues:            []NewIssueRecord{},
		SkippedLowConfidence: []SkipRecord{},
		Ignored:              []SkipRecord{},
	}
	byID := map[string]Decision{}
	if dec != nil {
		byID = dec.ByFeedbackID()
	}

	err := a.store.MutateIf(func(doc *backlog.Document) (bool, error) {
		changed := false
		for _, e := range entries {
			d, hasDecision := byID[e.ID]
			matched := hasDecision && d.MatchedIssueID != ""
			switch {
			case matched && (d.Confidence == ConfidenceHigh || d.Confidence == ConfidenceMedium):
				issue := doc.Find(d.MatchedIssueID)
				if issue == nil {
					sum.Ignored = append(sum.Ignored, SkipRecord{
						FeedbackID: e.ID,
						IssueID:    d.MatchedIssueID,
						Reason:     "matched issue not found",
					})
					a.log.Warn("match points at unknown issue",
						zap.String("feedback", e.ID),
						zap.String("issue", d.MatchedIssueID))
					continue
				}
				if err := issue.Upvote(e.Count); err != nil {
					return false, fmt.Errorf("upvote %s: %w", issue.ID, err)
				}
				changed = true
				sum.Upvoted = append(sum.Upvoted, UpvoteRecord{
					FeedbackID: e.ID,
					IssueID:    issue.ID,
					Votes:      e.Count,
					Confidence: d.Confidence,
				})
			case matched:
				sum.SkippedLowConfidence = append(sum.SkippedLowConfidence, SkipRecord{
					FeedbackID: e.ID,
					IssueID:    d.MatchedIssueID,
					Reason:     "low confidence",
				})
			case e.Type == TypeBug || e.Type == TypeWorkaround:
				rec := mintIssue(doc, e)
				changed = true
				sum.NewIssues = append(sum.NewIssues, rec)
			case e.Type == TypeImprovement && e.Count >= a.improvementThreshold:
				rec := mintIssue(doc, e)
				changed = true
				sum.NewIssues = append(sum.NewIssues, rec)
			case e.Type == TypeImprovement:
				sum.Ignored = append(sum.Ignored, SkipRecord{
					FeedbackID: e.ID,
					Reason:     "improvement below recurrence threshold",
				})
			default:
				sum.Ignored = append(sum.Ignored, SkipRecord{
					FeedbackID: e.ID,
					Reason:     "observation",
				})
			}
		}
		return changed, nil
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("feedback applied",
		zap.Int("upvoted", len(sum.Upvoted)),
		zap.Int("newIssues", len(sum.NewIssues)),
		zap.Int("skipped", len(sum.SkippedLowConfidence)))
	return sum, nil
}

// mintIssue appends a new issue for an unmatched entry, numbered within its
// area's section. Later mints in the same apply see earlier ones, so ids
// never collide.
func mintIssue(doc *backlog.Document, e Entry) NewIssueRecord {
	section := backlog.SectionForArea(e.Area)
	issue := backlog.Issue{
		ID:             doc.NextIDForSection(section),
		Title:          e.Title,
		Section:        section,
		Votes:          e.Count,
		Status:         backlog.StatusOpen,
		SuspectedFiles: e.Files,
		Source:         "runner-feedback",
		SourceTests:    e.Tests,
	}
	if e.Detail != "" {
		issue.Symptoms = []string{e.Detail}
	}
	if e.Type == TypeWorkaround {
		issue.Workaround = e.Detail
	}
	doc.Issues = append(doc.Issues, issue)
	return NewIssueRecord{
		FeedbackID: e.ID,
		IssueID:    issue.ID,
		Section:    section,
		Title:      e.Title,
		Votes:      e.Count,
	}
}

// WriteSummary writes the applier report.
func WriteSummary(path string, sum *Summary) error {
	if err := fsbus.WriteJSONAtomic(path, sum); err != nil {
		return fmt.Errorf("write applier summary: %w", err)
	}
	return nil
}
