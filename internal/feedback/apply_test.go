package feedback

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"flywheel/internal/backlog"
)

func seedBacklog(t *testing.T, issues ...backlog.Issue) *backlog.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backlog.json")
	store := backlog.NewStore(path, nil)
	doc := &backlog.Document{Issues: issues, Implemented: []backlog.Issue{}}
	require.NoError(t, store.Save(doc))
	return store
}

func TestApplyUpvotesConfidentMatches(t *testing.T) {
	store := seedBacklog(t,
		backlog.Issue{ID: "2.1", Title: "iframe clicks", Section: "Frames & IFrames", Votes: 4, Status: backlog.StatusOpen},
		backlog.Issue{ID: "3.1", Title: "slow waits", Section: "Timing & Waits", Votes: 1, Status: backlog.StatusOpen},
	)
	a := NewApplier(store, 2, nil)

	entries := []Entry{
		{ID: "fb-001", Type: "bug", Area: "iframe", Title: "clicks lost in iframes", Count: 3, Tests: []string{"t1"}},
		{ID: "fb-002", Type: "bug", Area: "timing", Title: "waits give up early", Count: 1, Tests: []string{"t2"}},
	}
	dec := &Decisions{Decisions: []Decision{
		{FeedbackID: "fb-001", MatchedIssueID: "2.1", Confidence: ConfidenceHigh},
		{FeedbackID: "fb-002", MatchedIssueID: "3.1", Confidence: ConfidenceMedium},
	}}

	sum, err := a.Apply(entries, dec)
	require.NoError(t, err)
	require.Len(t, sum.Upvoted, 2)
	require.Empty(t, sum.NewIssues)

	doc, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, 7, doc.Find("2.1").Votes, "upvote adds the entry count")
	require.Equal(t, 2, doc.Find("3.1").Votes)
}

func TestApplyLowConfidenceLeavesBacklogByteIdentical(t *testing.T) {
	store := seedBacklog(t,
		backlog.Issue{ID: "2.1", Title: "iframe clicks", Section: "Frames & IFrames", Votes: 4, Status: backlog.StatusOpen},
	)
	before, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	a := NewApplier(store, 2, nil)
	// Count 3 would mint if unmatched; the weak match suppresses both paths.
	entries := []Entry{
		{ID: "fb-001", Type: "bug", Area: "iframe", Title: "maybe related to clicks", Count: 3},
	}
	dec := &Decisions{Decisions: []Decision{
		{FeedbackID: "fb-001", MatchedIssueID: "2.1", Confidence: ConfidenceLow},
	}}

	sum, err := a.Apply(entries, dec)
	require.NoError(t, err)
	require.Len(t, sum.SkippedLowConfidence, 1)
	require.Equal(t, "2.1", sum.SkippedLowConfidence[0].IssueID)
	require.Empty(t, sum.NewIssues)

	after, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	require.Equal(t, string(before), string(after), "no-op apply must not rewrite the backlog")
}

func TestApplyMintsUnmatchedBugInItsSection(t *testing.T) {
	store := seedBacklog(t,
		backlog.Issue{ID: "4.1", Title: "a", Section: "Frames & IFrames", Votes: 1, Status: backlog.StatusOpen},
		backlog.Issue{ID: "4.2", Title: "b", Section: "Frames & IFrames", Votes: 1, Status: backlog.StatusOpen},
	)
	a := NewApplier(store, 2, nil)

	entries := []Entry{{
		ID: "fb-001", Type: "bug", Area: "iframe",
		Title:  "nested iframe focus lost",
		Detail: "Focus moves to the top document after a nested click.",
		Count:  2,
		Tests:  []string{"inv-003", "inv-007"},
	}}

	sum, err := a.Apply(entries, &Decisions{})
	require.NoError(t, err)
	require.Len(t, sum.NewIssues, 1)
	require.Equal(t, "4.3", sum.NewIssues[0].IssueID)

	doc, err := store.Load()
	require.NoError(t, err)
	issue := doc.Find("4.3")
	require.NotNil(t, issue)
	require.Equal(t, backlog.StatusOpen, issue.Status)
	require.Equal(t, 2, issue.Votes)
	require.Equal(t, "runner-feedback", issue.Source)
	require.Equal(t, []string{"inv-003", "inv-007"}, issue.SourceTests)
	require.Equal(t, []string{"Focus moves to the top document after a nested click."}, issue.Symptoms)
}

func TestApplyImprovementNeedsRecurrence(t *testing.T) {
	store := seedBacklog(t)
	a := NewApplier(store, 2, nil)

	sum, err := a.Apply([]Entry{
		{ID: "fb-001", Type: "improvement", Area: "snapshot", Title: "capture evals eagerly", Count: 1},
		{ID: "fb-002", Type: "improvement", Area: "snapshot", Title: "record frame tree", Count: 2},
	}, &Decisions{})
	require.NoError(t, err)

	require.Len(t, sum.NewIssues, 1)
	require.Equal(t, "record frame tree", sum.NewIssues[0].Title)
	require.Len(t, sum.Ignored, 1)
	require.Equal(t, "fb-001", sum.Ignored[0].FeedbackID)
}

func TestApplyObservationsNeverMint(t *testing.T) {
	store := seedBacklog(t)
	a := NewApplier(store, 2, nil)

	sum, err := a.Apply([]Entry{
		{ID: "fb-001", Type: "observation", Area: "other", Title: "page was slow today", Count: 9},
	}, &Decisions{})
	require.NoError(t, err)
	require.Empty(t, sum.NewIssues)
	require.Len(t, sum.Ignored, 1)

	doc, err := store.Load()
	require.NoError(t, err)
	require.Empty(t, doc.Issues)
}

func TestApplySequentialMintsShareSectionNumbering(t *testing.T) {
	store := seedBacklog(t)
	a := NewApplier(store, 2, nil)

	sum, err := a.Apply([]Entry{
		{ID: "fb-001", Type: "bug", Area: "input", Title: "fill skips masked fields", Count: 1},
		{ID: "fb-002", Type: "bug", Area: "input", Title: "select ignores optgroups", Count: 1},
	}, &Decisions{})
	require.NoError(t, err)
	require.Len(t, sum.NewIssues, 2)
	require.Equal(t, "1.1", sum.NewIssues[0].IssueID)
	require.Equal(t, "1.2", sum.NewIssues[1].IssueID)
}

func TestApplyUnknownMatchedIssueIsIgnored(t *testing.T) {
	store := seedBacklog(t)
	before, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	a := NewApplier(store, 2, nil)
	sum, err := a.Apply([]Entry{
		{ID: "fb-001", Type: "bug", Area: "iframe", Title: "clicks lost", Count: 1},
	}, &Decisions{Decisions: []Decision{
		{FeedbackID: "fb-001", MatchedIssueID: "9.9", Confidence: ConfidenceHigh},
	}})
	require.NoError(t, err)
	require.Len(t, sum.Ignored, 1)
	require.Equal(t, "matched issue not found", sum.Ignored[0].Reason)

	after, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	require.Equal(t, string(before), string(after))
}

func TestWriteSummaryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "applier-summary.json")
	sum := &Summary{
		Timestamp: "2026-08-25T12:00:00Z",
		Upvoted:   []UpvoteRecord{{FeedbackID: "fb-001", IssueID: "2.1", Votes: 3, Confidence: "high"}},
	}
	require.NoError(t, WriteSummary(path, sum))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "\"fb-001\"")
}
