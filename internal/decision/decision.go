// Package decision ranks open backlog issues into fix recommendations.
// Ranking is a pure function of the backlog document, recent crank history
// and the current crank number: identical inputs produce identical output,
// so two orchestrators looking at the same state agree on the next fix.
package decision

import (
	"sort"

	"go.uber.org/zap"

	"flywheel/internal/backlog"
	"flywheel/internal/config"
	"flywheel/internal/history"
)

// Recommendation is one ranked fix candidate.
type Recommendation struct {
	IssueID           string              `json:"issueId"`
	Title             string              `json:"title"`
	Section           string              `json:"section"`
	Votes             int                 `json:"votes"`
	Priority          float64             `json:"priority"`
	Tag               string              `json:"tag,omitempty"`
	AttemptCount      int                 `json:"attemptCount"`
	LastAttempt       *backlog.FixAttempt `json:"lastAttempt,omitempty"`
	NeedsDesignReview bool                `json:"needsDesignReview,omitempty"`
}

// Ranking is the engine's output. LockedOut holds issues excluded from
// selection after repeated failed attempts; they surface in status output
// but are never picked automatically.
type Ranking struct {
	Recommendations []Recommendation
	LockedOut       []Recommendation
}

// Engine applies the vote-times-modifiers priority model.
type Engine struct {
	cfg config.DecisionConfig
	log *zap.Logger
}

func New(cfg config.DecisionConfig, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg, log: log}
}

// Rank scores every open issue and returns them ordered by priority
// descending, ties broken by votes descending then issue id ascending.
// recent is the crank history in file order; currentCrank is the number of
// the crank being planned.
func (e *Engine) Rank(doc *backlog.Document, lg *history.Log, currentCrank int) *Ranking {
	window := lg.RecentCranks(e.cfg.PersistWindow)

	out := &Ranking{}
	for _, issue := range doc.Open() {
		rec := Recommendation{
			IssueID:      issue.ID,
			Title:        issue.Title,
			Section:      issue.Section,
			Votes:        issue.Votes,
			Tag:          backlog.AreaForSection(issue.Section),
			AttemptCount: len(issue.FixAttempts),
			LastAttempt:  issue.LastAttempt(),
		}

		if issue.ConsecutiveTailFailures() >= e.cfg.MaxConsecutiveFailures {
			rec.Priority = 0
			rec.NeedsDesignReview = true
			out.LockedOut = append(out.LockedOut, rec)
			e.log.Debug("issue locked out",
				zap.String("issue", issue.ID),
				zap.Int("consecutiveFailures", issue.ConsecutiveTailFailures()))
			continue
		}

		priority := float64(issue.Votes)
		if e.recentFailure(rec.LastAttempt, currentCrank) {
			priority *= e.cfg.RecentPenalty
		}
		if e.persistentPattern(rec.Tag, window) {
			priority *= e.cfg.PersistBoost
		}
		rec.Priority = priority
		out.Recommendations = append(out.Recommendations, rec)
	}

	sort.SliceStable(out.Recommendations, func(i, j int) bool {
		a, b := out.Recommendations[i], out.Recommendations[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Votes != b.Votes {
			return a.Votes > b.Votes
		}
		return a.IssueID < b.IssueID
	})
	sort.SliceStable(out.LockedOut, func(i, j int) bool {
		return out.LockedOut[i].IssueID < out.LockedOut[j].IssueID
	})
	return out
}

// Top returns the highest-priority recommendation, or nil when nothing is
// selectable.
func (r *Ranking) Top() *Recommendation {
	if len(r.Recommendations) == 0 {
		return nil
	}
	return &r.Recommendations[0]
}

// recentFailure reports whether the issue's last attempt failed or was
// reverted within the recent window of cranks.
func (e *Engine) recentFailure(la *backlog.FixAttempt, currentCrank int) bool {
	if la == nil {
		return false
	}
	if la.Outcome != backlog.OutcomeFailed && la.Outcome != backlog.OutcomeReverted {
		return false
	}
	return la.Crank >= currentCrank-e.cfg.RecentWindow
}

// persistentPattern reports whether tag appeared in the failure tags of
// every crank in the window, and the window is full. A pattern seen across
// the whole window is treated as persistent rather than noise.
func (e *Engine) persistentPattern(tag string, window []history.CrankRecord) bool {
	if tag == "" || len(window) < e.cfg.PersistWindow {
		return false
	}
	seen := 0
	for _, cr := range window {
		for _, t := range cr.FailureTags {
			if t == tag {
				seen++
				break
			}
		}
	}
	return seen >= e.cfg.PersistWindow
}
