package crank

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"flywheel/internal/backlog"
	"flywheel/internal/decision"
	"flywheel/internal/history"
	"flywheel/internal/scoring"
)

// StatusReport is the flywheel's standing: last observed crank state, the
// accepted baseline and trend tail, backlog counts, and how the decision
// engine would rank the next crank.
type StatusReport struct {
	State       *State                `json:"state,omitempty"`
	Baseline    *scoring.Baseline     `json:"baseline,omitempty"`
	Trend       []scoring.TrendRow    `json:"trend,omitempty"`
	OpenIssues  int                   `json:"openIssues"`
	Implemented int                   `json:"implemented"`
	Ranking     *decision.Ranking     `json:"ranking,omitempty"`
	LastCranks  []history.CrankRecord `json:"lastCranks,omitempty"`
}

// Status reads the observable state without taking the crank lock; every
// file it touches is atomically replaced or append-only, so a crank in
// flight cannot hand it a torn read.
func (o *Orchestrator) Status() (*StatusReport, error) {
	rep := &StatusReport{}

	if data, err := os.ReadFile(filepath.Join(o.path(o.cfg.Paths.RunsDir), "crank-state.json")); err == nil {
		var st State
		if json.Unmarshal(data, &st) == nil {
			rep.State = &st
		}
	}

	b, err := o.baseline.Load()
	if err != nil && !errors.Is(err, scoring.ErrNoBaseline) {
		return nil, err
	}
	rep.Baseline = b
	trend, err := o.baseline.ReadTrend()
	if err != nil {
		return nil, err
	}
	if len(trend) > 10 {
		trend = trend[len(trend)-10:]
	}
	rep.Trend = trend

	lg, err := o.history.Read()
	if err != nil {
		return nil, err
	}
	rep.LastCranks = lg.RecentCranks(5)

	doc, err := o.backlog.Load()
	if err != nil {
		if errors.Is(err, backlog.ErrMissing) {
			return rep, nil
		}
		return nil, err
	}
	rep.OpenIssues = len(doc.Open())
	rep.Implemented = len(doc.Implemented)
	last, err := o.history.LastCrankNumber()
	if err != nil {
		return nil, err
	}
	rep.Ranking = o.engine.Rank(doc, lg, last+1)
	return rep, nil
}
