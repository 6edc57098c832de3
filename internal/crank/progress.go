package crank

import (
	"time"

	"go.uber.org/zap"

	"flywheel/internal/fsbus"
)

// Lifecycle phase names, in execution order. Every phase transition is
// appended to the run's crank.ndjson and mirrored into the runs directory's
// crank-state.json for outside observers.
const (
	PhaseSelect          = "SELECT"
	PhaseFix             = "FIX"
	PhaseMeasure         = "MEASURE"
	PhaseValidate        = "VALIDATE"
	PhaseFeedbackExtract = "FEEDBACK_EXTRACT"
	PhaseMatchWait       = "MATCH_WAIT"
	PhaseFeedbackApply   = "FEEDBACK_APPLY"
	PhaseRecord          = "RECORD"
	PhaseDone            = "DONE"
)

// progressEvent is one line of a run's crank.ndjson.
type progressEvent struct {
	Timestamp string `json:"timestamp"`
	Crank     int    `json:"crank"`
	Phase     string `json:"phase"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// State is the crank-state.json document. Done with an empty Error means
// the crank completed; Done with Error set means it stopped there.
type State struct {
	Crank     int    `json:"crank"`
	Mode      string `json:"mode"`
	Phase     string `json:"phase"`
	RunDir    string `json:"runDir"`
	UpdatedAt string `json:"updatedAt"`
	Done      bool   `json:"done,omitempty"`
	Error     string `json:"error,omitempty"`
}

// progress writes phase transitions. Appends and state rewrites are best
// effort; observability must never fail a crank.
type progress struct {
	crank      int
	mode       Mode
	runDir     string
	eventsPath string
	statePath  string
	now        func() time.Time
	log        *zap.Logger
}

func (p *progress) record(phase, status, detail string) {
	ev := progressEvent{
		Timestamp: p.now().UTC().Format(time.RFC3339),
		Crank:     p.crank,
		Phase:     phase,
		Status:    status,
		Detail:    detail,
	}
	if err := fsbus.AppendJSONLine(p.eventsPath, ev); err != nil {
		p.log.Warn("progress append failed", zap.Error(err))
	}
	p.log.Info("crank phase",
		zap.Int("crank", p.crank),
		zap.String("phase", phase),
		zap.String("status", status),
		zap.String("detail", detail))
}

func (p *progress) writeState(phase string, done bool, errMsg string) {
	st := State{
		Crank:     p.crank,
		Mode:      string(p.mode),
		Phase:     phase,
		RunDir:    p.runDir,
		UpdatedAt: p.now().UTC().Format(time.RFC3339),
		Done:      done,
		Error:     errMsg,
	}
	if err := fsbus.WriteJSONAtomic(p.statePath, st); err != nil {
		p.log.Warn("state write failed", zap.Error(err))
	}
}

func (p *progress) enter(phase string) {
	p.record(phase, "started", "")
	p.writeState(phase, false, "")
}

func (p *progress) ok(phase, detail string) { p.record(phase, "ok", detail) }

func (p *progress) skip(phase, detail string) { p.record(phase, "skipped", detail) }

// finish seals the run. A nil err marks normal completion; otherwise the
// terminal state carries the failure.
func (p *progress) finish(err error) {
	if err != nil {
		p.record(PhaseDone, "error", err.Error())
		p.writeState(PhaseDone, true, err.Error())
		return
	}
	p.record(PhaseDone, "ok", "")
	p.writeState(PhaseDone, true, "")
}
