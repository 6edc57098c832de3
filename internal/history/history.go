// Package history persists the append-only NDJSON timeline of fix outcomes
// and crank summaries. Records are only ever appended; rewriting the log is
// not supported, which keeps the file safe to tail from other processes.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"flywheel/internal/fsbus"
)

// Record types, carried in the "type" field of every line.
const (
	TypeFixOutcome = "fix_outcome"
	TypeCrank      = "crank"
)

// ErrWriteFailed marks a failed history append. Callers treat it as fatal:
// a crank whose outcome cannot be made durable must not report success.
var ErrWriteFailed = errors.New("history append failed")

// FixOutcomeRecord is the durable result of one fix attempt.
type FixOutcomeRecord struct {
	Type      string   `json:"type"`
	Timestamp string   `json:"timestamp"`
	Crank     int      `json:"crank"`
	IssueID   string   `json:"issueId"`
	Outcome   string   `json:"outcome"`
	Details   string   `json:"details,omitempty"`
	Files     []string `json:"files,omitempty"`
	SHSDelta  float64  `json:"shsDelta"`
}

// CrankRecord is the one-line summary every recorded crank appends. An
// unmeasured crank carries gate "skipped" and zero test counts.
type CrankRecord struct {
	Type            string   `json:"type"`
	Timestamp       string   `json:"timestamp"`
	Crank           int      `json:"crank"`
	Version         string   `json:"version"`
	SHS             float64  `json:"shs"`
	SHSDelta        float64  `json:"shsDelta"`
	Gate            string   `json:"gate"`
	TestsTotal      int      `json:"testsTotal"`
	TestsPassed     int      `json:"testsPassed"`
	TestsPerfect    int      `json:"testsPerfect"`
	FailureTags     []string `json:"failureTags,omitempty"`
	FixIssueID      string   `json:"fixIssueId,omitempty"`
	FixOutcome      string   `json:"fixOutcome,omitempty"`
	RegressedTests  []string `json:"regressedTests,omitempty"`
	MatchedFeedback int      `json:"matchedFeedback"`
	NewIssues       int      `json:"newIssues"`
	MatcherTimedOut bool     `json:"matcherTimedOut,omitempty"`
}

// Log is the decoded history file, split by record type but preserving file
// order within each slice.
type Log struct {
	FixOutcomes []FixOutcomeRecord
	Cranks      []CrankRecord
}

// Store appends to and reads one history log file.
type Store struct {
	path     string
	lockPath string
	log      *zap.Logger
}

// NewStore returns a store for the log at path. Appends serialize on the
// advisory lock at lockPath so backlog and history writers cannot interleave;
// an empty lockPath locks the history file itself.
func NewStore(path, lockPath string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if lockPath == "" {
		lockPath = path
	}
	return &Store{path: path, lockPath: lockPath, log: log}
}

// Path returns the log file location.
func (s *Store) Path() string { return s.path }

// AppendFixOutcome stamps and appends one fix-outcome record.
func (s *Store) AppendFixOutcome(rec FixOutcomeRecord) error {
	rec.Type = TypeFixOutcome
	rec.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return s.append(rec)
}

// AppendCrank stamps and appends one crank-summary record.
func (s *Store) AppendCrank(rec CrankRecord) error {
	rec.Type = TypeCrank
	rec.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return s.append(rec)
}

func (s *Store) append(rec any) error {
	lock, err := fsbus.AcquireLock(s.lockPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	defer lock.Release()
	if err := fsbus.AppendJSONLine(s.path, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	s.log.Debug("history record appended", zap.String("path", s.path))
	return nil
}

// Read decodes the whole log. A missing file yields an empty log; a line
// that fails to decode is an error, since appends are fsynced whole lines
// and a corrupt log means the timeline can no longer be trusted.
func (s *Store) Read() (*Log, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Log{}, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	out := &Log{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			return nil, fmt.Errorf("history line %d: %w", lineNo, err)
		}
		switch probe.Type {
		case TypeFixOutcome:
			var rec FixOutcomeRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, fmt.Errorf("history line %d: %w", lineNo, err)
			}
			out.FixOutcomes = append(out.FixOutcomes, rec)
		case TypeCrank:
			var rec CrankRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, fmt.Errorf("history line %d: %w", lineNo, err)
			}
			out.Cranks = append(out.Cranks, rec)
		default:
			// Unknown record types are skipped so newer writers do not
			// break older readers.
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return out, nil
}

// LastCrankNumber returns the highest crank number recorded in the log,
// across both record types. Zero means no crank has run yet.
func (s *Store) LastCrankNumber() (int, error) {
	lg, err := s.Read()
	if err != nil {
		return 0, err
	}
	max := 0
	for _, r := range lg.FixOutcomes {
		if r.Crank > max {
			max = r.Crank
		}
	}
	for _, r := range lg.Cranks {
		if r.Crank > max {
			max = r.Crank
		}
	}
	return max, nil
}

// RecentCranks returns up to n crank summaries ending at the newest record,
// in file order.
func (lg *Log) RecentCranks(n int) []CrankRecord {
	if n <= 0 || len(lg.Cranks) == 0 {
		return nil
	}
	if n > len(lg.Cranks) {
		n = len(lg.Cranks)
	}
	return lg.Cranks[len(lg.Cranks)-n:]
}
