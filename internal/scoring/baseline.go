package scoring

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"flywheel/internal/config"
	"flywheel/internal/fsbus"
	"flywheel/internal/validate"
)

// ErrNoBaseline marks the first-crank case: no baseline has been accepted
// yet.
var ErrNoBaseline = errors.New("no baseline recorded")

// TestBaseline is one test's accepted composite plus its ratchet state.
// Streak counts consecutive accepted cranks at or above the ratchet
// threshold; once the streak reaches the configured length the test is
// ratcheted and may no longer drop below the threshold without failing the
// gate.
type TestBaseline struct {
	Composite float64 `json:"composite"`
	Streak    int     `json:"streak"`
	Ratcheted bool    `json:"ratcheted"`
}

// Baseline is the accepted measurement the gate compares against.
type Baseline struct {
	Version   string                  `json:"version"`
	Crank     int                     `json:"crank"`
	Timestamp string                  `json:"timestamp"`
	SHS       float64                 `json:"shs"`
	Tests     map[string]TestBaseline `json:"tests"`
	Digest    string                  `json:"digest,omitempty"`
}

// TrendRow is one line of the long-term trend log, appended whenever a
// baseline is accepted.
type TrendRow struct {
	Crank     int     `json:"crank"`
	Version   string  `json:"version"`
	Timestamp string  `json:"timestamp"`
	SHS       float64 `json:"shs"`
	SHSDelta  float64 `json:"shsDelta"`
	Total     int     `json:"total"`
	Passed    int     `json:"passed"`
	Perfect   int     `json:"perfect"`
}

// NextBaseline rolls the previous baseline forward with a gate-passed
// measurement. Tests absent from the current run drop out; everything else
// carries its streak forward or resets it.
func NextBaseline(cfg config.ScoringConfig, prev *Baseline, m Metrics, results []validate.TestResult, version string, crank int) *Baseline {
	b := &Baseline{
		Version: version,
		Crank:   crank,
		SHS:     m.SHS(),
		Tests:   make(map[string]TestBaseline, len(results)),
	}
	for i := range results {
		r := &results[i]
		tb := TestBaseline{Composite: r.Scores.Composite}
		if r.Scores.Composite >= cfg.RatchetThreshold {
			if prev != nil {
				tb.Streak = prev.Tests[r.TestID].Streak
			}
			tb.Streak++
		}
		tb.Ratcheted = tb.Streak >= cfg.RatchetStreak
		b.Tests[r.TestID] = tb
	}
	return b
}

// Store owns the baseline directory: latest.json, the archive of superseded
// baselines, and the trend log.
type Store struct {
	dir string
	log *zap.Logger
}

func NewStore(dir string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{dir: dir, log: log}
}

func (s *Store) latestPath() string { return filepath.Join(s.dir, "latest.json") }

// TrendPath returns the trend log location.
func (s *Store) TrendPath() string { return filepath.Join(s.dir, "trend.ndjson") }

// Load reads the current baseline. ErrNoBaseline when none has been
// accepted yet.
func (s *Store) Load() (*Baseline, error) {
	data, err := os.ReadFile(s.latestPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoBaseline
		}
		return nil, fmt.Errorf("read baseline: %w", err)
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode baseline: %w", err)
	}
	if b.Tests == nil {
		b.Tests = map[string]TestBaseline{}
	}
	return &b, nil
}

// Write archives the superseded baseline, installs b as latest.json, and
// appends one trend row. The latest.json replacement is atomic; a reader
// never observes a half-written baseline.
func (s *Store) Write(b *Baseline, trend TrendRow) error {
	if b.Timestamp == "" {
		b.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if err := s.archiveCurrent(); err != nil {
		return err
	}
	b.Digest = ""
	b.Digest = digest(b)
	if err := fsbus.WriteJSONAtomic(s.latestPath(), b); err != nil {
		return fmt.Errorf("write baseline: %w", err)
	}
	if trend.Timestamp == "" {
		trend.Timestamp = b.Timestamp
	}
	if err := fsbus.AppendJSONLine(s.TrendPath(), trend); err != nil {
		return fmt.Errorf("append trend: %w", err)
	}
	s.log.Info("baseline accepted",
		zap.Int("crank", b.Crank),
		zap.String("version", b.Version),
		zap.Float64("shs", b.SHS))
	return nil
}

// archiveCurrent copies the existing latest.json into the archive, keyed by
// its own version and timestamp.
func (s *Store) archiveCurrent() error {
	data, err := os.ReadFile(s.latestPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read baseline for archive: %w", err)
	}
	var old Baseline
	if err := json.Unmarshal(data, &old); err != nil {
		return fmt.Errorf("decode baseline for archive: %w", err)
	}
	name := fmt.Sprintf("v%s-%s.json", old.Version, archiveStamp(old.Timestamp))
	path := filepath.Join(s.dir, "archive", name)
	if err := fsbus.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("archive baseline: %w", err)
	}
	return nil
}

// archiveStamp compacts an RFC3339 timestamp into a filename-safe key.
func archiveStamp(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return fmt.Sprintf("unknown-%d", time.Now().Unix())
	}
	return t.UTC().Format("20060102T150405Z")
}

// digest hashes the canonical JSON encoding of the baseline, with the
// digest field itself cleared.
func digest(b *Baseline) string {
	shadow := *b
	shadow.Digest = ""
	data, err := json.Marshal(&shadow)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ReadTrend decodes the trend log in file order. Missing file reads empty.
func (s *Store) ReadTrend() ([]TrendRow, error) {
	f, err := os.Open(s.TrendPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read trend: %w", err)
	}
	defer f.Close()

	var rows []TrendRow
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var row TrendRow
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("trend line: %w", err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan trend: %w", err)
	}
	return rows, nil
}
