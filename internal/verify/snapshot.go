package verify

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/zeebo/blake3"
)

// DOMFact is what the runner captured for one selector.
type DOMFact struct {
	Exists bool   `json:"exists"`
	Text   string `json:"text,omitempty"`
}

// Snapshot is the verification snapshot a runner captures at end-of-test.
// The orchestrator treats it as an opaque blob; only the validator parses
// it. Runners read the test definition, so they pre-capture exactly the
// selectors and expressions the milestones mention; anything missing here
// sends the evaluator to the live fallback.
type Snapshot struct {
	PageURL string             `json:"url,omitempty"`
	DOM     map[string]DOMFact `json:"dom,omitempty"`
	Evals   map[string]any     `json:"evals,omitempty"`
	HTML    string             `json:"html,omitempty"`

	raw []byte
}

// ParseSnapshot decodes a snapshot blob. A nil, empty, or JSON-null blob
// yields a nil snapshot and no error.
func ParseSnapshot(raw []byte) (*Snapshot, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var s Snapshot
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	s.raw = trimmed
	return &s, nil
}

// Digest returns the hex BLAKE3 digest of the raw snapshot bytes, recorded in
// per-test results so identical captures are recognizable across cranks.
func (s *Snapshot) Digest() string {
	if s == nil || len(s.raw) == 0 {
		return ""
	}
	sum := blake3.Sum256(s.raw)
	return hex.EncodeToString(sum[:])
}

// Probe implementation. Facts absent from the capture report ErrNotCaptured
// so the evaluator can fall back to the live context.

func (s *Snapshot) URL() (string, error) {
	if s.PageURL == "" {
		return "", ErrNotCaptured
	}
	return s.PageURL, nil
}

func (s *Snapshot) EvalTruthy(expr string) (bool, error) {
	v, ok := s.Evals[expr]
	if !ok {
		return false, ErrNotCaptured
	}
	return truthy(v), nil
}

func (s *Snapshot) DOMExists(selector string) (bool, error) {
	f, ok := s.DOM[selector]
	if !ok {
		return false, ErrNotCaptured
	}
	return f.Exists, nil
}

func (s *Snapshot) DOMText(selector string) (string, error) {
	f, ok := s.DOM[selector]
	if !ok {
		return "", ErrNotCaptured
	}
	if !f.Exists {
		return "", nil
	}
	return f.Text, nil
}

// truthy mirrors JavaScript coercion for the JSON value shapes encoding/json
// produces: null, false, 0, NaN, and "" are false, everything else true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case string:
		return t != ""
	default:
		return true
	}
}
