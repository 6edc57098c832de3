package history

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "history.ndjson"), "", nil)
}

func TestAppendAndReadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.AppendFixOutcome(FixOutcomeRecord{
		Crank:    1,
		IssueID:  "2.3",
		Outcome:  "fixed",
		Files:    []string{"skills/click.md"},
		SHSDelta: 3.5,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendCrank(CrankRecord{
		Crank:       1,
		Version:     "1.4.0",
		SHS:         72.5,
		SHSDelta:    3.5,
		Gate:        "passed",
		TestsTotal:  10,
		TestsPassed: 8,
		FailureTags: []string{"cat:create", "iframe"},
		FixIssueID:  "2.3",
		FixOutcome:  "fixed",
	}); err != nil {
		t.Fatal(err)
	}

	lg, err := s.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(lg.FixOutcomes) != 1 || len(lg.Cranks) != 1 {
		t.Fatalf("got %d fix outcomes, %d cranks; want 1 and 1", len(lg.FixOutcomes), len(lg.Cranks))
	}
	fo := lg.FixOutcomes[0]
	if fo.Type != TypeFixOutcome || fo.IssueID != "2.3" || fo.Outcome != "fixed" {
		t.Errorf("fix outcome round trip: %+v", fo)
	}
	if fo.Timestamp == "" {
		t.Error("fix outcome timestamp not stamped")
	}
	cr := lg.Cranks[0]
	if cr.Type != TypeCrank || cr.SHS != 72.5 || cr.Gate != "passed" {
		t.Errorf("crank round trip: %+v", cr)
	}
	if len(cr.FailureTags) != 2 || cr.FailureTags[0] != "cat:create" {
		t.Errorf("failure tags round trip: %v", cr.FailureTags)
	}
}

func TestReadMissingFileYieldsEmptyLog(t *testing.T) {
	s := newTestStore(t)
	lg, err := s.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(lg.FixOutcomes) != 0 || len(lg.Cranks) != 0 {
		t.Errorf("missing file should read empty, got %+v", lg)
	}
}

func TestReadRejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.ndjson")
	if err := os.WriteFile(path, []byte("{\"type\":\"crank\",\"crank\":1}\nnot json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path, "", nil)
	if _, err := s.Read(); err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestReadSkipsUnknownRecordTypes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.ndjson")
	content := "{\"type\":\"note\",\"text\":\"hi\"}\n{\"type\":\"crank\",\"crank\":4}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path, "", nil)
	lg, err := s.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(lg.Cranks) != 1 || lg.Cranks[0].Crank != 4 {
		t.Errorf("unknown types should be skipped, got %+v", lg)
	}
}

func TestLastCrankNumberSpansBothRecordTypes(t *testing.T) {
	s := newTestStore(t)

	n, err := s.LastCrankNumber()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("empty log: got %d, want 0", n)
	}

	if err := s.AppendCrank(CrankRecord{Crank: 2, Gate: "passed"}); err != nil {
		t.Fatal(err)
	}
	// A fix-only run consumes a crank number without a crank summary.
	if err := s.AppendFixOutcome(FixOutcomeRecord{Crank: 3, IssueID: "1.1", Outcome: "failed"}); err != nil {
		t.Fatal(err)
	}

	n, err = s.LastCrankNumber()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("got %d, want 3", n)
	}
}

func TestRecentCranksReturnsTailInOrder(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 5; i++ {
		if err := s.AppendCrank(CrankRecord{Crank: i}); err != nil {
			t.Fatal(err)
		}
	}
	lg, err := s.Read()
	if err != nil {
		t.Fatal(err)
	}
	tail := lg.RecentCranks(3)
	if len(tail) != 3 {
		t.Fatalf("got %d records, want 3", len(tail))
	}
	for i, want := range []int{3, 4, 5} {
		if tail[i].Crank != want {
			t.Errorf("tail[%d].Crank = %d, want %d", i, tail[i].Crank, want)
		}
	}
	if got := lg.RecentCranks(10); len(got) != 5 {
		t.Errorf("oversized window: got %d, want all 5", len(got))
	}
}

func TestAppendFailureWrapsSentinel(t *testing.T) {
	dir := t.TempDir()
	// Parent of the log path is a regular file, so the append cannot create it.
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(filepath.Join(blocker, "history.ndjson"), "", nil)
	err := s.AppendCrank(CrankRecord{Crank: 1})
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("got %v, want ErrWriteFailed", err)
	}
}
