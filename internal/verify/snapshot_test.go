package verify

import (
	"errors"
	"testing"
)

func TestParseSnapshotNull(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte(""), []byte("  null ")} {
		s, err := ParseSnapshot(raw)
		if err != nil {
			t.Fatalf("ParseSnapshot(%q): %v", raw, err)
		}
		if s != nil {
			t.Fatalf("ParseSnapshot(%q) = %+v, want nil", raw, s)
		}
	}
}

func TestSnapshotProbe(t *testing.T) {
	raw := []byte(`{
		"url": "https://shop.example/inventory",
		"dom": {
			"#status": {"exists": true, "text": "Sync complete"},
			"#spinner": {"exists": false}
		},
		"evals": {"window.ready": true, "window.count": 0}
	}`)
	s, err := ParseSnapshot(raw)
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}

	if url, err := s.URL(); err != nil || url != "https://shop.example/inventory" {
		t.Errorf("URL() = %q, %v", url, err)
	}
	if ok, err := s.EvalTruthy("window.ready"); err != nil || !ok {
		t.Errorf("EvalTruthy(window.ready) = %v, %v", ok, err)
	}
	if ok, err := s.EvalTruthy("window.count"); err != nil || ok {
		t.Errorf("EvalTruthy(window.count) = %v, %v; zero is falsy", ok, err)
	}
	if _, err := s.EvalTruthy("window.other"); !errors.Is(err, ErrNotCaptured) {
		t.Errorf("uncaptured eval err = %v, want ErrNotCaptured", err)
	}
	if ok, err := s.DOMExists("#spinner"); err != nil || ok {
		t.Errorf("DOMExists(#spinner) = %v, %v", ok, err)
	}
	if _, err := s.DOMExists("#ghost"); !errors.Is(err, ErrNotCaptured) {
		t.Errorf("uncaptured selector err = %v, want ErrNotCaptured", err)
	}
	if text, err := s.DOMText("#status"); err != nil || text != "Sync complete" {
		t.Errorf("DOMText(#status) = %q, %v", text, err)
	}
	if text, err := s.DOMText("#spinner"); err != nil || text != "" {
		t.Errorf("DOMText on absent element = %q, %v; want empty", text, err)
	}
}

func TestSnapshotDigestStable(t *testing.T) {
	a1, _ := ParseSnapshot([]byte(`{"url":"https://a"}`))
	a2, _ := ParseSnapshot([]byte(`{"url":"https://a"}`))
	b, _ := ParseSnapshot([]byte(`{"url":"https://b"}`))

	if a1.Digest() == "" || a1.Digest() != a2.Digest() {
		t.Fatalf("identical snapshots should share a digest: %q vs %q", a1.Digest(), a2.Digest())
	}
	if a1.Digest() == b.Digest() {
		t.Fatalf("different snapshots share digest %q", a1.Digest())
	}
	var nilSnap *Snapshot
	if nilSnap.Digest() != "" {
		t.Fatalf("nil snapshot digest should be empty")
	}
}
