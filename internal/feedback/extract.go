// Package feedback turns raw runner observations into normalized entries
// and applies the matcher's decisions to the backlog. The extractor is the
// only component that reads runner free text; everything downstream sees
// normalized entries with stable identifiers.
package feedback

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"flywheel/internal/fsbus"
	"flywheel/internal/trace"
)

// Accepted feedback types. Entries with any other type are dropped during
// extraction.
const (
	TypeImprovement = "improvement"
	TypeBug         = "bug"
	TypeWorkaround  = "workaround"
	TypeObservation = "observation"
)

// Entry is one normalized, deduplicated feedback item.
type Entry struct {
	ID     string   `json:"id"`
	Type   string   `json:"type"`
	Area   string   `json:"area"`
	Title  string   `json:"title"`
	Detail string   `json:"detail,omitempty"`
	Count  int      `json:"count"`
	Tests  []string `json:"tests"`
	Files  []string `json:"files,omitempty"`
}

// Extracted is the on-disk envelope of one crank's extraction.
type Extracted struct {
	Timestamp string  `json:"timestamp"`
	Entries   []Entry `json:"entries"`
}

// dedupTitleRunes bounds the title prefix used for merging near-duplicate
// feedback across tests.
const dedupTitleRunes = 40

var knownTypes = map[string]bool{
	TypeImprovement: true,
	TypeBug:         true,
	TypeWorkaround:  true,
	TypeObservation: true,
}

var knownAreas = map[string]bool{
	"actions":        true,
	"snapshot":       true,
	"navigation":     true,
	"iframe":         true,
	"input":          true,
	"error-handling": true,
	"shadow-dom":     true,
	"timing":         true,
	"other":          true,
}

// areaRules infer a missing area from the entry text, first match wins.
var areaRules = []struct {
	re   *regexp.Regexp
	area string
}{
	{regexp.MustCompile(`(?i)\biframes?\b`), "iframe"},
	{regexp.MustCompile(`(?i)\b(click|hover|drag)`), "actions"},
	{regexp.MustCompile(`(?i)\b(type|typing|fill|select)`), "input"},
	{regexp.MustCompile(`(?i)\b(navigate|navigation|redirect|url)`), "navigation"},
	{regexp.MustCompile(`(?i)\bshadow\b`), "shadow-dom"},
	{regexp.MustCompile(`(?i)\b(wait|timeout|race)`), "timing"},
	{regexp.MustCompile(`(?i)\b(snapshot|screenshot)`), "snapshot"},
	{regexp.MustCompile(`(?i)\b(error|exception|crash)`), "error-handling"},
}

// Extractor normalizes raw trace feedback.
type Extractor struct {
	log *zap.Logger
}

func NewExtractor(log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{log: log}
}

// Extract normalizes and deduplicates feedback from the given traces.
// Callers pass traces in a stable order (the pool returns suite order);
// the output is then fully deterministic: stable-sorted by count
// descending, then area, then first appearance, with ids assigned in that
// final order.
func (e *Extractor) Extract(traces []*trace.Trace) []Entry {
	type bucket struct {
		entry Entry
		tests map[string]bool
		files map[string]bool
	}
	var order []string
	buckets := map[string]*bucket{}

	for _, tr := range traces {
		if tr == nil {
			continue
		}
		for _, raw := range tr.Feedback {
			typ := strings.ToLower(strings.TrimSpace(raw.Type))
			if !knownTypes[typ] {
				e.log.Debug("feedback entry dropped",
					zap.String("test", tr.TestID),
					zap.String("type", raw.Type))
				continue
			}
			title := strings.TrimSpace(raw.Title)
			if title == "" {
				title = firstSentence(raw.Detail)
			}
			if title == "" {
				e.log.Debug("untitled feedback entry dropped", zap.String("test", tr.TestID))
				continue
			}
			area := normalizeArea(raw.Area, title+" "+raw.Detail)

			key := area + "\x00" + titlePrefix(title)
			b, ok := buckets[key]
			if !ok {
				b = &bucket{
					entry: Entry{
						Type:   typ,
						Area:   area,
						Title:  title,
						Detail: strings.TrimSpace(raw.Detail),
					},
					tests: map[string]bool{},
					files: map[string]bool{},
				}
				buckets[key] = b
				order = append(order, key)
			}
			b.entry.Count++
			if tr.TestID != "" && !b.tests[tr.TestID] {
				b.tests[tr.TestID] = true
				b.entry.Tests = append(b.entry.Tests, tr.TestID)
			}
			for _, f := range raw.Files {
				f = strings.TrimSpace(f)
				if f != "" && !b.files[f] {
					b.files[f] = true
					b.entry.Files = append(b.entry.Files, f)
				}
			}
		}
	}

	out := make([]Entry, 0, len(order))
	for _, key := range order {
		out = append(out, buckets[key].entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Area < out[j].Area
	})
	for i := range out {
		out[i].ID = fmt.Sprintf("fb-%03d", i+1)
	}
	return out
}

// normalizeArea lowercases a declared area, folds unknown ones to other,
// and infers a missing one from the entry text.
func normalizeArea(declared, text string) string {
	area := strings.ToLower(strings.TrimSpace(declared))
	if area != "" {
		if knownAreas[area] {
			return area
		}
		return "other"
	}
	for _, rule := range areaRules {
		if rule.re.MatchString(text) {
			return rule.area
		}
	}
	return "other"
}

// firstSentence derives a title from free-form detail text.
func firstSentence(detail string) string {
	detail = strings.TrimSpace(detail)
	if i := strings.IndexAny(detail, ".!?\n"); i >= 0 {
		detail = detail[:i]
	}
	return strings.TrimSpace(detail)
}

// titlePrefix is the dedup key component: the lowercased leading runes of
// the title, whitespace-trimmed.
func titlePrefix(title string) string {
	lower := strings.ToLower(title)
	runes := []rune(lower)
	if len(runes) > dedupTitleRunes {
		runes = runes[:dedupTitleRunes]
	}
	return strings.TrimSpace(string(runes))
}

// WriteExtracted writes the extraction envelope. The timestamp is injected
// so identical inputs produce identical bytes under a fixed clock.
func WriteExtracted(path string, entries []Entry, now time.Time) error {
	if entries == nil {
		entries = []Entry{}
	}
	doc := Extracted{Timestamp: now.UTC().Format(time.RFC3339), Entries: entries}
	if err := fsbus.WriteJSONAtomic(path, &doc); err != nil {
		return fmt.Errorf("write extracted feedback: %w", err)
	}
	return nil
}
