// Package suite loads the test-definition corpus: one YAML document per
// test, discovered recursively under the suite directory. The declared id is
// authoritative; filenames are only for humans.
package suite

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"flywheel/internal/verify"
)

// Category tags come from a closed set; categoryCoverage in the health score
// is computed over the categories actually present in the suite.
var Categories = []string{"read", "create", "update", "delete", "file_manipulation", "other"}

type Budget struct {
	MaxSteps  int `json:"maxSteps,omitempty" yaml:"maxSteps,omitempty"`
	MaxTimeMS int `json:"maxTimeMs,omitempty" yaml:"maxTimeMs,omitempty"`
}

type Milestone struct {
	ID     string       `json:"id" yaml:"id"`
	Weight float64      `json:"weight" yaml:"weight"`
	Verify verify.Block `json:"verify" yaml:"verify"`
}

type Test struct {
	ID         string      `json:"id" yaml:"id"`
	URL        string      `json:"url" yaml:"url"`
	Category   string      `json:"category,omitempty" yaml:"category,omitempty"`
	Task       string      `json:"task" yaml:"task"`
	Milestones []Milestone `json:"milestones" yaml:"milestones"`
	Budget     Budget      `json:"budget,omitempty" yaml:"budget,omitempty"`

	// File is the definition's source path, kept for diagnostics.
	File string `json:"-" yaml:"-"`
}

type Suite struct {
	Tests []Test

	byID map[string]*Test
}

// Discover returns every test definition file under dir, sorted.
func Discover(dir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{"**/*.yaml", "**/*.yml"} {
		matches, err := doublestar.FilepathGlob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

// Load discovers, parses, and lints the suite under dir. Any ERROR-severity
// diagnostic fails the load; the flywheel never measures a malformed suite.
func Load(dir string) (*Suite, error) {
	files, err := Discover(dir)
	if err != nil {
		return nil, err
	}
	s := &Suite{byID: map[string]*Test{}}
	for _, file := range files {
		t, err := loadTest(file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		s.Tests = append(s.Tests, *t)
	}
	sort.Slice(s.Tests, func(i, j int) bool { return s.Tests[i].ID < s.Tests[j].ID })
	for i := range s.Tests {
		s.byID[s.Tests[i].ID] = &s.Tests[i]
	}

	if diags := Lint(s); hasErrors(diags) {
		return nil, fmt.Errorf("suite lint failed:\n%s", formatDiagnostics(diags))
	}
	return s, nil
}

func loadTest(path string) (*Test, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t Test
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("multiple documents are not allowed")
		}
		return nil, err
	}
	if strings.TrimSpace(t.Category) == "" {
		t.Category = "other"
	}
	t.File = path
	return &t, nil
}

// Get returns the test with the given id.
func (s *Suite) Get(id string) (*Test, bool) {
	t, ok := s.byID[id]
	return t, ok
}

// IDs returns all test ids in sorted order.
func (s *Suite) IDs() []string {
	ids := make([]string, 0, len(s.Tests))
	for i := range s.Tests {
		ids = append(ids, s.Tests[i].ID)
	}
	return ids
}

// PresentCategories returns the sorted distinct categories in the suite.
func (s *Suite) PresentCategories() []string {
	seen := map[string]bool{}
	for i := range s.Tests {
		seen[s.Tests[i].Category] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// WeightSum returns the total milestone weight of a test.
func (t *Test) WeightSum() float64 {
	var sum float64
	for i := range t.Milestones {
		sum += t.Milestones[i].Weight
	}
	return sum
}
