package backlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"flywheel/internal/fsbus"
)

// Store reads and writes one backlog file. Mutations serialize through the
// advisory lock on the backlog path, so concurrent flywheels against the
// same backlog cannot interleave read-modify-write cycles.
type Store struct {
	path string
	log  *zap.Logger
}

func NewStore(path string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{path: path, log: log}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads and schema-checks the backlog. ErrMissing if the file does not
// exist; ErrCorrupt if it fails the schema.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, s.path)
		}
		return nil, err
	}
	return decodeDocument(data)
}

func decodeDocument(data []byte) (*Document, error) {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := backlogSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if doc.Issues == nil {
		doc.Issues = []Issue{}
	}
	if doc.Implemented == nil {
		doc.Implemented = []Issue{}
	}
	return &doc, nil
}

// Save writes the document atomically, stamping lastUpdated. Nil issue
// lists are written as empty arrays so the document always reloads.
func (s *Store) Save(doc *Document) error {
	if doc.Issues == nil {
		doc.Issues = []Issue{}
	}
	if doc.Implemented == nil {
		doc.Implemented = []Issue{}
	}
	doc.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	SortIssuesByID(doc.Issues)
	SortIssuesByID(doc.Implemented)
	if err := fsbus.WriteJSONAtomic(s.path, doc); err != nil {
		return fmt.Errorf("save backlog: %w", err)
	}
	s.log.Debug("backlog saved",
		zap.String("path", s.path),
		zap.Int("open", len(doc.Open())),
		zap.Int("implemented", len(doc.Implemented)))
	return nil
}

// Init writes an empty backlog if none exists yet.
func (s *Store) Init() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return s.Save(&Document{Issues: []Issue{}, Implemented: []Issue{}})
}

// Mutate applies fn to the current document under the advisory lock and
// saves the result as a single atomic write. fn returning an error aborts
// with no on-disk change.
func (s *Store) Mutate(fn func(*Document) error) error {
	return s.MutateIf(func(doc *Document) (bool, error) {
		err := fn(doc)
		return err == nil, err
	})
}

// MutateIf is Mutate for conditional writers: when fn reports no change the
// file is left byte-identical, so a no-op apply really is a no-op.
func (s *Store) MutateIf(fn func(*Document) (changed bool, err error)) error {
	lock, err := fsbus.AcquireLock(s.path)
	if err != nil {
		return fmt.Errorf("lock backlog: %w", err)
	}
	defer func() { _ = lock.Release() }()

	doc, err := s.Load()
	if err != nil {
		return err
	}
	changed, err := fn(doc)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return s.Save(doc)
}
