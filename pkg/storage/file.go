package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
)

// File names inside the data directory
const (
	RulesFile     = "rules.json"
	IncidentsFile = "incidents.json"
)

// ErrCorrupt is returned when a persisted file cannot be decoded
var ErrCorrupt = errors.New("corrupt persisted state")

// FileStore keeps rules and incidents as JSON documents in a directory
type FileStore struct {
	dir string
	// one writer per file at a time
	rulesMu     sync.Mutex
	incidentsMu sync.Mutex
}

// NewFileStore creates the data directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the data directory
func (s *FileStore) Dir() string {
	return s.dir
}

// LoadRules reads the rule list. A missing file yields an empty list.
func (s *FileStore) LoadRules() ([]*models.Rule, error) {
	var rules []*models.Rule
	if err := s.load(RulesFile, &rules); err != nil {
		return nil, err
	}
	return dropNil(rules, RulesFile), nil
}

// SaveRules replaces the persisted rule list
func (s *FileStore) SaveRules(rules []*models.Rule) error {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()
	if rules == nil {
		rules = []*models.Rule{}
	}
	return s.save(RulesFile, rules)
}

// LoadIncidents reads the incident list. A missing file yields an empty list.
func (s *FileStore) LoadIncidents() ([]*models.Incident, error) {
	var incidents []*models.Incident
	if err := s.load(IncidentsFile, &incidents); err != nil {
		return nil, err
	}
	return dropNil(incidents, IncidentsFile), nil
}

// SaveIncidents replaces the persisted incident list
func (s *FileStore) SaveIncidents(incidents []*models.Incident) error {
	s.incidentsMu.Lock()
	defer s.incidentsMu.Unlock()
	if incidents == nil {
		incidents = []*models.Incident{}
	}
	return s.save(IncidentsFile, incidents)
}

// dropNil removes null entries of a decoded list
func dropNil[T any](items []*T, name string) []*T {
	out := items[:0]
	for _, item := range items {
		if item != nil {
			out = append(out, item)
		}
	}
	if dropped := len(items) - len(out); dropped > 0 {
		logrus.Warnf("Skipped %d null entries in %s", dropped, name)
	}
	return out
}

func (s *FileStore) load(name string, v interface{}) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logrus.Debugf("No persisted state at %s", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return nil
}

// save writes to a temporary file and renames it over the target so readers never
// see a half-written document
func (s *FileStore) save(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}

	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}
