package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/e2ekit/internal/validation"
	"github.com/rendis/e2ekit/pkg/schema"
)

var safeSessionID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// FileStore keeps one JSON file per session in a directory.
type FileStore struct {
	dir       string
	validator *validation.Validator
	mu        sync.Mutex
}

// NewFileStore returns a store rooted at dir; the directory is created on first Save.
func NewFileStore(dir string, v *validation.Validator) *FileStore {
	if dir == "" {
		dir = DefaultDir
	}
	if v == nil {
		v = validation.MustNew()
	}
	return &FileStore{dir: dir, validator: v}
}

// Dir returns the records directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(sessionID string) (string, error) {
	if !safeSessionID.MatchString(sessionID) {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid session id %q", sessionID)
	}
	return filepath.Join(s.dir, sessionID+".json"), nil
}

// Save writes the record atomically with owner-only permissions.
func (s *FileStore) Save(_ context.Context, rec *schema.FailedCleanupRecord) error {
	if err := checkRecord(rec); err != nil {
		return err
	}
	p, err := s.path(rec.SessionID)
	if err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := s.validator.ValidateValue(validation.SchemaRecord, rec); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return persistErr(rec.SessionID, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+rec.SessionID+"-*.tmp")
	if err != nil {
		return persistErr(rec.SessionID, err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return persistErr(rec.SessionID, err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return persistErr(rec.SessionID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return persistErr(rec.SessionID, err)
	}
	if err := tmp.Close(); err != nil {
		return persistErr(rec.SessionID, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return persistErr(rec.SessionID, err)
	}
	return nil
}

func persistErr(sessionID string, err error) error {
	return schema.NewErrorf(schema.ErrCodePersistence, "write failed cleanup for session %s: %v", sessionID, err).WithCause(err)
}

// Get loads and validates one record.
func (s *FileStore) Get(_ context.Context, sessionID string) (*schema.FailedCleanupRecord, error) {
	p, err := s.path(sessionID)
	if err != nil {
		return nil, err
	}
	rec, err := s.load(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storeNotFound(sessionID)
	}
	return rec, err
}

func (s *FileStore) load(p string) (*schema.FailedCleanupRecord, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	if err := s.validator.ValidateBytes(validation.SchemaRecord, data); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
	}
	var rec schema.FailedCleanupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
	}
	return &rec, nil
}

// List returns every readable record sorted by timestamp. Invalid files are
// reported in the second return value and otherwise skipped.
func (s *FileStore) List(_ context.Context) ([]*schema.FailedCleanupRecord, []error, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", s.dir, err)
	}

	var (
		recs    []*schema.FailedCleanupRecord
		invalid []error
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		rec, err := s.load(filepath.Join(s.dir, name))
		if err != nil {
			invalid = append(invalid, err)
			continue
		}
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].SessionID < recs[j].SessionID
		}
		return recs[i].Timestamp.Before(recs[j].Timestamp)
	})
	return recs, invalid, nil
}

// Delete removes a record file.
func (s *FileStore) Delete(_ context.Context, sessionID string) error {
	p, err := s.path(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete record %s: %w", sessionID, err)
	}
	return nil
}
