package backup

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

// HandleFileName is the file HandleStore keeps in its directory.
const HandleFileName = "backup-folder.json"

// HandleRecord is the persisted form of a chosen backup folder.
type HandleRecord struct {
	Path      string    `json:"path"`
	Consented bool      `json:"consented"`
	ChosenAt  time.Time `json:"chosen_at"`
}

// HandleStore remembers the chosen backup folder across sessions. It lives
// outside the data directory so wiping or reinitializing the local tier does
// not forget it.
type HandleStore struct {
	path string
}

// NewHandleStore stores its record in dir.
func NewHandleStore(dir string) *HandleStore {
	return &HandleStore{path: filepath.Join(dir, HandleFileName)}
}

// Path returns the record file path.
func (s *HandleStore) Path() string {
	return s.path
}

// Load returns the stored record, or nil when no folder was chosen.
func (s *HandleStore) Load() (*HandleRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read backup folder record")
	}

	var rec HandleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.WithMessage(err, "failed to parse backup folder record")
	}
	if rec.Path == "" {
		return nil, nil
	}
	return &rec, nil
}

// Save atomically replaces the stored record.
func (s *HandleStore) Save(rec HandleRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.WithMessage(err, "failed to create config directory")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.WithMessage(err, "failed to marshal backup folder record")
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return errors.WithMessage(err, "failed to write backup folder record")
	}
	return nil
}

// SaveHandle records h and whether the user has consented to it.
func (s *HandleStore) SaveHandle(h *DirHandle) error {
	return s.Save(HandleRecord{Path: h.Path(), Consented: h.Consented(), ChosenAt: time.Now().UTC()})
}

// Open re-attaches to the stored folder. It returns nil when no folder was
// chosen.
func (s *HandleStore) Open(prompter Prompter) (*DirHandle, error) {
	rec, err := s.Load()
	if err != nil || rec == nil {
		return nil, err
	}
	return NewDirHandle(rec.Path, rec.Consented, prompter)
}

// Forget removes the stored record.
func (s *HandleStore) Forget() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.WithMessage(err, "failed to forget backup folder")
	}
	return nil
}
