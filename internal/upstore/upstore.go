// Package upstore persists UnifiedPush endpoint registrations across
// restarts. UnifiedPush endpoints are the client's only delivery address and
// are not re-pushed automatically the way FCM tokens are, so losing them on
// restart would strand the device.
//
// The whole document is rewritten on every change via write-temp-then-rename
// so a crash never leaves a half-written file behind. Write volume is a
// handful of registrations, not a stream.
package upstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const formatVersion = 1

// Registration is one persisted UnifiedPush endpoint.
type Registration struct {
	DeviceID     string    `json:"device_id"`
	EndpointURL  string    `json:"endpoint_url"`
	Platform     string    `json:"platform"`
	RegisteredAt time.Time `json:"registered_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type document struct {
	Version       int            `json:"version"`
	Registrations []Registration `json:"registrations"`
}

// Store is a file-backed registration store.
type Store struct {
	mu   sync.Mutex
	path string
}

// New returns a store writing to path. The file is created on first Save.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads all persisted registrations. A missing file is a clean first
// boot and returns an empty slice; an unreadable or malformed file is an
// error the caller decides how to treat.
func (s *Store) Load() ([]Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("parse %s: unsupported format version %d", s.path, doc.Version)
	}
	return doc.Registrations, nil
}

// Save atomically replaces the persisted set of registrations.
func (s *Store) Save(regs []Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := document{Version: formatVersion, Registrations: regs}
	if doc.Registrations == nil {
		doc.Registrations = []Registration{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
