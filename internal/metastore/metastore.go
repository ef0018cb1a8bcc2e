// Package metastore persists the last-known local model record per
// (app, model name).
package metastore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"modelcached/pkg/types"
)

// Store is the metadata persistence contract consumed by the orchestrator.
type Store interface {
	// Get returns the record for (appID, name); ok is false when absent.
	Get(appID, name string) (rec types.LocalModelRecord, ok bool, err error)
	// Put stores the record, replacing any prior one.
	Put(appID, name string, rec types.LocalModelRecord) error
	// Delete removes the record. Deleting an absent record is not an error.
	Delete(appID, name string) error
	// ListAll returns every record stored for appID.
	ListAll(appID string) ([]types.LocalModelRecord, error)
}

// FileStore keeps one JSON document per app under the data root:
//
//	<root>/apps/<appID>/metadata.json
//
// Writes go through a temp file and rename so readers never observe a torn
// document.
type FileStore struct {
	mu   sync.Mutex
	root string
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

func (s *FileStore) path(appID string) string {
	return filepath.Join(s.root, "apps", sanitize(appID), "metadata.json")
}

func (s *FileStore) load(appID string) (map[string]types.LocalModelRecord, error) {
	b, err := os.ReadFile(s.path(appID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]types.LocalModelRecord{}, nil
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	out := map[string]types.LocalModelRecord{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return out, nil
}

func (s *FileStore) save(appID string, data map[string]types.LocalModelRecord) error {
	path := s.path(appID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace metadata: %w", err)
	}
	return nil
}

func (s *FileStore) Get(appID, name string) (types.LocalModelRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load(appID)
	if err != nil {
		return types.LocalModelRecord{}, false, err
	}
	rec, ok := data[name]
	return rec, ok, nil
}

func (s *FileStore) Put(appID, name string, rec types.LocalModelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load(appID)
	if err != nil {
		return err
	}
	data[name] = rec
	return s.save(appID, data)
}

func (s *FileStore) Delete(appID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load(appID)
	if err != nil {
		return err
	}
	if _, ok := data[name]; !ok {
		return nil
	}
	delete(data, name)
	return s.save(appID, data)
}

func (s *FileStore) ListAll(appID string) ([]types.LocalModelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load(appID)
	if err != nil {
		return nil, err
	}
	out := make([]types.LocalModelRecord, 0, len(data))
	for _, rec := range data {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// sanitize mirrors the filestore layout rule so metadata and model files for
// one app live under the same directory.
func sanitize(name string) string {
	if name == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
