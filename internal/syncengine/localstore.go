package syncengine

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// LocalStore is the durable key-addressed blob store shared by the cache
// tiers, the write queue, and the editor recovery copies. Implementations
// must survive a process restart (the in-memory store exists for tests and
// for callers that explicitly opt out of durability).
type LocalStore interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, payload []byte) error
	Delete(key string) error
	// ListByPrefix returns matching entries ordered by key ascending.
	ListByPrefix(prefix string) ([]StoredEntry, error)
	Close() error
}

type StoredEntry struct {
	Key     string
	Payload []byte
}

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemoryStore() LocalStore {
	return &memoryStore{entries: map[string][]byte{}}
}

func (s *memoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), payload...), true, nil
}

func (s *memoryStore) Put(key string, payload []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append([]byte(nil), payload...)
	return nil
}

func (s *memoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *memoryStore) ListByPrefix(prefix string) ([]StoredEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]StoredEntry, 0)
	for key, payload := range s.entries {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, StoredEntry{Key: key, Payload: append([]byte(nil), payload...)})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *memoryStore) Close() error {
	return nil
}

type fileStore struct {
	path    string
	mu      sync.Mutex
	entries map[string][]byte
}

type fileStoreSnapshot struct {
	Entries map[string][]byte `json:"entries"`
}

// NewFileStore persists the whole key space as one JSON snapshot with an
// atomic tmp-file-and-rename write, loading it back on open.
func NewFileStore(path string) (LocalStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &fileStore{path: path, entries: map[string][]byte{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), payload...), true, nil
}

func (s *fileStore) Put(key string, payload []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.entries[key]
	s.entries[key] = append([]byte(nil), payload...)
	if err := s.saveLocked(); err != nil {
		if existed {
			s.entries[key] = previous
		} else {
			delete(s.entries, key)
		}
		return err
	}
	return nil
}

func (s *fileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.entries[key]
	if !existed {
		return nil
	}
	delete(s.entries, key)
	if err := s.saveLocked(); err != nil {
		s.entries[key] = previous
		return err
	}
	return nil
}

func (s *fileStore) ListByPrefix(prefix string) ([]StoredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]StoredEntry, 0)
	for key, payload := range s.entries {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, StoredEntry{Key: key, Payload: append([]byte(nil), payload...)})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileStoreSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Entries != nil {
		s.entries = snapshot.Entries
	}
	return nil
}

func (s *fileStore) saveLocked() error {
	snapshot := fileStoreSnapshot{Entries: s.entries}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return storageErr(err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return storageErr(err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return storageErr(err)
	}
	return nil
}

// storageErr maps disk exhaustion onto ErrStorageFull so the queue can
// surface the hard no-fallback-tier error the way callers expect.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "no space left") || strings.Contains(msg, "disk full") || strings.Contains(msg, "quota exceeded") {
		return ErrStorageFull
	}
	return err
}
