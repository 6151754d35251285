package quota

import (
	"sync"

	"ytsubs/internal/storage"
)

// FileStore persists the ledger entry as a JSON file written atomically.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns storage.ErrNotFound when no entry has been written yet.
func (s *FileStore) Load() (Entry, error) {
	var e Entry
	if err := storage.ReadJSON(s.path, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *FileStore) Save(e Entry) error {
	return storage.WriteJSON(s.path, e)
}

// MemoryStore keeps the entry in memory.
type MemoryStore struct {
	mu    sync.Mutex
	entry *Entry
	// SaveErr, when set, is returned by Save.
	SaveErr error
}

func (s *MemoryStore) Load() (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return Entry{}, storage.ErrNotFound
	}
	return *s.entry, nil
}

func (s *MemoryStore) Save(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.entry = &e
	return nil
}
