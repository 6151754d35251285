// Package checkpoint persists resume positions for paginated passes.
package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"ytsubs/internal/storage"
)

// Kind separates the checkpoint slots of different pass types.
type Kind string

const (
	KindListing      Kind = "listing"
	KindImport       Kind = "import"
	KindWatchHistory Kind = "watch-history"
)

// Checkpoint is the position after the last accepted item.
type Checkpoint struct {
	// LastItemKey identifies the last processed item; empty when nothing was processed.
	LastItemKey string `json:"last_item_key,omitempty"`
	// PageCursor is the continuation token of the page that item came from.
	PageCursor string `json:"page_cursor,omitempty"`
	// SavedAt is informational only and ignored by Equal.
	SavedAt time.Time `json:"saved_at,omitempty"`
}

// IsEmpty reports whether there is nothing to resume.
func (c Checkpoint) IsEmpty() bool {
	return c.LastItemKey == "" && c.PageCursor == ""
}

// Equal compares the resume position.
func (c Checkpoint) Equal(o Checkpoint) bool {
	return c.LastItemKey == o.LastItemKey && c.PageCursor == o.PageCursor
}

// Store loads and saves one checkpoint slot.
type Store interface {
	// Load never fails: a missing or unreadable slot is the empty checkpoint.
	Load() Checkpoint
	Save(Checkpoint) error
	Clear() error
}

var unsafeScope = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileStore keeps one checkpoint per (kind, scope) in its own JSON file.
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore returns the slot for kind and scope under dir.
// Scope is usually the account name, or "source-target" for imports.
func NewFileStore(dir string, kind Kind, scope string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	name := fmt.Sprintf("checkpoint-%s-%s.json", kind, unsafeScope.ReplaceAllString(scope, "_"))
	return &FileStore{
		path:   filepath.Join(dir, name),
		logger: logger.With("checkpoint", string(kind), "scope", scope),
	}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load() Checkpoint {
	var c Checkpoint
	err := storage.ReadJSON(s.path, &c)
	switch {
	case err == nil:
		return c
	case errors.Is(err, storage.ErrNotFound):
		return Checkpoint{}
	default:
		s.logger.Warn("checkpoint unreadable, starting from scratch", "path", s.path, "error", err)
		return Checkpoint{}
	}
}

func (s *FileStore) Save(c Checkpoint) error {
	if c.SavedAt.IsZero() {
		c.SavedAt = time.Now()
	}
	if err := storage.WriteJSON(s.path, c); err != nil {
		return &storage.StorageError{Op: "write", Entity: "checkpoint", ID: s.path, Err: err}
	}
	return nil
}

func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &storage.StorageError{Op: "delete", Entity: "checkpoint", ID: s.path, Err: err}
	}
	return nil
}
