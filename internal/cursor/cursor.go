// Package cursor persists the extraction cursor between runs so a schedule
// never re-fetches windows it has already loaded. The storage is a small
// JSON document written with the usual temp-file-and-rename dance so a
// crash mid-write leaves the previous cursor intact.
package cursor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store loads and saves the opaque extraction cursor. An empty cursor
// means "no previous run".
type Store interface {
	Load() (string, error)
	Save(cursor string) error
}

type fileDoc struct {
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileStore keeps the cursor in a JSON file.
type FileStore struct {
	Path string
}

// Load returns the stored cursor, or "" when the file does not exist yet.
func (s *FileStore) Load() (string, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("cursor: read %s: %w", s.Path, err)
	}
	var doc fileDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return "", fmt.Errorf("cursor: parse %s: %w", s.Path, err)
	}
	return doc.Cursor, nil
}

// Save atomically replaces the stored cursor.
func (s *FileStore) Save(cursor string) error {
	doc := fileDoc{Cursor: cursor, UpdatedAt: time.Now().UTC()}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("cursor: marshal: %w", err)
	}

	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, ".cursor-*")
	if err != nil {
		return fmt.Errorf("cursor: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cursor: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cursor: close: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cursor: rename: %w", err)
	}
	return nil
}
