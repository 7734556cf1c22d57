package dedup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// stateVersion is bumped when the on-disk schema changes.
const stateVersion = 1

type state struct {
	Version   int       `json:"version"`
	IDs       []string  `json:"ids"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FileStore persists tracked IDs so a restart does not re-announce alerts
// that were already broadcast.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

// Load returns the saved IDs, oldest first. A missing file yields no IDs and
// no error.
func (s *FileStore) Load() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading dedup state: %w", err)
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing dedup state: %w", err)
	}
	return st.IDs, nil
}

// Save writes ids using a temp-file-then-rename so a crash never leaves a
// truncated file behind.
func (s *FileStore) Save(ids []string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating dedup state dir: %w", err)
	}

	data, err := json.Marshal(state{
		Version:   stateVersion,
		IDs:       ids,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshaling dedup state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".dedup-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming dedup state file: %w", err)
	}
	committed = true

	return nil
}
