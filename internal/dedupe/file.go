package dedupe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
)

const fileFormatVersion = 1

type fileDocument struct {
	Version  int                          `json:"version"`
	Packages map[string]map[string]string `json:"packages"`
}

// FileStore keeps the seen-set in a single JSON document. Writes go to a
// temporary file that is renamed over the old one, so readers only ever see
// the previous or the next complete state.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("seen-set file path is required")
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create seen-set directory: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Load(ctx context.Context) (SeenSet, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileStore) Commit(ctx context.Context, advances []Advance) error {
	if len(advances) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen, err := s.read()
	if err != nil {
		return err
	}
	seen.Apply(advances)

	doc := fileDocument{Version: fileFormatVersion, Packages: make(map[string]map[string]string, len(seen))}
	for id, record := range seen {
		doc.Packages[id] = record.Channels
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal seen-set: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write seen-set: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) read() (SeenSet, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return SeenSet{}, nil
		}
		return nil, fmt.Errorf("read seen-set: %w", err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &StoreCorruptError{Backend: "file", Path: s.path, Err: err}
	}
	if doc.Version != fileFormatVersion {
		return nil, &StoreCorruptError{Backend: "file", Path: s.path, Err: fmt.Errorf("unsupported format version %d", doc.Version)}
	}
	seen := make(SeenSet, len(doc.Packages))
	for id, channels := range doc.Packages {
		if channels == nil {
			channels = map[string]string{}
		}
		seen[id] = SeenRecord{Channels: channels}
	}
	return seen, nil
}
