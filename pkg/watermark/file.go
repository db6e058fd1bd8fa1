package watermark

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/ini.v1"
)

// FileSection is the INI section holding one "table = id" key per table.
const FileSection = "LastID"

// FileStore keeps watermarks in an INI file. Every Set rewrites the file
// through a synced temporary file and an atomic rename.
type FileStore struct {
	path string

	mu   sync.Mutex
	file *ini.File
}

// OpenFileStore loads path, or starts empty when it does not exist yet.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := ini.LooseLoad(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load watermark file: %w", err)
	}
	return &FileStore{path: path, file: f}, nil
}

func (s *FileStore) Get(_ context.Context, table string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	section, err := s.file.GetSection(FileSection)
	if err != nil || !section.HasKey(table) {
		return 0, nil
	}
	value, err := section.Key(table).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to parse watermark for %q: %w", table, err)
	}
	return value, nil
}

func (s *FileStore) Set(_ context.Context, table string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	section := s.file.Section(FileSection)
	existed := section.HasKey(table)
	key := section.Key(table)
	previous := key.String()
	key.SetValue(strconv.FormatInt(value, 10))
	if err := s.flush(); err != nil {
		if existed {
			key.SetValue(previous)
		} else {
			section.DeleteKey(table)
		}
		return fmt.Errorf("failed to write watermark for %q: %w", table, err)
	}
	return nil
}

func (s *FileStore) flush() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := s.file.WriteTo(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
