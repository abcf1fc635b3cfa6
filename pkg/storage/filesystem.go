package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// partialSuffix marks files still being written; readers and cleanup ignore them.
const partialSuffix = ".partial"

// LocalStorage keeps generated attendance sheets under a base directory. Sheets carry learner
// names and emails, so files are readable by the service account only.
type LocalStorage struct {
	baseDir string
	clock   clock.Clock
}

// NewLocalStorage creates baseDir when missing. A nil clock uses wall time.
func NewLocalStorage(baseDir string, clk clock.Clock) (*LocalStorage, error) {
	if baseDir == "" {
		baseDir = "./exports"
	}
	if clk == nil {
		clk = clock.New()
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create exports directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir, clock: clk}, nil
}

// Save writes data under filename. The content is staged in a sibling file and renamed into
// place, so Open never observes a truncated sheet.
func (s *LocalStorage) Save(filename string, data []byte) (string, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("prepare export directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*"+partialSuffix)
	if err != nil {
		return "", fmt.Errorf("stage export file: %w", err)
	}
	staged := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(staged)
		return "", fmt.Errorf("write export file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(staged)
		return "", fmt.Errorf("write export file: %w", err)
	}
	if err := os.Rename(staged, path); err != nil {
		os.Remove(staged)
		return "", fmt.Errorf("publish export file: %w", err)
	}
	return filename, nil
}

// Open returns a read-only handle for a stored sheet.
func (s *LocalStorage) Open(filename string) (*os.File, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open export file: %w", err)
	}
	return file, nil
}

// Delete removes a stored sheet; a missing file is not an error.
func (s *LocalStorage) Delete(filename string) error {
	path, err := s.resolve(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete export file: %w", err)
	}
	return nil
}

// CleanupOlderThan removes sheets last written more than ttl ago and returns their relative
// names. Abandoned partial files are removed too but not reported.
func (s *LocalStorage) CleanupOlderThan(ttl time.Duration) ([]string, error) {
	cutoff := s.clock.Now().Add(-ttl)
	var deleted []string
	err := filepath.WalkDir(s.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		if strings.HasSuffix(path, partialSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			rel = path
		}
		deleted = append(deleted, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup exports: %w", err)
	}
	return deleted, nil
}

// resolve keeps every path inside the base directory; names come from signed tokens.
func (s *LocalStorage) resolve(filename string) (string, error) {
	cleaned := filepath.Clean(filename)
	if cleaned == "." || filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("export path %q escapes storage directory", filename)
	}
	if strings.HasSuffix(cleaned, partialSuffix) {
		return "", fmt.Errorf("export path %q is reserved", filename)
	}
	return filepath.Join(s.baseDir, cleaned), nil
}
