package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ErrIOConflict is returned when an atomic replace keeps failing after every retry.
var ErrIOConflict = errors.New("io conflict")

const (
	DefaultRetries = 10
	DefaultBackoff = 50 * time.Millisecond
)

// Store persists JSON documents with temp-file + rename replacement.
type Store struct {
	Retries int
	Backoff time.Duration
	Log     *zap.Logger

	// Rename and Sleep are swapped in tests.
	Rename func(oldpath, newpath string) error
	Sleep  func(time.Duration)
}

func New(log *zap.Logger) *Store {
	return &Store{Retries: DefaultRetries, Backoff: DefaultBackoff, Log: log}
}

func (s *Store) log() *zap.Logger {
	if s == nil || s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Store) rename(oldpath, newpath string) error {
	if s.Rename != nil {
		return s.Rename(oldpath, newpath)
	}
	return os.Rename(oldpath, newpath)
}

func (s *Store) sleep(d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Write marshals v as indented JSON and atomically replaces path with it.
func (s *Store) Write(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return s.WriteRaw(path, append(data, '\n'))
}

// WriteRaw atomically replaces path with data. Readers see either the old or
// the new content, never a partial file.
func (s *Store) WriteRaw(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	retries := s.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}
	backoff := s.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	tmp := ""
	defer func() {
		if tmp != "" {
			os.Remove(tmp)
		}
	}()
	var lastErr error
	for i := 0; i <= retries; i++ {
		if tmp == "" || !exists(tmp) {
			name, err := writeTemp(dir, filepath.Base(path), data)
			if err != nil {
				return fmt.Errorf("write temp for %s: %w", filepath.Base(path), err)
			}
			tmp = name
		}
		err := s.rename(tmp, path)
		if err == nil {
			tmp = ""
			syncDir(dir)
			return nil
		}
		if !transient(err) {
			return fmt.Errorf("replace %s: %w", path, err)
		}
		lastErr = err
		if i == retries {
			break
		}
		s.log().Debug("atomic replace retry", zap.String("path", path), zap.Int("attempt", i+1), zap.Error(err))
		s.sleep(backoff * time.Duration(i+1))
	}
	s.log().Warn("atomic replace gave up", zap.String("path", path), zap.Error(lastErr))
	return fmt.Errorf("%w: replace %s: %v", ErrIOConflict, path, lastErr)
}

// ReadRaw returns the file content and whether it could be read.
func (s *Store) ReadRaw(path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log().Debug("read failed", zap.String("path", path), zap.Error(err))
		}
		return nil, false
	}
	return data, true
}

// Exists reports whether path is present.
func (s *Store) Exists(path string) bool {
	return exists(path)
}

// Remove deletes path; a missing file is not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the sorted paths in dir matching the glob pattern. A missing
// directory yields no paths.
func (s *Store) List(dir, pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// ReadJSON decodes path into a T. Missing or undecodable files yield def.
func ReadJSON[T any](s *Store, path string, def T) T {
	data, ok := s.ReadRaw(path)
	if !ok {
		return def
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		s.log().Warn("corrupt document ignored", zap.String("path", path), zap.Error(err))
		return def
	}
	return out
}

func writeTemp(dir, base string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// transient covers a destination briefly held open by another process and a
// temp file removed out from under us.
func transient(err error) bool {
	return errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
