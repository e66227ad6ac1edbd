package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// FileBackend persists all keys in a single JSON document on disk. Every
// operation takes an exclusive flock on a sibling lock file so several
// processes on the same device can share it.
type FileBackend struct {
	path   string
	logger *slog.Logger
}

// NewFileBackend returns a backend stored at path. The parent directory
// is created with owner-only permissions.
func NewFileBackend(path string, logger *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileBackend{
		path:   path,
		logger: logger.With(slog.String("component", "storage"), slog.String("path", path)),
	}, nil
}

// Path returns the location of the backing document.
func (f *FileBackend) Path() string { return f.path }

func (f *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := f.withLock(unix.LOCK_SH, func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}
		v, ok := doc[key]
		if !ok {
			return ErrNotFound
		}
		out = []byte(v)
		return nil
	})
	return out, err
}

func (f *FileBackend) Set(_ context.Context, key string, value []byte) error {
	return f.withLock(unix.LOCK_EX, func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}
		doc[key] = string(value)
		return f.save(doc)
	})
}

func (f *FileBackend) Delete(_ context.Context, key string) error {
	return f.withLock(unix.LOCK_EX, func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}
		if _, ok := doc[key]; !ok {
			return nil
		}
		delete(doc, key)
		return f.save(doc)
	})
}

func (f *FileBackend) withLock(how int, fn func() error) error {
	lf, err := os.OpenFile(f.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer lf.Close()

	if err := unix.Flock(int(lf.Fd()), how); err != nil {
		return fmt.Errorf("flock %s: %w", f.path, err)
	}
	defer unix.Flock(int(lf.Fd()), unix.LOCK_UN)

	return fn()
}

// load reads the document. A missing file is an empty document; an
// unreadable document is discarded rather than blocking every key.
func (f *FileBackend) load() (map[string]string, error) {
	doc := make(map[string]string)
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		f.logger.Warn("discarding corrupted store document",
			slog.Int("bytes", len(b)),
			slog.String("error", err.Error()))
		return make(map[string]string), nil
	}
	return doc, nil
}

// save writes the document to a temp file and renames it into place.
func (f *FileBackend) save(doc map[string]string) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
