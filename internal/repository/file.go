// Package repository provides the storage backends behind the encrypted store
// and the typed collections (sessions, biometric credentials, vault) built on
// top of it.
package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/kirill-eremin-production/my-passwords/internal/encstore"
)

// ErrInvalidKey is returned for record keys that are not a plain file name.
var ErrInvalidKey = errors.New("invalid record key")

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// FileRepository stores each record in <Dir>/<key>.txt.
type FileRepository struct {
	// Dir is the directory holding record and backup files.
	Dir string
}

// NewFileRepository creates dir (0700) if needed and returns a FileRepository.
func NewFileRepository(dir string) (*FileRepository, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileRepository{Dir: dir}, nil
}

func (r *FileRepository) path(key string) string {
	return filepath.Join(r.Dir, key+".txt")
}

// Load reads the record file. A missing file is reported as encstore.ErrNotExist.
func (r *FileRepository) Load(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, encstore.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Save replaces the record file atomically.
func (r *FileRepository) Save(_ context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return writeFileAtomic(r.path(key), data)
}

// Backup writes data to <key>.txt.backup.<unix-ms> and returns that path.
func (r *FileRepository) Backup(_ context.Context, key string, data []byte, at time.Time) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	name := r.path(key) + ".backup." + strconv.FormatInt(at.UnixMilli(), 10)
	if err := writeFileAtomic(name, data); err != nil {
		return "", err
	}
	return name, nil
}

// writeFileAtomic writes to a temp file in the same directory, syncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
