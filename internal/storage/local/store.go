// Package local stores run artifacts on the local filesystem under a root
// directory, mirroring the object key layout.
package local

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/autoplan/autoplan/internal/storage"
)

type Store struct {
	root string
}

func New(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("local store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve local store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create local store root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Path returns the filesystem location of key.
func (s *Store) Path(key string) (string, error) {
	cleaned, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

// Put writes through a temporary file and renames it into place so readers
// never observe a partial artifact.
func (s *Store) Put(_ context.Context, key string, body io.Reader, _ int64, _ storage.PutOptions) (storage.ObjectInfo, error) {
	target, err := s.Path(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := md5.New()
	written, err := io.Copy(io.MultiWriter(tmp, hash), body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("write artifact %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("commit artifact %q: %w", key, err)
	}
	cleaned, _ := storage.CleanKey(key)
	return storage.ObjectInfo{Key: cleaned, Size: written, ETag: hex.EncodeToString(hash.Sum(nil))}, nil
}

func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, error) {
	target, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact %q: %w", key, err)
	}
	return file, nil
}

func (s *Store) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	target, err := s.Path(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("stat artifact %q: %w", key, err)
	}
	cleaned, _ := storage.CleanKey(key)
	return storage.ObjectInfo{Key: cleaned, Size: info.Size(), LastModified: info.ModTime().UTC()}, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	target, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete artifact %q: %w", key, err)
	}
	return nil
}

