// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by Read when no blob has the given name.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidName is returned for names that are empty or could
	// escape the blob directory.
	ErrInvalidName = errors.New("invalid blob name")
)

// maxExtensionLength bounds the preserved extension, dot excluded.
const maxExtensionLength = 16

// Store is a directory of blobs. It is safe for concurrent use: every
// Put writes a distinct file and renames are atomic.
type Store struct {
	root string
}

// Open returns a Store rooted at dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("blobstore: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: creating %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

// Put stores data under a newly generated name that keeps the
// extension of originalName. It returns the name and the content
// digest. The file is fully written and synced before Put returns.
func (s *Store) Put(originalName string, data []byte) (string, Digest, error) {
	name := uuid.New().String()
	name = strings.ReplaceAll(name, "-", "") + Extension(originalName)

	tmpFile, err := os.CreateTemp(s.root, ".upload-*.tmp")
	if err != nil {
		return "", Digest{}, fmt.Errorf("blobstore: creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return "", Digest{}, fmt.Errorf("blobstore: writing %s: %w", name, err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return "", Digest{}, fmt.Errorf("blobstore: syncing %s: %w", name, err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", Digest{}, fmt.Errorf("blobstore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.root, name)); err != nil {
		return "", Digest{}, fmt.Errorf("blobstore: renaming to %s: %w", name, err)
	}

	success = true
	return name, DigestOf(data), nil
}

// Read returns the content of the named blob.
func (s *Store) Read(name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blobstore: %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("blobstore: reading %s: %w", name, err)
	}
	return data, nil
}

// Remove deletes the named blob. A blob that does not exist is not an
// error.
func (s *Store) Remove(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blobstore: removing %s: %w", name, err)
	}
	return nil
}

func (s *Store) path(name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("blobstore: %q: %w", name, ErrInvalidName)
	}
	return filepath.Join(s.root, name), nil
}

// Extension returns the extension of originalName,
// including the dot, or "" when it is missing, too long, or contains
// anything other than ASCII letters and digits.
func Extension(originalName string) string {
	extension := filepath.Ext(originalName)
	if len(extension) < 2 || len(extension) > maxExtensionLength+1 {
		return ""
	}
	for _, r := range extension[1:] {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		isDigit := r >= '0' && r <= '9'
		if !isLetter && !isDigit {
			return ""
		}
	}
	return extension
}
