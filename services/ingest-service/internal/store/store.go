package store

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	// ErrStorageFull is returned when the backing filesystem is out of space.
	ErrStorageFull = errors.New("content store: storage full")
	// ErrPermissionDenied is returned when the store directory is not writable.
	ErrPermissionDenied = errors.New("content store: permission denied")
)

// ContentStore writes blobs under a root directory, addressed by their
// SHA-256 digest. Identical bytes land on the same path, so writes are
// naturally idempotent.
type ContentStore struct {
	dir string
}

func New(dir string) *ContentStore {
	return &ContentStore{dir: dir}
}

// PutResult describes one stored blob. Both digests are computed in a
// single read of the input.
type PutResult struct {
	MD5            string
	SHA256         string
	Size           int64
	Path           string
	AlreadyExisted bool
}

// Put streams r to disk and returns its digests and final path. The blob is
// written to a temp file first and renamed into place, so readers never see
// a partial file. Filename only contributes the extension.
func (s *ContentStore) Put(filename string, r io.Reader) (PutResult, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return PutResult{}, classify(err)
	}

	tmp, err := os.CreateTemp(s.dir, "incoming-*")
	if err != nil {
		return PutResult{}, classify(err)
	}
	tmpName := tmp.Name()

	md5Hash := md5.New()
	shaHash := sha256.New()
	size, err := io.Copy(io.MultiWriter(md5Hash, shaHash, tmp), r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return PutResult{}, classify(err)
	}

	digest := hex.EncodeToString(shaHash.Sum(nil))
	result := PutResult{
		MD5:    hex.EncodeToString(md5Hash.Sum(nil)),
		SHA256: digest,
		Size:   size,
	}

	subdir := filepath.Join(s.dir, digest[:2])
	if err := os.MkdirAll(subdir, 0o755); err != nil {
		os.Remove(tmpName)
		return PutResult{}, classify(err)
	}
	result.Path = filepath.Join(subdir, digest+extension(filename))

	if _, err := os.Stat(result.Path); err == nil {
		result.AlreadyExisted = true
		os.Remove(tmpName)
		return result, nil
	}
	if err := os.Rename(tmpName, result.Path); err != nil {
		os.Remove(tmpName)
		return PutResult{}, classify(err)
	}
	return result, nil
}

// Read returns the stored bytes for a path previously returned by Put.
func (s *ContentStore) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func extension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return ".pdf"
	}
	return ext
}

func classify(err error) error {
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return err
	}
}
