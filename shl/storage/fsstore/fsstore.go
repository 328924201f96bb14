// Package fsstore implements the SHL manifest builder's storage
// capability set (Upload/GetURL/Load/Remove/Update) on top of the local
// filesystem, returning "file://" URLs. Intended for local development
// and testing; production deployments use s3store or another
// object-storage-backed implementation.
package fsstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/amitkgupta/go-smarthealth/shcerr"
	"github.com/amitkgupta/go-smarthealth/shl"
)

// Store persists SHL manifest files under a root directory.
type Store struct {
	root string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlNetwork, "create storage root", err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) pathFor(name string) string {
	return filepath.Join(s.root, name)
}

// Upload implements shl.UploadFunc.
func (s *Store) Upload(_ context.Context, _ shl.ContentType, ciphertext []byte) (string, error) {
	name := uuid.New().String()
	if err := os.WriteFile(s.pathFor(name), ciphertext, 0o644); err != nil {
		return "", shcerr.Wrap(shcerr.KindShlNetwork, "write storage file", err)
	}
	return name, nil
}

// GetURL implements shl.GetURLFunc, returning a file:// URL. Filesystem
// storage has no concept of a short-lived presigned URL; callers needing
// that property should use s3store instead.
func (s *Store) GetURL(_ context.Context, storagePath string) (string, error) {
	abs, err := filepath.Abs(s.pathFor(storagePath))
	if err != nil {
		return "", shcerr.Wrap(shcerr.KindShlNetwork, "resolve storage path", err)
	}
	return "file://" + abs, nil
}

// Load implements shl.LoadFunc, reading the file directly rather than
// going through GetURL/HTTP.
func (s *Store) Load(_ context.Context, storagePath string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(storagePath))
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindShlNetwork, "read storage file", err)
	}
	return data, nil
}

// Remove implements shl.RemoveFunc.
func (s *Store) Remove(_ context.Context, storagePath string) error {
	if err := os.Remove(s.pathFor(storagePath)); err != nil {
		return shcerr.Wrap(shcerr.KindShlNetwork, "remove storage file", err)
	}
	return nil
}

// Update implements shl.UpdateFunc.
func (s *Store) Update(_ context.Context, storagePath string, ciphertext []byte) error {
	if err := os.WriteFile(s.pathFor(storagePath), ciphertext, 0o644); err != nil {
		return shcerr.Wrap(shcerr.KindShlNetwork, "overwrite storage file", err)
	}
	return nil
}
