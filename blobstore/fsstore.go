package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// FSStore is a reference Store backed by the local filesystem, grounded on
// sas_ingester's atomic-rename upload pattern: bytes are written to a temp
// file in the same directory and renamed into place, so a reader never
// observes a partially written blob.
type FSStore struct {
	root   string
	logger *slog.Logger
}

// FSConfig configures a FSStore.
type FSConfig struct {
	Root   string
	Logger *slog.Logger
}

func (c *FSConfig) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NewFSStore creates a filesystem-backed Store rooted at cfg.Root,
// creating the directory if needed.
func NewFSStore(cfg FSConfig) (*FSStore, error) {
	cfg.defaults()
	if cfg.Root == "" {
		return nil, fmt.Errorf("blobstore: FSConfig.Root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: mkdir root: %w", err)
	}
	return &FSStore{root: cfg.Root, logger: cfg.Logger}, nil
}

func (s *FSStore) path(ref string) string {
	return filepath.Join(s.root, filepath.FromSlash(ref))
}

// Put writes body at ref, idempotently: if a file already exists at ref
// with identical bytes, Put is a no-op.
func (s *FSStore) Put(ctx context.Context, ref string, body []byte, mime string) error {
	dst := s.path(ref)

	if existing, err := os.ReadFile(dst); err == nil {
		if bytes.Equal(existing, body) {
			return nil
		}
		return fmt.Errorf("blobstore: ref %q already holds different bytes", ref)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("blobstore: mkdir for %q: %w", ref, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("blobstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("blobstore: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blobstore: close temp: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("blobstore: rename into place: %w", err)
	}
	s.logger.DebugContext(ctx, "blobstore: put", "ref", ref, "bytes", len(body), "mime", mime)
	return nil
}

// Get returns the bytes stored at ref.
func (s *FSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	body, err := os.ReadFile(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blobstore: ref %q not found: %w", ref, err)
		}
		return nil, fmt.Errorf("blobstore: read %q: %w", ref, err)
	}
	return body, nil
}

// Sign returns a file:// URL for ref. A real deployment would mint a
// signed, time-limited URL against the object store; the local reference
// adapter has no such concept, so ttl is accepted but unused.
func (s *FSStore) Sign(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	if _, err := os.Stat(s.path(ref)); err != nil {
		return "", fmt.Errorf("blobstore: sign %q: %w", ref, err)
	}
	return "file://" + s.path(ref), nil
}

// Delete removes the blob at ref. Missing refs are not an error.
func (s *FSStore) Delete(ctx context.Context, ref string) error {
	if err := os.Remove(s.path(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: delete %q: %w", ref, err)
	}
	return nil
}
