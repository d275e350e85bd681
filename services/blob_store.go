package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sahilchouksey/go-exam-grader/services/digitalocean"
)

// BlobStore keeps the raw bytes of uploaded documents.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// LocalBlobStore writes blobs under a directory on disk.
type LocalBlobStore struct {
	root string
}

func NewLocalBlobStore(root string) (*LocalBlobStore, error) {
	if root == "" {
		root = "uploads"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &LocalBlobStore{root: root}, nil
}

func (s *LocalBlobStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if strings.Contains(clean, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *LocalBlobStore) Put(_ context.Context, key string, data []byte, _ string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return os.Rename(tmp, p)
}

func (s *LocalBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", key, ErrNotFound)
	}
	return data, err
}

func (s *LocalBlobStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// BlobConfig selects the blob backend
type BlobConfig struct {
	Provider string // "local" or "spaces"
	Dir      string
	Spaces   digitalocean.SpacesConfig
}

// NewBlobStore builds the configured backend.
func NewBlobStore(cfg BlobConfig) (BlobStore, error) {
	switch cfg.Provider {
	case "", "local":
		return NewLocalBlobStore(cfg.Dir)
	case "spaces", "s3":
		return digitalocean.NewSpacesClient(cfg.Spaces)
	}
	return nil, fmt.Errorf("unsupported blob provider: %s", cfg.Provider)
}

func blobKey(kind string, ownerID uint, fileHash, filename string) string {
	return fmt.Sprintf("%s/%d/%s%s", kind, ownerID, fileHash, strings.ToLower(filepath.Ext(filename)))
}
