package blob

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FilesystemStore implements Store on a local directory. Keys map to file
// paths under the root; content types are recorded in a sidecar file so Get
// can return them.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a blob store rooted at dir, creating it if
// needed.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FilesystemStore{root: dir}, nil
}

func (s *FilesystemStore) path(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.root, cleaned), nil
}

func (s *FilesystemStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.WriteFile(path+".content-type", []byte(contentType), 0o644); err != nil {
		return fmt.Errorf("failed to write blob content type: %w", err)
	}
	return nil
}

func (s *FilesystemStore) Get(ctx context.Context, key string) (*Object, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	contentType, err := os.ReadFile(path + ".content-type")
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read blob content type: %w", err)
	}

	return &Object{Data: data, ContentType: string(contentType)}, nil
}

func (s *FilesystemStore) SignedURL(key string, ttl time.Duration) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to stat blob: %w", err)
	}
	return fmt.Sprintf("file://%s?expires=%d", url.PathEscape(path), time.Now().Add(ttl).Unix()), nil
}
