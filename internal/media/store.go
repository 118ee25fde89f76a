package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"whatsapp-inbox/internal/config"
)

var ErrInvalidRef = errors.New("invalid media reference")

// Store persists media bytes and hands back an opaque reference that is
// recorded on the message row.
type Store interface {
	Save(ctx context.Context, data []byte, mimeType string) (ref string, err error)
	Load(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// NewStore builds the store selected by MEDIA_DRIVER.
func NewStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Media.Driver {
	case "", "local":
		return NewLocalStore(cfg.Media.Dir), nil
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported media driver %q", cfg.Media.Driver)
	}
}

// LocalStore keeps media under a directory on the local filesystem.
type LocalStore struct {
	dir string
	now func() time.Time
}

func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir, now: time.Now}
}

func (s *LocalStore) Save(_ context.Context, data []byte, mimeType string) (string, error) {
	ref := ObjectKey(s.now(), Extension(mimeType, data))
	path := filepath.Join(s.dir, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write media: %w", err)
	}
	return ref, nil
}

func (s *LocalStore) Load(_ context.Context, ref string) ([]byte, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read media %s: %w", ref, err)
	}
	return data, nil
}

func (s *LocalStore) Delete(_ context.Context, ref string) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove media %s: %w", ref, err)
	}
	return nil
}

func (s *LocalStore) resolve(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if ref == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.Join(s.dir, clean), nil
}
