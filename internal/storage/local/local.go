package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/example/style-transfer/internal/storage"
)

// Storage keeps each workspace in its own directory under baseDir.
type Storage struct {
	baseDir string
}

func NewStorage(baseDir string) (*Storage, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Storage{baseDir: baseDir}, nil
}

func (s *Storage) Save(ctx context.Context, r io.Reader, opts storage.SaveOptions) (storage.FileInfo, error) {
	path, err := s.path(opts.Workspace, opts.Name)
	if err != nil {
		return storage.FileInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return storage.FileInfo{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return storage.FileInfo{}, fmt.Errorf("failed to create workspace: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return storage.FileInfo{}, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	size, err := io.Copy(file, r)
	if err != nil {
		os.Remove(path)
		return storage.FileInfo{}, fmt.Errorf("failed to write file: %w", err)
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = contentTypeOf(opts.Name)
	}

	return storage.FileInfo{
		Workspace:   opts.Workspace,
		Name:        opts.Name,
		Path:        path,
		ContentType: contentType,
		Size:        size,
		ModTime:     time.Now(),
	}, nil
}

func (s *Storage) Open(ctx context.Context, workspace, name string) (io.ReadSeekCloser, storage.FileInfo, error) {
	path, err := s.path(workspace, name)
	if err != nil {
		return nil, storage.FileInfo{}, err
	}

	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.FileInfo{}, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.FileInfo{}, fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, storage.FileInfo{}, fmt.Errorf("failed to stat file: %w", err)
	}

	return file, storage.FileInfo{
		Workspace:   workspace,
		Name:        name,
		Path:        path,
		ContentType: contentTypeOf(name),
		Size:        stat.Size(),
		ModTime:     stat.ModTime(),
	}, nil
}

func (s *Storage) RemoveWorkspace(ctx context.Context, workspace string) error {
	if _, err := uuid.Parse(workspace); err != nil {
		return fmt.Errorf("invalid workspace %q", workspace)
	}
	return os.RemoveAll(filepath.Join(s.baseDir, workspace))
}

func (s *Storage) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("failed to list workspaces: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !entry.IsDir() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.baseDir, entry.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove workspace %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// path rejects anything but a UUID workspace and a plain file name.
func (s *Storage) path(workspace, name string) (string, error) {
	if _, err := uuid.Parse(workspace); err != nil {
		return "", fmt.Errorf("invalid workspace %q", workspace)
	}
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(s.baseDir, workspace, name), nil
}

func contentTypeOf(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
