// Package storage holds per-request workspaces for uploaded inputs and
// generated outputs.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a workspace or file does not exist.
var ErrNotFound = errors.New("file not found")

// SaveOptions locate a file inside a workspace. Workspace must be a UUID.
type SaveOptions struct {
	Workspace   string
	Name        string
	ContentType string
}

type FileInfo struct {
	Workspace   string
	Name        string
	Path        string
	ContentType string
	Size        int64
	ModTime     time.Time
}

type Storage interface {
	Save(ctx context.Context, r io.Reader, opts SaveOptions) (FileInfo, error)
	Open(ctx context.Context, workspace, name string) (io.ReadSeekCloser, FileInfo, error)
	RemoveWorkspace(ctx context.Context, workspace string) error
	// Prune deletes workspaces last modified before cutoff and reports how
	// many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}
