package policy

import (
	"context"
	"os"
	"path/filepath"

	"github.com/davidahmann/covenant/internal/rules"
)

// Writer performs filesystem writes only after filesystem_write allows the target path.
type Writer struct {
	enforcer Enforcer
}

func NewWriter(e Enforcer) *Writer {
	return &Writer{enforcer: e}
}

func (w *Writer) allow(ctx context.Context, path string) error {
	_, err := w.enforcer.Enforce(ctx, string(rules.FilesystemWrite), path)
	return err
}

// WriteFile creates parent directories and writes data once path is allowed.
func (w *Writer) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	if err := w.allow(ctx, path); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, perm)
}

func (w *Writer) MkdirAll(ctx context.Context, path string, perm os.FileMode) error {
	if err := w.allow(ctx, path); err != nil {
		return err
	}
	return os.MkdirAll(path, perm)
}

// RemoveAll deletes path and everything below it once path is allowed.
func (w *Writer) RemoveAll(ctx context.Context, path string) error {
	if err := w.allow(ctx, path); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// Create opens path for writing, truncating it, once allowed.
func (w *Writer) Create(ctx context.Context, path string) (*os.File, error) {
	if err := w.allow(ctx, path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	// #nosec G304 -- path was allowed by filesystem_write.
	return os.Create(path)
}

// Append adds data to the end of path, creating it if needed, once allowed.
func (w *Writer) Append(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	if err := w.allow(ctx, path); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	// #nosec G304 -- path was allowed by filesystem_write.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
