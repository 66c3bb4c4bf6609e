package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cwygoda/urldrop/internal/domain"
)

// Local writes files under a directory, one uuid subdirectory per file.
type Local struct {
	dir string
}

// NewLocal creates the directory if needed.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{dir: abs}, nil
}

func (l *Local) Name() string { return "local" }

// Put streams obj to a temp file and renames it into place once complete.
func (l *Local) Put(ctx context.Context, obj domain.Object) (*domain.StoredObject, error) {
	id := uuid.NewString()
	dir := filepath.Join(l.dir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.RemoveAll(dir)
	}

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: obj.Body}); err != nil {
		cleanup()
		return nil, fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("close file: %w", err)
	}

	dst := filepath.Join(dir, SafeName(obj.Name))
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("move file into place: %w", err)
	}

	link := (&url.URL{Scheme: "file", Path: filepath.ToSlash(dst)}).String()
	return &domain.StoredObject{ID: filepath.Join(id, filepath.Base(dst)), Link: link}, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
