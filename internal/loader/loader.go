// Package loader fetches the raw documents that back cache misses, either
// from a local directory tree or from an S3 bucket.
package loader

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/yamlforge/perfcore/pkg/errors"
)

// Loader reads a document by key
type Loader interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Name() string
}

// FileLoader reads documents below a root directory
type FileLoader struct {
	root string
}

// NewFileLoader creates a loader rooted at dir
func NewFileLoader(dir string) *FileLoader {
	if dir == "" {
		dir = "."
	}
	return &FileLoader{root: dir}
}

// Name identifies the loader in logs and stats
func (l *FileLoader) Name() string { return "file" }

// Path resolves key below the root. Keys cannot escape the root.
func (l *FileLoader) Path(key string) string {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	return filepath.Join(l.root, clean)
}

// Load reads the whole file for key
func (l *FileLoader) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeOperationTimeout, "load cancelled").
			WithComponent("loader").
			WithRetryable(false)
	}
	if strings.TrimSpace(key) == "" {
		return nil, errors.NewError(errors.ErrCodeObjectNotFound, "empty key").WithComponent("loader")
	}

	path := l.Path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, translateFileError(err, key)
	}
	return data, nil
}

func translateFileError(err error, key string) error {
	var code errors.ErrorCode
	switch {
	case stderrors.Is(err, fs.ErrNotExist):
		code = errors.ErrCodeObjectNotFound
	case stderrors.Is(err, fs.ErrPermission):
		code = errors.ErrCodeAccessDenied
	default:
		code = errors.ErrCodeStorageRead
	}
	return errors.Wrap(err, code, "read failed").
		WithComponent("loader").
		WithOperation("load").
		WithContext("key", key)
}
