package storage

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// FileEntry is a file discovered by ListFiles. Parent is always the Dir of the
// group the entry was returned in. Size and ModTime describe the file content
// (the link target for symlinks); ETag is only set by object stores.
type FileEntry struct {
	Path    string
	Parent  string
	Size    int64
	ModTime time.Time
	ETag    string
}

// DirectoryGroup holds the matches found directly inside one directory.
// Subdirs is kept empty; it mirrors the (dir, subdirs, files) shape of a walk.
type DirectoryGroup struct {
	Dir     string
	Subdirs []string
	Files   []FileEntry
}

// Paths returns the absolute paths of the group's files in discovery order.
func (g DirectoryGroup) Paths() []string {
	paths := make([]string, 0, len(g.Files))
	for _, f := range g.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

type DataBackend interface {
	Exists(ctx context.Context, path string) (bool, error)

	Read(ctx context.Context, path string) ([]byte, error)

	Write(ctx context.Context, path string, data []byte) error

	// Delete fails with ErrNotFound if path does not exist.
	Delete(ctx context.Context, path string) error

	CreateDirectory(ctx context.Context, path string) error

	OpenImage(ctx context.Context, path string) (image.Image, error)

	ListFiles(ctx context.Context, pattern, root string) ([]DirectoryGroup, error)

	LoadTensor(ctx context.Context, path string) (*tensors.Tensor, error)

	SaveTensor(ctx context.Context, path string, t *tensors.Tensor) error
}

type backendType string

const (
	LocalBackendType backendType = "local"
	S3BackendType    backendType = "s3"
)

func ToBackendType(typeString string) (backendType, error) {
	switch typeString {
	case string(LocalBackendType):
		return LocalBackendType, nil
	case string(S3BackendType):
		return S3BackendType, nil
	}
	return "", fmt.Errorf("%w: unknown data backend type: %s", ErrConfiguration, typeString)
}
