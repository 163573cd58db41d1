package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

type LocalBackend struct {
	policy TraversalPolicy
	logger *slog.Logger
}

var _ DataBackend = (*LocalBackend)(nil)

func NewLocalBackend(opts ...Option) *LocalBackend {
	o := applyOptions(opts)
	return &LocalBackend{policy: o.policy, logger: o.logger}
}

func (b *LocalBackend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", path, err)
}

func (b *LocalBackend) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read file %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return data, nil
}

// Open returns a stream over the file at path. The caller closes it.
func (b *LocalBackend) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to open file %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	return file, nil
}

func (b *LocalBackend) Write(ctx context.Context, path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", path, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}

	return nil
}

func (b *LocalBackend) Delete(ctx context.Context, path string) error {
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete %s: %w", path, ErrNotFound)
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

func (b *LocalBackend) CreateDirectory(ctx context.Context, path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

func (b *LocalBackend) OpenImage(ctx context.Context, path string) (image.Image, error) {
	path = SanitizePath(path)

	file, err := os.Open(path)
	if err != nil {
		b.logger.Error("encountered error opening image", "path", path, "error", err)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to open image %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer file.Close()

	img, err := decodeImage(file)
	if err != nil {
		b.logger.Error("encountered error decoding image", "path", path, "error", err)
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	return img, nil
}

func (b *LocalBackend) LoadTensor(ctx context.Context, path string) (*tensors.Tensor, error) {
	data, err := b.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeTensor(path, data)
}

func (b *LocalBackend) SaveTensor(ctx context.Context, path string, t *tensors.Tensor) error {
	data, err := encodeTensor(path, t)
	if err != nil {
		return err
	}
	return b.Write(ctx, path, data)
}

func (b *LocalBackend) ListFiles(ctx context.Context, pattern, root string) ([]DirectoryGroup, error) {
	b.logger.Debug("listing files", "pattern", pattern, "root", root)
	return listLocalFiles(ctx, b.logger, b.policy, pattern, root)
}
