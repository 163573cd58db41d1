package storage

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

type S3Api interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient

	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// S3Backend stores assets as objects of a single bucket. Paths are object
// keys; a leading slash is ignored. There are no symlinks and no real
// directories, so ListFiles groups by the key's directory component.
type S3Backend struct {
	client   S3Api
	uploader *manager.Uploader
	bucket   string
	logger   *slog.Logger
}

var _ DataBackend = (*S3Backend)(nil)

func NewS3Backend(ctx context.Context, cfg S3Config, opts ...Option) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket must be specified", ErrConfiguration)
	}

	loadOpts := []func(*aws_config.LoadOptions) error{
		aws_config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, aws_config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := aws_config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// Path-style addressing is required by MinIO.
		o.UsePathStyle = true
	})

	return NewS3BackendFromClient(client, cfg.Bucket, opts...), nil
}

func NewS3BackendFromClient(client S3Api, bucket string, opts ...Option) *S3Backend {
	o := applyOptions(opts)
	return &S3Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		logger:   o.logger,
	}
}

func objectKey(p string) string {
	if p == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404
}

func (b *S3Backend) headObject(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head object s3://%s/%s: %w", b.bucket, key, err)
	}
	return true, nil
}

// Exists reports true for an object key, or for a prefix that has at least
// one object below it.
func (b *S3Backend) Exists(ctx context.Context, p string) (bool, error) {
	key := objectKey(p)

	if key != "" {
		found, err := b.headObject(ctx, key)
		if err != nil || found {
			return found, err
		}
	}

	prefix := key
	if prefix != "" {
		prefix += "/"
	}
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list objects in s3://%s/%s: %w", b.bucket, prefix, err)
	}
	return len(out.Contents) > 0, nil
}

func (b *S3Backend) Read(ctx context.Context, p string) ([]byte, error) {
	key := objectKey(p)

	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("failed to read object s3://%s/%s: %w", b.bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read object s3://%s/%s: %w", b.bucket, key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading resp body from s3://%s/%s: %w", b.bucket, key, err)
	}
	return data, nil
}

func (b *S3Backend) Write(ctx context.Context, p string, data []byte) error {
	key := objectKey(p)

	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object to s3://%s/%s: %w", b.bucket, key, err)
	}
	b.logger.Debug("Object uploaded successfully", "bucket", b.bucket, "key", key)

	return nil
}

func (b *S3Backend) Delete(ctx context.Context, p string) error {
	key := objectKey(p)

	found, err := b.headObject(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", b.bucket, key, ErrNotFound)
	}

	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", b.bucket, key, err)
	}
	b.logger.Debug("Object deleted successfully", "bucket", b.bucket, "key", key)

	return nil
}

// CreateDirectory is a no-op: prefixes come into existence with their first
// object.
func (b *S3Backend) CreateDirectory(ctx context.Context, p string) error {
	return nil
}

func (b *S3Backend) OpenImage(ctx context.Context, p string) (image.Image, error) {
	p = SanitizePath(p)

	data, err := b.Read(ctx, p)
	if err != nil {
		b.logger.Error("encountered error opening image", "path", p, "error", err)
		return nil, err
	}

	img, err := decodeImage(bytes.NewReader(data))
	if err != nil {
		b.logger.Error("encountered error decoding image", "path", p, "error", err)
		return nil, fmt.Errorf("failed to decode image s3://%s/%s: %w", b.bucket, objectKey(p), err)
	}
	return img, nil
}

func (b *S3Backend) LoadTensor(ctx context.Context, p string) (*tensors.Tensor, error) {
	data, err := b.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	return decodeTensor(p, data)
}

func (b *S3Backend) SaveTensor(ctx context.Context, p string, t *tensors.Tensor) error {
	data, err := encodeTensor(p, t)
	if err != nil {
		return err
	}
	return b.Write(ctx, p, data)
}

// ListFiles lists every key below root and groups the ones whose base name
// matches pattern by their directory component. Groups are returned in
// depth-first pre-order, the same order a local walk of the equivalent tree
// produces. A listing failure always aborts.
func (b *S3Backend) ListFiles(ctx context.Context, pattern, root string) ([]DirectoryGroup, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: instance data root must be specified", ErrConfiguration)
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("%w: invalid pattern %q: %w", ErrConfiguration, pattern, err)
	}
	b.logger.Debug("listing files", "pattern", pattern, "root", root)

	prefix := objectKey(root)
	if prefix != "" {
		prefix += "/"
	}

	var groups []DirectoryGroup
	groupIdx := make(map[string]int)

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to list objects in s3://%s/%s: %w", ErrTraversal, b.bucket, prefix, err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil || strings.HasSuffix(*obj.Key, "/") {
				continue
			}
			key := *obj.Key
			if matched, _ := path.Match(pattern, path.Base(key)); !matched {
				continue
			}

			dir := path.Dir(key)
			i, ok := groupIdx[dir]
			if !ok {
				i = len(groups)
				groupIdx[dir] = i
				groups = append(groups, DirectoryGroup{Dir: dir, Subdirs: []string{}})
			}
			groups[i].Files = append(groups[i].Files, FileEntry{
				Path:    key,
				Parent:  dir,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
				ETag:    aws.ToString(obj.ETag),
			})
		}
	}

	// Lexical key order puts "data/a/c.png" before "data/z.png"; a walk
	// reads data's own files before descending into data/a.
	slices.SortStableFunc(groups, func(a, b DirectoryGroup) int {
		return comparePreOrder(a.Dir, b.Dir)
	})
	return groups, nil
}

// comparePreOrder orders slash-separated directories so that a directory
// precedes its descendants and siblings compare by name.
func comparePreOrder(a, b string) int {
	as, bs := strings.Split(a, "/"), strings.Split(b, "/")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := strings.Compare(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(as), len(bs))
}
