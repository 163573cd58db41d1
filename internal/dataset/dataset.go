package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"dreambooth-backend/internal/buckets"
	"dreambooth-backend/internal/storage"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

var (
	ErrEmptyDataset = errors.New("dataset contains no images")
	ErrInvalidIndex = errors.New("invalid sample index")
)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".webp", ".bmp", ".tiff", ".tif", ".gif"}

func IsImageFile(path string) bool {
	return slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(path)))
}

type Tokenizer interface {
	Encode(text string) ([]uint32, error)
}

// ManifestStore persists bucket assignments between runs. Load returns
// storage.ErrNotFound when nothing is stored under the fingerprint.
type ManifestStore interface {
	Load(ctx context.Context, fingerprint string, order []float64, n int) (*buckets.Index, error)
	Save(ctx context.Context, root, fingerprint string, index *buckets.Index) error
}

type Options struct {
	Root           string
	Pattern        string
	InstancePrompt string

	Buckets []float64
	// Resolution is the square crop size and the target the aspect ratio is
	// measured at.
	Resolution int
	CenterCrop bool

	UseCaptions bool
	Prepend     bool

	// UseOriginalImages skips resize and crop; pixels stay in [0, 1] and
	// buckets are measured on the raw dimensions.
	UseOriginalImages bool
	PrintNames        bool

	AssetPolicy buckets.AssetPolicy
	Workers     int
	Seed        int64
}

type Option func(*DreamBoothDataset)

func WithLogger(logger *slog.Logger) Option {
	return func(d *DreamBoothDataset) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithManifestStore(store ManifestStore) Option {
	return func(d *DreamBoothDataset) {
		d.manifests = store
	}
}

func WithProgress(progress func(done, total int)) Option {
	return func(d *DreamBoothDataset) {
		d.progress = progress
	}
}

type Example struct {
	Index     int
	Path      string
	Prompt    string
	Pixels    *tensors.Tensor
	PromptIDs []uint32
}

type DreamBoothDataset struct {
	backend   storage.DataBackend
	tokenizer Tokenizer
	opts      Options

	logger    *slog.Logger
	manifests ManifestStore
	progress  func(done, total int)

	files   []storage.FileEntry
	paths   []string
	prompts []string
	index   *buckets.Index
}

func (o *Options) validate() error {
	if o.Root == "" {
		return fmt.Errorf("%w: instance data root is required", storage.ErrConfiguration)
	}
	if !o.UseOriginalImages && o.Resolution <= 0 {
		return fmt.Errorf("%w: resolution must be positive, got %d", storage.ErrConfiguration, o.Resolution)
	}
	if len(o.Buckets) == 0 {
		o.Buckets = buckets.DefaultBuckets
	}
	if o.Pattern == "" {
		o.Pattern = "*"
	}
	return buckets.ValidateBuckets(o.Buckets)
}

// New enumerates the images under opts.Root once and assigns each to an
// aspect-ratio bucket. tokenizer may be nil, in which case examples carry no
// prompt ids.
func New(ctx context.Context, backend storage.DataBackend, tokenizer Tokenizer, opts Options, options ...Option) (*DreamBoothDataset, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	d := &DreamBoothDataset{
		backend:   backend,
		tokenizer: tokenizer,
		opts:      opts,
		logger:    slog.Default(),
	}
	for _, option := range options {
		option(d)
	}

	exists, err := backend.Exists(ctx, opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to check instance data root %s: %w", opts.Root, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: instance data root %s does not exist", storage.ErrConfiguration, opts.Root)
	}

	groups, err := backend.ListFiles(ctx, opts.Pattern, opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to list instance images: %w", err)
	}
	for _, group := range groups {
		for _, file := range group.Files {
			if IsImageFile(file.Path) {
				d.files = append(d.files, file)
				d.paths = append(d.paths, file.Path)
			}
		}
	}

	promptOpts := PromptOptions{InstancePrompt: opts.InstancePrompt, UseCaptions: opts.UseCaptions, Prepend: opts.Prepend}
	d.prompts = make([]string, len(d.paths))
	for i, path := range d.paths {
		d.prompts[i] = DerivePrompt(path, promptOpts)
	}

	if d.index, err = d.loadOrAssign(ctx); err != nil {
		return nil, err
	}

	d.logger.Info("dataset indexed", "root", opts.Root, "images", len(d.paths), "skipped", len(d.index.Skipped()))
	return d, nil
}

func (d *DreamBoothDataset) measureTarget() int {
	if d.opts.UseOriginalImages {
		return 0
	}
	return d.opts.Resolution
}

func (d *DreamBoothDataset) loadOrAssign(ctx context.Context) (*buckets.Index, error) {
	var fingerprint string
	if d.manifests != nil {
		fingerprint = Fingerprint(d.files, d.opts.Buckets, d.measureTarget(), d.opts.AssetPolicy)
		index, err := d.manifests.Load(ctx, fingerprint, d.opts.Buckets, len(d.paths))
		switch {
		case err == nil && d.opts.AssetPolicy == buckets.AssetAbort && len(index.Skipped()) > 0:
			// An abort run must fail on the same images a fresh assignment would.
			d.logger.Warn("bucket manifest has skipped images, reassigning", "fingerprint", fingerprint)
		case err == nil:
			d.logger.Info("loaded bucket manifest", "fingerprint", fingerprint)
			return index, nil
		case !errors.Is(err, storage.ErrNotFound):
			d.logger.Warn("failed to load bucket manifest, reassigning", "fingerprint", fingerprint, "error", err)
		}
	}

	assignOpts := buckets.Options{
		Policy:   d.opts.AssetPolicy,
		Logger:   d.logger,
		Progress: d.progress,
	}
	if target := d.measureTarget(); target > 0 {
		assignOpts.Measure = buckets.ConditionMeasure(target)
	}

	src := &imageSource{backend: d.backend, paths: d.paths}
	index, err := buckets.AssignParallel(ctx, src, d.opts.Buckets, assignOpts, d.opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to assign aspect ratio buckets: %w", err)
	}

	if d.manifests != nil {
		if err := d.manifests.Save(ctx, d.opts.Root, fingerprint, index); err != nil {
			d.logger.Warn("failed to save bucket manifest", "fingerprint", fingerprint, "error", err)
		}
	}
	return index, nil
}

func (d *DreamBoothDataset) Len() int {
	return len(d.paths)
}

func (d *DreamBoothDataset) Buckets() *buckets.Index {
	return d.index
}

func (d *DreamBoothDataset) resolve(i int) (int, error) {
	if len(d.paths) == 0 {
		return 0, ErrEmptyDataset
	}
	if i < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidIndex, i)
	}
	return i % len(d.paths), nil
}

func (d *DreamBoothDataset) Path(i int) (string, error) {
	j, err := d.resolve(i)
	if err != nil {
		return "", err
	}
	return d.paths[j], nil
}

func (d *DreamBoothDataset) Prompt(i int) (string, error) {
	j, err := d.resolve(i)
	if err != nil {
		return "", err
	}
	return d.prompts[j], nil
}

// Get loads sample i. Indices past the end wrap around, so Get(i) and
// Get(i+Len()) return the same example.
func (d *DreamBoothDataset) Get(ctx context.Context, i int) (Example, error) {
	j, err := d.resolve(i)
	if err != nil {
		return Example{}, err
	}
	path, prompt := d.paths[j], d.prompts[j]

	if d.opts.PrintNames {
		d.logger.Info("loading sample", "index", j, "path", path, "prompt", prompt)
	}

	img, err := d.backend.OpenImage(ctx, path)
	if err != nil {
		return Example{}, fmt.Errorf("%w: image %d: %w", buckets.ErrAsset, j, err)
	}

	var pixels *tensors.Tensor
	if d.opts.UseOriginalImages {
		pixels = imageToTensor(img, 0, 1)
	} else {
		img = resizeAndCrop(img, d.opts.Resolution, d.opts.CenterCrop, d.opts.Seed, j)
		pixels = imageToTensor(img, -1, 1)
	}

	example := Example{Index: j, Path: path, Prompt: prompt, Pixels: pixels}
	if d.tokenizer != nil {
		if example.PromptIDs, err = d.tokenizer.Encode(prompt); err != nil {
			return Example{}, fmt.Errorf("failed to tokenize prompt for image %d: %w", j, err)
		}
	}
	return example, nil
}

type imageSource struct {
	backend storage.DataBackend
	paths   []string
}

func (s *imageSource) Len() int {
	return len(s.paths)
}

func (s *imageSource) Size(ctx context.Context, i int) (int, int, error) {
	img, err := s.backend.OpenImage(ctx, s.paths[i])
	if err != nil {
		return 0, 0, err
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}
