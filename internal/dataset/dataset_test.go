package dataset

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"dreambooth-backend/internal/buckets"
	"dreambooth-backend/internal/storage"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wordTokenizer struct{}

func (wordTokenizer) Encode(text string) ([]uint32, error) {
	ids := []uint32{}
	for _, word := range strings.Fields(text) {
		ids = append(ids, uint32(len(word)))
	}
	return ids, nil
}

type failingTokenizer struct{}

func (failingTokenizer) Encode(text string) ([]uint32, error) {
	return nil, errors.New("vocab missing")
}

type memoryManifests struct {
	saved map[string][]buckets.Assignment
	loads int
	saves int
}

func (m *memoryManifests) Load(ctx context.Context, fingerprint string, order []float64, n int) (*buckets.Index, error) {
	m.loads++
	assignments, ok := m.saved[fingerprint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return buckets.Restore(order, n, assignments)
}

func (m *memoryManifests) Save(ctx context.Context, root, fingerprint string, index *buckets.Index) error {
	m.saves++
	if m.saved == nil {
		m.saved = make(map[string][]buckets.Assignment)
	}
	m.saved[fingerprint] = index.Assignments()
	return nil
}

// writeGradient writes an image whose every pixel differs from its
// neighbours, so two crops at different offsets never match.
func writeGradient(t *testing.T, path string, width, height int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x * 255 / (width - 1)),
				G: uint8(y * 255 / (height - 1)),
				B: uint8((x*7 + y*13) % 256),
				A: 255,
			})
		}
	}
	require.NoError(t, imaging.Save(img, path))
}

func writeImage(t *testing.T, path string, width, height int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
	img := imaging.New(width, height, color.NRGBA{R: 255, G: 0, B: 51, A: 255})
	require.NoError(t, imaging.Save(img, path))
}

// setupInstanceDir creates three images: a square, a 2:1 landscape and a
// portrait, plus a text file that is not an image.
func setupInstanceDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeImage(t, filepath.Join(root, "a_square_upscaled_by_2x.png"), 96, 96)
	writeImage(t, filepath.Join(root, "b_wide.PNG"), 200, 100)
	writeImage(t, filepath.Join(root, "sub", "c_tall.jpg"), 90, 120)
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), os.ModePerm))
	return root
}

func defaultOptions(root string) Options {
	return Options{
		Root:           root,
		InstancePrompt: "sks dog",
		Resolution:     64,
		CenterCrop:     true,
	}
}

func TestNew_EnumeratesImagesOnly(t *testing.T) {
	root := setupInstanceDir(t)

	ds, err := New(context.Background(), storage.NewLocalBackend(), wordTokenizer{}, defaultOptions(root))
	require.NoError(t, err)
	require.Equal(t, 3, ds.Len())

	var paths []string
	for i := 0; i < ds.Len(); i++ {
		p, err := ds.Path(i)
		require.NoError(t, err)
		paths = append(paths, p)
	}
	assert.Equal(t, []string{
		filepath.Join(root, "a_square_upscaled_by_2x.png"),
		filepath.Join(root, "b_wide.PNG"),
		filepath.Join(root, "sub", "c_tall.jpg"),
	}, paths)
}

func TestNew_AssignsBuckets(t *testing.T) {
	root := setupInstanceDir(t)

	ds, err := New(context.Background(), storage.NewLocalBackend(), nil, defaultOptions(root))
	require.NoError(t, err)

	// At 64: 96x96 -> 64x64, 200x100 -> 128x64, 90x120 -> 64x85.3 -> 64x64.
	index := ds.Buckets()
	assert.Equal(t, []int{0, 2}, index.Indices(1.0))
	assert.Equal(t, []int{1}, index.Indices(1.78))
	assert.Equal(t, []int{}, index.Indices(0.75))

	raw := defaultOptions(root)
	raw.UseOriginalImages = true
	ds, err = New(context.Background(), storage.NewLocalBackend(), nil, raw)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, ds.Buckets().Indices(0.75))
}

func TestNew_CustomBucketsAndWorkers(t *testing.T) {
	root := setupInstanceDir(t)
	opts := defaultOptions(root)
	opts.Buckets = []float64{1.0, 2.0}
	opts.Workers = 4

	ds, err := New(context.Background(), storage.NewLocalBackend(), nil, opts)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.0, 2.0}, ds.Buckets().Buckets())
	assert.Equal(t, []int{0, 2}, ds.Buckets().Indices(1.0))
	assert.Equal(t, []int{1}, ds.Buckets().Indices(2.0))
}

func setupGradientDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeGradient(t, filepath.Join(root, "a_square.png"), 96, 96)
	writeGradient(t, filepath.Join(root, "b_wide.png"), 200, 100)
	writeGradient(t, filepath.Join(root, "c_tall.png"), 90, 120)
	return root
}

func TestGet_WrapsAround(t *testing.T) {
	root := setupGradientDir(t)
	opts := defaultOptions(root)
	opts.CenterCrop = false
	opts.Seed = 7

	ds, err := New(context.Background(), storage.NewLocalBackend(), wordTokenizer{}, opts)
	require.NoError(t, err)

	for i := 0; i < ds.Len(); i++ {
		first, err := ds.Get(context.Background(), i)
		require.NoError(t, err)
		again, err := ds.Get(context.Background(), i+ds.Len())
		require.NoError(t, err)
		later, err := ds.Get(context.Background(), i+5*ds.Len())
		require.NoError(t, err)

		for _, other := range []Example{again, later} {
			assert.Equal(t, first.Index, other.Index)
			assert.Equal(t, first.Path, other.Path)
			assert.Equal(t, first.Prompt, other.Prompt)
			assert.Equal(t, first.PromptIDs, other.PromptIDs)
			assert.Equal(t, first.Pixels.Value(), other.Pixels.Value())
		}
	}

	// A second dataset over the same files and seed crops identically.
	rebuilt, err := New(context.Background(), storage.NewLocalBackend(), wordTokenizer{}, opts)
	require.NoError(t, err)
	for i := 0; i < ds.Len(); i++ {
		want, err := ds.Get(context.Background(), i)
		require.NoError(t, err)
		got, err := rebuilt.Get(context.Background(), i+2*ds.Len())
		require.NoError(t, err)
		assert.Equal(t, want.Pixels.Value(), got.Pixels.Value())
	}
}

func TestGet_SeedChangesCrop(t *testing.T) {
	root := setupGradientDir(t)
	ctx := context.Background()

	// b_wide.png resizes to 128x64, leaving 65 horizontal crop offsets.
	crops := make(map[int64][][][]float32)
	for seed := int64(1); seed <= 8; seed++ {
		opts := defaultOptions(root)
		opts.CenterCrop = false
		opts.Seed = seed
		ds, err := New(ctx, storage.NewLocalBackend(), nil, opts)
		require.NoError(t, err)

		example, err := ds.Get(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, filepath.Join(root, "b_wide.png"), example.Path)
		crops[seed] = example.Pixels.Value().([][][]float32)
	}

	distinct := 0
	for seed := int64(2); seed <= 8; seed++ {
		if !assert.ObjectsAreEqual(crops[1], crops[seed]) {
			distinct++
		}
	}
	assert.Positive(t, distinct, "every seed produced the same crop")

	// Center crops ignore the seed.
	var center [][][]float32
	for _, seed := range []int64{1, 2} {
		opts := defaultOptions(root)
		opts.Seed = seed
		ds, err := New(ctx, storage.NewLocalBackend(), nil, opts)
		require.NoError(t, err)
		example, err := ds.Get(ctx, 1)
		require.NoError(t, err)
		if center == nil {
			center = example.Pixels.Value().([][][]float32)
			continue
		}
		assert.Equal(t, center, example.Pixels.Value())
	}
}

func TestGet_TransformedPixels(t *testing.T) {
	root := setupInstanceDir(t)

	ds, err := New(context.Background(), storage.NewLocalBackend(), nil, defaultOptions(root))
	require.NoError(t, err)

	for i := 0; i < ds.Len(); i++ {
		example, err := ds.Get(context.Background(), i)
		require.NoError(t, err)
		assert.Equal(t, []int{64, 64, 3}, example.Pixels.Shape().Dimensions)

		values := example.Pixels.Value().([][][]float32)
		for _, row := range values {
			for _, px := range row {
				assert.InDelta(t, 1.0, px[0], 0.05)
				assert.InDelta(t, -1.0, px[1], 0.05)
				assert.InDelta(t, -0.6, px[2], 0.05)
			}
		}
	}
}

func TestGet_OriginalImages(t *testing.T) {
	root := setupInstanceDir(t)
	opts := defaultOptions(root)
	opts.UseOriginalImages = true

	ds, err := New(context.Background(), storage.NewLocalBackend(), nil, opts)
	require.NoError(t, err)

	example, err := ds.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 200, 3}, example.Pixels.Shape().Dimensions)

	values := example.Pixels.Value().([][][]float32)
	assert.InDelta(t, 1.0, values[0][0][0], 1e-6)
	assert.InDelta(t, 0.0, values[0][0][1], 1e-6)
	assert.InDelta(t, 0.2, values[50][150][2], 1e-6)
}

func TestGet_Prompts(t *testing.T) {
	root := setupInstanceDir(t)
	ctx := context.Background()

	ds, err := New(ctx, storage.NewLocalBackend(), wordTokenizer{}, defaultOptions(root))
	require.NoError(t, err)
	example, err := ds.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "sks dog", example.Prompt)
	assert.Equal(t, []uint32{3, 3}, example.PromptIDs)

	opts := defaultOptions(root)
	opts.UseCaptions = true
	ds, err = New(ctx, storage.NewLocalBackend(), wordTokenizer{}, opts)
	require.NoError(t, err)
	prompt, err := ds.Prompt(0)
	require.NoError(t, err)
	assert.Equal(t, "a square", prompt)

	opts.Prepend = true
	ds, err = New(ctx, storage.NewLocalBackend(), wordTokenizer{}, opts)
	require.NoError(t, err)
	example, err = ds.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "sks dog a square", example.Prompt)
	assert.Equal(t, []uint32{3, 3, 1, 6}, example.PromptIDs)
}

func TestGet_Errors(t *testing.T) {
	root := setupInstanceDir(t)
	ctx := context.Background()

	ds, err := New(ctx, storage.NewLocalBackend(), failingTokenizer{}, defaultOptions(root))
	require.NoError(t, err)

	_, err = ds.Get(ctx, -1)
	assert.ErrorIs(t, err, ErrInvalidIndex)

	_, err = ds.Get(ctx, 0)
	assert.ErrorContains(t, err, "vocab missing")

	require.NoError(t, os.WriteFile(filepath.Join(root, "b_wide.PNG"), []byte("corrupted later"), os.ModePerm))
	ds, err = New(ctx, storage.NewLocalBackend(), nil, Options{Root: root, Resolution: 64, AssetPolicy: buckets.AssetSkip})
	require.NoError(t, err)
	assert.Len(t, ds.Buckets().Skipped(), 1)

	_, err = ds.Get(ctx, 1)
	assert.ErrorIs(t, err, buckets.ErrAsset)
	assert.ErrorIs(t, err, storage.ErrDecode)

	_, err = New(ctx, storage.NewLocalBackend(), nil, defaultOptions(root))
	assert.ErrorIs(t, err, buckets.ErrAsset)
}

func TestNew_EmptyDataset(t *testing.T) {
	ds, err := New(context.Background(), storage.NewLocalBackend(), nil, defaultOptions(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, 0, ds.Len())

	_, err = ds.Get(context.Background(), 0)
	assert.ErrorIs(t, err, ErrEmptyDataset)
	_, err = ds.Prompt(0)
	assert.ErrorIs(t, err, ErrEmptyDataset)
}

func TestNew_InvalidOptions(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewLocalBackend()

	_, err := New(ctx, backend, nil, defaultOptions(filepath.Join(t.TempDir(), "missing")))
	assert.ErrorIs(t, err, storage.ErrConfiguration)

	_, err = New(ctx, backend, nil, Options{Resolution: 64})
	assert.ErrorIs(t, err, storage.ErrConfiguration)

	_, err = New(ctx, backend, nil, Options{Root: t.TempDir()})
	assert.ErrorIs(t, err, storage.ErrConfiguration)

	opts := defaultOptions(t.TempDir())
	opts.Buckets = []float64{1.0, 1.0}
	_, err = New(ctx, backend, nil, opts)
	assert.ErrorIs(t, err, storage.ErrConfiguration)
}

func TestNew_UsesManifestStore(t *testing.T) {
	root := setupInstanceDir(t)
	ctx := context.Background()
	store := &memoryManifests{}

	first, err := New(ctx, storage.NewLocalBackend(), nil, defaultOptions(root), WithManifestStore(store))
	require.NoError(t, err)
	assert.Equal(t, 1, store.loads)
	assert.Equal(t, 1, store.saves)

	progressCalls := 0
	second, err := New(ctx, storage.NewLocalBackend(), nil, defaultOptions(root),
		WithManifestStore(store),
		WithProgress(func(done, total int) { progressCalls++ }))
	require.NoError(t, err)
	assert.Equal(t, 2, store.loads)
	assert.Equal(t, 1, store.saves)
	assert.Zero(t, progressCalls)
	assert.Equal(t, first.Buckets().Assignments(), second.Buckets().Assignments())

	// Rewriting an image in place with new dimensions invalidates the manifest.
	writeImage(t, filepath.Join(root, "b_wide.PNG"), 90, 120)
	third, err := New(ctx, storage.NewLocalBackend(), nil, defaultOptions(root),
		WithManifestStore(store),
		WithProgress(func(done, total int) { progressCalls++ }))
	require.NoError(t, err)
	assert.Equal(t, 2, store.saves)
	assert.Positive(t, progressCalls)
	assert.Equal(t, []int{0, 1, 2}, third.Buckets().Indices(1.0))
	assert.Equal(t, []int{}, third.Buckets().Indices(1.78))
}

func TestNew_ManifestRespectsAssetPolicy(t *testing.T) {
	root := setupInstanceDir(t)
	ctx := context.Background()
	store := &memoryManifests{}
	require.NoError(t, os.WriteFile(filepath.Join(root, "b_wide.PNG"), []byte("corrupted"), os.ModePerm))

	skipping := defaultOptions(root)
	skipping.AssetPolicy = buckets.AssetSkip
	ds, err := New(ctx, storage.NewLocalBackend(), nil, skipping, WithManifestStore(store))
	require.NoError(t, err)
	require.Len(t, ds.Buckets().Skipped(), 1)

	_, err = New(ctx, storage.NewLocalBackend(), nil, defaultOptions(root), WithManifestStore(store))
	assert.ErrorIs(t, err, buckets.ErrAsset)
	assert.ErrorIs(t, err, storage.ErrDecode)

	// A skip manifest stored under the abort key is not trusted either.
	abortKey := Fingerprint(ds.files, buckets.DefaultBuckets, 64, buckets.AssetAbort)
	store.saved[abortKey] = ds.Buckets().Assignments()
	_, err = New(ctx, storage.NewLocalBackend(), nil, defaultOptions(root), WithManifestStore(store))
	assert.ErrorIs(t, err, buckets.ErrAsset)

	// The skip run still reuses its own manifest.
	saves := store.saves
	_, err = New(ctx, storage.NewLocalBackend(), nil, skipping, WithManifestStore(store))
	require.NoError(t, err)
	assert.Equal(t, saves, store.saves)
}

func TestFingerprint(t *testing.T) {
	modTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	files := []storage.FileEntry{
		{Path: "/a.png", Size: 10, ModTime: modTime},
		{Path: "/b.png", Size: 20, ModTime: modTime},
	}
	base := Fingerprint(files, buckets.DefaultBuckets, 512, buckets.AssetAbort)

	assert.Equal(t, base, Fingerprint(slices.Clone(files), buckets.DefaultBuckets, 512, buckets.AssetAbort))
	assert.NotEqual(t, base, Fingerprint([]storage.FileEntry{files[1], files[0]}, buckets.DefaultBuckets, 512, buckets.AssetAbort))
	assert.NotEqual(t, base, Fingerprint(files, []float64{1.0}, 512, buckets.AssetAbort))
	assert.NotEqual(t, base, Fingerprint(files, buckets.DefaultBuckets, 0, buckets.AssetAbort))
	assert.NotEqual(t, base, Fingerprint(files, buckets.DefaultBuckets, 512, buckets.AssetSkip))

	modified := slices.Clone(files)
	modified[1].Size = 21
	assert.NotEqual(t, base, Fingerprint(modified, buckets.DefaultBuckets, 512, buckets.AssetAbort))

	modified = slices.Clone(files)
	modified[0].ModTime = modTime.Add(time.Second)
	assert.NotEqual(t, base, Fingerprint(modified, buckets.DefaultBuckets, 512, buckets.AssetAbort))

	modified = slices.Clone(files)
	modified[0].ETag = "etag"
	assert.NotEqual(t, base, Fingerprint(modified, buckets.DefaultBuckets, 512, buckets.AssetAbort))
}

func TestIsImageFile(t *testing.T) {
	for _, name := range []string{"a.png", "b.JPG", "c.jpeg", "d.webp", "e.bmp", "f.tif", "g.TIFF", "h.gif"} {
		assert.True(t, IsImageFile(name), name)
	}
	for _, name := range []string{"a.txt", "b", "c.png.bak", "d.svg"} {
		assert.False(t, IsImageFile(name), name)
	}
}
