package buckets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"dreambooth-backend/internal/storage"
	"dreambooth-backend/internal/utils"
)

// ErrAsset marks an image that could not be read or measured.
var ErrAsset = errors.New("asset error")

type AssetPolicy int

const (
	// AssetAbort fails the whole assignment on the first unreadable image.
	AssetAbort AssetPolicy = iota
	// AssetSkip leaves the image out of every bucket, logs a warning and
	// records it in Index.Skipped.
	AssetSkip
)

func ParseAssetPolicy(s string) (AssetPolicy, error) {
	switch s {
	case "", "abort":
		return AssetAbort, nil
	case "skip":
		return AssetSkip, nil
	}
	return 0, fmt.Errorf("%w: unknown asset policy %q", storage.ErrConfiguration, s)
}

// ImageSource exposes the dimensions of N ordered images.
type ImageSource interface {
	Len() int
	Size(ctx context.Context, i int) (width, height int, err error)
}

// MeasureFunc maps raw dimensions to the dimensions the aspect ratio is taken
// from. It never touches the stored image.
type MeasureFunc func(width, height int) (int, int, error)

type Options struct {
	Measure  MeasureFunc
	Policy   AssetPolicy
	Logger   *slog.Logger
	Progress func(done, total int)
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// ConditionSize scales the image so its shorter side equals target and rounds
// both sides to the nearest multiple of 64, halves going to even.
func ConditionSize(width, height, target int) (int, int, error) {
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("%w: invalid image dimensions %dx%d", ErrAsset, width, height)
	}
	if target <= 0 {
		return 0, 0, fmt.Errorf("%w: invalid target resolution %d", storage.ErrConfiguration, target)
	}

	k := float64(target) / float64(min(height, width))
	h := float64(height) * k
	w := float64(width) * k

	h64 := int(math.RoundToEven(h/64.0)) * 64
	w64 := int(math.RoundToEven(w/64.0)) * 64
	if h64 == 0 || w64 == 0 {
		return 0, 0, fmt.Errorf("%w: target resolution %d is too small to measure %dx%d", storage.ErrConfiguration, target, width, height)
	}
	return w64, h64, nil
}

func ConditionMeasure(target int) MeasureFunc {
	return func(width, height int) (int, int, error) {
		return ConditionSize(width, height, target)
	}
}

// Nearest returns the bucket closest to ratio. Ties go to the earliest bucket
// in the given order. buckets must be non-empty.
func Nearest(ratio float64, buckets []float64) float64 {
	best := buckets[0]
	bestDist := math.Abs(best - ratio)
	for _, b := range buckets[1:] {
		if d := math.Abs(b - ratio); d < bestDist {
			best, bestDist = b, d
		}
	}
	return best
}

func measureRatio(ctx context.Context, src ImageSource, i int, measure MeasureFunc) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	w, h, err := src.Size(ctx, i)
	if err != nil {
		return 0, fmt.Errorf("%w: image %d: %w", ErrAsset, i, err)
	}
	if measure != nil {
		if w, h, err = measure(w, h); err != nil {
			return 0, fmt.Errorf("failed to measure image %d: %w", i, err)
		}
	}
	if w <= 0 || h <= 0 {
		return 0, fmt.Errorf("%w: image %d has invalid dimensions %dx%d", ErrAsset, i, w, h)
	}
	return float64(w) / float64(h), nil
}

// recoverable reports whether the skip policy may absorb err. Configuration
// problems and cancellation always abort.
func recoverable(err error) bool {
	return errors.Is(err, ErrAsset) &&
		!errors.Is(err, storage.ErrConfiguration) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (x *Index) record(i int, ratio float64, err error, opts Options) error {
	if err == nil {
		x.place(i, Nearest(ratio, x.order))
		return nil
	}
	if opts.Policy == AssetSkip && recoverable(err) {
		opts.logger().Warn("skipping unreadable image", "index", i, "error", err)
		x.skip(i, err.Error())
		return nil
	}
	return err
}

// Assign measures every image of src in index order and places it in the
// nearest bucket.
func Assign(ctx context.Context, src ImageSource, buckets []float64, opts Options) (*Index, error) {
	if err := ValidateBuckets(buckets); err != nil {
		return nil, err
	}

	n := src.Len()
	x := newIndex(buckets, n)

	for i := 0; i < n; i++ {
		ratio, err := measureRatio(ctx, src, i, opts.Measure)
		if err := x.record(i, ratio, err, opts); err != nil {
			return nil, err
		}
		if opts.Progress != nil {
			opts.Progress(i+1, n)
		}
	}

	return x, nil
}

// AssignParallel measures images with up to workers goroutines. Placement
// happens afterwards in index order, so the result equals Assign's; under
// AssetAbort the failure with the lowest index is returned.
func AssignParallel(ctx context.Context, src ImageSource, buckets []float64, opts Options, workers int) (*Index, error) {
	if err := ValidateBuckets(buckets); err != nil {
		return nil, err
	}
	if workers <= 1 {
		return Assign(ctx, src, buckets, opts)
	}

	n := src.Len()
	queue := make(chan int, n)
	for i := 0; i < n; i++ {
		queue <- i
	}
	close(queue)

	completed := make(chan utils.CompletedTask[int, float64], n)
	utils.RunInPool(func(i int) (float64, error) {
		return measureRatio(ctx, src, i, opts.Measure)
	}, queue, completed, workers)

	ratios := make([]float64, n)
	errs := make([]error, n)
	done := 0
	for task := range completed {
		ratios[task.Input] = task.Result
		errs[task.Input] = task.Error
		done++
		if opts.Progress != nil {
			opts.Progress(done, n)
		}
	}

	x := newIndex(buckets, n)
	for i := 0; i < n; i++ {
		if err := x.record(i, ratios[i], errs[i], opts); err != nil {
			return nil, err
		}
	}
	return x, nil
}
