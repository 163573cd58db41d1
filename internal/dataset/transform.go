package dataset

import (
	"image"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// resizeAndCrop scales the shorter side to size and cuts a size x size
// square. With center false the crop offset is drawn from a generator
// seeded by (seed, index), so the same sample always gets the same crop.
func resizeAndCrop(img image.Image, size int, center bool, seed int64, index int) image.Image {
	b := img.Bounds()
	if b.Dx() < b.Dy() {
		img = imaging.Resize(img, size, 0, imaging.Linear)
	} else {
		img = imaging.Resize(img, 0, size, imaging.Linear)
	}

	if center {
		return imaging.CropCenter(img, size, size)
	}

	b = img.Bounds()
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(index)))
	x0 := b.Min.X + rng.IntN(b.Dx()-size+1)
	y0 := b.Min.Y + rng.IntN(b.Dy()-size+1)
	return imaging.Crop(img, image.Rect(x0, y0, x0+size, y0+size))
}

// imageToTensor converts img to a float32 [height, width, 3] tensor. Channel
// values are mapped linearly from [0, 255] to [lo, hi]; alpha is dropped.
func imageToTensor(img image.Image, lo, hi float32) *tensors.Tensor {
	nrgba := imaging.Clone(img)
	width, height := nrgba.Rect.Dx(), nrgba.Rect.Dy()

	t := tensors.FromShape(shapes.Make(dtypes.Float32, height, width, 3))
	scale := (hi - lo) / 255
	t.MustMutableFlatData(func(flatAny any) {
		data := flatAny.([]float32)
		pos := 0
		for y := 0; y < height; y++ {
			row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+width*4]
			for x := 0; x < width; x++ {
				for c := 0; c < 3; c++ {
					data[pos] = lo + float32(row[x*4+c])*scale
					pos++
				}
			}
		}
	})
	return t
}
