package storage

import (
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// SanitizePath removes embedded null bytes from a path. The returned string is
// the exact path handed to the open call.
func SanitizePath(path string) string {
	return strings.ReplaceAll(path, "\x00", "")
}

func decodeImage(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return img, nil
}
