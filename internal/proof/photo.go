package proof

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	MaxPhotoBytes = 10 << 20
	MaxDimension  = 1920
	JPEGQuality   = 85
)

var (
	ErrPhotoTooLarge = errors.New("photo exceeds 10 MB")
	ErrNotAnImage    = errors.New("file is not a supported image")
)

// Photo is a proof of delivery picture ready for upload.
type Photo struct {
	Data   []byte
	Width  int
	Height int
}

func (p *Photo) ContentType() string { return "image/jpeg" }

func (p *Photo) Reader() io.Reader { return bytes.NewReader(p.Data) }

// Prepare checks size and format of a captured picture, scales it down so
// that neither side exceeds MaxDimension and re-encodes it as JPEG.
func Prepare(r io.Reader) (*Photo, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxPhotoBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read photo: %w", err)
	}
	if len(data) > MaxPhotoBytes {
		return nil, ErrPhotoTooLarge
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAnImage, err)
	}

	img := downscale(src, MaxDimension)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode photo: %w", err)
	}

	bounds := img.Bounds()
	return &Photo{
		Data:   buf.Bytes(),
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

func downscale(src image.Image, max int) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= max && h <= max {
		return src
	}

	if w >= h {
		h = h * max / w
		w = max
	} else {
		w = w * max / h
		h = max
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	return dst
}
