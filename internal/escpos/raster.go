package escpos

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
)

// ErrInvalidImageFormat reports a source image that cannot be turned
// into a printable raster. It is never retryable; the caller must fix
// the image before a job is queued.
var ErrInvalidImageFormat = errors.New("invalid image format")

// Raster is a 1-bit monochrome band ready for GS v 0 embedding. Rows
// are packed left to right, most significant bit first; a set bit is
// a black dot.
type Raster struct {
	WidthDots int
	Height    int
	Data      []byte
}

// WidthBytes returns the packed row width.
func (r *Raster) WidthBytes() int {
	return r.WidthDots / 8
}

var monoPalette = color.Palette{color.White, color.Black}

// Rasterize scales img to at most maxWidthDots wide (preserving aspect
// ratio), dithers it with Floyd-Steinberg error diffusion and packs
// the result into raster rows. maxWidthDots must be a whole number of
// 8-dot bytes.
func Rasterize(img image.Image, maxWidthDots int) (*Raster, error) {
	if maxWidthDots <= 0 || maxWidthDots%8 != 0 {
		return nil, fmt.Errorf("%w: max width %d dots is not a whole number of bytes", ErrInvalidImageFormat, maxWidthDots)
	}

	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW <= 0 || srcH <= 0 {
		return nil, fmt.Errorf("%w: source image has zero dimension", ErrInvalidImageFormat)
	}

	width := srcW
	if width > maxWidthDots {
		width = maxWidthDots
	} else {
		// Round down to the byte-packing unit so rows need no padding.
		width &^= 7
		if width == 0 {
			width = 8
		}
	}
	height := (srcH*width + srcW/2) / srcW
	if height < 1 {
		height = 1
	}

	gray := image.NewGray(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, bounds, xdraw.Src, nil)

	// Quantize to pure black/white at the luminance midpoint, diffusing
	// the rounding error so gradients stay distinguishable.
	mono := image.NewPaletted(gray.Bounds(), monoPalette)
	draw.FloydSteinberg.Draw(mono, gray.Bounds(), gray, image.Point{})

	widthBytes := width / 8
	data := make([]byte, widthBytes*height)
	for y := 0; y < height; y++ {
		rowBase := y * widthBytes
		for x := 0; x < width; x++ {
			if mono.ColorIndexAt(x, y) == 1 {
				data[rowBase+x/8] |= 0x80 >> uint(x%8)
			}
		}
	}

	return &Raster{WidthDots: width, Height: height, Data: data}, nil
}

// DecodeAndRasterize decodes an encoded image (PNG, JPEG or GIF) and
// rasterizes it.
func DecodeAndRasterize(r io.Reader, maxWidthDots int) (*Raster, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImageFormat, err)
	}
	return Rasterize(img, maxWidthDots)
}
