// Package frame decodes, normalizes and encodes the images that flow through
// the transform service.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"

	// Registered decoders. Uploads may arrive in any of these formats.
	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Resolution is the square edge length the diffusion checkpoint expects.
const Resolution = 512

// MaxPixels caps width*height of an upload. Larger images are rejected from
// their header, before any raster is allocated.
const MaxPixels = 1 << 26

// PNGSignature is the 8-byte header of every PNG stream.
var PNGSignature = []byte("\x89PNG\r\n\x1a\n")

// Decoded is an uploaded image converted to opaque RGB.
type Decoded struct {
	Image  *image.RGBA
	Format string
}

// Decode parses data as an image and converts it to opaque RGB.
func Decode(data []byte) (*Decoded, error) {
	if len(data) == 0 {
		return nil, NewError(KindDecode, errors.New("cannot identify image file: empty upload"))
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, NewError(KindDecode, fmt.Errorf("cannot identify image file: %w", err))
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > MaxPixels {
		return nil, NewError(KindDecode, fmt.Errorf("image size (%d pixels) exceeds limit of %d pixels", pixels, MaxPixels))
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, NewError(KindDecode, fmt.Errorf("cannot identify image file: %w", err))
	}
	return &Decoded{Image: ToRGB(img), Format: format}, nil
}

// ToRGB copies img into a new RGBA raster with every pixel fully opaque.
// Colour channels are taken un-premultiplied so transparent areas keep their
// stored colour instead of turning black.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			dst.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return dst
}

// Normalize stretches img to Resolution x Resolution. Images already at the
// target size are returned as is; resized reports whether a new raster was made.
func Normalize(img *image.RGBA) (out *image.RGBA, resized bool, err error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, false, NewError(KindDimension, fmt.Errorf("image has no pixels: %dx%d", b.Dx(), b.Dy()))
	}
	if b.Dx() == Resolution && b.Dy() == Resolution {
		return img, false, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, Resolution, Resolution))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, true, nil
}

// EncodePNG serializes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, NewError(KindEncode, fmt.Errorf("encode png: %w", err))
	}
	return buf.Bytes(), nil
}

// IsPNG reports whether data starts with the PNG signature.
func IsPNG(data []byte) bool {
	return bytes.HasPrefix(data, PNGSignature)
}
