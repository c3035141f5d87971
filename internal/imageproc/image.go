// Package imageproc turns arbitrary-resolution images into the fixed grid of
// normalized tiles consumed by the vision encoder.
package imageproc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/samcharles93/lumen/internal/errdefs"
)

// Layout describes the channel order of an externally supplied pixel buffer.
type Layout int

const (
	// LayoutRGB is 3 bytes per pixel, R G B.
	LayoutRGB Layout = iota
	// LayoutRGBA is 4 bytes per pixel, R G B A.
	LayoutRGBA
	// LayoutARGB is 4 bytes per pixel, A R G B (Android ARGB_8888 byte order
	// as delivered by the camera pipeline).
	LayoutARGB
)

func (l Layout) Channels() int {
	if l == LayoutRGB {
		return 3
	}
	return 4
}

func (l Layout) String() string {
	switch l {
	case LayoutRGB:
		return "rgb"
	case LayoutRGBA:
		return "rgba"
	case LayoutARGB:
		return "argb"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout maps "rgb", "rgba" and "argb" to a Layout.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "rgb", "RGB":
		return LayoutRGB, nil
	case "rgba", "RGBA":
		return LayoutRGBA, nil
	case "argb", "ARGB":
		return LayoutARGB, nil
	}
	return 0, fmt.Errorf("unknown pixel layout %q", s)
}

// Image is an immutable 8-bit RGB image stored interleaved, row-major.
type Image struct {
	width  int
	height int
	pix    []uint8
}

func (m *Image) Width() int  { return m.width }
func (m *Image) Height() int { return m.height }

// At returns the value of channel c (0=R, 1=G, 2=B) at (x, y).
func (m *Image) At(x, y, c int) uint8 {
	return m.pix[(y*m.width+x)*3+c]
}

// Pix returns a copy of the interleaved RGB bytes.
func (m *Image) Pix() []uint8 {
	return append([]uint8(nil), m.pix...)
}

func newImage(w, h int) *Image {
	return &Image{width: w, height: h, pix: make([]uint8, w*h*3)}
}

// FromPixels builds an Image from a raw buffer, stripping alpha and
// reordering channels as required by layout. The buffer is copied.
func FromPixels(w, h int, layout Layout, buf []byte) (*Image, error) {
	if w <= 0 || h <= 0 {
		return nil, errdefs.InvalidRegion("FromPixels", "image dimensions must be positive, got %dx%d", w, h)
	}
	ch := layout.Channels()
	if want := w * h * ch; len(buf) < want {
		return nil, fmt.Errorf("pixel buffer too small: got %d bytes, want %d for %dx%d %s", len(buf), want, w, h, layout)
	}
	img := newImage(w, h)
	n := w * h
	switch layout {
	case LayoutRGB:
		copy(img.pix, buf[:n*3])
	case LayoutRGBA:
		for i := 0; i < n; i++ {
			src := buf[i*4:]
			dst := img.pix[i*3:]
			dst[0], dst[1], dst[2] = src[0], src[1], src[2]
		}
	case LayoutARGB:
		for i := 0; i < n; i++ {
			src := buf[i*4:]
			dst := img.pix[i*3:]
			dst[0], dst[1], dst[2] = src[1], src[2], src[3]
		}
	default:
		return nil, fmt.Errorf("unsupported pixel layout %s", layout)
	}
	return img, nil
}

// FromImage converts a decoded image. Transparent regions are composited
// over white before the alpha channel is dropped.
func FromImage(src image.Image) (*Image, error) {
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errdefs.InvalidRegion("FromImage", "empty image bounds %v", b)
	}
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Over)
	return FromPixels(b.Dx(), b.Dy(), LayoutRGBA, rgba.Pix)
}

// MaxPixels caps the declared size of an encoded image. The decoder, the
// RGBA canvas and the RGB copy each hold a full frame.
const MaxPixels = 1 << 25

var ErrTooManyPixels = errors.New("image exceeds pixel budget")

// Decode reads an encoded image (png, jpeg, gif, bmp, tiff, webp) of at most
// MaxPixels pixels.
func Decode(r io.Reader) (*Image, error) {
	return DecodeLimit(r, MaxPixels)
}

// DecodeLimit is Decode with an explicit pixel budget. The header is checked
// before any pixel data is decoded.
func DecodeLimit(r io.Reader, maxPixels int) (*Image, error) {
	var header bytes.Buffer
	br := bufio.NewReader(r)
	cfg, _, err := image.DecodeConfig(io.TeeReader(br, &header))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errdefs.InvalidRegion("Decode", "empty image %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Width > maxPixels/cfg.Height {
		return nil, fmt.Errorf("%w: %dx%d, limit %d pixels", ErrTooManyPixels, cfg.Width, cfg.Height, maxPixels)
	}
	src, format, err := image.Decode(io.MultiReader(&header, br))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	img, err := FromImage(src)
	if err != nil {
		return nil, fmt.Errorf("convert %s image: %w", format, err)
	}
	return img, nil
}

// Open decodes the image file at path.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}
