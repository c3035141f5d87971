package imageproc

import (
	"math"
)

// DynamicResize computes the target width and height for an image of size
// w x h. Both results are multiples of patch and the long side never exceeds
// maxSide. With resizeToMax the long side is always stretched to maxSide.
// Orientation is preserved.
func DynamicResize(w, h, maxSide, patch int, resizeToMax bool) (int, int) {
	long, short := w, h
	if h > w {
		long, short = h, w
	}

	targetLong := maxSide
	if !resizeToMax {
		targetLong = min(maxSide, alignUp(long, patch))
	}

	scale := float64(targetLong) / float64(long)
	targetShort := int(math.Ceil(float64(short)*scale/float64(patch))) * patch
	targetShort = max(patch, targetShort)

	if w >= h {
		return targetLong, targetShort
	}
	return targetShort, targetLong
}

func alignUp(n, m int) int {
	return ((n + m - 1) / m) * m
}

// Resize scales src to w x h with bicubic interpolation over a 4x4
// neighbourhood. Source indices are clamped to the image extent and outputs
// are rounded and clamped to [0,255]. A same-size resize reproduces src.
func Resize(src *Image, w, h int) *Image {
	dst := newImage(w, h)
	nx, ny := src.width, src.height
	if nx == w && ny == h {
		copy(dst.pix, src.pix)
		return dst
	}

	tx := float32(nx) / float32(w)
	ty := float32(ny) / float32(h)

	var c [4]float32
	for i := 0; i < h; i++ {
		y := int(ty * float32(i))
		dy := ty*float32(i) - float32(y)
		for j := 0; j < w; j++ {
			x := int(tx * float32(j))
			dx := tx*float32(j) - float32(x)

			x0 := clamp(x-1, 0, nx-1)
			x1 := clamp(x, 0, nx-1)
			x2 := clamp(x+1, 0, nx-1)
			x3 := clamp(x+2, 0, nx-1)

			for k := 0; k < 3; k++ {
				for jj := 0; jj < 4; jj++ {
					row := clamp(y-1+jj, 0, ny-1) * nx
					c[jj] = cubic(
						float32(src.pix[(row+x0)*3+k]),
						float32(src.pix[(row+x1)*3+k]),
						float32(src.pix[(row+x2)*3+k]),
						float32(src.pix[(row+x3)*3+k]),
						dx,
					)
				}
				v := cubic(c[0], c[1], c[2], c[3], dy)
				dst.pix[(i*w+j)*3+k] = toByte(v)
			}
		}
	}
	return dst
}

// cubic interpolates between p1 and p2 at offset d using neighbours p0, p3.
func cubic(p0, p1, p2, p3, d float32) float32 {
	d0 := p0 - p1
	d2 := p2 - p1
	d3 := p3 - p1
	a0 := p1
	a1 := -d0/3 + d2 - d3/6
	a2 := d0/2 + d2/2
	a3 := -d0/6 - d2/2 + d3/6
	return a0 + a1*d + a2*d*d + a3*d*d*d
}

func toByte(v float32) uint8 {
	r := math.Round(float64(v))
	if r < 0 {
		return 0
	}
	if r > 255 {
		return 255
	}
	return uint8(r)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
