package imageproc

import (
	"github.com/samcharles93/lumen/internal/errdefs"
)

// Role tags a tile as the whole-image view or a grid patch.
type Role int

const (
	RolePatch Role = iota
	RoleGlobal
)

func (r Role) String() string {
	if r == RoleGlobal {
		return "global"
	}
	return "patch"
}

// Tile is a Size x Size image in channel-first float32 layout with values
// in [0,1]. Row and Col are zero-based and only meaningful for patches.
type Tile struct {
	Role Role
	Row  int
	Col  int
	Size int
	Data []float32 // len 3*Size*Size, planes R, G, B
}

// TileGrid is the ordered output of Tile. A 1x1 grid holds exactly one patch
// tile; larger grids hold the global view first and then Rows*Cols patches
// in row-major order.
type TileGrid struct {
	Rows   int
	Cols   int
	Width  int // resized width
	Height int // resized height
	Tiles  []Tile
}

// Single reports whether the grid is 1x1 (no global view).
func (g TileGrid) Single() bool { return g.Rows == 1 && g.Cols == 1 }

// MaxGridSide bounds grid rows and columns. Each cell needs its own
// location marker in the vocabulary.
const MaxGridSide = 8

// Params configures the tiling budget.
type Params struct {
	MaxSideLen  int
	PatchSize   int
	ResizeToMax bool
}

// Validate checks that the budget can produce patch-aligned grids.
func (p Params) Validate() error {
	if p.PatchSize <= 0 {
		return errdefs.Config("tile", "patch size must be positive, got %d", p.PatchSize)
	}
	if p.MaxSideLen < p.PatchSize {
		return errdefs.Config("tile", "max side %d smaller than patch size %d", p.MaxSideLen, p.PatchSize)
	}
	if p.MaxSideLen%p.PatchSize != 0 {
		return errdefs.Config("tile", "max side %d is not a multiple of patch size %d", p.MaxSideLen, p.PatchSize)
	}
	if n := p.MaxSideLen / p.PatchSize; n > MaxGridSide {
		return errdefs.Config("tile", "max side %d allows a %dx%d grid, limit is %dx%d", p.MaxSideLen, n, n, MaxGridSide, MaxGridSide)
	}
	return nil
}

// Tile resizes img under p and splits it into tiles.
func (p Params) Tile(img *Image) (TileGrid, error) {
	return TileImage(img, p.MaxSideLen, p.PatchSize, p.ResizeToMax)
}

// TileImage resizes img to a patch-aligned size no longer than maxSideLen and
// splits it into a grid of patchSize tiles, with a downsampled global view
// first whenever the grid is larger than 1x1.
func TileImage(img *Image, maxSideLen, patchSize int, resizeToMax bool) (TileGrid, error) {
	if err := (Params{MaxSideLen: maxSideLen, PatchSize: patchSize, ResizeToMax: resizeToMax}).Validate(); err != nil {
		return TileGrid{}, err
	}
	if img == nil || img.width <= 0 || img.height <= 0 {
		return TileGrid{}, errdefs.InvalidRegion("Tile", "empty source image")
	}

	tw, th := DynamicResize(img.width, img.height, maxSideLen, patchSize, resizeToMax)
	resized := Resize(img, tw, th)

	grid := TileGrid{
		Rows:   th / patchSize,
		Cols:   tw / patchSize,
		Width:  tw,
		Height: th,
	}

	if grid.Single() {
		grid.Tiles = []Tile{{Role: RolePatch, Size: patchSize, Data: Normalize(resized)}}
		return grid, nil
	}

	grid.Tiles = make([]Tile, 0, 1+grid.Rows*grid.Cols)
	global := Resize(resized, patchSize, patchSize)
	grid.Tiles = append(grid.Tiles, Tile{Role: RoleGlobal, Size: patchSize, Data: Normalize(global)})

	for row := 0; row < grid.Rows; row++ {
		for col := 0; col < grid.Cols; col++ {
			patch, err := Crop(resized, col*patchSize, row*patchSize, patchSize, patchSize)
			if err != nil {
				return TileGrid{}, err
			}
			grid.Tiles = append(grid.Tiles, Tile{
				Role: RolePatch,
				Row:  row,
				Col:  col,
				Size: patchSize,
				Data: Normalize(patch),
			})
		}
	}
	return grid, nil
}

// Crop copies the w x h region with top-left corner (x, y).
func Crop(src *Image, x, y, w, h int) (*Image, error) {
	if x < 0 || y < 0 || w <= 0 || h <= 0 || x+w > src.width || y+h > src.height {
		return nil, errdefs.InvalidRegion("Crop",
			"region (%d,%d %dx%d) outside %dx%d image", x, y, w, h, src.width, src.height)
	}
	dst := newImage(w, h)
	for row := 0; row < h; row++ {
		from := ((y+row)*src.width + x) * 3
		copy(dst.pix[row*w*3:(row+1)*w*3], src.pix[from:from+w*3])
	}
	return dst, nil
}

// Normalize converts interleaved RGB bytes to channel-first float32 / 255.
func Normalize(img *Image) []float32 {
	plane := img.width * img.height
	out := make([]float32, 3*plane)
	for i := 0; i < plane; i++ {
		out[i] = float32(img.pix[i*3]) / 255
		out[plane+i] = float32(img.pix[i*3+1]) / 255
		out[2*plane+i] = float32(img.pix[i*3+2]) / 255
	}
	return out
}
