package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lumen/internal/bundle"
	"github.com/samcharles93/lumen/internal/imageproc"
	"github.com/samcharles93/lumen/internal/logger"
)

func tileCmd() *cli.Command {
	var (
		imagePath   string
		maxSide     int64
		patch       int64
		resizeToMax bool
		outDir      string
	)

	return &cli.Command{
		Name:   "tile",
		Usage:  "Show how an image is resized and split into tiles",
		Before: setup,
		Flags: commandFlags(
			&cli.StringFlag{
				Name:        "image",
				Aliases:     []string{"i"},
				Usage:       "image file",
				Required:    true,
				Destination: &imagePath,
			},
			&cli.Int64Flag{
				Name:        "max-side",
				Usage:       "longest side after resizing (default: bundle max_img_size)",
				Value:       bundle.DefaultMaxImageSize,
				Destination: &maxSide,
			},
			&cli.Int64Flag{
				Name:        "patch",
				Usage:       "tile side (default: bundle splitted_image_size)",
				Value:       bundle.DefaultSplitImageSize,
				Destination: &patch,
			},
			&cli.BoolFlag{
				Name:        "resize-to-max",
				Usage:       "always scale the longest side to --max-side",
				Destination: &resizeToMax,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "write every tile as a PNG into this directory",
				Destination: &outDir,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			params := imageproc.Params{MaxSideLen: int(maxSide), PatchSize: int(patch), ResizeToMax: resizeToMax}
			if bundleDir != "" {
				b, err := bundle.Load(bundleDir)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: load bundle: %v", err), 1)
				}
				t := b.Config.Tiling()
				if !c.IsSet("max-side") {
					params.MaxSideLen = t.MaxSideLen
				}
				if !c.IsSet("patch") {
					params.PatchSize = t.PatchSize
				}
				if !c.IsSet("resize-to-max") {
					params.ResizeToMax = t.ResizeToMax
				}
			}

			img, err := imageproc.Open(imagePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open image: %v", err), 1)
			}
			grid, err := params.Tile(img)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: tile: %v", err), 1)
			}

			fmt.Printf("source:  %dx%d\n", img.Width(), img.Height())
			fmt.Printf("resized: %dx%d\n", grid.Width, grid.Height)
			fmt.Printf("grid:    %d rows x %d cols, %d tiles of %dpx\n", grid.Rows, grid.Cols, len(grid.Tiles), params.PatchSize)
			for i, t := range grid.Tiles {
				fmt.Printf("  %2d %-6s row=%d col=%d\n", i, t.Role, t.Row, t.Col)
			}

			if outDir == "" {
				return nil
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return cli.Exit(fmt.Sprintf("error: create %s: %v", outDir, err), 1)
			}
			for i, t := range grid.Tiles {
				path := filepath.Join(outDir, tileFileName(i, t))
				if err := writeTilePNG(path, t); err != nil {
					return cli.Exit(fmt.Sprintf("error: write %s: %v", path, err), 1)
				}
			}
			logger.FromContext(ctx).Info("tiles written", "dir", outDir, "count", len(grid.Tiles))
			return nil
		},
	}
}

func tileFileName(i int, t imageproc.Tile) string {
	if t.Role == imageproc.RoleGlobal {
		return fmt.Sprintf("%02d_global.png", i)
	}
	return fmt.Sprintf("%02d_r%d_c%d.png", i, t.Row, t.Col)
}

// tileImage converts a normalized CHW tile back to 8-bit RGB.
func tileImage(t imageproc.Tile) *image.RGBA {
	n := t.Size * t.Size
	out := image.NewRGBA(image.Rect(0, 0, t.Size, t.Size))
	for y := 0; y < t.Size; y++ {
		for x := 0; x < t.Size; x++ {
			i := y*t.Size + x
			out.SetRGBA(x, y, color.RGBA{
				R: unit8(t.Data[i]),
				G: unit8(t.Data[n+i]),
				B: unit8(t.Data[2*n+i]),
				A: 255,
			})
		}
	}
	return out
}

func unit8(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}

func writeTilePNG(path string, t imageproc.Tile) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return png.Encode(f, tileImage(t))
}
