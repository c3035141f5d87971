package inference

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/lumen/internal/errdefs"
	"github.com/samcharles93/lumen/internal/imageproc"
	"github.com/samcharles93/lumen/internal/runner"
	"github.com/samcharles93/lumen/internal/tensor"
)

// EncodeTiles runs the vision encoder over every tile of grid with at most
// workers calls in flight. The result is indexed by tile position, so it is
// in grid order whatever order the calls complete in. The first failure
// aborts the remaining tiles.
func EncodeTiles(ctx context.Context, r runner.Runner, grid imageproc.TileGrid, workers int) ([]tensor.Mat, error) {
	if len(grid.Tiles) == 0 {
		return nil, nil
	}
	if workers <= 0 {
		workers = 1
	}
	out := make([]tensor.Mat, len(grid.Tiles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range grid.Tiles {
		tile := grid.Tiles[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var emb tensor.Mat
			err := guard("VisionEncode", func() error {
				var cerr error
				emb, cerr = r.VisionEncode(gctx, tile)
				return cerr
			})
			if err != nil {
				return errdefs.ModelCall("vision", "VisionEncode", fmt.Errorf("tile %d (%s): %w", i, tile.Role, err))
			}
			out[i] = emb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
