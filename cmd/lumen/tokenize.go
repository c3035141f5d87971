package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lumen/internal/bundle"
	"github.com/samcharles93/lumen/internal/imageproc"
	"github.com/samcharles93/lumen/internal/inference"
)

func tokenizeCmd() *cli.Command {
	var (
		text       string
		rows       int64
		cols       int64
		noTemplate bool
		showPieces bool
	)

	return &cli.Command{
		Name:   "tokenize",
		Usage:  "Encode a prompt with the bundle tokenizer and chat template",
		Before: setup,
		Flags: commandFlags(
			&cli.StringFlag{
				Name:        "text",
				Aliases:     []string{"t"},
				Usage:       "text to encode",
				Required:    true,
				Destination: &text,
			},
			&cli.Int64Flag{
				Name:        "rows",
				Usage:       "image grid rows (0 = no image)",
				Destination: &rows,
			},
			&cli.Int64Flag{
				Name:        "cols",
				Usage:       "image grid cols (0 = no image)",
				Destination: &cols,
			},
			&cli.BoolFlag{
				Name:        "no-template",
				Usage:       "encode the bare text without role markers or image block",
				Destination: &noTemplate,
			},
			&cli.BoolFlag{
				Name:        "pieces",
				Usage:       "print the vocabulary entry of every id",
				Destination: &showPieces,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			if strings.TrimSpace(bundleDir) == "" {
				return cli.Exit("error: --bundle is required", 1)
			}
			if (rows == 0) != (cols == 0) || rows < 0 || cols < 0 {
				return cli.Exit("error: --rows and --cols must both be positive or both omitted", 1)
			}
			b, err := bundle.Load(bundleDir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load bundle: %v", err), 1)
			}
			tok, err := inference.LoadTokenizer(b, template)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load tokenizer: %v", err), 1)
			}

			var ids []int
			if noTemplate {
				ids, err = tok.Encode(text)
			} else {
				var grid *imageproc.TileGrid
				if rows > 0 {
					grid = &imageproc.TileGrid{Rows: int(rows), Cols: int(cols)}
				}
				ids, err = tok.ApplyTemplate(text, grid)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: encode: %v", err), 1)
			}

			fmt.Printf("count: %d (image markers: %d)\n", len(ids), len(tok.ImagePositions(ids)))
			fmt.Printf("ids: %s\n", formatIDs(ids))
			if showPieces {
				for i, id := range ids {
					fmt.Printf("  %4d %6d %q\n", i, id, tok.TokenString(id))
				}
			}
			decoded, err := tok.Decode(ids)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: decode: %v", err), 1)
			}
			fmt.Printf("decoded: %q\n", decoded)
			return nil
		},
	}
}
