package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lumen/internal/bundle"
	"github.com/samcharles93/lumen/internal/inference"
	"github.com/samcharles93/lumen/internal/logger"
	"github.com/samcharles93/lumen/internal/toy"
)

func weightsCmd() *cli.Command {
	var out string

	return &cli.Command{
		Name:   "weights",
		Usage:  "Export the seeded reference runner weights for a bundle",
		Before: setup,
		Flags: commandFlags(
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output path (default: <bundle>/" + toy.WeightsFile + ")",
				Destination: &out,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			if strings.TrimSpace(bundleDir) == "" {
				return cli.Exit("error: --bundle is required", 1)
			}
			b, err := bundle.Load(bundleDir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load bundle: %v", err), 1)
			}
			tok, err := inference.LoadTokenizer(b, template)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load tokenizer: %v", err), 1)
			}
			cfg := toy.ConfigFor(b.Config, tok.VocabSize(), seed)
			r, err := toy.New(cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if out == "" {
				out = filepath.Join(bundleDir, toy.WeightsFile)
			}
			if err := r.SaveWeights(out); err != nil {
				return cli.Exit(fmt.Sprintf("error: write %s: %v", out, err), 1)
			}
			logger.FromContext(ctx).Info("weights written",
				"path", out,
				"vocab", cfg.Vocab,
				"hidden", cfg.Hidden,
				"seed", seed)
			return nil
		},
	}
}
