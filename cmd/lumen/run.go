package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lumen/internal/imageproc"
	"github.com/samcharles93/lumen/internal/inference"
)

func runCmd() *cli.Command {
	var (
		imagePath  string
		prompt     string
		maxNew     int64
		streamMode string
		showStats  bool
		showTokens bool
	)

	return &cli.Command{
		Name:   "run",
		Usage:  "Generate text for an image and a prompt",
		Before: setup,
		Flags: commandFlags(
			&cli.StringFlag{
				Name:        "image",
				Aliases:     []string{"i"},
				Usage:       "image file (png, jpeg, gif, bmp, tiff, webp); omit for a text-only turn",
				Destination: &imagePath,
			},
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text",
				Value:       "Describe the image.",
				Destination: &prompt,
			},
			&cli.Int64Flag{
				Name:        "max-new-tokens",
				Aliases:     []string{"n"},
				Usage:       "upper bound on generated tokens",
				Value:       inference.DefaultMaxNewTokens,
				Destination: &maxNew,
			},
			&cli.StringFlag{
				Name:        "stream-mode",
				Usage:       "output mode (instant, quiet, raw)",
				Value:       string(StreamInstant),
				Destination: &streamMode,
			},
			&cli.BoolFlag{
				Name:        "stats",
				Usage:       "print token counts and timings to stderr",
				Value:       true,
				Destination: &showStats,
			},
			&cli.BoolFlag{
				Name:        "show-tokens",
				Usage:       "print generated token ids to stderr",
				Destination: &showTokens,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyRunConfig(c, fileConfig, &maxNew, &streamMode)
			mode, err := parseStreamMode(streamMode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if maxNew <= 0 {
				return cli.Exit("error: --max-new-tokens must be positive", 1)
			}

			var img *imageproc.Image
			if imagePath != "" {
				if img, err = imageproc.Open(imagePath); err != nil {
					return cli.Exit(fmt.Sprintf("error: open image: %v", err), 1)
				}
			}

			res, err := loadPipeline(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = res.Pipeline.Close() }()

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			sw := NewStreamWriter(mode, os.Stdout)
			out, err := res.Pipeline.Generate(ctx, inference.Request{
				Prompt:       prompt,
				Image:        img,
				MaxNewTokens: int(maxNew),
			}, sw.Write)
			sw.Flush(resultText(out))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: generate (%s): %v", out.Kind, err), 1)
			}

			if showTokens {
				fmt.Fprintf(os.Stderr, "tokens: %s\n", formatIDs(out.Tokens))
			}
			if showStats {
				printStats(out)
			}
			if out.Status == inference.StatusCancelled {
				return cli.Exit("generation cancelled", 130)
			}
			return nil
		},
	}
}

func resultText(out *inference.Result) string {
	if out == nil {
		return ""
	}
	return out.Text
}

func printStats(out *inference.Result) {
	s := out.Stats
	fmt.Fprintf(os.Stderr, "\n[%s] status=%s prompt=%d image=%d generated=%d prefill=%s total=%s tps=%.2f\n",
		out.ID, out.Status, s.PromptTokens, s.ImageTokens, s.TokensGenerated,
		s.PrefillDuration.Round(time.Microsecond), s.Duration.Round(time.Microsecond), s.TPS)
}

func formatIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
