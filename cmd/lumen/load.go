package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lumen/internal/inference"
	"github.com/samcharles93/lumen/internal/logger"
	"github.com/samcharles93/lumen/internal/toy"
)

// loadPipeline loads the bundle named by --bundle behind the built-in
// reference runner. Progress events are logged at debug level.
func loadPipeline(ctx context.Context) (*inference.LoadResult, error) {
	if strings.TrimSpace(bundleDir) == "" {
		return nil, cli.Exit("error: --bundle is required (or set LUMEN_BUNDLE / bundle_dir)", 1)
	}
	log := logger.FromContext(ctx).With(logger.ComponentKey, "pipeline")
	start := time.Now()
	res, err := inference.Loader{
		BundleDir: bundleDir,
		Workers:   int(workers),
		Template:  template,
		Observer:  logObserver(log),
	}.Load(toy.BundleFactory(bundleDir, seed))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: load bundle: %v", err), 1)
	}
	t := res.Bundle.Config.Tiling()
	log.Info("bundle loaded",
		"path", bundleDir,
		"vocab", res.Tokenizer.VocabSize(),
		"template", res.Tokenizer.Template(),
		"max_side", t.MaxSideLen,
		"patch", t.PatchSize,
		"tokens_per_tile", t.TokensPerTile,
		"layers", res.Pipeline.Engine().Runner().NumLayers(),
		"elapsed", time.Since(start))
	return res, nil
}

func logObserver(log logger.Logger) inference.Observer {
	return func(ev inference.Event) {
		switch ev.Kind {
		case inference.EventStep:
			log.Debug("step", "n", ev.Step)
		case inference.EventPrefillComplete:
			log.Debug(string(ev.Kind), "first_token", ev.Token)
		case inference.EventVisionEncoded:
			log.Debug(string(ev.Kind), "tiles", ev.Tiles)
		case inference.EventFinished:
			if ev.Err != nil {
				log.Debug(string(ev.Kind), "status", ev.Status, "error", ev.Err)
				return
			}
			log.Debug(string(ev.Kind), "status", ev.Status, "tokens", ev.Step)
		default:
			log.Debug(string(ev.Kind))
		}
	}
}
