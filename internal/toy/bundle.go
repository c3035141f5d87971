package toy

import (
	"github.com/samcharles93/lumen/internal/bundle"
	"github.com/samcharles93/lumen/internal/runner"
)

// Upper bounds keep a toy built from a full-size config cheap to allocate.
const (
	maxHidden  = 64
	maxLayers  = 4
	maxKVHeads = 2
)

// ConfigFor sizes a toy runner after a bundle config, clamped to small
// dimensions. vocab must cover every id the tokenizer can emit.
func ConfigFor(cfg bundle.Config, vocab int, seed int64) Config {
	hidden := clampDim(cfg.LMHiddenDim, maxHidden, 32)
	heads := clampDim(cfg.LMKVHeads, maxKVHeads, 1)
	headDim := max(hidden/heads/4, 1)
	return Config{
		Vocab:         vocab,
		Hidden:        hidden,
		Layers:        clampDim(cfg.LMBlocks, maxLayers, 2),
		KVHeads:       heads,
		HeadDim:       headDim,
		TokensPerTile: cfg.Tiling().TokensPerTile,
		Seed:          seed,
	}
}

// Factory returns a constructor suitable for inference.Loader.
func Factory(seed int64) func(bundle.Config, int) (runner.Runner, error) {
	return func(cfg bundle.Config, vocab int) (runner.Runner, error) {
		return New(ConfigFor(cfg, vocab, seed))
	}
}

func clampDim(v, hi, def int) int {
	if v <= 0 {
		return def
	}
	return min(v, hi)
}
