package inference

import (
	"fmt"
	"strings"

	"github.com/samcharles93/lumen/internal/bundle"
	"github.com/samcharles93/lumen/internal/imageproc"
	"github.com/samcharles93/lumen/internal/runner"
	"github.com/samcharles93/lumen/internal/tokenizer"
)

// RunnerFactory builds the runner for a loaded bundle. vocabSize includes
// the marker tokens added by the tokenizer.
type RunnerFactory func(cfg bundle.Config, vocabSize int) (runner.Runner, error)

type Loader struct {
	BundleDir string
	Workers   int
	Observer  Observer
	// Template overrides the bundle's chat_template when set.
	Template string
}

type LoadResult struct {
	Pipeline  *Pipeline
	Bundle    *bundle.Bundle
	Tokenizer *tokenizer.BPE
}

// Load reads the artifact bundle, builds the tokenizer and hands both to
// newRunner. The runner is closed again if a later step fails.
func (l Loader) Load(newRunner RunnerFactory) (*LoadResult, error) {
	if strings.TrimSpace(l.BundleDir) == "" {
		return nil, fmt.Errorf("bundle path is required")
	}
	if newRunner == nil {
		return nil, fmt.Errorf("runner factory is required")
	}

	b, err := bundle.Load(l.BundleDir)
	if err != nil {
		return nil, err
	}
	tok, err := LoadTokenizer(b, l.Template)
	if err != nil {
		return nil, err
	}

	r, err := newRunner(b.Config, tok.VocabSize())
	if err != nil {
		return nil, fmt.Errorf("create runner: %w", err)
	}
	engine, err := NewEngine(r, EngineConfig{
		EOSTokenID:   tok.Specials().EOS,
		ImageTokenID: tok.Specials().Image,
		Observer:     l.Observer,
	})
	if err != nil {
		closeRunner(r)
		return nil, err
	}

	t := b.Config.Tiling()
	p, err := NewPipeline(engine, tok, PipelineConfig{
		Tiling: imageproc.Params{
			MaxSideLen:  t.MaxSideLen,
			PatchSize:   t.PatchSize,
			ResizeToMax: t.ResizeToMax,
		},
		Workers:  l.Workers,
		Observer: l.Observer,
	})
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	return &LoadResult{Pipeline: p, Bundle: b, Tokenizer: tok}, nil
}

// LoadTokenizer builds the tokenizer described by b. A non-empty template
// takes precedence over the bundle's chat_template.
func LoadTokenizer(b *bundle.Bundle, template string) (*tokenizer.BPE, error) {
	if template == "" {
		template = b.Config.Template()
	}
	kind, err := tokenizer.ParseTemplate(template)
	if err != nil {
		return nil, err
	}
	return tokenizer.LoadHFTokenizerBytes(b.TokenizerJSON, tokenizer.Options{
		ImageToken:    b.Config.ImageToken(),
		GlobalToken:   b.Config.GlobalImageToken(),
		EOSID:         b.Config.EOS(),
		Template:      kind,
		TokensPerTile: b.Config.Tiling().TokensPerTile,
	})
}

func closeRunner(r runner.Runner) {
	if closer, ok := r.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
