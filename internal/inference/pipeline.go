package inference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/lumen/internal/errdefs"
	"github.com/samcharles93/lumen/internal/imageproc"
	"github.com/samcharles93/lumen/internal/logger"
	"github.com/samcharles93/lumen/internal/tensor"
	"github.com/samcharles93/lumen/internal/tokenizer"
)

// DefaultMaxNewTokens is used when a request leaves MaxNewTokens unset.
const DefaultMaxNewTokens = 256

// Pipeline ties the tiler, the tokenizer and an Engine into the image +
// prompt to text call.
type Pipeline struct {
	engine    *Engine
	tokenizer tokenizer.Templater
	tiling    imageproc.Params
	workers   int
	observer  Observer
}

// PipelineConfig configures NewPipeline. Workers bounds concurrent vision
// encoder calls.
type PipelineConfig struct {
	Tiling   imageproc.Params
	Workers  int
	Observer Observer
}

func NewPipeline(engine *Engine, tok tokenizer.Templater, cfg PipelineConfig) (*Pipeline, error) {
	if engine == nil || tok == nil {
		return nil, fmt.Errorf("engine and tokenizer are required")
	}
	if err := cfg.Tiling.Validate(); err != nil {
		return nil, err
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Pipeline{
		engine:    engine,
		tokenizer: tok,
		tiling:    cfg.Tiling,
		workers:   workers,
		observer:  cfg.Observer,
	}, nil
}

func (p *Pipeline) Engine() *Engine                { return p.engine }
func (p *Pipeline) Tokenizer() tokenizer.Templater { return p.tokenizer }
func (p *Pipeline) Tiling() imageproc.Params       { return p.tiling }

func (p *Pipeline) Close() error { return p.engine.Close() }

// PreparedImage is a tiled and vision-encoded image. It can be reused across
// prompts.
type PreparedImage struct {
	Grid       imageproc.TileGrid
	Embeddings []tensor.Mat
}

// PrepareImage tiles img and encodes every tile.
func (p *Pipeline) PrepareImage(ctx context.Context, img *imageproc.Image) (*PreparedImage, error) {
	grid, err := p.tiling.Tile(img)
	if err != nil {
		return nil, err
	}
	emb, err := EncodeTiles(ctx, p.engine.Runner(), grid, p.workers)
	if err != nil {
		return nil, err
	}
	p.notify(Event{Kind: EventVisionEncoded, Tiles: len(grid.Tiles)})
	logger.FromContext(ctx).Debug("image encoded",
		"grid", fmt.Sprintf("%dx%d", grid.Rows, grid.Cols),
		"resized", fmt.Sprintf("%dx%d", grid.Width, grid.Height),
		"tiles", len(grid.Tiles))
	return &PreparedImage{Grid: grid, Embeddings: emb}, nil
}

// Generate tiles and encodes req.Image when present, then runs the prompt.
func (p *Pipeline) Generate(ctx context.Context, req Request, stream StreamFunc) (*Result, error) {
	var prepared *PreparedImage
	if req.Image != nil {
		var err error
		if prepared, err = p.PrepareImage(ctx, req.Image); err != nil {
			res := p.newResult()
			return res.failed(err), err
		}
	}
	return p.GeneratePrepared(ctx, prepared, req.Prompt, req.MaxNewTokens, stream)
}

// GeneratePrepared runs prompt against an already encoded image. img may be
// nil for a text-only turn. The returned Result is non-nil whenever ctx is
// non-nil; on StatusError the error is returned as well.
func (p *Pipeline) GeneratePrepared(ctx context.Context, img *PreparedImage, prompt string, maxNew int, stream StreamFunc) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if maxNew <= 0 {
		maxNew = DefaultMaxNewTokens
	}
	res := p.newResult()
	log := logger.FromContext(ctx).With("generation", res.ID)
	ctx = logger.WithContext(ctx, log)
	started := time.Now()

	p.notify(Event{Kind: EventTokenizing})
	var grid *imageproc.TileGrid
	var tiles []tensor.Mat
	if img != nil {
		grid = &img.Grid
		tiles = img.Embeddings
	}
	ids, err := p.tokenizer.ApplyTemplate(prompt, grid)
	if err != nil {
		return res.failed(err), err
	}
	res.Stats.PromptTokens = len(ids)
	for _, id := range ids {
		if id == p.tokenizer.Specials().Image {
			res.Stats.ImageTokens++
		}
	}
	log.Debug("prompt templated", "tokens", len(ids), "image_tokens", res.Stats.ImageTokens)

	var emit func(int)
	var held runeBuffer
	if stream != nil {
		emit = func(id int) {
			if frag := held.push(p.tokenizer.DecodeToken(id)); frag != "" {
				stream(frag)
			}
		}
	}
	st, err := p.engine.Generate(ctx, Input{IDs: ids, Tiles: tiles, MaxNewTokens: maxNew}, emit)
	if stream != nil {
		if rest := held.flush(); rest != "" {
			stream(rest)
		}
	}
	if st != nil {
		res.Status = st.Status
		res.Tokens = st.Tokens
		res.Stats.TokensGenerated = len(st.Tokens)
		res.Stats.PrefillDuration = st.PrefillDuration
	}
	res.Stats.Duration = time.Since(started)
	if s := res.Stats.Duration.Seconds(); s > 0 {
		res.Stats.TPS = float64(res.Stats.TokensGenerated) / s
	}
	if err != nil {
		return res.failed(err), err
	}

	text, err := p.tokenizer.Decode(res.Tokens)
	if err != nil {
		err = errdefs.ModelCall("decode", "LMHead", fmt.Errorf("generated id outside vocabulary: %w", err))
		return res.failed(err), err
	}
	res.Text = SanitizeOutput(text)
	log.Info("generation done",
		"status", res.Status,
		"tokens", res.Stats.TokensGenerated,
		"tps", fmt.Sprintf("%.2f", res.Stats.TPS))
	return res, nil
}

func (p *Pipeline) newResult() *Result {
	return &Result{ID: "gen-" + strings.ReplaceAll(uuid.NewString(), "-", ""), Status: StatusRunning}
}

func (r *Result) failed(err error) *Result {
	r.Status = StatusError
	r.Err = err
	r.Kind = errdefs.KindOf(err)
	return r
}

func (p *Pipeline) notify(ev Event) {
	if p.observer != nil {
		p.observer(ev)
	}
}
