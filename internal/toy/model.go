// Package toy provides a deterministic stand-in for a real vision-language
// backend. It honours the runner contract (shapes, cache growth, position
// bookkeeping) with small seeded projections so the pipeline can run end to
// end without model weights.
package toy

import (
	"context"
	"fmt"

	"github.com/samcharles93/lumen/internal/imageproc"
	"github.com/samcharles93/lumen/internal/runner"
	"github.com/samcharles93/lumen/internal/tensor"
)

// Config sizes the toy model.
type Config struct {
	Vocab         int
	Hidden        int
	Layers        int
	KVHeads       int
	HeadDim       int
	TokensPerTile int
	Seed          int64
}

func (c Config) validate() error {
	switch {
	case c.Vocab <= 0, c.Hidden <= 0, c.Layers <= 0, c.KVHeads <= 0, c.HeadDim <= 0, c.TokensPerTile <= 0:
		return fmt.Errorf("toy: all dimensions must be positive: %+v", c)
	}
	return nil
}

// Runner is a toy multimodal LM. Each layer caches a fixed slice of the
// hidden state as key and value; the decode step mixes the mean cached value
// of the first layer into the new token's embedding.
type Runner struct {
	cfg Config

	Emb    tensor.Mat // [Vocab x Hidden]
	Head   tensor.Mat // [Vocab x Hidden]
	Vision tensor.Mat // [Hidden x 3]
	Bias   []float32  // [Vocab]
}

var _ runner.Runner = (*Runner)(nil)

// New builds a toy runner whose weights are derived from cfg.Seed.
func New(cfg Config) (*Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Runner{
		cfg:    cfg,
		Emb:    tensor.NewMat(cfg.Vocab, cfg.Hidden),
		Head:   tensor.NewMat(cfg.Vocab, cfg.Hidden),
		Vision: tensor.NewMat(cfg.Hidden, 3),
		Bias:   make([]float32, cfg.Vocab),
	}
	tensor.FillRand(&m.Emb, cfg.Seed+11, 2)
	tensor.FillRand(&m.Head, cfg.Seed+23, 2)
	tensor.FillRand(&m.Vision, cfg.Seed+37, 2)
	return m, nil
}

func (m *Runner) Config() Config { return m.cfg }
func (m *Runner) NumLayers() int { return m.cfg.Layers }

// VisionEncode averages each of TokensPerTile contiguous pixel bands per
// channel and projects the RGB mean to the hidden size.
func (m *Runner) VisionEncode(ctx context.Context, tile imageproc.Tile) (tensor.Mat, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Mat{}, err
	}
	plane := tile.Size * tile.Size
	if plane == 0 || len(tile.Data) != 3*plane {
		return tensor.Mat{}, fmt.Errorf("toy: tile data %d does not match size %d", len(tile.Data), tile.Size)
	}
	n := m.cfg.TokensPerTile
	out := tensor.NewMat(n, m.cfg.Hidden)
	rgb := make([]float32, 3)
	for r := 0; r < n; r++ {
		lo := r * plane / n
		hi := max((r+1)*plane/n, lo+1)
		hi = min(hi, plane)
		for c := 0; c < 3; c++ {
			var sum float32
			band := tile.Data[c*plane+lo : c*plane+hi]
			for _, v := range band {
				sum += v
			}
			rgb[c] = sum / float32(len(band))
		}
		tensor.MatVec(out.Row(r), &m.Vision, rgb)
	}
	return out, nil
}

// TokenEmbed looks up embedding rows. Ids outside the vocabulary wrap.
func (m *Runner) TokenEmbed(ctx context.Context, ids []int) (tensor.Mat, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Mat{}, err
	}
	out := tensor.NewMat(len(ids), m.cfg.Hidden)
	for i, id := range ids {
		copy(out.Row(i), m.Emb.Row(m.wrap(id)))
	}
	return out, nil
}

func (m *Runner) wrap(id int) int {
	id %= m.cfg.Vocab
	if id < 0 {
		id += m.cfg.Vocab
	}
	return id
}

// Prefill normalizes a causal running mean of the embeddings and records
// every position in each layer's cache.
func (m *Runner) Prefill(ctx context.Context, emb tensor.Mat, mask []int64, positions []int64) (tensor.Mat, runner.KVCache, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Mat{}, nil, err
	}
	if emb.C != m.cfg.Hidden {
		return tensor.Mat{}, nil, fmt.Errorf("toy: embedding width %d, want %d", emb.C, m.cfg.Hidden)
	}
	if len(mask) != emb.R || len(positions) != emb.R {
		return tensor.Mat{}, nil, fmt.Errorf("toy: mask %d / positions %d for %d rows", len(mask), len(positions), emb.R)
	}
	for i, p := range positions {
		if p != int64(i) {
			return tensor.Mat{}, nil, fmt.Errorf("toy: position %d at index %d", p, i)
		}
	}

	cache := m.emptyCache()
	hidden := tensor.NewMat(emb.R, m.cfg.Hidden)
	running := make([]float32, m.cfg.Hidden)
	for i := 0; i < emb.R; i++ {
		tensor.Add(running, emb.Row(i))
		h := hidden.Row(i)
		copy(h, running)
		tensor.Scale(h, 1/float32(i+1))
		tensor.Add(h, emb.Row(i))
		tensor.RMSNorm(h, h, 1e-6)
		var err error
		if cache, err = m.appendAll(cache, h); err != nil {
			return tensor.Mat{}, nil, err
		}
	}
	return hidden, cache, nil
}

// DecodeStep mixes the first layer's mean cached value into the embedding
// and returns a new cache one position longer.
func (m *Runner) DecodeStep(ctx context.Context, emb tensor.Mat, mask []int64, position int64, cache runner.KVCache) (tensor.Mat, runner.KVCache, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Mat{}, nil, err
	}
	if emb.R != 1 || emb.C != m.cfg.Hidden {
		return tensor.Mat{}, nil, fmt.Errorf("toy: decode embedding %dx%d, want 1x%d", emb.R, emb.C, m.cfg.Hidden)
	}
	if len(cache) != m.cfg.Layers {
		return tensor.Mat{}, nil, fmt.Errorf("toy: cache has %d layers, want %d", len(cache), m.cfg.Layers)
	}
	seq, err := cache.SeqLen()
	if err != nil {
		return tensor.Mat{}, nil, fmt.Errorf("toy: %w", err)
	}
	if int64(seq) != position {
		return tensor.Mat{}, nil, fmt.Errorf("toy: position %d but cache holds %d", position, seq)
	}
	if len(mask) != seq+1 {
		return tensor.Mat{}, nil, fmt.Errorf("toy: mask length %d, want %d", len(mask), seq+1)
	}

	hidden := tensor.NewMat(1, m.cfg.Hidden)
	h := hidden.Row(0)
	copy(h, emb.Row(0))
	ctxMean := m.meanValue(cache[0])
	for i := range h {
		h[i] += ctxMean[i%len(ctxMean)]
	}
	tensor.RMSNorm(h, h, 1e-6)

	next, err := m.appendAll(cache, h)
	if err != nil {
		return tensor.Mat{}, nil, err
	}
	return hidden, next, nil
}

// LMHead computes Head * hidden + Bias.
func (m *Runner) LMHead(ctx context.Context, hidden []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(hidden) != m.cfg.Hidden {
		return nil, fmt.Errorf("toy: hidden width %d, want %d", len(hidden), m.cfg.Hidden)
	}
	logits := make([]float32, m.cfg.Vocab)
	tensor.MatVec(logits, &m.Head, hidden)
	tensor.Add(logits, m.Bias)
	return logits, nil
}

func (m *Runner) emptyCache() runner.KVCache {
	cache := make(runner.KVCache, m.cfg.Layers)
	for i := range cache {
		cache[i] = runner.NewKVEntry(m.cfg.KVHeads, m.cfg.HeadDim)
	}
	return cache
}

// appendAll extends every layer with a slice of h. Layer l reads h starting
// at offset l so layers differ.
func (m *Runner) appendAll(cache runner.KVCache, h []float32) (runner.KVCache, error) {
	width := m.cfg.KVHeads * m.cfg.HeadDim
	k := make([]float32, width)
	v := make([]float32, width)
	out := make(runner.KVCache, len(cache))
	for l, entry := range cache {
		for i := 0; i < width; i++ {
			k[i] = h[(l+i)%len(h)]
			v[i] = -h[(l+i)%len(h)]
		}
		next, err := entry.Append(k, v)
		if err != nil {
			return nil, fmt.Errorf("toy: layer %d: %w", l, err)
		}
		out[l] = next
	}
	return out, nil
}

func (m *Runner) meanValue(e runner.KVEntry) []float32 {
	out := make([]float32, e.KVHeads*e.HeadDim)
	if e.SeqLen == 0 {
		return out
	}
	for h := 0; h < e.KVHeads; h++ {
		for p := 0; p < e.SeqLen; p++ {
			_, v := e.At(h, p)
			tensor.Add(out[h*e.HeadDim:(h+1)*e.HeadDim], v)
		}
	}
	tensor.Scale(out, 1/float32(e.SeqLen))
	return out
}
