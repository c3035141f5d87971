// Package runner declares the capability set the generation engine needs
// from an inference backend. Implementations own the sub-network sessions;
// the engine only threads inputs, outputs and the KV cache between calls.
package runner

import (
	"context"
	"fmt"

	"github.com/samcharles93/lumen/internal/imageproc"
	"github.com/samcharles93/lumen/internal/tensor"
)

// Runner invokes the separately exported sub-networks of a vision-language
// model. Every call blocks until the backend returns. A Runner is used by one
// generation at a time.
type Runner interface {
	// VisionEncode returns the projected embedding rows for one tile,
	// tokens_per_tile x hidden.
	VisionEncode(ctx context.Context, tile imageproc.Tile) (tensor.Mat, error)
	// TokenEmbed returns one hidden-sized row per id.
	TokenEmbed(ctx context.Context, ids []int) (tensor.Mat, error)
	// Prefill runs the full merged sequence and returns hidden states for
	// every position plus one cache entry per layer.
	Prefill(ctx context.Context, embeddings tensor.Mat, mask []int64, positions []int64) (tensor.Mat, KVCache, error)
	// DecodeStep runs a single position against cache and returns its hidden
	// state and the replacement cache.
	DecodeStep(ctx context.Context, embedding tensor.Mat, mask []int64, position int64, cache KVCache) (tensor.Mat, KVCache, error)
	// LMHead projects one hidden state to vocabulary logits.
	LMHead(ctx context.Context, hidden []float32) ([]float32, error)
	// NumLayers is the number of cache entries Prefill and DecodeStep return.
	NumLayers() int
}

// KVEntry is one layer's key and value tensors, each laid out as
// [1][KVHeads][SeqLen][HeadDim].
type KVEntry struct {
	Key     []float32
	Value   []float32
	KVHeads int
	SeqLen  int
	HeadDim int
}

// KVCache holds one entry per transformer layer.
type KVCache []KVEntry

// NewKVEntry allocates an empty entry.
func NewKVEntry(kvHeads, headDim int) KVEntry {
	return KVEntry{KVHeads: kvHeads, HeadDim: headDim}
}

func (e KVEntry) size() int { return e.KVHeads * e.SeqLen * e.HeadDim }

// Validate checks that the tensors match the declared shape.
func (e KVEntry) Validate() error {
	if e.KVHeads <= 0 || e.HeadDim <= 0 || e.SeqLen < 0 {
		return fmt.Errorf("invalid kv shape heads=%d seq=%d dim=%d", e.KVHeads, e.SeqLen, e.HeadDim)
	}
	if len(e.Key) != e.size() || len(e.Value) != e.size() {
		return fmt.Errorf("kv data length key=%d value=%d, want %d", len(e.Key), len(e.Value), e.size())
	}
	return nil
}

// Append returns a new entry with one more position. k and v hold KVHeads x
// HeadDim values for the new position. e is left untouched.
func (e KVEntry) Append(k, v []float32) (KVEntry, error) {
	step := e.KVHeads * e.HeadDim
	if len(k) != step || len(v) != step {
		return KVEntry{}, fmt.Errorf("kv append: got %d/%d values, want %d", len(k), len(v), step)
	}
	out := KVEntry{
		KVHeads: e.KVHeads,
		SeqLen:  e.SeqLen + 1,
		HeadDim: e.HeadDim,
	}
	out.Key = make([]float32, out.size())
	out.Value = make([]float32, out.size())
	for h := 0; h < e.KVHeads; h++ {
		oldBase := h * e.SeqLen * e.HeadDim
		newBase := h * out.SeqLen * out.HeadDim
		n := e.SeqLen * e.HeadDim
		copy(out.Key[newBase:newBase+n], e.Key[oldBase:oldBase+n])
		copy(out.Value[newBase:newBase+n], e.Value[oldBase:oldBase+n])
		copy(out.Key[newBase+n:newBase+n+e.HeadDim], k[h*e.HeadDim:(h+1)*e.HeadDim])
		copy(out.Value[newBase+n:newBase+n+e.HeadDim], v[h*e.HeadDim:(h+1)*e.HeadDim])
	}
	return out, nil
}

// At returns the key and value vectors of head h at position pos.
func (e KVEntry) At(h, pos int) (k, v []float32) {
	off := (h*e.SeqLen + pos) * e.HeadDim
	return e.Key[off : off+e.HeadDim], e.Value[off : off+e.HeadDim]
}

// SeqLen returns the common sequence length of every layer, or an error if
// the cache is empty or the layers disagree.
func (c KVCache) SeqLen() (int, error) {
	if len(c) == 0 {
		return 0, fmt.Errorf("empty kv cache")
	}
	n := c[0].SeqLen
	for i, e := range c {
		if err := e.Validate(); err != nil {
			return 0, fmt.Errorf("layer %d: %w", i, err)
		}
		if e.SeqLen != n {
			return 0, fmt.Errorf("layer %d seq len %d, layer 0 has %d", i, e.SeqLen, n)
		}
	}
	return n, nil
}
