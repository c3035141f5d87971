package toy

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samcharles93/lumen/internal/bundle"
	"github.com/samcharles93/lumen/internal/errdefs"
	"github.com/samcharles93/lumen/internal/runner"
	"github.com/samcharles93/lumen/internal/safetensors"
)

// WeightsFile is the optional weight file looked up in a bundle directory.
const WeightsFile = "toy.safetensors"

const (
	embedTensor  = "embed_tokens.weight"
	headTensor   = "lm_head.weight"
	biasTensor   = "lm_head.bias"
	visionTensor = "vision_proj.weight"
)

// SaveWeights writes the runner's weights to path.
func (m *Runner) SaveWeights(path string) error {
	return safetensors.Write(path, map[string]safetensors.Tensor{
		embedTensor:  {Shape: []int{m.Emb.R, m.Emb.C}, Data: m.Emb.Data},
		headTensor:   {Shape: []int{m.Head.R, m.Head.C}, Data: m.Head.Data},
		biasTensor:   {Shape: []int{len(m.Bias)}, Data: m.Bias},
		visionTensor: {Shape: []int{m.Vision.R, m.Vision.C}, Data: m.Vision.Data},
	})
}

// Load builds a runner sized by cfg with weights read from path instead of
// the seed. Missing tensors or shapes that disagree with cfg are a
// ConfigError. The bias is optional.
func Load(cfg Config, path string) (*Runner, error) {
	m, err := New(cfg)
	if err != nil {
		return nil, err
	}
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, errdefs.Config("load", "open %s: %v", path, err)
	}
	if m.Emb, err = f.ReadMat(embedTensor, cfg.Vocab, cfg.Hidden); err != nil {
		return nil, errdefs.Config("load", "%s: %v", path, err)
	}
	if m.Head, err = f.ReadMat(headTensor, cfg.Vocab, cfg.Hidden); err != nil {
		return nil, errdefs.Config("load", "%s: %v", path, err)
	}
	if m.Vision, err = f.ReadMat(visionTensor, cfg.Hidden, 3); err != nil {
		return nil, errdefs.Config("load", "%s: %v", path, err)
	}
	if _, ok := f.Tensor(biasTensor); ok {
		bias, info, err := f.ReadTensorF32(biasTensor)
		if err != nil {
			return nil, errdefs.Config("load", "%s: %v", path, err)
		}
		if len(info.Shape) != 1 || len(bias) != cfg.Vocab {
			return nil, errdefs.Config("load", "%s: bias shape %v, want [%d]", path, info.Shape, cfg.Vocab)
		}
		m.Bias = bias
	}
	return m, nil
}

// BundleFactory is Factory for a bundle directory: when dir holds
// WeightsFile the weights come from it, otherwise they are seeded.
func BundleFactory(dir string, seed int64) func(bundle.Config, int) (runner.Runner, error) {
	path := filepath.Join(dir, WeightsFile)
	return func(cfg bundle.Config, vocab int) (runner.Runner, error) {
		tc := ConfigFor(cfg, vocab, seed)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return New(tc)
		}
		return Load(tc, path)
	}
}
