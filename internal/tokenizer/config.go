package tokenizer

import (
	"fmt"

	"github.com/samcharles93/lumen/internal/imageproc"
)

// MaxGridSide bounds the location markers registered in the vocabulary.
const MaxGridSide = imageproc.MaxGridSide

// Specials holds the resolved special-token ids. A negative id means the
// token is not present in the vocabulary.
type Specials struct {
	BOS         int
	EOS         int
	UNK         int
	PAD         int
	Image       int
	GlobalImage int
}

// Options controls how a vocabulary artifact is turned into a tokenizer.
// EOSID overrides eos resolution when >= 0.
type Options struct {
	ImageToken    string
	GlobalToken   string
	EOSID         int
	Template      TemplateKind
	TokensPerTile int
}

// DefaultOptions matches the artifact defaults.
func DefaultOptions() Options {
	return Options{
		ImageToken:    "<|image|>",
		GlobalToken:   "<|global_image|>",
		EOSID:         -1,
		Template:      TemplateChatML,
		TokensPerTile: 64,
	}
}

// LocationToken names the marker for a zero-based grid cell. Markers are
// 1-based in the vocabulary.
func LocationToken(row, col int) string {
	return fmt.Sprintf("<row_%d_col_%d>", row+1, col+1)
}

var (
	bosCandidates = []string{"<s>", "<|begin_of_text|>", "<|endoftext|>"}
	eosCandidates = []string{"</s>", "<|im_end|>", "<|end_of_text|>", "<|endoftext|>"}
	unkCandidates = []string{"<unk>", "<|endoftext|>"}
	padCandidates = []string{"<pad>", "<|pad|>", "<|endoftext|>"}
)
