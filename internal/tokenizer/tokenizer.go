package tokenizer

import "github.com/samcharles93/lumen/internal/imageproc"

// Tokenizer defines the minimal interface used by the CLI.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

// Templater is a Tokenizer that can lay out a chat turn with image markers.
type Templater interface {
	Tokenizer
	ApplyTemplate(text string, grid *imageproc.TileGrid) ([]int, error)
	DecodeToken(id int) string
	Specials() Specials
	TokensPerTile() int
}

var _ Templater = (*BPE)(nil)
