package tokenizer

import (
	"fmt"
	"strings"

	"github.com/samcharles93/lumen/internal/errdefs"
	"github.com/samcharles93/lumen/internal/imageproc"
)

// TemplateKind selects the chat layout wrapped around a prompt.
type TemplateKind int

const (
	// TemplateChatML renders "<|im_start|>user\n{image}{prompt}<|im_end|>\n<|im_start|>assistant\n".
	TemplateChatML TemplateKind = iota
	// TemplateLegacy renders "<|user|>\n{image}{prompt}\n<|assistant|>\n".
	TemplateLegacy
	// TemplateRaw renders "{image}{prompt}" with no role markers.
	TemplateRaw
)

func (k TemplateKind) String() string {
	switch k {
	case TemplateChatML:
		return "chatml"
	case TemplateLegacy:
		return "legacy"
	case TemplateRaw:
		return "raw"
	default:
		return fmt.Sprintf("template(%d)", int(k))
	}
}

// ParseTemplate maps a configuration value to a TemplateKind.
func ParseTemplate(s string) (TemplateKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "chatml":
		return TemplateChatML, nil
	case "legacy":
		return TemplateLegacy, nil
	case "raw", "none":
		return TemplateRaw, nil
	}
	return 0, errdefs.Config("load", "unknown chat template %q", s)
}

// segment is either a special token (matched whole) or literal text that is
// byte-level encoded without cleaning.
type segment struct {
	special string
	text    string
}

type layout struct {
	open  []segment
	close []segment
}

func (k TemplateKind) layout() layout {
	switch k {
	case TemplateChatML:
		return layout{
			open: []segment{{special: "<|im_start|>"}, {text: "user\n"}},
			close: []segment{
				{special: "<|im_end|>"}, {text: "\n"},
				{special: "<|im_start|>"}, {text: "assistant\n"},
			},
		}
	case TemplateLegacy:
		return layout{
			open:  []segment{{special: "<|user|>"}, {text: "\n"}},
			close: []segment{{text: "\n"}, {special: "<|assistant|>"}, {text: "\n"}},
		}
	default:
		return layout{}
	}
}

// markers lists the special tokens the template needs in the vocabulary.
func (k TemplateKind) markers() []string {
	var out []string
	l := k.layout()
	for _, seg := range append(append([]segment(nil), l.open...), l.close...) {
		if seg.special != "" && !containsString(out, seg.special) {
			out = append(out, seg.special)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (t *BPE) renderSegments(segs []segment) ([]int, error) {
	var ids []int
	for _, seg := range segs {
		if seg.special != "" {
			id, ok := t.encoder[seg.special]
			if !ok {
				return nil, errdefs.Config("template", "template marker %q missing from vocabulary", seg.special)
			}
			ids = append(ids, id)
			continue
		}
		ids = append(ids, t.encodeWord(seg.text)...)
	}
	return ids, nil
}

// RoleTokens returns the ids emitted before and after the prompt.
func (t *BPE) RoleTokens() (open, close []int) {
	return t.roleOpen, t.roleClose
}

// ImageBlock renders the image-marker block for grid. A 1x1 grid yields
// tokensPerTile image tokens; larger grids yield the global token and its
// image tokens followed by a location marker and image tokens per cell.
func (t *BPE) ImageBlock(grid *imageproc.TileGrid) ([]int, error) {
	if grid == nil {
		return nil, nil
	}
	if grid.Rows <= 0 || grid.Cols <= 0 {
		return nil, errdefs.ConfigMismatch("template", "empty grid %dx%d", grid.Rows, grid.Cols)
	}
	n := t.tokensPerTile
	if grid.Single() {
		return repeat(nil, t.specials.Image, n), nil
	}
	if grid.Rows > MaxGridSide || grid.Cols > MaxGridSide {
		return nil, errdefs.ConfigMismatch("template",
			"grid %dx%d exceeds the %dx%d location markers", grid.Rows, grid.Cols, MaxGridSide, MaxGridSide)
	}

	ids := make([]int, 0, (1+grid.Rows*grid.Cols)*(n+1))
	ids = append(ids, t.specials.GlobalImage)
	ids = repeat(ids, t.specials.Image, n)
	for r := 0; r < grid.Rows; r++ {
		for c := 0; c < grid.Cols; c++ {
			ids = append(ids, t.locations[r*MaxGridSide+c])
			ids = repeat(ids, t.specials.Image, n)
		}
	}
	return ids, nil
}

func repeat(dst []int, id, n int) []int {
	for i := 0; i < n; i++ {
		dst = append(dst, id)
	}
	return dst
}

// ApplyTemplate wraps the encoded prompt in the configured role markers and
// inserts the image block right after the opening marker when grid is set.
// The number of image tokens in the result is len(grid.Tiles) * tokens per
// tile for any grid produced by imageproc.Tile.
func (t *BPE) ApplyTemplate(text string, grid *imageproc.TileGrid) ([]int, error) {
	block, err := t.ImageBlock(grid)
	if err != nil {
		return nil, err
	}
	prompt, err := t.Encode(text)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(t.roleOpen)+len(block)+len(prompt)+len(t.roleClose))
	ids = append(ids, t.roleOpen...)
	ids = append(ids, block...)
	ids = append(ids, prompt...)
	ids = append(ids, t.roleClose...)
	return ids, nil
}

// ImagePositions returns the indices of image tokens in ids.
func (t *BPE) ImagePositions(ids []int) []int {
	var out []int
	for i, id := range ids {
		if id == t.specials.Image {
			out = append(out, i)
		}
	}
	return out
}
