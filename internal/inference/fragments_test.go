package inference

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/lumen/internal/imageproc"
	"github.com/samcharles93/lumen/internal/tokenizer"
)

func TestRuneBufferHoldsPartialSequences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    []string
		want  []string
		final string
	}{
		{"ascii", []string{"ab", "c"}, []string{"ab", "c"}, ""},
		{"two byte split", []string{"\xc3", "\xa9t"}, []string{"", "ét"}, ""},
		{"four byte split", []string{"x\xf0\x9f", "\x98", "\x80"}, []string{"x", "", "😀"}, ""},
		{"unfinished at end", []string{"ok\xe4\xb8"}, []string{"ok"}, "\xe4\xb8"},
		{"stray continuation", []string{"\x80\x80"}, []string{"\x80\x80"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var b runeBuffer
			var got []string
			for _, frag := range tt.in {
				got = append(got, b.push(frag))
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("fragments (-want +got):\n%s", diff)
			}
			if rest := b.flush(); rest != tt.final {
				t.Fatalf("flush = %q, want %q", rest, tt.final)
			}
		})
	}
}

// splitCharTokenizer has byte-level tokens for the two bytes of "é" (0xC3
// 0xA9 map to "Ã" and "©") so the character spans two generated ids.
func splitCharTokenizer(t *testing.T) *tokenizer.BPE {
	t.Helper()
	vocab := map[string]int{
		"<|endoftext|>": 0, "<|im_start|>": 1, "<|im_end|>": 2,
		"Ã": 3, "©": 4, "h": 5, "i": 6,
	}
	doc := map[string]any{
		"model": map[string]any{
			"type":   "BPE",
			"vocab":  vocab,
			"merges": []string{},
		},
		"added_tokens": []map[string]any{
			{"id": 0, "content": "<|endoftext|>", "special": true},
			{"id": 1, "content": "<|im_start|>", "special": true},
			{"id": 2, "content": "<|im_end|>", "special": true},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal tokenizer: %v", err)
	}
	opts := tokenizer.DefaultOptions()
	opts.TokensPerTile = 2
	tok, err := tokenizer.LoadHFTokenizerBytes(raw, opts)
	if err != nil {
		t.Fatalf("LoadHFTokenizerBytes: %v", err)
	}
	return tok
}

func TestPipelineStreamsWholeCharacters(t *testing.T) {
	t.Parallel()

	tok := splitCharTokenizer(t)
	if tok.Specials().EOS != testEOS || tok.Specials().Image != testImage {
		t.Fatalf("specials = %+v", tok.Specials())
	}
	engine := newTestEngine(t, newScript(5, 3, 4, 6, testEOS), nil)
	p, err := NewPipeline(engine, tok, PipelineConfig{Tiling: imageproc.Params{MaxSideLen: 64, PatchSize: 32}})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	var frags []string
	res, err := p.GeneratePrepared(context.Background(), nil, "hi", 8, func(frag string) { frags = append(frags, frag) })
	if err != nil {
		t.Fatalf("GeneratePrepared: %v", err)
	}
	if res.Status != StatusCompleted || res.Text != "héi" {
		t.Fatalf("status %s, text %q", res.Status, res.Text)
	}
	if diff := cmp.Diff([]string{"h", "é", "i"}, frags); diff != "" {
		t.Fatalf("fragments (-want +got):\n%s", diff)
	}
}
