package tokenizer

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/lumen/internal/errdefs"
	"github.com/samcharles93/lumen/internal/imageproc"
)

var fixtureTokens = []string{
	"<|endoftext|>", "<|im_start|>", "<|im_end|>",
	"h", "e", "l", "o", "w", "r", "d", "Ġ", "Ċ", "u", "s", "a", "i", "t", "n",
	"he", "ll", "llo", "hello", "Ġw", "or", "Ġwor", "ld", "Ġworld", "us", "er", "user", "rl",
}

var fixtureMerges = []any{
	"h e", "l l", "ll o", "he llo",
	[]any{"Ġ", "w"}, "o r", "Ġw or", "l d", "Ġwor ld",
	"u s", "e r", "us er",
	"r l",
}

func fixtureJSON(t *testing.T) []byte {
	t.Helper()
	vocab := make(map[string]int, len(fixtureTokens))
	for i, tok := range fixtureTokens {
		vocab[tok] = i
	}
	doc := map[string]any{
		"model": map[string]any{
			"type":   "BPE",
			"vocab":  vocab,
			"merges": fixtureMerges,
		},
		"added_tokens": []map[string]any{
			{"id": 0, "content": "<|endoftext|>", "special": true},
			{"id": 1, "content": "<|im_start|>", "special": true},
			{"id": 2, "content": "<|im_end|>", "special": true},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return raw
}

func newFixture(t *testing.T, mutate ...func(*Options)) *BPE {
	t.Helper()
	opts := DefaultOptions()
	opts.TokensPerTile = 4
	opts.EOSID = 2
	for _, m := range mutate {
		m(&opts)
	}
	tok, err := LoadHFTokenizerBytes(fixtureJSON(t), opts)
	if err != nil {
		t.Fatalf("LoadHFTokenizerBytes: %v", err)
	}
	return tok
}

func ids(t *testing.T, tok *BPE, pieces ...string) []int {
	t.Helper()
	out := make([]int, 0, len(pieces))
	for _, p := range pieces {
		id, ok := tok.ID(p)
		if !ok {
			t.Fatalf("fixture missing %q", p)
		}
		out = append(out, id)
	}
	return out
}

func TestEncodeMergesWords(t *testing.T) {
	t.Parallel()

	tok := newFixture(t)
	got, err := tok.Encode("  hello \t\n world\x07 ")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if diff := cmp.Diff(ids(t, tok, "hello", "Ġworld"), got); diff != "" {
		t.Fatalf("Encode (-want +got):\n%s", diff)
	}
}

func TestEncodeLowestRankWins(t *testing.T) {
	t.Parallel()

	// "r l" is known but ranked after "l d"; a first-match scan would
	// produce [rl d] instead.
	tok := newFixture(t)
	got, err := tok.Encode("rld")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if diff := cmp.Diff(ids(t, tok, "r", "ld"), got); diff != "" {
		t.Fatalf("Encode (-want +got):\n%s", diff)
	}
}

func TestEncodeUnknownPieces(t *testing.T) {
	t.Parallel()

	tok := newFixture(t)
	got, err := tok.Encode("xyz")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	unk := tok.Specials().UNK
	if diff := cmp.Diff([]int{unk, unk, unk}, got); diff != "" {
		t.Fatalf("Encode (-want +got):\n%s", diff)
	}
	if empty, _ := tok.Encode(" \n\t "); len(empty) != 0 {
		t.Fatalf("blank text should encode to nothing, got %v", empty)
	}
}

func TestWordCacheIsBounded(t *testing.T) {
	t.Parallel()

	tok := newFixture(t)
	long := strings.Repeat("hello", 20)
	want := tok.bpe(tok.byteEncode(long))
	if _, ok := tok.cache[tok.byteEncode(long)]; ok {
		t.Fatalf("%d byte word was cached", len(long))
	}
	if diff := cmp.Diff(want, tok.bpe(tok.byteEncode(long))); diff != "" {
		t.Fatalf("uncached word changed (-want +got):\n%s", diff)
	}

	for i := 0; i < maxCacheEntries+10; i++ {
		if _, err := tok.Encode(fmt.Sprintf("w%d", i)); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	if n := len(tok.cache); n > maxCacheEntries {
		t.Fatalf("cache holds %d words, limit %d", n, maxCacheEntries)
	}
	got, err := tok.Encode("hello")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if diff := cmp.Diff(ids(t, tok, "hello"), got); diff != "" {
		t.Fatalf("encode after reset (-want +got):\n%s", diff)
	}
}

func TestRoundTripIsStable(t *testing.T) {
	t.Parallel()

	tok := newFixture(t)
	for _, text := range []string{"hello world", "world hello hello", "user rld", "he  llo\nworld"} {
		first, err := tok.Encode(text)
		if err != nil {
			t.Fatalf("Encode(%q): %v", text, err)
		}
		decoded, err := tok.Decode(first)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		second, err := tok.Encode(decoded)
		if err != nil {
			t.Fatalf("Encode(%q): %v", decoded, err)
		}
		if diff := cmp.Diff(first, second); diff != "" {
			t.Fatalf("round trip of %q via %q changed ids (-first +second):\n%s", text, decoded, diff)
		}
	}
}

func TestDecodeSkipsSpecials(t *testing.T) {
	t.Parallel()

	tok := newFixture(t)
	sp := tok.Specials()
	loc, _ := tok.ID(LocationToken(0, 0))
	in := append([]int{sp.BOS, sp.Image, sp.GlobalImage, loc}, ids(t, tok, "hello", "Ġworld")...)
	in = append(in, sp.EOS, sp.UNK)
	got, err := tok.Decode(in)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("Decode: got %q", got)
	}
	if _, err := tok.Decode([]int{tok.VocabSize()}); err == nil {
		t.Fatalf("expected out of range error")
	}
	if frag := tok.DecodeToken(ids(t, tok, "Ġworld")[0]); frag != " world" {
		t.Fatalf("DecodeToken: got %q", frag)
	}
	if frag := tok.DecodeToken(sp.EOS); frag != "" {
		t.Fatalf("DecodeToken(eos): got %q", frag)
	}
}

func TestExtraTokensRegisteredInOrder(t *testing.T) {
	t.Parallel()

	tok := newFixture(t)
	base := len(fixtureTokens)
	sp := tok.Specials()
	if sp.Image != base || sp.GlobalImage != base+1 {
		t.Fatalf("image ids: got %d/%d want %d/%d", sp.Image, sp.GlobalImage, base, base+1)
	}
	first, _ := tok.ID("<row_1_col_1>")
	last, _ := tok.ID("<row_8_col_8>")
	if first != base+2 || last != base+2+63 {
		t.Fatalf("location ids: got %d..%d", first, last)
	}
	if sp.EOS != 2 || sp.UNK != 0 {
		t.Fatalf("specials: %+v", sp)
	}
	// chatml markers already exist, so nothing follows the location block.
	if tok.VocabSize() != base+2+64 {
		t.Fatalf("vocab size %d", tok.VocabSize())
	}
}

func gridOf(rows, cols int) *imageproc.TileGrid {
	n := 1
	if rows*cols > 1 {
		n = 1 + rows*cols
	}
	return &imageproc.TileGrid{Rows: rows, Cols: cols, Tiles: make([]imageproc.Tile, n)}
}

func TestApplyTemplateMarkerCounts(t *testing.T) {
	t.Parallel()

	tok := newFixture(t)
	prompt, err := tok.Encode("hello world")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	open, closing := tok.RoleTokens()

	tests := []struct {
		name      string
		grid      *imageproc.TileGrid
		locations int
		global    int
	}{
		{"no image", nil, 0, 0},
		{"single", gridOf(1, 1), 0, 0},
		{"two by two", gridOf(2, 2), 4, 1},
		{"one by three", gridOf(1, 3), 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tok.ApplyTemplate("hello world", tt.grid)
			if err != nil {
				t.Fatalf("ApplyTemplate: %v", err)
			}
			tiles := 0
			if tt.grid != nil {
				tiles = len(tt.grid.Tiles)
			}
			markers := tiles*tok.TokensPerTile() + tt.locations + tt.global
			want := len(open) + markers + len(prompt) + len(closing)
			if len(got) != want {
				t.Fatalf("length: got %d want %d", len(got), want)
			}
			if n := len(tok.ImagePositions(got)); n != tiles*tok.TokensPerTile() {
				t.Fatalf("image tokens: got %d want %d", n, tiles*tok.TokensPerTile())
			}
			if diff := cmp.Diff(open, got[:len(open)]); diff != "" {
				t.Fatalf("role open (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(closing, got[len(got)-len(closing):]); diff != "" {
				t.Fatalf("role close (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyTemplateBlockLayout(t *testing.T) {
	t.Parallel()

	tok := newFixture(t)
	sp := tok.Specials()
	got, err := tok.ImageBlock(gridOf(1, 2))
	if err != nil {
		t.Fatalf("ImageBlock: %v", err)
	}
	r1c1, _ := tok.ID("<row_1_col_1>")
	r1c2, _ := tok.ID("<row_1_col_2>")
	img := sp.Image
	want := []int{
		sp.GlobalImage, img, img, img, img,
		r1c1, img, img, img, img,
		r1c2, img, img, img, img,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ImageBlock (-want +got):\n%s", diff)
	}

	single, err := tok.ImageBlock(gridOf(1, 1))
	if err != nil {
		t.Fatalf("ImageBlock: %v", err)
	}
	if diff := cmp.Diff([]int{img, img, img, img}, single); diff != "" {
		t.Fatalf("single ImageBlock (-want +got):\n%s", diff)
	}

	if _, err := tok.ImageBlock(gridOf(9, 1)); !errors.Is(err, errdefs.ErrConfigMismatch) {
		t.Fatalf("expected ConfigMismatch for oversized grid, got %v", err)
	}
}

func TestChatMLDecodesToTranscript(t *testing.T) {
	t.Parallel()

	tok := newFixture(t)
	got, err := tok.ApplyTemplate("hello world", gridOf(1, 1))
	if err != nil {
		t.Fatalf("ApplyTemplate: %v", err)
	}
	text, err := tok.Decode(got)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if text != "user\nhello world\nassistant\n" {
		t.Fatalf("Decode: got %q", text)
	}
}

func TestLegacyTemplateRegistersMarkers(t *testing.T) {
	t.Parallel()

	tok := newFixture(t, func(o *Options) { o.Template = TemplateLegacy })
	userID, ok := tok.ID("<|user|>")
	if !ok {
		t.Fatalf("legacy template marker not registered")
	}
	open, _ := tok.RoleTokens()
	if open[0] != userID {
		t.Fatalf("role open starts with %d, want %d", open[0], userID)
	}

	raw := newFixture(t, func(o *Options) { o.Template = TemplateRaw })
	got, err := raw.ApplyTemplate("hello", nil)
	if err != nil {
		t.Fatalf("ApplyTemplate: %v", err)
	}
	if diff := cmp.Diff(ids(t, raw, "hello"), got); diff != "" {
		t.Fatalf("raw template (-want +got):\n%s", diff)
	}
}

func TestParseTemplate(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]TemplateKind{"": TemplateChatML, "ChatML": TemplateChatML, "legacy": TemplateLegacy, "none": TemplateRaw} {
		got, err := ParseTemplate(in)
		if err != nil || got != want {
			t.Fatalf("ParseTemplate(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseTemplate("jinja"); !errors.Is(err, errdefs.ErrConfig) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestLoadRejectsMalformedArtifacts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
	}{
		{"not json", `{"model":`},
		{"empty vocab", `{"model":{"type":"BPE","vocab":{}}}`},
		{"wordpiece", `{"model":{"type":"WordPiece","vocab":{"<unk>":0}}}`},
		{"bad merge", `{"model":{"type":"BPE","vocab":{"<unk>":0,"a":1},"merges":["a"]}}`},
		{"bad merge pair", `{"model":{"type":"BPE","vocab":{"<unk>":0,"a":1},"merges":[["a"]]}}`},
		{"shared id", `{"model":{"type":"BPE","vocab":{"<unk>":0,"a":1,"b":1}}}`},
		{"no unk", `{"model":{"type":"BPE","vocab":{"a":0}}}`},
		{"negative id", `{"model":{"type":"BPE","vocab":{"<unk>":-1}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadHFTokenizerBytes([]byte(tt.json), DefaultOptions())
			if !errors.Is(err, errdefs.ErrConfig) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}

	opts := DefaultOptions()
	opts.EOSID = 10_000
	if _, err := LoadHFTokenizerBytes(fixtureJSON(t), opts); !errors.Is(err, errdefs.ErrConfig) {
		t.Fatalf("expected ConfigError for eos outside vocab, got %v", err)
	}
	opts = DefaultOptions()
	opts.TokensPerTile = 0
	if _, err := LoadHFTokenizerBytes(fixtureJSON(t), opts); !errors.Is(err, errdefs.ErrConfig) {
		t.Fatalf("expected ConfigError for zero tokens per tile, got %v", err)
	}
}
