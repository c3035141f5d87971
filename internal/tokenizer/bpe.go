package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/samcharles93/lumen/internal/errdefs"
)

// Word cache bounds. The cache is dropped wholesale once full, and long
// words are never cached.
const (
	maxCacheEntries = 1 << 14
	maxCachedWord   = 64
)

// BPE is a byte-level BPE tokenizer over a fixed vocabulary. Merges are
// applied greedily, always choosing the adjacent pair with the lowest rank.
// It is safe for concurrent use.
type BPE struct {
	encoder     map[string]int
	decoder     []string
	bpeRanks    map[Pair]int
	byteEncoder map[byte]string
	byteDecoder map[string]byte
	special     map[int]bool
	specials    Specials
	locations   []int

	template      TemplateKind
	tokensPerTile int
	roleOpen      []int
	roleClose     []int

	mu    sync.Mutex
	cache map[string][]string
}

func newBPE(encoder map[string]int, decoder []string, ranks map[Pair]int, special map[string]bool, specials Specials, opts Options) (*BPE, error) {
	if opts.TokensPerTile <= 0 {
		return nil, errdefs.Config("load", "tokens per tile must be positive, got %d", opts.TokensPerTile)
	}
	byteEncoder, byteDecoder := bytesToUnicode()
	t := &BPE{
		encoder:       encoder,
		decoder:       decoder,
		bpeRanks:      ranks,
		byteEncoder:   byteEncoder,
		byteDecoder:   byteDecoder,
		special:       make(map[int]bool, len(special)+4),
		specials:      specials,
		template:      opts.Template,
		tokensPerTile: opts.TokensPerTile,
		cache:         make(map[string][]string),
	}
	for tok := range special {
		t.special[encoder[tok]] = true
	}
	for _, id := range []int{specials.BOS, specials.EOS, specials.UNK, specials.PAD} {
		if id >= 0 {
			t.special[id] = true
		}
	}

	t.locations = make([]int, MaxGridSide*MaxGridSide)
	for r := 0; r < MaxGridSide; r++ {
		for c := 0; c < MaxGridSide; c++ {
			t.locations[r*MaxGridSide+c] = encoder[LocationToken(r, c)]
		}
	}

	l := opts.Template.layout()
	var err error
	if t.roleOpen, err = t.renderSegments(l.open); err != nil {
		return nil, err
	}
	if t.roleClose, err = t.renderSegments(l.close); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *BPE) Specials() Specials     { return t.specials }
func (t *BPE) Template() TemplateKind { return t.template }
func (t *BPE) TokensPerTile() int     { return t.tokensPerTile }
func (t *BPE) VocabSize() int         { return len(t.decoder) }
func (t *BPE) IsSpecial(id int) bool  { return t.special[id] }

func (t *BPE) ID(token string) (int, bool) {
	id, ok := t.encoder[token]
	return id, ok
}

// TokenString returns the raw vocabulary entry for id.
func (t *BPE) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

// Encode cleans text, splits it on whitespace and BPE-encodes every word.
// Words after the first carry their leading space. Pieces missing from the
// vocabulary map to the unknown id.
func (t *BPE) Encode(text string) ([]int, error) {
	cleaned := cleanText(text)
	if cleaned == "" {
		return nil, nil
	}
	var ids []int
	for i, word := range strings.Split(cleaned, " ") {
		if i > 0 {
			word = " " + word
		}
		ids = append(ids, t.encodeWord(word)...)
	}
	return ids, nil
}

func (t *BPE) encodeWord(word string) []int {
	pieces := t.bpe(t.byteEncode(word))
	ids := make([]int, 0, len(pieces))
	for _, piece := range pieces {
		if id, ok := t.encoder[piece]; ok {
			ids = append(ids, id)
			continue
		}
		ids = append(ids, t.specials.UNK)
	}
	return ids
}

// Decode concatenates the text of ids, skipping special tokens.
func (t *BPE) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		if t.special[id] {
			continue
		}
		b = t.appendToken(b, t.decoder[id])
	}
	return string(b), nil
}

// DecodeToken returns the text fragment for a single id. Special and out of
// range ids yield "".
func (t *BPE) DecodeToken(id int) string {
	if id < 0 || id >= len(t.decoder) || t.special[id] {
		return ""
	}
	return string(t.appendToken(nil, t.decoder[id]))
}

func (t *BPE) appendToken(b []byte, token string) []byte {
	for _, r := range token {
		if by, ok := t.byteDecoder[string(r)]; ok {
			b = append(b, by)
		} else {
			b = append(b, string(r)...)
		}
	}
	return b
}

func (t *BPE) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *BPE) bpe(token string) []string {
	t.mu.Lock()
	if v, ok := t.cache[token]; ok {
		t.mu.Unlock()
		return v
	}
	t.mu.Unlock()

	word := splitRunes(token)
	pairs := getPairs(word)
	for len(pairs) > 0 {
		bestRank := int(^uint(0) >> 1)
		bestPair := Pair{}
		found := false
		for p := range pairs {
			if rank, ok := t.bpeRanks[p]; ok && rank < bestRank {
				bestRank = rank
				bestPair = p
				found = true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, bestPair)
		if len(word) == 1 {
			break
		}
		pairs = getPairs(word)
	}

	if len(token) <= maxCachedWord {
		t.mu.Lock()
		if len(t.cache) >= maxCacheEntries {
			clear(t.cache)
		}
		t.cache[token] = word
		t.mu.Unlock()
	}
	return word
}
