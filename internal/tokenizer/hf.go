package tokenizer

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/lumen/internal/errdefs"
)

type hfTokenizerJSON struct {
	Model struct {
		Type     string         `json:"type"`
		Vocab    map[string]int `json:"vocab"`
		Merges   []any          `json:"merges"`
		UnkToken string         `json:"unk_token"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// LoadHFTokenizerBytes builds a BPE tokenizer from tokenizer.json contents.
// Image, global-image and location markers, plus the role markers required
// by opts.Template, are appended after the existing ids when absent. Every
// failure is a ConfigError.
func LoadHFTokenizerBytes(tokJSON []byte, opts Options) (*BPE, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, errdefs.Config("load", "parse tokenizer.json: %v", err)
	}
	if tj.Model.Type != "" && strings.ToUpper(tj.Model.Type) != "BPE" {
		return nil, errdefs.Config("load", "unsupported tokenizer model: %s", tj.Model.Type)
	}
	if len(tj.Model.Vocab) == 0 {
		return nil, errdefs.Config("load", "tokenizer.json has an empty vocabulary")
	}
	if opts.ImageToken == "" || opts.GlobalToken == "" {
		return nil, errdefs.Config("load", "image and global image tokens are required")
	}

	encoder := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	maxID := -1
	add := func(tok string, id int) error {
		if id < 0 {
			return errdefs.Config("load", "negative id %d for token %q", id, tok)
		}
		if prev, ok := encoder[tok]; ok {
			if prev != id {
				return errdefs.Config("load", "token %q mapped to both %d and %d", tok, prev, id)
			}
			return nil
		}
		encoder[tok] = id
		maxID = max(maxID, id)
		return nil
	}
	for tok, id := range tj.Model.Vocab {
		if err := add(tok, id); err != nil {
			return nil, err
		}
	}
	special := make(map[string]bool)
	for _, at := range tj.AddedTokens {
		if err := add(at.Content, at.ID); err != nil {
			return nil, err
		}
		if at.Special {
			special[at.Content] = true
		}
	}

	// Extra tokens keep the registration order image, global, row/col
	// markers, then template markers, so ids are stable across loads.
	extras := []string{opts.ImageToken, opts.GlobalToken}
	for r := 0; r < MaxGridSide; r++ {
		for c := 0; c < MaxGridSide; c++ {
			extras = append(extras, LocationToken(r, c))
		}
	}
	extras = append(extras, opts.Template.markers()...)
	for _, tok := range extras {
		special[tok] = true
		if _, ok := encoder[tok]; ok {
			continue
		}
		maxID++
		encoder[tok] = maxID
	}

	decoder := make([]string, maxID+1)
	filled := make([]bool, maxID+1)
	for tok, id := range encoder {
		if filled[id] {
			return nil, errdefs.Config("load", "id %d assigned to both %q and %q", id, decoder[id], tok)
		}
		decoder[id] = tok
		filled[id] = true
	}

	ranks, err := parseMerges(tj.Model.Merges)
	if err != nil {
		return nil, err
	}

	lookup := func(explicit string, candidates []string) int {
		if explicit != "" {
			if id, ok := encoder[explicit]; ok {
				return id
			}
		}
		for _, c := range candidates {
			if id, ok := encoder[c]; ok {
				return id
			}
		}
		return -1
	}
	specials := Specials{
		BOS:         lookup("", bosCandidates),
		EOS:         lookup("", eosCandidates),
		UNK:         lookup(tj.Model.UnkToken, unkCandidates),
		PAD:         lookup("", padCandidates),
		Image:       encoder[opts.ImageToken],
		GlobalImage: encoder[opts.GlobalToken],
	}
	if specials.UNK < 0 {
		return nil, errdefs.Config("load", "no unknown token in vocabulary")
	}
	if opts.EOSID >= 0 {
		if opts.EOSID > maxID {
			return nil, errdefs.Config("load", "eos id %d outside vocabulary of %d", opts.EOSID, maxID+1)
		}
		specials.EOS = opts.EOSID
	}

	return newBPE(encoder, decoder, ranks, special, specials, opts)
}

func parseMerges(raw []any) (map[Pair]int, error) {
	ranks := make(map[Pair]int, len(raw))
	rank := 0
	for i, item := range raw {
		var p Pair
		switch v := item.(type) {
		case string:
			a, b, ok := strings.Cut(strings.TrimSpace(v), " ")
			if !ok || a == "" || b == "" || strings.Contains(b, " ") {
				return nil, errdefs.Config("load", "malformed merge %d: %q", i, v)
			}
			p = Pair{A: a, B: b}
		case []any:
			if len(v) != 2 {
				return nil, errdefs.Config("load", "malformed merge %d: want 2 parts, got %d", i, len(v))
			}
			a, aok := v[0].(string)
			b, bok := v[1].(string)
			if !aok || !bok {
				return nil, errdefs.Config("load", "malformed merge %d: non-string part", i)
			}
			p = Pair{A: a, B: b}
		default:
			return nil, errdefs.Config("load", "malformed merge %d: unexpected %T", i, item)
		}
		if _, ok := ranks[p]; !ok {
			ranks[p] = rank
			rank++
		}
	}
	return ranks, nil
}
