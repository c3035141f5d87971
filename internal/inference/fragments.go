package inference

import "unicode/utf8"

// runeBuffer holds back the trailing bytes of a streamed fragment until the
// UTF-8 sequence they start is complete. Byte-level BPE often splits one
// character across several tokens.
type runeBuffer struct {
	pending []byte
}

// push appends frag and returns the longest prefix that ends on a rune
// boundary.
func (b *runeBuffer) push(frag string) string {
	b.pending = append(b.pending, frag...)
	cut := len(b.pending)
	for i := len(b.pending) - 1; i >= 0 && i >= len(b.pending)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b.pending[i]) {
			if !utf8.FullRune(b.pending[i:]) {
				cut = i
			}
			break
		}
	}
	out := string(b.pending[:cut])
	b.pending = append(b.pending[:0], b.pending[cut:]...)
	return out
}

// flush returns whatever is still held back, complete or not.
func (b *runeBuffer) flush() string {
	out := string(b.pending)
	b.pending = b.pending[:0]
	return out
}
