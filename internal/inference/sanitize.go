package inference

import "strings"

// sentinels are end-of-turn strings a model can spell out with ordinary
// byte-level tokens. Decode only drops them when they arrive as special ids.
var sentinels = []string{
	"<end_of_utterance>",
	"<|im_end|>",
	"<|endoftext|>",
	"<|end_of_text|>",
	"</s>",
}

// SanitizeOutput cuts generated text at the first spelled-out end-of-turn
// sentinel and trims surrounding whitespace.
func SanitizeOutput(text string) string {
	cut := len(text)
	for _, s := range sentinels {
		if i := strings.Index(text, s); i >= 0 && i < cut {
			cut = i
		}
	}
	return strings.TrimSpace(text[:cut])
}
