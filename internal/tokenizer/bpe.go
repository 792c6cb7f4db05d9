package tokenizer

import (
	"iter"
	"math"
	"strings"
)

// buildByteMap is the GPT-2 reversible byte to printable-rune table: bytes
// that are already printable map to themselves, the rest to 256+n.
func (t *BPE) buildByteMap() {
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := range 256 {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + n)
			n++
		}
		t.byteToRune[b] = r
		t.runeToByte[r] = byte(b)
	}
}

func (t *BPE) toUnicode(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		sb.WriteRune(t.byteToRune[s[i]])
	}
	return sb.String()
}

// chunks splits text around special tokens, yielding each piece and whether
// it is a special token.
func (t *BPE) chunks(text string) iter.Seq2[string, bool] {
	return func(yield func(string, bool) bool) {
		start := 0
		for i := 0; i < len(text); {
			match := ""
			for _, sp := range t.special {
				if strings.HasPrefix(text[i:], sp) {
					match = sp
					break
				}
			}
			if match == "" {
				i++
				continue
			}
			if start < i && !yield(text[start:i], false) {
				return
			}
			if !yield(match, true) {
				return
			}
			i += len(match)
			start = i
		}
		if start < len(text) {
			yield(text[start:], false)
		}
	}
}

// merge applies the ranked merges to one pre-token until none applies.
func (t *BPE) merge(word string) []string {
	if v, ok := t.cache[word]; ok {
		return v
	}
	if t.opts.IgnoreMerges {
		if _, ok := t.encoder[word]; ok {
			t.cache[word] = []string{word}
			return t.cache[word]
		}
	}
	parts := make([]string, 0, len(word))
	for _, r := range word {
		parts = append(parts, string(r))
	}
	for len(parts) > 1 {
		best, at := math.MaxInt, -1
		for i := 0; i+1 < len(parts); i++ {
			if r, ok := t.ranks[pair{parts[i], parts[i+1]}]; ok && r < best {
				best, at = r, i
			}
		}
		if at < 0 {
			break
		}
		// Merge every occurrence of the winning pair, left to right.
		p := pair{parts[at], parts[at+1]}
		out := parts[:0:0]
		for i := 0; i < len(parts); i++ {
			if i+1 < len(parts) && parts[i] == p.a && parts[i+1] == p.b {
				out = append(out, p.a+p.b)
				i++
				continue
			}
			out = append(out, parts[i])
		}
		parts = out
	}
	t.cache[word] = parts
	return parts
}
