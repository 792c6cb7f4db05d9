// Package tokenizer implements byte-level BPE tokenizers described by a
// Hugging Face tokenizer.json or by the tokenizer.ggml.* keys of a GGUF file.
package tokenizer

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Tokenizer is what the pipeline needs from a tokenizer.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

// gpt2Pattern is the GPT-2 pre-tokenizer split.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`

// llama3Pattern is the Llama 3 split with the lookahead branch dropped,
// since RE2 has no lookahead.
const llama3Pattern = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`

type pair struct{ a, b string }

// Options are the framing and special-token settings of a BPE tokenizer.
type Options struct {
	AddBOS, AddEOS bool
	BOS, EOS, UNK  int // -1 when absent
	// Special lists ids of tokens matched verbatim before pre-tokenization.
	Special []int
	// Pattern overrides the GPT-2 pre-tokenizer split.
	Pattern string
	// IgnoreMerges emits a whole pre-token when it is in the vocabulary.
	IgnoreMerges bool
}

// BPE is a byte-level BPE tokenizer. Encode caches merged words and is not
// safe for concurrent use.
type BPE struct {
	encoder map[string]int
	decoder []string
	ranks   map[pair]int
	split   *regexp.Regexp
	special []string // longest first
	isSpec  map[int]bool
	opts    Options

	byteToRune [256]rune
	runeToByte map[rune]byte
	cache      map[string][]string
}

// New builds a tokenizer. vocab[i] is the token string of id i; merges are
// "left right" lines in priority order.
func New(vocab []string, merges []string, opts Options) (*BPE, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("tokenizer: empty vocabulary")
	}
	pattern := opts.Pattern
	if pattern == "" {
		pattern = gpt2Pattern
	}
	split, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: pre-tokenizer pattern: %w", err)
	}
	t := &BPE{
		encoder:    make(map[string]int, len(vocab)),
		decoder:    vocab,
		ranks:      make(map[pair]int, len(merges)),
		split:      split,
		isSpec:     map[int]bool{},
		opts:       opts,
		runeToByte: make(map[rune]byte, 256),
		cache:      map[string][]string{},
	}
	for id, s := range vocab {
		if _, dup := t.encoder[s]; !dup {
			t.encoder[s] = id
		}
	}
	for _, line := range merges {
		a, b, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok || strings.HasPrefix(a, "#") || strings.Contains(b, " ") {
			continue
		}
		if _, dup := t.ranks[pair{a, b}]; !dup {
			t.ranks[pair{a, b}] = len(t.ranks)
		}
	}
	for _, id := range opts.Special {
		if id < 0 || id >= len(vocab) {
			return nil, fmt.Errorf("tokenizer: special token id %d outside vocabulary of %d", id, len(vocab))
		}
		t.isSpec[id] = true
		t.special = append(t.special, vocab[id])
	}
	slices.SortStableFunc(t.special, func(x, y string) int { return len(y) - len(x) })
	t.buildByteMap()
	return t, nil
}

func (t *BPE) VocabSize() int { return len(t.decoder) }
func (t *BPE) BOS() int       { return t.opts.BOS }
func (t *BPE) EOS() int       { return t.opts.EOS }

// TokenString returns the raw vocabulary entry for id, or "".
func (t *BPE) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

// TokenID looks up a raw vocabulary entry.
func (t *BPE) TokenID(s string) (int, bool) {
	id, ok := t.encoder[s]
	return id, ok
}

func (t *BPE) Encode(text string) ([]int, error) {
	var ids []int
	if t.opts.AddBOS && t.opts.BOS >= 0 {
		ids = append(ids, t.opts.BOS)
	}
	for chunk, special := range t.chunks(text) {
		if special {
			ids = append(ids, t.encoder[chunk])
			continue
		}
		for _, word := range t.split.FindAllString(chunk, -1) {
			for _, piece := range t.merge(t.toUnicode(word)) {
				id, ok := t.encoder[piece]
				if !ok {
					if t.opts.UNK < 0 {
						return nil, fmt.Errorf("tokenizer: %q is not in the vocabulary", piece)
					}
					id = t.opts.UNK
				}
				ids = append(ids, id)
			}
		}
	}
	if t.opts.AddEOS && t.opts.EOS >= 0 {
		ids = append(ids, t.opts.EOS)
	}
	return ids, nil
}

func (t *BPE) Decode(ids []int) (string, error) {
	var out []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("tokenizer: id %d outside vocabulary of %d", id, len(t.decoder))
		}
		s := t.decoder[id]
		if t.isSpec[id] {
			out = append(out, s...)
			continue
		}
		for _, r := range s {
			if b, ok := t.runeToByte[r]; ok {
				out = append(out, b)
			} else {
				out = append(out, string(r)...)
			}
		}
	}
	return string(out), nil
}
