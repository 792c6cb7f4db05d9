package tokenizer

import (
	"fmt"

	"github.com/samcharles93/weave/internal/gguf"
)

// ggufControl is the tokenizer.ggml.token_type value of control tokens.
const ggufControl = 3

// FromGGUF builds the tokenizer embedded in a GGUF file.
func FromGGUF(f *gguf.File) (*BPE, error) {
	tokens, ok := gguf.Array[string](f.KV, "tokenizer.ggml.tokens")
	if !ok {
		return nil, fmt.Errorf("tokenizer: %s has no tokenizer.ggml.tokens", f.Path)
	}
	if model, _ := f.KV.Str("tokenizer.ggml.model"); model != "" && model != "gpt2" {
		return nil, fmt.Errorf("tokenizer: unsupported ggml tokenizer model %q", model)
	}
	merges, _ := gguf.Array[string](f.KV, "tokenizer.ggml.merges")
	opts := Options{BOS: -1, EOS: -1, UNK: -1}
	id := func(key string) int {
		if v, ok := f.KV.Int(key); ok && v >= 0 && v < len(tokens) {
			return v
		}
		return -1
	}
	opts.BOS = id("tokenizer.ggml.bos_token_id")
	opts.EOS = id("tokenizer.ggml.eos_token_id")
	opts.UNK = id("tokenizer.ggml.unknown_token_id")
	opts.AddBOS = opts.BOS >= 0
	if v, ok := f.KV.Bool("tokenizer.ggml.add_bos_token"); ok {
		opts.AddBOS = v && opts.BOS >= 0
	}
	if types, ok := gguf.Array[int32](f.KV, "tokenizer.ggml.token_type"); ok {
		for i, ty := range types {
			if ty == ggufControl && i < len(tokens) {
				opts.Special = append(opts.Special, i)
			}
		}
	}
	if pre, _ := f.KV.Str("tokenizer.ggml.pre"); pre == "llama-bpe" || pre == "llama3" || pre == "smaug-bpe" {
		opts.Pattern = llama3Pattern
		opts.IgnoreMerges = true
	}
	return New(tokens, merges, opts)
}
