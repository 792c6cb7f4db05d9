package toy

import (
	"fmt"
	"path/filepath"
)

// ImageToken is the id of "<image>" in the toy vocabulary.
const ImageToken = 31

// Tokens returns the toy byte-level vocabulary: control tokens, the space
// marker, lowercase letters, one merge and "<image>", padded to c.Vocab.
func (c Config) Tokens() (tokens, merges []string, special []int32) {
	tokens = []string{"<unk>", "<s>", "</s>", "Ġ"}
	for r := 'a'; r <= 'z'; r++ {
		tokens = append(tokens, string(r))
	}
	tokens = append(tokens, "he", "<image>")
	for i := len(tokens); i < c.Vocab; i++ {
		tokens = append(tokens, fmt.Sprintf("<extra_%d>", i))
	}
	special = make([]int32, len(tokens))
	for i := range special {
		special[i] = 1
	}
	for _, id := range []int{0, 1, 2, ImageToken} {
		special[id] = 3
	}
	return tokens[:max(c.Vocab, ImageToken+1)], []string{"h e"}, special
}

// WriteTokenizer writes tokenizer.json and tokenizer_config.json with a
// chat template that concatenates message contents.
func WriteTokenizer(dir string, c Config) (tokenizer, config string, err error) {
	tokens, merges, types := c.Tokens()
	vocab := map[string]int{}
	var added []map[string]any
	for id, s := range tokens {
		if types[id] == 3 {
			added = append(added, map[string]any{"id": id, "content": s, "special": true})
			continue
		}
		vocab[s] = id
	}
	doc := map[string]any{
		"version": "1.0",
		"model": map[string]any{
			"type":      "BPE",
			"vocab":     vocab,
			"merges":    merges,
			"unk_token": "<unk>",
		},
		"pre_tokenizer": map[string]any{"type": "ByteLevel"},
		"added_tokens":  added,
	}
	tokenizer = filepath.Join(dir, "tokenizer.json")
	if err := writeJSON(tokenizer, doc); err != nil {
		return "", "", err
	}
	cfg := map[string]any{
		"add_bos_token": true,
		"bos_token":     "<s>",
		"eos_token":     map[string]any{"content": "</s>"},
		"chat_template": "{% for m in messages %}{{ m['content'] }}{% endfor %}",
	}
	config = filepath.Join(dir, "tokenizer_config.json")
	if err := writeJSON(config, cfg); err != nil {
		return "", "", err
	}
	return tokenizer, config, nil
}
