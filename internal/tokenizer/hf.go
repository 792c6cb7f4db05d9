package tokenizer

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

type hfFile struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer *hfPreTokenizer `json:"pre_tokenizer"`
	AddedTokens  []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type hfPreTokenizer struct {
	Type    string `json:"type"`
	Pattern struct {
		Regex string `json:"Regex"`
	} `json:"pattern"`
	Pretokenizers []*hfPreTokenizer `json:"pretokenizers"`
}

// regex returns the first Split regex in a possibly nested sequence.
func (p *hfPreTokenizer) regex() string {
	if p == nil {
		return ""
	}
	if p.Type == "Split" && p.Pattern.Regex != "" {
		return p.Pattern.Regex
	}
	for _, c := range p.Pretokenizers {
		if r := c.regex(); r != "" {
			return r
		}
	}
	return ""
}

// hfTokenizerConfig is the subset of tokenizer_config.json used for framing.
// Special tokens may be plain strings or {"content": ...} objects.
type hfTokenizerConfig struct {
	AddBOS *bool           `json:"add_bos_token"`
	AddEOS bool            `json:"add_eos_token"`
	BOS    json.RawMessage `json:"bos_token"`
	EOS    json.RawMessage `json:"eos_token"`
}

func tokenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Content
	}
	return ""
}

// Load reads tokenizer.json and, when configPath is set, tokenizer_config.json.
func Load(path, configPath string) (*BPE, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}
	var cfg []byte
	if configPath != "" {
		if cfg, err = os.ReadFile(configPath); err != nil {
			return nil, fmt.Errorf("tokenizer config: %w", err)
		}
	}
	t, err := Parse(raw, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse builds a tokenizer from tokenizer.json bytes and optional
// tokenizer_config.json bytes.
func Parse(tokenizerJSON, configJSON []byte) (*BPE, error) {
	var f hfFile
	if err := json.Unmarshal(tokenizerJSON, &f); err != nil {
		return nil, fmt.Errorf("tokenizer: parse: %w", err)
	}
	if !strings.EqualFold(f.Model.Type, "BPE") {
		return nil, fmt.Errorf("tokenizer: unsupported model type %q", f.Model.Type)
	}
	size := 0
	for _, id := range f.Model.Vocab {
		size = max(size, id+1)
	}
	for _, at := range f.AddedTokens {
		size = max(size, at.ID+1)
	}
	vocab := make([]string, size)
	for s, id := range f.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("tokenizer: negative id for %q", s)
		}
		vocab[id] = s
	}
	opts := Options{BOS: -1, EOS: -1, UNK: -1, IgnoreMerges: f.Model.IgnoreMerges}
	for _, at := range f.AddedTokens {
		vocab[at.ID] = at.Content
		if at.Special {
			opts.Special = append(opts.Special, at.ID)
		}
	}

	merges := make([]string, 0, len(f.Model.Merges))
	for _, m := range f.Model.Merges {
		switch v := m.(type) {
		case string:
			merges = append(merges, v)
		case []any:
			if len(v) == 2 {
				a, _ := v[0].(string)
				b, _ := v[1].(string)
				merges = append(merges, a+" "+b)
			}
		}
	}

	if re := f.PreTokenizer.regex(); re != "" {
		opts.Pattern = re
		if strings.Contains(re, "(?!") || strings.Contains(re, "(?i:") {
			opts.Pattern = llama3Pattern
		}
	}

	lookup := func(s string) int {
		if s == "" {
			return -1
		}
		if id, ok := f.Model.Vocab[s]; ok {
			return id
		}
		for _, at := range f.AddedTokens {
			if at.Content == s {
				return at.ID
			}
		}
		return -1
	}
	opts.UNK = lookup(f.Model.UnkToken)
	if len(configJSON) > 0 {
		var c hfTokenizerConfig
		if err := json.Unmarshal(configJSON, &c); err != nil {
			return nil, fmt.Errorf("tokenizer config: parse: %w", err)
		}
		opts.BOS = lookup(tokenContent(c.BOS))
		opts.EOS = lookup(tokenContent(c.EOS))
		opts.AddBOS = opts.BOS >= 0 && (c.AddBOS == nil || *c.AddBOS)
		opts.AddEOS = c.AddEOS
	}
	return New(vocab, merges, opts)
}
