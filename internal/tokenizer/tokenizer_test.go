package tokenizer

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/weave/internal/gguf"
	"github.com/samcharles93/weave/internal/toy"
)

func loadToy(t *testing.T) *BPE {
	t.Helper()
	path, cfg, err := toy.WriteTokenizer(t.TempDir(), toy.Tiny())
	if err != nil {
		t.Fatalf("WriteTokenizer: %v", err)
	}
	tok, err := Load(path, cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return tok
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()
	tok := loadToy(t)
	tests := []struct {
		text string
		want []int
	}{
		{"he a<image>", []int{1, 30, 3, 4, toy.ImageToken}},
		{"hehe", []int{1, 30, 30}},
		{"<image><image> b", []int{1, toy.ImageToken, toy.ImageToken, 3, 5}},
		{"", []int{1}},
	}
	for _, tt := range tests {
		got, err := tok.Encode(tt.text)
		if err != nil {
			t.Fatalf("Encode(%q): %v", tt.text, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Fatalf("Encode(%q) mismatch (-want +got):\n%s", tt.text, diff)
		}
		back, err := tok.Decode(got)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if want := "<s>" + tt.text; back != want {
			t.Fatalf("Decode = %q, want %q", back, want)
		}
	}
}

func TestFraming(t *testing.T) {
	t.Parallel()
	tok := loadToy(t)
	if tok.BOS() != 1 || tok.EOS() != 2 {
		t.Fatalf("bos/eos = %d/%d", tok.BOS(), tok.EOS())
	}
	if tok.VocabSize() != 32 {
		t.Fatalf("vocab size = %d", tok.VocabSize())
	}
	if id, ok := tok.TokenID("he"); !ok || id != 30 {
		t.Fatalf("TokenID(he) = %d, %v", id, ok)
	}
	if s := tok.TokenString(99); s != "" {
		t.Fatalf("TokenString(99) = %q", s)
	}
}

func TestUnknownFallsBackToUNK(t *testing.T) {
	t.Parallel()
	tok := loadToy(t)
	got, err := tok.Encode("Hi")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if diff := cmp.Diff([]int{1, 0, 12}, got); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}
}

func TestUnknownWithoutUNK(t *testing.T) {
	t.Parallel()
	tok, err := New([]string{"a", "b"}, nil, Options{BOS: -1, EOS: -1, UNK: -1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := tok.Encode("abc"); err == nil || !strings.Contains(err.Error(), "not in the vocabulary") {
		t.Fatalf("Encode err = %v", err)
	}
	if _, err := tok.Decode([]int{5}); err == nil {
		t.Fatal("Decode accepted an out-of-range id")
	}
}

func TestMergeRanks(t *testing.T) {
	t.Parallel()
	vocab := []string{"a", "b", "c", "ab", "bc", "abc"}
	tok, err := New(vocab, []string{"#version: 0.2", "b c", "a b", "a bc"}, Options{BOS: -1, EOS: -1, UNK: -1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// "b c" outranks "a b", so the result goes through "bc".
	got, err := tok.Encode("abc")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if diff := cmp.Diff([]int{5}, got); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}
}

func TestNewErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		vocab []string
		opts  Options
	}{
		{"empty", nil, Options{}},
		{"special out of range", []string{"a"}, Options{Special: []int{3}}},
		{"bad pattern", []string{"a"}, Options{Pattern: "("}},
	}
	for _, tt := range tests {
		if _, err := New(tt.vocab, nil, tt.opts); err == nil {
			t.Errorf("%s: New succeeded", tt.name)
		}
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		tok     string
		cfg     string
		wantErr bool
		want    []int
	}{
		{
			name: "pair merges and split regex",
			tok: `{"model":{"type":"BPE","vocab":{"a":0,"b":1,"ab":2},"merges":[["a","b"]]},
				"pre_tokenizer":{"type":"Sequence","pretokenizers":[{"type":"Split","pattern":{"Regex":"\\p{L}"}},{"type":"ByteLevel"}]}}`,
			want: []int{0, 1},
		},
		{
			name: "lookahead falls back",
			tok: `{"model":{"type":"BPE","vocab":{"a":0,"b":1,"ab":2},"merges":["a b"]},
				"pre_tokenizer":{"type":"Split","pattern":{"Regex":"\\s+(?!\\S)"}}}`,
			want: []int{2},
		},
		{
			name: "add_bos_token false",
			tok:  `{"model":{"type":"BPE","vocab":{"a":0,"b":1}},"added_tokens":[{"id":2,"content":"<s>","special":true}]}`,
			cfg:  `{"add_bos_token":false,"bos_token":"<s>"}`,
			want: []int{0, 1},
		},
		{name: "not bpe", tok: `{"model":{"type":"Unigram"}}`, wantErr: true},
		{name: "bad json", tok: `{`, wantErr: true},
		{name: "bad config", tok: `{"model":{"type":"BPE","vocab":{"a":0}}}`, cfg: `[`, wantErr: true},
	}
	for _, tt := range tests {
		var cfg []byte
		if tt.cfg != "" {
			cfg = []byte(tt.cfg)
		}
		tok, err := Parse([]byte(tt.tok), cfg)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: Parse succeeded", tt.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: Parse: %v", tt.name, err)
		}
		got, err := tok.Encode("ab")
		if err != nil {
			t.Fatalf("%s: Encode: %v", tt.name, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s: mismatch (-want +got):\n%s", tt.name, diff)
		}
	}
}

func TestFromGGUF(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "toy.gguf")
	if err := toy.WriteGGUF(path, toy.Tiny()); err != nil {
		t.Fatalf("WriteGGUF: %v", err)
	}
	f, err := gguf.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	tok, err := FromGGUF(f)
	if err != nil {
		t.Fatalf("FromGGUF: %v", err)
	}
	got, err := tok.Encode("he a<image>")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if diff := cmp.Diff([]int{1, 30, 3, 4, toy.ImageToken}, got); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}
	if tok.EOS() != 2 {
		t.Fatalf("eos = %d", tok.EOS())
	}
}
