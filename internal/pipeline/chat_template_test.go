package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseChatTemplate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		fallback string
		want     string
		wantBOS  SpecialToken
		wantErr  error
	}{
		{
			name:    "typed",
			raw:     `{"bos_token":"<s>","eos_token":"</s>","chat_template":"{{ messages }}"}`,
			want:    "{{ messages }}",
			wantBOS: "<s>",
		},
		{
			name:    "token objects",
			raw:     `{"bos_token":{"content":"<s>","lstrip":false},"chat_template":"t"}`,
			want:    "t",
			wantBOS: "<s>",
		},
		{
			name:     "absent template takes the fallback",
			raw:      `{"bos_token":"<s>"}`,
			fallback: "fb",
			want:     "fb",
			wantBOS:  "<s>",
		},
		{
			name:     "named templates are replaced by the fallback",
			raw:      `{"bos_token":"<s>","chat_template":[{"name":"default","template":"x"}],"extra":{"a":1}}`,
			fallback: "fb",
			want:     "fb",
			wantBOS:  "<s>",
		},
		{
			name:    "named templates without a fallback",
			raw:     `{"chat_template":[{"name":"default","template":"x"}]}`,
			wantErr: ErrNoChatTemplate,
		},
		{
			name:    "not json",
			raw:     `{`,
			wantErr: errors.New("any"),
		},
	}
	for _, tt := range tests {
		got, err := ParseChatTemplate([]byte(tt.raw), tt.fallback)
		if tt.wantErr != nil {
			if err == nil {
				t.Errorf("%s: ParseChatTemplate succeeded", tt.name)
			} else if errors.Is(tt.wantErr, ErrNoChatTemplate) && !errors.Is(err, ErrNoChatTemplate) {
				t.Errorf("%s: err = %v, want ErrNoChatTemplate", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got.Template != tt.want || got.BOSToken != tt.wantBOS {
			t.Errorf("%s: template %q bos %q, want %q %q", tt.name, got.Template, got.BOSToken, tt.want, tt.wantBOS)
		}
	}
}

func TestLoadChatTemplate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if _, err := LoadChatTemplate(filepath.Join(dir, "missing.json"), ""); !errors.Is(err, ErrMissingArtifact) {
		t.Fatalf("missing file err = %v", err)
	}
	path := filepath.Join(dir, "tokenizer_config.json")
	if err := os.WriteFile(path, []byte(`{"add_bos_token":false,"chat_template":"x"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	ct, err := LoadChatTemplate(path, "")
	if err != nil {
		t.Fatalf("LoadChatTemplate: %v", err)
	}
	if ct.AddBOSToken == nil || *ct.AddBOSToken || !ct.HasTemplate() {
		t.Fatalf("chat template = %+v", ct)
	}
}
