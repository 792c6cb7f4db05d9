package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// SpecialToken is a tokenizer_config.json token entry, written either as a
// plain string or as an added-token object.
type SpecialToken string

func (t *SpecialToken) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = SpecialToken(s)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("special token: %w", err)
	}
	*t = SpecialToken(obj.Content)
	return nil
}

// ChatTemplate is the typed view of tokenizer_config.json.
type ChatTemplate struct {
	AddBOSToken    *bool        `json:"add_bos_token"`
	AddEOSToken    *bool        `json:"add_eos_token"`
	BOSToken       SpecialToken `json:"bos_token"`
	EOSToken       SpecialToken `json:"eos_token"`
	UNKToken       SpecialToken `json:"unk_token"`
	PadToken       SpecialToken `json:"pad_token"`
	ModelMaxLength float64      `json:"model_max_length"`
	TokenizerClass string       `json:"tokenizer_class"`
	Template       string       `json:"chat_template"`
}

// HasTemplate reports whether a Jinja template is available.
func (c ChatTemplate) HasTemplate() bool { return strings.TrimSpace(c.Template) != "" }

// ParseChatTemplate decodes tokenizer_config.json. When the document does not
// fit ChatTemplate, typically because chat_template is a list of named
// templates, it is decoded loosely, fallback is put under chat_template and
// the result decoded again. fallback also fills an absent template.
func ParseChatTemplate(raw []byte, fallback string) (ChatTemplate, error) {
	var ct ChatTemplate
	err := json.Unmarshal(raw, &ct)
	if err == nil {
		if !ct.HasTemplate() {
			ct.Template = fallback
		}
		return ct, nil
	}
	var loose map[string]any
	if lerr := json.Unmarshal(raw, &loose); lerr != nil {
		return ChatTemplate{}, fmt.Errorf("parse tokenizer config: %w", lerr)
	}
	if strings.TrimSpace(fallback) == "" {
		return ChatTemplate{}, fmt.Errorf("tokenizer config does not decode (%v) and no template was given: %w", err, ErrNoChatTemplate)
	}
	loose["chat_template"] = fallback
	patched, err := json.Marshal(loose)
	if err != nil {
		return ChatTemplate{}, fmt.Errorf("re-encode tokenizer config: %w", err)
	}
	ct = ChatTemplate{}
	if err := json.Unmarshal(patched, &ct); err != nil {
		return ChatTemplate{}, fmt.Errorf("parse tokenizer config: %w", err)
	}
	return ct, nil
}

// LoadChatTemplate reads and parses tokenizer_config.json at path.
func LoadChatTemplate(path, fallback string) (ChatTemplate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ChatTemplate{}, fmt.Errorf("tokenizer config %s: %w", path, ErrMissingArtifact)
		}
		return ChatTemplate{}, err
	}
	ct, err := ParseChatTemplate(raw, fallback)
	if err != nil {
		return ChatTemplate{}, fmt.Errorf("%s: %w", path, err)
	}
	return ct, nil
}
