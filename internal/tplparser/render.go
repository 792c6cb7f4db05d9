// Package tplparser renders chat messages into prompt text for the chat
// formats of the supported model families, recognized by template signature
// or by architecture.
package tplparser

import (
	"fmt"
	"strings"
)

// Render returns (output, ok). ok=false means the template is unsupported.
func Render(opts RenderOptions) (string, bool, error) {
	if opts.Template != "" {
		if out, ok, err := renderByTemplateSignature(opts); ok || err != nil {
			return out, ok, err
		}
	}
	return renderByArch(opts)
}

func renderByArch(opts RenderOptions) (string, bool, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Arch)) {
	case "llama":
		return renderInst(opts, true)
	case "mistral":
		return renderInst(opts, false)
	case "idefics2":
		return renderIdefics2(opts)
	default:
		return "", false, nil
	}
}

func renderByTemplateSignature(opts RenderOptions) (string, bool, error) {
	tpl := opts.Template
	switch {
	case strings.Contains(tpl, "<end_of_utterance>"):
		return renderIdefics2(opts)
	case strings.Contains(tpl, "[INST]"):
		return renderInst(opts, strings.Contains(tpl, "<<SYS>>"))
	case strings.Contains(tpl, "<|im_start|>") && strings.Contains(tpl, "<|im_end|>"):
		return renderChatML(opts)
	default:
		return "", false, nil
	}
}

// splitSystem separates a leading system message from the conversation.
func splitSystem(msgs []Message) (string, []Message) {
	if len(msgs) > 0 && strings.EqualFold(msgs[0].Role, "system") {
		return msgs[0].Content, msgs[1:]
	}
	return "", msgs
}

// validateAlternation requires user and assistant turns to alternate,
// starting with the user.
func validateAlternation(msgs []Message) error {
	for i, m := range msgs {
		want := "user"
		if i%2 == 1 {
			want = "assistant"
		}
		if m.Role != want {
			return fmt.Errorf("conversation roles must alternate user/assistant: message %d is %q", i, m.Role)
		}
	}
	return nil
}

func writeImages(b *strings.Builder, m Message, prompt string) {
	for range m.Images {
		b.WriteString(prompt)
	}
}
