package tplparser

import (
	"fmt"
	"strings"
)

// renderIdefics2 writes "User:<images>text<end_of_utterance>\n" turns.
func renderIdefics2(opts RenderOptions) (string, bool, error) {
	var b strings.Builder
	if !opts.AddBOS && opts.BOSToken != "" {
		b.WriteString(opts.BOSToken)
	}
	for _, m := range opts.Messages {
		switch m.Role {
		case "system":
			b.WriteString("System:")
		case "user":
			b.WriteString("User:")
		case "assistant":
			b.WriteString("Assistant:")
		default:
			return "", false, fmt.Errorf("idefics2: unsupported role %q", m.Role)
		}
		if m.Role != "user" || m.Images == 0 {
			b.WriteString(" ")
		}
		writeImages(&b, m, opts.ImagePrompt)
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("<end_of_utterance>\n")
	}
	if opts.AddGenerationPrompt {
		b.WriteString("Assistant:")
	}
	return b.String(), true, nil
}
