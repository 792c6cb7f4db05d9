package tplparser

import "strings"

// renderInst writes the [INST] format of Llama 2 and Mistral. Llama wraps
// the system prompt in <<SYS>>; Mistral prefixes it to the first user turn.
func renderInst(opts RenderOptions, sysBlock bool) (string, bool, error) {
	system, msgs := splitSystem(opts.Messages)
	if err := validateAlternation(msgs); err != nil {
		return "", false, err
	}

	var b strings.Builder
	for i, m := range msgs {
		if m.Role == "assistant" {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(m.Content))
			b.WriteString(opts.EOSToken)
			continue
		}
		if i > 0 || !opts.AddBOS {
			b.WriteString(opts.BOSToken)
		}
		b.WriteString("[INST] ")
		if i == 0 && system != "" {
			if sysBlock {
				b.WriteString("<<SYS>>\n" + system + "\n<</SYS>>\n\n")
			} else {
				b.WriteString(system + "\n\n")
			}
		}
		writeImages(&b, m, opts.ImagePrompt)
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString(" [/INST]")
	}
	return b.String(), true, nil
}
