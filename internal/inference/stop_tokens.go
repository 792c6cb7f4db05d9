package inference

import "slices"

// endMarkers are end-of-turn tokens that stop generation whenever the
// vocabulary has them, in addition to the configured EOS.
var endMarkers = []string{"</s>", "<|endoftext|>", "<|end_of_text|>", "<|im_end|>", "<|eot_id|>", "<end_of_turn>"}

type vocabulary interface {
	EOS() int
	TokenID(s string) (int, bool)
}

// BuildStopTokens returns the EOS id followed by any end markers present in
// the vocabulary, without duplicates.
func BuildStopTokens(v vocabulary) []int {
	var stop []int
	if eos := v.EOS(); eos >= 0 {
		stop = append(stop, eos)
	}
	for _, m := range endMarkers {
		if id, ok := v.TokenID(m); ok && !slices.Contains(stop, id) {
			stop = append(stop, id)
		}
	}
	return stop
}
