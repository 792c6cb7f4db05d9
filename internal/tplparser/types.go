package tplparser

type Message struct {
	Role    string
	Content string
	// Images is how many images precede Content in a user turn.
	Images int
}

type RenderOptions struct {
	Template string
	Arch     string
	BOSToken string
	EOSToken string
	// AddBOS means the tokenizer prepends BOS itself.
	AddBOS              bool
	AddGenerationPrompt bool
	// ImagePrompt is the text one image expands to, e.g. the image
	// placeholder repeated once per resampler latent.
	ImagePrompt string
	Messages    []Message
}
