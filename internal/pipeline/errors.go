package pipeline

import "errors"

var (
	// ErrMissingArtifact is returned when a file the model kind requires was
	// not provided or does not exist.
	ErrMissingArtifact = errors.New("missing model artifact")
	// ErrForward wraps every backbone failure surfaced by Forward.
	ErrForward = errors.New("forward failed")
	// ErrNoChatTemplate is returned when tokenizer_config.json cannot supply a
	// usable chat template and the caller did not pass one.
	ErrNoChatTemplate = errors.New("no chat template")
)
