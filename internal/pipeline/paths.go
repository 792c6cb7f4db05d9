package pipeline

import (
	"fmt"
	"os"
)

// AdapterFiles locates one LoRA adapter.
type AdapterFiles struct {
	Weights string // adapter_model.safetensors
	Config  string // adapter_config.json
}

// XLoraPaths locates the adapter set and its scaling classifier.
type XLoraPaths struct {
	Classifier string // xlora_classifier.safetensors
	Config     string // xlora_config.json
	Ordering   string
	Adapters   map[string]AdapterFiles
}

// ModelPaths are the resolved local files of one model. The loader reads
// them once.
type ModelPaths struct {
	Tokenizer       string
	TokenizerConfig string
	Config          string
	// Weights are safetensors shards in load order, or the single quantized
	// container.
	Weights      []string
	Preprocessor string
	XLora        *XLoraPaths
}

func missing(what string) error {
	return fmt.Errorf("%s: %w", what, ErrMissingArtifact)
}

func exists(what, path string) error {
	if path == "" {
		return missing(what)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%s %s: %w: %w", what, path, ErrMissingArtifact, err)
	}
	return nil
}

// check verifies the files kind needs are present.
func (p ModelPaths) check(kind ModelKind) error {
	if len(p.Weights) == 0 {
		return missing("weights")
	}
	if kind.IsQuantized() && len(p.Weights) != 1 {
		return fmt.Errorf("%s model takes one container file, got %d", kind, len(p.Weights))
	}
	for _, w := range p.Weights {
		if err := exists("weights", w); err != nil {
			return err
		}
	}
	if !kind.IsQuantized() {
		if err := exists("config", p.Config); err != nil {
			return err
		}
	}
	if p.Tokenizer == "" && kind.base() != KindGGUF {
		return missing("tokenizer")
	}
	if !kind.IsAdapter() {
		return nil
	}
	x := p.XLora
	if x == nil {
		return missing("x-lora files")
	}
	if err := exists("x-lora classifier", x.Classifier); err != nil {
		return err
	}
	if err := exists("x-lora config", x.Config); err != nil {
		return err
	}
	if err := exists("x-lora ordering", x.Ordering); err != nil {
		return err
	}
	if len(x.Adapters) == 0 {
		return missing("adapters")
	}
	for name, a := range x.Adapters {
		if err := exists("adapter "+name+" weights", a.Weights); err != nil {
			return err
		}
		if err := exists("adapter "+name+" config", a.Config); err != nil {
			return err
		}
	}
	return nil
}
