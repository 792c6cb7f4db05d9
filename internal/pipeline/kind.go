package pipeline

import (
	"fmt"
	"strings"
)

// ModelKind is the on-disk representation a pipeline is loaded from. It is
// fixed at load time.
type ModelKind int

const (
	// KindNormal is full-precision safetensors weights.
	KindNormal ModelKind = iota
	// KindGGUF is a single GGUF container.
	KindGGUF
	// KindGGML is a single legacy GGML, GGMF or GGJT container.
	KindGGML
	// KindXLoraNormal is safetensors weights plus an X-LoRA adapter set.
	KindXLoraNormal
	KindXLoraGGUF
	KindXLoraGGML
)

var kindNames = map[ModelKind]string{
	KindNormal:      "normal",
	KindGGUF:        "gguf",
	KindGGML:        "ggml",
	KindXLoraNormal: "xlora-normal",
	KindXLoraGGUF:   "xlora-gguf",
	KindXLoraGGML:   "xlora-ggml",
}

func (k ModelKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind accepts the names String produces, ignoring case.
func ParseKind(s string) (ModelKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown model kind %q (expected normal, gguf, ggml, xlora-normal, xlora-gguf or xlora-ggml)", s)
}

// IsAdapter reports whether k carries an X-LoRA adapter set.
func (k ModelKind) IsAdapter() bool {
	return k == KindXLoraNormal || k == KindXLoraGGUF || k == KindXLoraGGML
}

// IsQuantized reports whether k loads its base weights from a block container.
func (k ModelKind) IsQuantized() bool {
	return k == KindGGUF || k == KindGGML || k == KindXLoraGGUF || k == KindXLoraGGML
}

// base strips the adapter part of k.
func (k ModelKind) base() ModelKind {
	switch k {
	case KindXLoraNormal:
		return KindNormal
	case KindXLoraGGUF:
		return KindGGUF
	case KindXLoraGGML:
		return KindGGML
	}
	return k
}
