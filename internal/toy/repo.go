package toy

import (
	"path/filepath"

	"github.com/samcharles93/weave/internal/ggml"
)

// Repository ids and file names WriteRepo lays out under its root.
const (
	BaseRepo   = "toy/base"
	XLoraRepo  = "toy/xlora"
	VisionRepo = "toy/vision"
	GGUFFile   = "toy.gguf"
	GGMLFile   = "toy.ggjt.bin"
)

// WriteRepo writes a local model tree: a base repository holding the same
// decoder as safetensors, GGUF and GGJT v3 plus its tokenizer, an X-LoRA
// repository over it, and an Idefics2 repository.
func WriteRepo(root string, c Config) error {
	base := filepath.Join(root, filepath.FromSlash(BaseRepo))
	if _, err := WriteHF(base, c); err != nil {
		return err
	}
	if _, _, err := WriteTokenizer(base, c); err != nil {
		return err
	}
	if err := WriteGGUF(filepath.Join(base, GGUFFile), c); err != nil {
		return err
	}
	if err := WriteGGML(filepath.Join(base, GGMLFile), c, ggml.MagicGGJT, 3); err != nil {
		return err
	}
	if _, err := WriteXLora(filepath.Join(root, filepath.FromSlash(XLoraRepo)), c, TinyXLora()); err != nil {
		return err
	}
	vis := filepath.Join(root, filepath.FromSlash(VisionRepo))
	if _, err := WriteIdefics2(vis, c, TinyVision()); err != nil {
		return err
	}
	if _, _, err := WriteTokenizer(vis, c); err != nil {
		return err
	}
	return writeJSON(filepath.Join(vis, "preprocessor_config.json"), map[string]any{
		"do_resize":  true,
		"size":       map[string]int{"longest_edge": TinyVision().ImageSize},
		"image_mean": []float32{0.5, 0.5, 0.5},
		"image_std":  []float32{0.5, 0.5, 0.5},
	})
}
