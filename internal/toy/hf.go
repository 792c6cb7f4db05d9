package toy

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/weave/internal/safetensors"
	"github.com/samcharles93/weave/internal/tensor"
)

// WriteHF writes config.json and the weights split over two safetensors
// shards joined by model.safetensors.index.json.
func WriteHF(dir string, c Config) (Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Files{}, err
	}
	if err := writeJSON(filepath.Join(dir, "config.json"), c.TextConfig()); err != nil {
		return Files{}, err
	}
	shards, err := writeSharded(dir, c.TextTensors("model."))
	if err != nil {
		return Files{}, err
	}
	return Files{Config: filepath.Join(dir, "config.json"), Weights: shards}, nil
}

// writeSharded puts embeddings and the head in one shard and the blocks in
// another, then writes the index.
func writeSharded(dir string, all map[string]*tensor.Tensor) ([]string, error) {
	names := []string{"model-00001-of-00002.safetensors", "model-00002-of-00002.safetensors"}
	parts := []map[string]*tensor.Tensor{{}, {}}
	weightMap := map[string]string{}
	for name, t := range all {
		i := 0
		if strings.Contains(name, ".layers.") {
			i = 1
		}
		parts[i][name] = t
		weightMap[name] = names[i]
	}
	for i, p := range parts {
		if err := safetensors.Write(filepath.Join(dir, names[i]), p); err != nil {
			return nil, err
		}
	}
	idx := map[string]any{"metadata": map[string]any{}, "weight_map": weightMap}
	if err := writeJSON(filepath.Join(dir, "model.safetensors.index.json"), idx); err != nil {
		return nil, err
	}
	return abs(dir, names...), nil
}
