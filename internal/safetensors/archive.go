package safetensors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/weave/internal/tensor"
)

// AdapterPrefix namespaces tensors added with AddAdapter.
const AdapterPrefix = "adapters."

// peftPrefix is prepended by PEFT when saving adapter weights.
const peftPrefix = "base_model.model."

type entry struct {
	file *File
	name string
}

// Archive is a name-indexed view over one or more mapped safetensors files.
// Later files shadow earlier ones on name collisions.
type Archive struct {
	files   []*File
	entries map[string]entry
}

func OpenArchive(paths ...string) (*Archive, error) {
	a := &Archive{entries: map[string]entry{}}
	for _, p := range paths {
		if err := a.add(p, ""); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

// AddAdapter maps an adapter weight file so its tensors resolve as
// "adapters.<adapter>.<name>" with any PEFT prefix removed.
func (a *Archive) AddAdapter(adapter, path string) error {
	return a.add(path, AdapterPrefix+adapter+".")
}

func (a *Archive) add(path, prefix string) error {
	f, err := Open(path)
	if err != nil {
		return err
	}
	a.files = append(a.files, f)
	for name := range f.Tensors {
		key := name
		if prefix != "" {
			key = prefix + strings.TrimPrefix(name, peftPrefix)
		}
		a.entries[key] = entry{file: f, name: name}
	}
	return nil
}

func (a *Archive) Close() error {
	var errs []error
	for _, f := range a.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.files = nil
	return errors.Join(errs...)
}

func (a *Archive) Has(name string) bool {
	_, ok := a.entries[name]
	return ok
}

// Shape returns the declared shape without decoding the payload.
func (a *Archive) Shape(name string) ([]int, bool) {
	e, ok := a.entries[name]
	if !ok {
		return nil, false
	}
	return e.file.Tensors[e.name].Shape, true
}

func (a *Archive) Load(name string) (*tensor.Tensor, error) {
	e, ok := a.entries[name]
	if !ok {
		return nil, fmt.Errorf("tensor not found: %s", name)
	}
	t, err := e.file.Load(e.name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.file.Path, err)
	}
	return t, nil
}

// Names lists tensor names with the given prefix in sorted order.
func (a *Archive) Names(prefix string) []string {
	var out []string
	for name := range a.entries {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func (a *Archive) Len() int { return len(a.entries) }

// ShardsFromIndex reads a model.safetensors.index.json and returns the
// distinct shard paths in sorted order.
func ShardsFromIndex(indexPath string) ([]string, error) {
	data, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, err
	}
	var idx struct {
		WeightMap map[string]string `json:"weight_map"`
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("%s: %w", indexPath, err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("%s: empty weight_map", indexPath)
	}
	dir := filepath.Dir(indexPath)
	seen := map[string]bool{}
	var out []string
	for _, shard := range idx.WeightMap {
		if seen[shard] {
			continue
		}
		seen[shard] = true
		out = append(out, filepath.Join(dir, shard))
	}
	slices.Sort(out)
	return out, nil
}
