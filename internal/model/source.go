package model

import (
	"errors"
	"fmt"

	"github.com/samcharles93/weave/internal/ggml"
	"github.com/samcharles93/weave/internal/gguf"
	"github.com/samcharles93/weave/internal/nn"
	"github.com/samcharles93/weave/internal/quant"
	"github.com/samcharles93/weave/internal/safetensors"
	"github.com/samcharles93/weave/internal/tensor"
)

// ErrTensorNotFound is returned when a required weight is absent from its source.
var ErrTensorNotFound = errors.New("tensor not found")

// WeightSource resolves weights by name from a loaded container.
type WeightSource interface {
	Has(name string) bool
	// Linear binds a 2-D (out, in) weight as a projection. Quantized sources
	// keep the block encoding.
	Linear(name string) (nn.Linear, error)
	// Tensor loads any weight fully dequantized.
	Tensor(name string) (*tensor.Tensor, error)
}

// DenseSource serves full-precision weights from a safetensors archive,
// rounding each one to DType when loaded.
type DenseSource struct {
	Archive *safetensors.Archive
	DType   tensor.DType
}

func (s DenseSource) Has(name string) bool { return s.Archive.Has(name) }

func (s DenseSource) Tensor(name string) (*tensor.Tensor, error) {
	if !s.Archive.Has(name) {
		return nil, fmt.Errorf("%s: %w", name, ErrTensorNotFound)
	}
	t, err := s.Archive.Load(name)
	if err != nil {
		return nil, err
	}
	tensor.Round(t.Data, s.DType)
	return t, nil
}

func (s DenseSource) Linear(name string) (nn.Linear, error) {
	w, err := s.Tensor(name)
	if err != nil {
		return nil, err
	}
	d, err := nn.NewDense(w, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

type GGUFSource struct {
	File *gguf.File
}

func (s GGUFSource) Has(name string) bool {
	_, ok := s.File.TensorByName(name)
	return ok
}

func (s GGUFSource) Tensor(name string) (*tensor.Tensor, error) {
	if !s.Has(name) {
		return nil, fmt.Errorf("%s: %w", name, ErrTensorNotFound)
	}
	data, dims, err := s.File.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	// GGUF dims run innermost first.
	shape := make([]int, len(dims))
	for i, d := range dims {
		shape[len(dims)-1-i] = int(d)
	}
	return tensor.FromData(data, shape...)
}

func (s GGUFSource) Linear(name string) (nn.Linear, error) {
	if !s.Has(name) {
		return nil, fmt.Errorf("%s: %w", name, ErrTensorNotFound)
	}
	m, err := s.File.ReadMatrix(name)
	if err != nil {
		return nil, err
	}
	return m, nil
}

type GGMLSource struct {
	File *ggml.File
}

func (s GGMLSource) Has(name string) bool {
	_, ok := s.File.TensorByName(name)
	return ok
}

func (s GGMLSource) Tensor(name string) (*tensor.Tensor, error) {
	if !s.Has(name) {
		return nil, fmt.Errorf("%s: %w", name, ErrTensorNotFound)
	}
	data, dims, err := s.File.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	shape := make([]int, len(dims))
	for i, d := range dims {
		shape[len(dims)-1-i] = d
	}
	return tensor.FromData(data, shape...)
}

func (s GGMLSource) Linear(name string) (nn.Linear, error) {
	if !s.Has(name) {
		return nil, fmt.Errorf("%s: %w", name, ErrTensorNotFound)
	}
	m, err := s.File.ReadMatrix(name)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LoadDense binds a full-precision projection with an optional bias. An
// empty bias name, or a bias absent from src, yields a bias-free layer.
func LoadDense(src WeightSource, weight, bias string) (*nn.Dense, error) {
	w, err := src.Tensor(weight)
	if err != nil {
		return nil, err
	}
	var b []float32
	if bias != "" && src.Has(bias) {
		bt, err := src.Tensor(bias)
		if err != nil {
			return nil, err
		}
		b = bt.Data
	}
	d, err := nn.NewDense(w, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", weight, err)
	}
	return d, nil
}

// LoadVector loads a 1-D weight such as a norm scale.
func LoadVector(src WeightSource, name string) ([]float32, error) {
	t, err := src.Tensor(name)
	if err != nil {
		return nil, err
	}
	if t.Rank() != 1 {
		return nil, fmt.Errorf("%s: expected 1-D tensor, got %v", name, t.Shape)
	}
	return t.Data, nil
}

// LoadLinearCandidates binds the first candidate present in src.
func LoadLinearCandidates(src WeightSource, candidates []string) (nn.Linear, string, error) {
	for _, name := range candidates {
		if name == "" || !src.Has(name) {
			continue
		}
		l, err := src.Linear(name)
		if err != nil {
			return nil, "", err
		}
		return l, name, nil
	}
	return nil, "", fmt.Errorf("tried %v: %w", candidates, ErrTensorNotFound)
}

var (
	_ nn.Linear = (*quant.Matrix)(nil)
	_ nn.Linear = (*nn.Dense)(nil)
)
