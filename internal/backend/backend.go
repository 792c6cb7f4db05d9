// Package backend names the compute devices a pipeline can be placed on and
// the precision each one defaults to.
package backend

import (
	"fmt"
	"strings"

	"github.com/samcharles93/weave/internal/tensor"
)

// Device is a --device value.
type Device string

const (
	CPU  Device = "cpu"
	CUDA Device = "cuda"
	Auto Device = "auto"
)

// Normalize parses a device name. The empty string means Auto.
func Normalize(name string) (Device, error) {
	d := Device(strings.ToLower(strings.TrimSpace(name)))
	switch d {
	case "":
		return Auto, nil
	case CPU, CUDA, Auto:
		return d, nil
	default:
		return "", fmt.Errorf("unknown device %q (expected auto, cpu, or cuda)", name)
	}
}

// Resolve picks a concrete device for d: Auto becomes the best device this
// build supports, and an unsupported request is an error.
func Resolve(d Device) (Device, error) {
	switch d {
	case Auto, "":
		if Has(CUDA) {
			return CUDA, nil
		}
		return CPU, nil
	case CPU:
		return CPU, nil
	case CUDA:
		if !Has(CUDA) {
			return "", fmt.Errorf("cuda device is not available in this build")
		}
		return CUDA, nil
	default:
		return "", fmt.Errorf("unknown device %q", d)
	}
}

// Accelerated reports whether d is an accelerator rather than the host.
func (d Device) Accelerated() bool { return d == CUDA }

func (d Device) String() string { return string(d) }

// DefaultDType is the weight precision used when none is requested: BF16 on
// an accelerator, F32 on the host.
func DefaultDType(d Device) tensor.DType {
	if d.Accelerated() {
		return tensor.BF16
	}
	return tensor.F32
}

// Has reports whether this build can place a pipeline on d.
func Has(d Device) bool {
	switch d {
	case CPU:
		return true
	case CUDA:
		return cudaEnabled
	default:
		return false
	}
}
