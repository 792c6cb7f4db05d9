//go:build cuda

package backend

// Builds tagged cuda keep weights in BF16 by default. Kernels still run on
// the host until a device implementation lands.
const cudaEnabled = true
