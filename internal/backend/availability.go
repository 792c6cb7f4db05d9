package backend

import "strings"

// Available lists the devices of this build, comma separated.
func Available() string {
	names := []string{string(CPU)}
	if Has(CUDA) {
		names = append(names, string(CUDA))
	}
	return strings.Join(names, ",")
}
