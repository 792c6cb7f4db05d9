package backend

import (
	"testing"

	"github.com/samcharles93/weave/internal/tensor"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Device
		wantErr bool
	}{
		{"", Auto, false},
		{"CPU", CPU, false},
		{" cuda ", CUDA, false},
		{"auto", Auto, false},
		{"metal", "", true},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("Normalize(%q) = %q, %v; want %q, err %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	d, err := Resolve(Auto)
	if err != nil {
		t.Fatalf("Resolve(auto): %v", err)
	}
	if d == Auto || !Has(d) {
		t.Fatalf("Resolve(auto) = %q", d)
	}
	if d, err := Resolve(CPU); err != nil || d != CPU {
		t.Fatalf("Resolve(cpu) = %q, %v", d, err)
	}
	if _, err := Resolve(CUDA); (err == nil) != Has(CUDA) {
		t.Fatalf("Resolve(cuda) err = %v with cuda available %v", err, Has(CUDA))
	}
}

func TestDefaultDType(t *testing.T) {
	t.Parallel()
	if got := DefaultDType(CPU); got != tensor.F32 {
		t.Errorf("cpu dtype = %v, want F32", got)
	}
	if got := DefaultDType(CUDA); got != tensor.BF16 {
		t.Errorf("cuda dtype = %v, want BF16", got)
	}
}

func TestAvailable(t *testing.T) {
	t.Parallel()
	want := "cpu"
	if Has(CUDA) {
		want = "cpu,cuda"
	}
	if got := Available(); got != want {
		t.Fatalf("Available() = %q, want %q", got, want)
	}
}
