package vision

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/weave/internal/tensor"
)

func TestMergeInputsReplacesImageTokens(t *testing.T) {
	t.Parallel()
	const img = 9
	ids := []int{1, img, img, 2}
	embeds, _ := tensor.FromData([]float32{
		1, 1,
		2, 2,
		3, 3,
		4, 4,
	}, 1, 4, 2)
	features, _ := tensor.FromData([]float32{10, 11, 20, 21}, 1, 2, 2)
	got, err := MergeInputs(ids, embeds, features, img)
	if err != nil {
		t.Fatalf("MergeInputs: %v", err)
	}
	want := []float32{1, 1, 10, 11, 20, 21, 4, 4}
	if diff := cmp.Diff(want, got.Data); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if embeds.Data[2] != 2 {
		t.Fatal("MergeInputs modified its input")
	}
}

func TestMergeInputsWithoutImageTokens(t *testing.T) {
	t.Parallel()
	embeds := tensor.Full(3, 1, 2, 4)
	got, err := MergeInputs([]int{1, 2}, embeds, nil, 9)
	if err != nil {
		t.Fatalf("MergeInputs: %v", err)
	}
	if diff := cmp.Diff(embeds.Data, got.Data); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestMergeInputsCountMismatch(t *testing.T) {
	t.Parallel()
	embeds := tensor.New(1, 3, 2)
	tests := []struct {
		name     string
		ids      []int
		features *tensor.Tensor
	}{
		{"too few rows", []int{9, 9, 9}, tensor.New(1, 2, 2)},
		{"too many rows", []int{9, 1, 1}, tensor.New(2, 2, 2)},
		{"tokens without features", []int{9, 1, 1}, nil},
		{"wrong hidden", []int{9, 1, 1}, tensor.New(1, 1, 3)},
		{"wrong id count", []int{9}, tensor.New(1, 1, 2)},
	}
	for _, tt := range tests {
		if _, err := MergeInputs(tt.ids, embeds, tt.features, 9); err == nil {
			t.Errorf("%s: merge succeeded", tt.name)
		}
	}
}
