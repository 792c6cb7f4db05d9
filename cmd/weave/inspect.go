package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/weave/internal/ggml"
	"github.com/samcharles93/weave/internal/gguf"
	"github.com/samcharles93/weave/internal/safetensors"
)

type inspectOptions struct {
	showKV      bool
	tensorLimit int
	filter      string
}

func inspectCmd() *cli.Command {
	var (
		o     inspectOptions
		limit int64
	)
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the header of a GGUF, GGML or safetensors file",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "kv", Usage: "show every GGUF metadata key", Destination: &o.showKV},
			&cli.Int64Flag{Name: "tensors", Usage: "number of tensors to list (-1 for all)", Value: 20, Destination: &limit},
			&cli.StringFlag{Name: "filter", Usage: "only list tensors whose name contains this", Destination: &o.filter},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return cli.Exit("error: file path is required", 1)
			}
			o.tensorLimit = int(limit)
			if err := inspectFile(os.Stdout, path, o); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

// inspectFile sniffs the container format from the leading magic.
func inspectFile(w io.Writer, path string, o inspectOptions) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	var head [4]byte
	_, err = io.ReadFull(f, head[:])
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("%s: read magic: %w", path, err)
	}

	switch magic := binary.LittleEndian.Uint32(head[:]); {
	case string(head[:]) == "GGUF":
		return inspectGGUF(w, path, o)
	case slices.Contains([]ggml.Magic{ggml.MagicGGML, ggml.MagicGGMF, ggml.MagicGGJT}, ggml.Magic(magic)):
		return inspectGGML(w, path, o)
	case strings.HasSuffix(path, ".safetensors"):
		return inspectSafetensors(w, path, o)
	default:
		return fmt.Errorf("%s: unrecognized container", path)
	}
}

func inspectGGUF(w io.Writer, path string, o inspectOptions) error {
	f, err := gguf.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	fmt.Fprintf(w, "File: %s\n", path)
	fmt.Fprintf(w, "GGUF v%d | tensors=%d | kv=%d | alignment=%d | data_offset=%d\n",
		f.Header.Version, f.Header.TensorCount, f.Header.KVCount, f.Alignment, f.DataOffset)

	keys := make([]string, 0, len(f.KV))
	for k := range f.KV {
		if o.showKV || strings.HasPrefix(k, "general.") || strings.HasSuffix(k, "_token_id") ||
			strings.HasPrefix(k, f.Architecture()+".") {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	table := newTable(w)
	for _, k := range keys {
		table.Append([]string{k, formatValue(f.KV[k])})
	}
	table.Render()

	rows := make([]tensorRow, 0, len(f.Tensors))
	for _, t := range f.Tensors {
		rows = append(rows, tensorRow{t.Name, t.Type.String(), fmt.Sprint(t.Dims)})
	}
	printTensors(w, rows, o)
	return nil
}

func formatValue(v gguf.Value) string {
	if arr, ok := v.Value.(gguf.ArrayValue); ok {
		return fmt.Sprintf("[%s x %d]", arr.ElemType, len(arr.Values))
	}
	if s, ok := v.Value.(string); ok {
		if len(s) > 60 {
			s = s[:57] + "..."
		}
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(v.Value)
}

func inspectGGML(w io.Writer, path string, o inspectOptions) error {
	f, err := ggml.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	hp := f.HParams
	fmt.Fprintf(w, "File: %s\n", path)
	fmt.Fprintf(w, "%s v%d | tensors=%d | vocab=%d\n", f.Magic, f.Version, len(f.Tensors), len(f.Vocab))
	fmt.Fprintf(w, "  n_vocab=%d n_embd=%d n_mult=%d n_head=%d n_layer=%d n_rot=%d ftype=%d\n",
		hp.NVocab, hp.NEmbd, hp.NMult, hp.NHead, hp.NLayer, hp.NRot, hp.FType)

	rows := make([]tensorRow, 0, len(f.Tensors))
	for _, t := range f.Tensors {
		rows = append(rows, tensorRow{t.Name, t.Type.String(), fmt.Sprint(t.Dims)})
	}
	printTensors(w, rows, o)
	return nil
}

func inspectSafetensors(w io.Writer, path string, o inspectOptions) error {
	f, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	fmt.Fprintf(w, "File: %s\n", path)
	fmt.Fprintf(w, "safetensors | tensors=%d | data_start=%d\n", len(f.Tensors), f.DataStart)
	meta := make([]string, 0, len(f.Metadata))
	for k := range f.Metadata {
		meta = append(meta, k)
	}
	slices.Sort(meta)
	for _, k := range meta {
		fmt.Fprintf(w, "  %s = %s\n", k, f.Metadata[k])
	}

	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	rows := make([]tensorRow, 0, len(names))
	for _, name := range names {
		t := f.Tensors[name]
		rows = append(rows, tensorRow{name, t.DType, fmt.Sprint(t.Shape)})
	}
	printTensors(w, rows, o)
	return nil
}

type tensorRow struct {
	name, dtype, shape string
}

func printTensors(w io.Writer, rows []tensorRow, o inspectOptions) {
	if o.filter != "" {
		rows = slices.DeleteFunc(rows, func(r tensorRow) bool { return !strings.Contains(r.name, o.filter) })
	}
	if o.tensorLimit == 0 {
		return
	}
	fmt.Fprintf(w, "\nTensors (%d):\n", len(rows))
	shown := rows
	if o.tensorLimit > 0 && len(rows) > o.tensorLimit {
		shown = rows[:o.tensorLimit]
	}
	table := newTable(w)
	table.SetHeader([]string{"NAME", "TYPE", "SHAPE"})
	for _, r := range shown {
		table.Append([]string{r.name, r.dtype, r.shape})
	}
	table.Render()
	if len(shown) < len(rows) {
		fmt.Fprintf(w, "  ... %d more\n", len(rows)-len(shown))
	}
}

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	return table
}
