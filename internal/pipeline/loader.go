package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/samcharles93/weave/internal/backend"
	"github.com/samcharles93/weave/internal/ggml"
	"github.com/samcharles93/weave/internal/gguf"
	"github.com/samcharles93/weave/internal/logger"
	"github.com/samcharles93/weave/internal/model"
	"github.com/samcharles93/weave/internal/safetensors"
	"github.com/samcharles93/weave/internal/tensor"
	"github.com/samcharles93/weave/internal/tokenizer"
	"github.com/samcharles93/weave/internal/vision"
)

// ArchIdefics2 selects the vision-language composite for KindNormal.
const ArchIdefics2 = "idefics2"

// Options tune loading. The zero value loads on the best device at its
// default precision with caching on.
type Options struct {
	// DType overrides the weight precision; nil picks BF16 on an accelerator
	// and F32 on the host.
	DType  *tensor.DType
	Device backend.Device
	// NoCache recomputes the whole history every step.
	NoCache bool
	// Arch forces an architecture. Empty detects it from config.json.
	Arch string
	// GQA is the grouped-query factor of legacy GGML files, which do not
	// record it. Zero means 1.
	GQA         int
	RepeatLastN int
	// ChatTemplate is used when tokenizer_config.json has none or does not decode.
	ChatTemplate string
}

// Load builds a pipeline of kind from paths. Every failure is fatal and no
// partially loaded pipeline is returned.
func Load(ctx context.Context, kind ModelKind, paths ModelPaths, opts Options) (*Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := kindNames[kind]; !ok {
		return nil, fmt.Errorf("load: %s", kind)
	}
	if err := paths.check(kind); err != nil {
		return nil, fmt.Errorf("load %s: %w", kind, err)
	}
	device, err := backend.Resolve(opts.Device)
	if err != nil {
		return nil, err
	}
	dtype := backend.DefaultDType(device)
	if opts.DType != nil {
		dtype = *opts.DType
	}
	id := uuid.NewString()
	log := logger.FromContext(ctx).With("pipeline_id", id)
	log.Info("loading model", "kind", kind.String(), "device", device.String(), "dtype", dtype.String(), "weights", len(paths.Weights))
	start := time.Now()

	l := &loader{kind: kind, paths: paths, opts: opts, dtype: dtype, log: log}
	defer l.close()
	bb, err := l.backbone()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", kind, err)
	}
	tok, err := l.tokenizer()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", kind, err)
	}
	var ct ChatTemplate
	if paths.TokenizerConfig != "" {
		if ct, err = LoadChatTemplate(paths.TokenizerConfig, opts.ChatTemplate); err != nil {
			return nil, fmt.Errorf("load %s: %w", kind, err)
		}
	} else {
		ct.Template = opts.ChatTemplate
	}

	repeat := opts.RepeatLastN
	if repeat <= 0 {
		repeat = DefaultRepeatLastN
	}
	log.Info("model loaded", "layers", bb.NumLayers(), "max_seq_len", bb.MaxSeqLen(), "took", time.Since(start))
	return &Pipeline{
		ID:           id,
		kind:         kind,
		arch:         l.arch,
		model:        bb,
		tokenizer:    tok,
		chatTemplate: ct,
		device:       device,
		dtype:        dtype,
		noCache:      opts.NoCache,
		repeatLastN:  repeat,
		log:          log,
	}, nil
}

// loader holds the open containers of one Load call. Weights are copied out
// while binding, so everything is closed once loading returns.
type loader struct {
	kind  ModelKind
	paths ModelPaths
	opts  Options
	dtype tensor.DType
	log   logger.Logger
	arch  string

	archive *safetensors.Archive
	gguf    *gguf.File
	ggml    *ggml.File
	closers []func() error
}

func (l *loader) close() {
	var errs []error
	for _, c := range l.closers {
		errs = append(errs, c())
	}
	if err := errors.Join(errs...); err != nil {
		l.log.Warn("closing model files", "err", err)
	}
}

func (l *loader) modelOptions() model.Options {
	return model.Options{NoCache: l.opts.NoCache}
}

func (l *loader) backbone() (backbone, error) {
	base, vis, err := l.base()
	if err != nil {
		return nil, err
	}
	if vis != nil {
		return visionBackbone{m: vis, noCache: l.opts.NoCache}, nil
	}
	if !l.kind.IsAdapter() {
		return textBackbone{base}, nil
	}
	x, err := l.xlora(base)
	if err != nil {
		return nil, err
	}
	return xloraBackbone{x}, nil
}

// base loads the decoder the kind's weights describe, or the vision
// composite when the architecture asks for it.
func (l *loader) base() (*model.Transformer, *vision.Model, error) {
	switch l.kind.base() {
	case KindGGUF:
		f, err := gguf.Open(l.paths.Weights[0])
		if err != nil {
			return nil, nil, err
		}
		l.gguf = f
		l.closers = append(l.closers, f.Close)
		l.arch = f.Architecture()
		l.log.Info("gguf container", "version", f.Header.Version, "tensors", len(f.Tensors), "arch", l.arch)
		m, err := model.LoadGGUF(f, l.modelOptions())
		return m, nil, err
	case KindGGML:
		f, err := ggml.Open(l.paths.Weights[0])
		if err != nil {
			return nil, nil, err
		}
		l.ggml = f
		l.closers = append(l.closers, f.Close)
		l.arch = "llama"
		gqa := max(l.opts.GQA, 1)
		l.log.Info("ggml container", "magic", f.Magic.String(), "version", f.Version, "tensors", len(f.Tensors), "gqa", gqa)
		m, err := model.LoadGGML(f, gqa, l.modelOptions())
		return m, nil, err
	}

	raw, err := os.ReadFile(l.paths.Config)
	if err != nil {
		return nil, nil, err
	}
	a, err := safetensors.OpenArchive(l.paths.Weights...)
	if err != nil {
		return nil, nil, err
	}
	l.archive = a
	l.closers = append(l.closers, a.Close)
	l.log.Info("safetensors archive", "files", len(l.paths.Weights), "tensors", a.Len())
	src := model.DenseSource{Archive: a, DType: l.dtype}

	arch, err := detectArch(l.opts.Arch, raw)
	if err != nil {
		return nil, nil, err
	}
	l.arch = arch
	if arch == ArchIdefics2 {
		if l.kind != KindNormal {
			return nil, nil, fmt.Errorf("%s architecture is only available for the %s kind", arch, KindNormal)
		}
		cfg, err := vision.ParseConfig(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", l.paths.Config, err)
		}
		m, err := vision.Load(src, cfg, l.modelOptions())
		return nil, m, err
	}
	cfg, err := model.ParseTextConfig(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", l.paths.Config, err)
	}
	m, err := model.Load(cfg, src, l.modelOptions())
	return m, nil, err
}

// detectArch resolves the architecture from the option, falling back to
// config.json's model_type.
func detectArch(option string, config []byte) (string, error) {
	if arch := strings.ToLower(strings.TrimSpace(option)); arch != "" {
		switch arch {
		case ArchIdefics2, "llama", "mistral":
			return arch, nil
		}
		return "", fmt.Errorf("unknown architecture %q", option)
	}
	var probe struct {
		ModelType string `json:"model_type"`
	}
	if err := json.Unmarshal(config, &probe); err != nil {
		return "", fmt.Errorf("parse config: %w", err)
	}
	return strings.ToLower(probe.ModelType), nil
}

func (l *loader) xlora(base *model.Transformer) (*model.XLora, error) {
	x := l.paths.XLora
	raw, err := os.ReadFile(x.Config)
	if err != nil {
		return nil, err
	}
	cfg, err := model.ParseXLoraConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", x.Config, err)
	}
	if raw, err = os.ReadFile(x.Ordering); err != nil {
		return nil, err
	}
	order, err := model.ParseOrdering(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", x.Ordering, err)
	}

	// Dense bases share their archive with the adapters; quantized bases get
	// one holding only adapter tensors.
	a := l.archive
	if a == nil {
		if a, err = safetensors.OpenArchive(); err != nil {
			return nil, err
		}
		l.archive = a
		l.closers = append(l.closers, a.Close)
	}
	adapters := make([]model.Adapter, 0, len(order.Adapters))
	for _, name := range order.Adapters {
		files, ok := x.Adapters[name]
		if !ok {
			return nil, fmt.Errorf("adapter %q from the ordering: %w", name, ErrMissingArtifact)
		}
		if err := a.AddAdapter(name, files.Weights); err != nil {
			return nil, fmt.Errorf("adapter %q: %w", name, err)
		}
		raw, err := os.ReadFile(files.Config)
		if err != nil {
			return nil, err
		}
		var lc model.LoraConfig
		if err := json.Unmarshal(raw, &lc); err != nil {
			return nil, fmt.Errorf("%s: %w", files.Config, err)
		}
		adapters = append(adapters, model.Adapter{Name: name, Config: lc})
	}

	ca, err := safetensors.OpenArchive(x.Classifier)
	if err != nil {
		return nil, err
	}
	l.closers = append(l.closers, ca.Close)
	cls, err := model.LoadClassifier(model.DenseSource{Archive: ca, DType: l.dtype}, cfg, base.NumLayers(), len(adapters))
	if err != nil {
		return nil, err
	}
	l.log.Info("x-lora adapters", "adapters", order.Adapters, "depth", cfg.XLoraDepth, "layerwise", cfg.LayerwiseScalings)
	return model.NewXLora(base, model.DenseSource{Archive: a, DType: l.dtype}, cls, cfg, adapters)
}

func (l *loader) tokenizer() (tokenizer.Tokenizer, error) {
	if l.paths.Tokenizer != "" {
		return tokenizer.Load(l.paths.Tokenizer, l.paths.TokenizerConfig)
	}
	if l.gguf == nil {
		return nil, missing("tokenizer")
	}
	return tokenizer.FromGGUF(l.gguf)
}
