package main

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/weave/internal/backend"
	"github.com/samcharles93/weave/internal/imageproc"
	"github.com/samcharles93/weave/internal/inference"
	"github.com/samcharles93/weave/internal/logger"
	"github.com/samcharles93/weave/internal/pipeline"
	"github.com/samcharles93/weave/internal/tensor"
	"github.com/samcharles93/weave/internal/tplparser"
	"github.com/samcharles93/weave/internal/vision"
)

type runOptions struct {
	modelsDir     string
	modelID       string
	revision      string
	kind          string
	quantizedID   string
	quantizedFile string
	xloraID       string
	ordering      string
	token         string
	device        string
	dtype         string
	arch          string
	gqa           int64
	noKVCache     bool
	chatTemplate  string
	prompt        string
	system        string
	chat          bool
	tokens        string
	images        []string
	steps         int64
	temp          float64
	topK          int64
	topP          float64
	minP          float64
	repeatPenalty float64
	repeatLastN   int64
	seed          int64
	topLogprobs   int64
	echoPrompt    bool
	showTokens    bool
}

func runCmd() *cli.Command {
	var o runOptions
	return &cli.Command{
		Name:  "run",
		Usage: "Load a model from a local repository tree and generate",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "models-dir", Aliases: []string{"path"}, Usage: "directory holding <org>/<repo> model trees", Value: ".", Destination: &o.modelsDir},
			&cli.StringFlag{Name: "model-id", Aliases: []string{"m"}, Usage: "base model repository id", Destination: &o.modelID},
			&cli.StringFlag{Name: "revision", Usage: "repository revision (subdirectory unless main)", Destination: &o.revision},
			&cli.StringFlag{Name: "kind", Usage: "model kind (normal, gguf, ggml, xlora-normal, xlora-gguf, xlora-ggml)", Value: "normal", Destination: &o.kind},
			&cli.StringFlag{Name: "quantized-model-id", Usage: "repository holding the quantized file (default: model-id)", Destination: &o.quantizedID},
			&cli.StringFlag{Name: "quantized-filename", Aliases: []string{"q"}, Usage: "GGUF or GGML file name", Destination: &o.quantizedFile},
			&cli.StringFlag{Name: "xlora-model-id", Usage: "X-LoRA repository id", Destination: &o.xloraID},
			&cli.StringFlag{Name: "order", Usage: "local X-LoRA ordering file", Destination: &o.ordering},
			&cli.StringFlag{Name: "token", Usage: "auth token source (literal:<t>, env:<VAR>, path:<file>, cache, none)", Value: "none", Destination: &o.token},
			&cli.StringFlag{Name: "device", Aliases: []string{"backend"}, Usage: "execution device (auto, cpu, cuda)", Value: "auto", Destination: &o.device},
			&cli.StringFlag{Name: "dtype", Usage: "weight precision (f32, f16, bf16; default per device)", Destination: &o.dtype},
			&cli.StringFlag{Name: "arch", Usage: "force architecture (llama, mistral, idefics2)", Destination: &o.arch},
			&cli.Int64Flag{Name: "gqa", Usage: "grouped-query factor for GGML files", Value: 1, Destination: &o.gqa},
			&cli.BoolFlag{Name: "no-kv-cache", Usage: "recompute the whole history every step", Destination: &o.noKVCache},
			&cli.StringFlag{Name: "chat-template", Usage: "fallback chat template file", Destination: &o.chatTemplate},
			&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}, Usage: "prompt text", Destination: &o.prompt},
			&cli.StringFlag{Name: "system", Aliases: []string{"sys"}, Usage: "system prompt (with --chat)", Destination: &o.system},
			&cli.BoolFlag{Name: "chat", Usage: "render the prompt with the model's chat format", Destination: &o.chat},
			&cli.StringFlag{Name: "tokens", Usage: "comma separated prompt token ids (instead of --prompt)", Destination: &o.tokens},
			&cli.StringSliceFlag{Name: "image", Aliases: []string{"i"}, Usage: "image file (repeatable)", Destination: &o.images},
			&cli.Int64Flag{Name: "steps", Aliases: []string{"n"}, Usage: "tokens to generate (-1 = until stop)", Value: -1, Destination: &o.steps},
			&cli.Float64Flag{Name: "temp", Aliases: []string{"temperature", "t"}, Usage: "sampling temperature (0 = greedy)", Value: 0.8, Destination: &o.temp},
			&cli.Int64Flag{Name: "top-k", Usage: "top-k sampling parameter", Value: 40, Destination: &o.topK},
			&cli.Float64Flag{Name: "top-p", Usage: "top-p sampling parameter", Value: 0.95, Destination: &o.topP},
			&cli.Float64Flag{Name: "min-p", Usage: "min-p sampling parameter (0 = disabled)", Destination: &o.minP},
			&cli.Float64Flag{Name: "repeat-penalty", Usage: "repetition penalty (1.0 = disabled)", Value: 1.1, Destination: &o.repeatPenalty},
			&cli.Int64Flag{Name: "repeat-last-n", Usage: "last n tokens to penalize", Value: pipeline.DefaultRepeatLastN, Destination: &o.repeatLastN},
			&cli.Int64Flag{Name: "seed", Usage: "sampling RNG seed (-1 = random)", Value: -1, Destination: &o.seed},
			&cli.Int64Flag{Name: "top-logprobs", Usage: "report the n most likely tokens per step", Destination: &o.topLogprobs},
			&cli.BoolFlag{Name: "echo-prompt", Usage: "print the prompt before generation", Destination: &o.echoPrompt},
			&cli.BoolFlag{Name: "show-tokens", Usage: "print prompt token ids", Destination: &o.showTokens},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			applyRunConfig(c, cfg, &o)
			if err := run(ctx, c, o); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

func run(ctx context.Context, c flagSetter, o runOptions) error {
	log := logger.FromContext(ctx)
	if o.modelID == "" {
		return fmt.Errorf("--model-id is required")
	}
	kind, err := pipeline.ParseKind(o.kind)
	if err != nil {
		return err
	}
	src, err := pipeline.ParseTokenSource(o.token)
	if err != nil {
		return err
	}
	// Local trees need no credentials; a broken source still fails early.
	tok, err := src.Token()
	if err != nil {
		return fmt.Errorf("--token: %w", err)
	}
	log.Debug("token source", "source", o.token, "has_token", tok != "")
	device, err := backend.Normalize(o.device)
	if err != nil {
		return err
	}
	opts := pipeline.Options{
		Device:      device,
		NoCache:     o.noKVCache,
		Arch:        o.arch,
		GQA:         int(o.gqa),
		RepeatLastN: int(o.repeatLastN),
	}
	if o.dtype != "" {
		dt, err := tensor.ParseDType(o.dtype)
		if err != nil {
			return err
		}
		opts.DType = &dt
	}
	if o.chatTemplate != "" {
		raw, err := os.ReadFile(o.chatTemplate)
		if err != nil {
			return fmt.Errorf("read chat template: %w", err)
		}
		opts.ChatTemplate = string(raw)
	}

	paths, err := pipeline.Resolve(ctx, pipeline.LocalDownloader{Root: o.modelsDir}, pipeline.Request{
		ModelID:          o.modelID,
		Revision:         o.revision,
		Kind:             kind,
		QuantizedModelID: o.quantizedID,
		QuantizedFile:    o.quantizedFile,
		XLoraModelID:     o.xloraID,
		Ordering:         o.ordering,
	})
	if err != nil {
		return err
	}
	p, err := pipeline.Load(ctx, kind, paths, opts)
	if err != nil {
		return err
	}
	engine := inference.NewEngine(p)
	defer func() { _ = engine.Close() }()

	if o.chat {
		rendered, err := renderChat(ctx, p, o)
		if err != nil {
			return err
		}
		o.prompt = rendered
	}

	var genDefaults inference.GenDefaults
	if paths.Config != "" {
		if genDefaults, err = inference.LoadGenDefaults(filepath.Join(filepath.Dir(paths.Config), "generation_config.json")); err != nil {
			log.Warn("ignoring generation_config.json", "error", err)
		}
	}
	ids, err := parseTokenIDs(o.tokens)
	if err != nil {
		return err
	}
	req := inference.ResolveRequest(requestOptions(c, o, ids), genDefaults)
	if len(o.images) > 0 {
		if req.Images, err = loadImages(ctx, o.images, paths.Preprocessor); err != nil {
			return err
		}
	}
	if o.showTokens {
		shown := ids
		if len(shown) == 0 {
			if shown, err = p.Tokenize(o.prompt); err != nil {
				return err
			}
		}
		fmt.Fprintf(os.Stderr, "Input tokens (%d): %v\n", len(shown), shown)
	}

	res, err := engine.Generate(ctx, &req, func(s string) { fmt.Print(s) })
	fmt.Println()
	if res != nil {
		st := res.Stats
		fmt.Fprintf(os.Stderr, "Stats: %.2f TPS (%d tokens in %s, prompt %d tokens in %s, stop=%s)\n",
			st.TPS, st.TokensGenerated, st.Duration, st.PromptTokens, st.PromptDuration, st.Reason)
		if req.TopLogprobs > 0 {
			printLogprobs(p, res)
		}
	}
	return err
}

// requestOptions forwards only the sampling flags that were set, so
// generation_config.json defaults apply to the rest.
func requestOptions(c flagSetter, o runOptions, ids []int) inference.RequestOptions {
	ro := inference.RequestOptions{Prompt: o.prompt, Tokens: ids, EchoPrompt: &o.echoPrompt}
	steps, seed := int(o.steps), o.seed
	topK, lastN, top := int(o.topK), int(o.repeatLastN), int(o.topLogprobs)
	ro.Steps, ro.Seed, ro.RepeatLastN, ro.TopLogprobs, ro.MinP = &steps, &seed, &lastN, &top, &o.minP
	if c.IsSet("temp") {
		ro.Temperature = &o.temp
	}
	if c.IsSet("top-k") {
		ro.TopK = &topK
	}
	if c.IsSet("top-p") {
		ro.TopP = &o.topP
	}
	if c.IsSet("repeat-penalty") {
		ro.RepeatPenalty = &o.repeatPenalty
	}
	return ro
}

// renderChat formats the prompt as a single user turn, expanding each image
// into the model's placeholder run. Unknown formats fall back to the raw
// prompt.
func renderChat(ctx context.Context, p *pipeline.Pipeline, o runOptions) (string, error) {
	ct := p.ChatTemplate()
	opts := tplparser.RenderOptions{
		Template:            ct.Template,
		Arch:                p.Arch(),
		BOSToken:            string(ct.BOSToken),
		EOSToken:            string(ct.EOSToken),
		AddBOS:              ct.AddBOSToken == nil || *ct.AddBOSToken,
		AddGenerationPrompt: true,
	}
	if id, n := p.ImageTokens(); n > 0 {
		if t, ok := p.Tokenizer().(interface{ TokenString(int) string }); ok {
			opts.ImagePrompt = strings.Repeat(t.TokenString(id), n)
		}
	}
	if o.system != "" {
		opts.Messages = append(opts.Messages, tplparser.Message{Role: "system", Content: o.system})
	}
	opts.Messages = append(opts.Messages, tplparser.Message{Role: "user", Content: o.prompt, Images: len(o.images)})

	out, ok, err := tplparser.Render(opts)
	if err != nil {
		return "", fmt.Errorf("render chat: %w", err)
	}
	if !ok {
		logger.FromContext(ctx).Warn("no chat format for model, using raw prompt", "arch", p.Arch())
		return o.prompt, nil
	}
	return out, nil
}

func parseTokenIDs(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ids []int
	for f := range strings.SplitSeq(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || id < 0 {
			return nil, fmt.Errorf("--tokens: bad token id %q", f)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func loadImages(ctx context.Context, files []string, preprocessor string) (*vision.Images, error) {
	var opts imageproc.Options
	if preprocessor != "" {
		raw, err := os.ReadFile(preprocessor)
		if err != nil {
			return nil, err
		}
		if opts, err = imageproc.ParseOptions(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", preprocessor, err)
		}
	}
	imgs := make([]image.Image, 0, len(files))
	for _, f := range files {
		img, err := imageproc.Open(f)
		if err != nil {
			return nil, err
		}
		imgs = append(imgs, img)
	}
	return imageproc.Batch(ctx, imgs, opts)
}

func printLogprobs(p *pipeline.Pipeline, res *inference.Result) {
	for i, lp := range res.Logprobs {
		text, _ := p.Detokenize([]int{lp.Token})
		fmt.Fprintf(os.Stderr, "%3d %-12q %8.4f", i, text, lp.Logprob)
		for _, alt := range lp.Top {
			t, _ := p.Detokenize([]int{alt.Token})
			fmt.Fprintf(os.Stderr, "  %q=%.3f", t, alt.Logprob)
		}
		fmt.Fprintln(os.Stderr)
	}
}
