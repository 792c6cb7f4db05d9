package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/weave/internal/safetensors"
)

// TokenSource yields the credential a Downloader authenticates with.
type TokenSource interface {
	Token() (string, error)
}

type literalToken string

func (t literalToken) Token() (string, error) { return string(t), nil }

type envToken string

func (t envToken) Token() (string, error) {
	v, ok := os.LookupEnv(string(t))
	if !ok {
		return "", fmt.Errorf("token: environment variable %s is not set", string(t))
	}
	return strings.TrimSpace(v), nil
}

type fileToken string

func (t fileToken) Token() (string, error) {
	raw, err := os.ReadFile(string(t))
	if err != nil {
		return "", fmt.Errorf("token: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

type noToken struct{}

func (noToken) Token() (string, error) { return "", nil }

// CacheTokenPath is where the Hugging Face CLI stores a login token.
func CacheTokenPath() string {
	if home := os.Getenv("HF_HOME"); home != "" {
		return filepath.Join(home, "token")
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = filepath.Join(os.Getenv("HOME"), ".cache")
	}
	return filepath.Join(dir, "huggingface", "token")
}

// ParseTokenSource reads a --token-source value: "literal:<tok>",
// "env:<VAR>", "path:<file>", "cache" or "none".
func ParseTokenSource(s string) (TokenSource, error) {
	kind, arg, _ := strings.Cut(s, ":")
	switch kind {
	case "literal":
		return literalToken(arg), nil
	case "env":
		if arg == "" {
			return nil, fmt.Errorf("token source env needs a variable name")
		}
		return envToken(arg), nil
	case "path":
		if arg == "" {
			return nil, fmt.Errorf("token source path needs a file")
		}
		return fileToken(arg), nil
	case "cache":
		return fileToken(CacheTokenPath()), nil
	case "none", "":
		return noToken{}, nil
	default:
		return nil, fmt.Errorf("unknown token source %q (expected literal:, env:, path:, cache or none)", s)
	}
}

// Downloader fetches one file of a model repository and returns its local
// path.
type Downloader interface {
	Download(ctx context.Context, repo, revision, filename string) (string, error)
}

// LocalDownloader serves repositories laid out as <Root>/<repo>/<file>. A
// revision other than "" or "main" selects <Root>/<repo>/<revision>/<file>.
type LocalDownloader struct {
	Root string
}

func (d LocalDownloader) Download(ctx context.Context, repo, revision, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(d.Root, filepath.FromSlash(repo))
	if revision != "" && revision != "main" {
		dir = filepath.Join(dir, revision)
	}
	p := filepath.Join(dir, filepath.FromSlash(filename))
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s/%s: %w", repo, filename, ErrMissingArtifact)
		}
		return "", err
	}
	return p, nil
}

// Request names the repositories a model is assembled from.
type Request struct {
	ModelID  string
	Revision string
	Kind     ModelKind
	// QuantizedModelID and QuantizedFile locate the container for quantized
	// kinds. QuantizedModelID defaults to ModelID.
	QuantizedModelID string
	QuantizedFile    string
	XLoraModelID     string
	// Ordering is a local ordering file; empty fetches ordering.json from the
	// X-LoRA repository.
	Ordering string
}

// Resolve fetches every file req.Kind needs and returns their local paths.
func Resolve(ctx context.Context, dl Downloader, req Request) (ModelPaths, error) {
	var p ModelPaths
	get := func(repo, name string) (string, error) {
		return dl.Download(ctx, repo, req.Revision, name)
	}
	optional := func(repo, name string) (string, error) {
		path, err := get(repo, name)
		if errors.Is(err, ErrMissingArtifact) {
			return "", nil
		}
		return path, err
	}
	var err error
	if req.Kind.base() == KindGGUF {
		// The container embeds a tokenizer, so tokenizer.json is optional.
		p.Tokenizer, err = optional(req.ModelID, "tokenizer.json")
	} else {
		p.Tokenizer, err = get(req.ModelID, "tokenizer.json")
	}
	if err != nil {
		return p, err
	}
	if p.TokenizerConfig, err = optional(req.ModelID, "tokenizer_config.json"); err != nil {
		return p, err
	}
	if p.Preprocessor, err = optional(req.ModelID, "preprocessor_config.json"); err != nil {
		return p, err
	}
	if req.Kind.IsQuantized() {
		if req.QuantizedFile == "" {
			return p, missing("quantized file name")
		}
		repo := req.QuantizedModelID
		if repo == "" {
			repo = req.ModelID
		}
		w, err := get(repo, req.QuantizedFile)
		if err != nil {
			return p, err
		}
		p.Weights = []string{w}
	} else {
		if p.Config, err = get(req.ModelID, "config.json"); err != nil {
			return p, err
		}
		if p.Weights, err = resolveShards(ctx, dl, req); err != nil {
			return p, err
		}
	}
	if req.Kind.IsAdapter() {
		if req.XLoraModelID == "" {
			return p, missing("x-lora model id")
		}
		if p.XLora, err = resolveXLora(ctx, dl, req); err != nil {
			return p, err
		}
	}
	return p, nil
}

// resolveShards prefers model.safetensors.index.json and falls back to a
// single model.safetensors.
func resolveShards(ctx context.Context, dl Downloader, req Request) ([]string, error) {
	index, err := dl.Download(ctx, req.ModelID, req.Revision, "model.safetensors.index.json")
	if errors.Is(err, ErrMissingArtifact) {
		single, err := dl.Download(ctx, req.ModelID, req.Revision, "model.safetensors")
		if err != nil {
			return nil, err
		}
		return []string{single}, nil
	}
	if err != nil {
		return nil, err
	}
	shards, err := safetensors.ShardsFromIndex(index)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(shards))
	for _, s := range shards {
		p, err := dl.Download(ctx, req.ModelID, req.Revision, filepath.Base(s))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func resolveXLora(ctx context.Context, dl Downloader, req Request) (*XLoraPaths, error) {
	repo := req.XLoraModelID
	get := func(name string) (string, error) { return dl.Download(ctx, repo, req.Revision, name) }
	x := &XLoraPaths{Adapters: map[string]AdapterFiles{}}
	var err error
	if x.Classifier, err = get("xlora_classifier.safetensors"); err != nil {
		return nil, err
	}
	if x.Config, err = get("xlora_config.json"); err != nil {
		return nil, err
	}
	x.Ordering = req.Ordering
	if x.Ordering == "" {
		if x.Ordering, err = get("ordering.json"); err != nil {
			return nil, err
		}
	}
	raw, err := os.ReadFile(x.Config)
	if err != nil {
		return nil, err
	}
	var cfg struct {
		Adapters map[string]string `json:"adapters"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", x.Config, err)
	}
	if len(cfg.Adapters) == 0 {
		return nil, fmt.Errorf("%s lists no adapters: %w", x.Config, ErrMissingArtifact)
	}
	for name, dir := range cfg.Adapters {
		var a AdapterFiles
		if a.Weights, err = get(dir + "/adapter_model.safetensors"); err != nil {
			return nil, err
		}
		if a.Config, err = get(dir + "/adapter_config.json"); err != nil {
			return nil, err
		}
		x.Adapters[name] = a
	}
	return x, nil
}
