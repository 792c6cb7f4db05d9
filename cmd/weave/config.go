package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the weave configuration file (~/.config/weave/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelsDir string `yaml:"models_dir"`
	Device    string `yaml:"device"`
	DType     string `yaml:"dtype"`
	Kind      string `yaml:"kind"`
	NoKVCache *bool  `yaml:"no_kv_cache"`
	Token     string `yaml:"token"`

	Temperature   *float64 `yaml:"temperature"`
	TopK          *int64   `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	MinP          *float64 `yaml:"min_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	RepeatLastN   *int64   `yaml:"repeat_last_n"`
	Steps         *int64   `yaml:"steps"`
	Seed          *int64   `yaml:"seed"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "weave", "config.yaml")
}

// LoadConfig reads path, or the default location when path is empty. A
// missing default file yields a zero Config; a missing explicit file is an
// error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
	}
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// flagSetter reports whether a flag was given on the command line.
type flagSetter interface {
	IsSet(name string) bool
}

var _ flagSetter = (*cli.Command)(nil)

// applyRunConfig copies config values into o for every flag the user did
// not set explicitly.
func applyRunConfig(c flagSetter, cfg Config, o *runOptions) {
	str := func(flag, v string, dst *string) {
		if v != "" && !c.IsSet(flag) {
			*dst = v
		}
	}
	str("models-dir", cfg.ModelsDir, &o.modelsDir)
	str("device", cfg.Device, &o.device)
	str("dtype", cfg.DType, &o.dtype)
	str("kind", cfg.Kind, &o.kind)
	str("token", cfg.Token, &o.token)

	if cfg.NoKVCache != nil && !c.IsSet("no-kv-cache") {
		o.noKVCache = *cfg.NoKVCache
	}
	if cfg.Temperature != nil && !c.IsSet("temp") {
		o.temp = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		o.topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		o.topP = *cfg.TopP
	}
	if cfg.MinP != nil && !c.IsSet("min-p") {
		o.minP = *cfg.MinP
	}
	if cfg.RepeatPenalty != nil && !c.IsSet("repeat-penalty") {
		o.repeatPenalty = *cfg.RepeatPenalty
	}
	if cfg.RepeatLastN != nil && !c.IsSet("repeat-last-n") {
		o.repeatLastN = *cfg.RepeatLastN
	}
	if cfg.Steps != nil && !c.IsSet("steps") {
		o.steps = *cfg.Steps
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		o.seed = *cfg.Seed
	}
}
