package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Loader reads, expands, decodes, defaults, and validates a Config from a
// FileProvider, and can watch it for live reload.
type Loader struct {
	provider *FileProvider
	onChange func(*Config)
}

type LoaderOption func(*Loader)

func WithOnChange(fn func(*Config)) LoaderOption {
	return func(l *Loader) { l.onChange = fn }
}

func NewLoader(p *FileProvider, opts ...LoaderOption) *Loader {
	l := &Loader{provider: p}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the provider's bytes, expands environment variables, decodes
// into a Config, applies defaults, and validates.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	data, err := l.provider.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	expanded := expandEnvVars(raw)

	cfg := &Config{}
	if err := decodeConfig(expanded, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Watch reloads the config on every change notified by the provider,
// invoking onChange with the freshly loaded Config. Blocks until ctx is
// cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	changes, err := l.provider.Watch(ctx)
	if err != nil {
		return fmt.Errorf("start watching config: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			cfg, err := l.Load(ctx)
			if err != nil {
				slog.Error("failed to reload config", "error", err)
				continue
			}
			slog.Info("configuration reloaded")
			if l.onChange != nil {
				l.onChange(cfg)
			}
		}
	}
}

func (l *Loader) Close() error {
	return l.provider.Close()
}

// decodeConfig decodes a parsed YAML map into a Config via mapstructure,
// using the "yaml" struct tag so the same field tags serve both jobs.
func decodeConfig(input map[string]any, output *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	return decoder.Decode(input)
}

func expandEnvVars(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = expandValue(v)
	}
	return out
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandValue(item)
		}
		return out
	default:
		return v
	}
}

// envVarPattern matches ${VAR}, ${VAR:-default}, and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]
			if idx := strings.Index(inner, ":-"); idx != -1 {
				name, def := inner[:idx], inner[idx+2:]
				if val := os.Getenv(name); val != "" {
					return val
				}
				return def
			}
			return os.Getenv(inner)
		}
		return os.Getenv(match[1:])
	})
}

// LoadDotEnv loads a .env file (if present) into the process environment
// ahead of config loading, so ${VAR} expansion can see it. Absence of the
// file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// LoadConfigFile is a convenience entry point: load .env (if present),
// then load and validate the YAML config at path.
func LoadConfigFile(ctx context.Context, path string) (*Config, *Loader, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}
	p, err := NewFileProvider(path)
	if err != nil {
		return nil, nil, err
	}
	loader := NewLoader(p)
	cfg, err := loader.Load(ctx)
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	return cfg, loader, nil
}
