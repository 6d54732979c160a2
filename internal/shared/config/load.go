package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. TASKRELAY_SERVER_ADDR.
const EnvPrefix = "TASKRELAY"

var validate = validator.New()

type loadOptions struct {
	envFiles []string
	skipEnv  bool
}

// Option customizes Load.
type Option func(*loadOptions)

// WithEnvFiles loads the given dotenv files instead of ./.env.
func WithEnvFiles(paths ...string) Option {
	return func(o *loadOptions) { o.envFiles = paths }
}

// WithoutDotEnv skips dotenv loading.
func WithoutDotEnv() Option {
	return func(o *loadOptions) { o.skipEnv = true }
}

// Load resolves configuration with precedence defaults < file < environment.
// An empty path loads defaults and environment only.
func Load(path string, opts ...Option) (Config, error) {
	var options loadOptions
	for _, opt := range opts {
		opt(&options)
	}
	if !options.skipEnv {
		// Missing dotenv files are fine.
		if err := godotenv.Load(options.envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load dotenv: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return Config{}, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, fmt.Errorf("read defaults: %w", err)
	}

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Generation.Backend == BackendHTTP && cfg.Generation.HTTP.BaseURL == "" {
		return fmt.Errorf("invalid config: generation.http.base_url is required for the http backend")
	}
	return nil
}
