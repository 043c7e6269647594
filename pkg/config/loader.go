// Package config reads typed configuration structs from environment variables,
// optionally seeded from dotenv files.
//
//	type Config struct {
//		DatabaseURL string `env:"DATABASE_URL,required"`
//		Port        int    `env:"PORT" envDefault:"8080"`
//	}
//
//	cfg, err := config.Load[Config]()
package config

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var dotenvOnce sync.Once

// Option adjusts a single Load call.
type Option func(*loadOptions)

type loadOptions struct {
	files   []string
	prefix  string
	environ map[string]string
}

// WithDotenv reads the given files before parsing. Variables already present in
// the process environment win. Missing files are an error, unlike the implicit ".env".
func WithDotenv(files ...string) Option {
	return func(o *loadOptions) { o.files = append(o.files, files...) }
}

// WithPrefix prepends prefix to every variable name.
func WithPrefix(prefix string) Option {
	return func(o *loadOptions) { o.prefix = prefix }
}

// WithEnviron parses from vars instead of the process environment.
func WithEnviron(vars map[string]string) Option {
	return func(o *loadOptions) { o.environ = vars }
}

// Load parses T from the environment. A ".env" file in the working directory
// is loaded once per process when present.
func Load[T any](opts ...Option) (T, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	dotenvOnce.Do(func() {
		if _, err := os.Stat(".env"); err == nil {
			_ = godotenv.Load()
		}
	})
	if len(o.files) > 0 {
		if err := godotenv.Load(o.files...); err != nil {
			var zero T
			return zero, errors.Join(ErrDotenv, err)
		}
	}

	cfg, err := env.ParseAsWithOptions[T](env.Options{
		Prefix:      o.prefix,
		Environment: o.environ,
	})
	if err != nil {
		return cfg, errors.Join(ErrParsingConfig, err)
	}
	return cfg, nil
}

// MustLoad is Load for configuration the process cannot start without.
func MustLoad[T any](opts ...Option) T {
	cfg, err := Load[T](opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
	return cfg
}
