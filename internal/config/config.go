// Package config loads the zmux-mixer configuration: a YAML file, then an
// optional .env file, then ZMUX_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/edirooss/zmux-mixer/internal/arbiter"
	"github.com/edirooss/zmux-mixer/internal/repo"
	"github.com/edirooss/zmux-mixer/internal/service"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Build metadata, set with -ldflags "-X".
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

// EnvPrefix prefixes every environment override, e.g. ZMUX_SERVER_PORT.
const EnvPrefix = "ZMUX"

type Server struct {
	Addr string `yaml:"addr" split_words:"true"`
	Port int    `yaml:"port" split_words:"true"`
	Dev  bool   `yaml:"dev" split_words:"true"`
	// MaxConcurrentRequests bounds in-flight control requests; excess gets 429.
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests" split_words:"true"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

// FFmpeg configures the process executor and the shared output endpoints.
type FFmpeg struct {
	Path      string        `yaml:"path" split_words:"true"`
	StopGrace time.Duration `yaml:"stop_grace" split_words:"true"`
	Group     string        `yaml:"multicast_group" split_words:"true"`
	BasePort  int           `yaml:"base_port" split_words:"true"`
	Ports     int           `yaml:"ports" split_words:"true"`
}

type Catalog struct {
	Path     string        `yaml:"path" split_words:"true"`
	Debounce time.Duration `yaml:"debounce" split_words:"true"`
	Watch    bool          `yaml:"watch" split_words:"true"`
}

type Config struct {
	Server  Server         `yaml:"server"`
	Redis   repo.Config    `yaml:"redis"`
	FFmpeg  FFmpeg         `yaml:"ffmpeg"`
	Catalog Catalog        `yaml:"catalog"`
	Arbiter arbiter.Config `yaml:"arbiter"`
	// Engine settings are inlined so the file reads ingest:, compositor:,
	// branch: and the environment ZMUX_INGEST_*, ZMUX_COMPOSITOR_*, ...
	service.Config `yaml:",inline"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:                  "127.0.0.1",
			Port:                  8080,
			MaxConcurrentRequests: 64,
			ShutdownTimeout:       15 * time.Second,
		},
		Redis: repo.DefaultConfig(),
		FFmpeg: FFmpeg{
			Path:      "ffmpeg",
			StopGrace: 3 * time.Second,
			Group:     "239.255.42.1",
			BasePort:  20000,
			Ports:     256,
		},
		Catalog: Catalog{
			Path:     "catalog.yaml",
			Debounce: 750 * time.Millisecond,
			Watch:    true,
		},
		Arbiter: arbiter.DefaultConfig(),
		Config:  service.DefaultConfig(),
	}
}

// Load builds the configuration. path may be empty to skip the file; missing
// env files are ignored.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read '%s': %w", path, err)
		}
		if err := decode(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse '%s': %w", path, err)
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file '%s': %w", f, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// decode overlays raw onto cfg. Unknown keys are rejected.
func decode(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d: out of range", c.Server.Port))
	}
	if c.Server.MaxConcurrentRequests <= 0 {
		errs = append(errs, errors.New("server.max_concurrent_requests: must be positive"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout: must be positive"))
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		errs = append(errs, errors.New("redis.address: required when redis is enabled"))
	}
	if c.FFmpeg.Path == "" {
		errs = append(errs, errors.New("ffmpeg.path: required"))
	}
	if c.FFmpeg.Group == "" {
		errs = append(errs, errors.New("ffmpeg.multicast_group: required"))
	}
	if c.FFmpeg.BasePort <= 0 || c.FFmpeg.Ports <= 0 || c.FFmpeg.BasePort+c.FFmpeg.Ports > 65536 {
		errs = append(errs, fmt.Errorf("ffmpeg: port range %d+%d invalid", c.FFmpeg.BasePort, c.FFmpeg.Ports))
	}
	if c.Catalog.Path == "" {
		errs = append(errs, errors.New("catalog.path: required"))
	}
	if err := c.Arbiter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("arbiter: %w", err))
	}
	if err := c.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ListenAddr is the HTTP listen address.
func (c Config) ListenAddr() string { return fmt.Sprintf("%s:%d", c.Server.Addr, c.Server.Port) }
