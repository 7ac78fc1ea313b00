// Copyright 2018 Axel Wagner
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the configuration of the nbd server from YAML files
// and the environment.
package config

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the root server configuration.
type Config struct {
	// Listen is where the server accepts NBD connections.
	Listen ListenConfig `mapstructure:"listen"`
	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
	// TLS enables NBD_OPT_STARTTLS if a certificate is configured.
	TLS TLSConfig `mapstructure:"tls"`
	// Limits bounds what clients may send.
	Limits LimitsConfig `mapstructure:"limits"`
	// Metrics exposes Prometheus metrics over HTTP.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Exports lists the served exports. The first one is the default.
	Exports []ExportConfig `mapstructure:"exports"`
}

// ListenConfig is a network/address pair as accepted by net.Listen.
type ListenConfig struct {
	Network string `mapstructure:"network"`
	Address string `mapstructure:"address"`
	// IdleTimeout closes connections without traffic. Zero disables it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// TLSConfig configures the TLS upgrade.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// Require refuses to serve exports over unencrypted connections.
	Require bool `mapstructure:"require"`
}

// Enabled reports whether a certificate is configured.
func (c TLSConfig) Enabled() bool { return c.CertFile != "" }

// LimitsConfig bounds client messages. Sizes are humanized strings.
type LimitsConfig struct {
	MaxOptionLength string `mapstructure:"max_option_length"`
	MaxPayload      string `mapstructure:"max_payload"`
}

// MetricsConfig configures the metrics endpoint. An empty address disables
// it.
type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// Backends supported by ExportConfig.Backend.
const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// ExportConfig describes a single export.
type ExportConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	// Backend is one of file, memory or badger.
	Backend string `mapstructure:"backend"`
	// Path is the file or badger directory. Unused for memory.
	Path string `mapstructure:"path"`
	// Size like "1GiB". Optional for file exports, which then use the size
	// of the existing file.
	Size       string          `mapstructure:"size"`
	ReadOnly   bool            `mapstructure:"read_only"`
	MultiConn  bool            `mapstructure:"multi_conn"`
	Rotational bool            `mapstructure:"rotational"`
	BlockSize  BlockSizeConfig `mapstructure:"block_size"`
}

// BlockSizeConfig are the block size constraints announced to clients. Zero
// values use the server defaults.
type BlockSizeConfig struct {
	Min       string `mapstructure:"min"`
	Preferred string `mapstructure:"preferred"`
	Max       string `mapstructure:"max"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Network: "tcp",
			Address: "localhost:10809",
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Limits: LimitsConfig{
			MaxOptionLength: "4KiB",
			MaxPayload:      "32MiB",
		},
	}
}

// Loader reads the configuration and keeps track of the file it came from,
// so it can be watched for changes.
type Loader struct {
	// mu serializes reads of the file, which may race with reloads.
	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader prepares loading from path. If path is empty, $NBD_CONFIG, then
// nbd.yaml in the working directory, ./configs and /etc/nbd are tried.
// Environment variables use the prefix NBD and `.`/`-` are replaced with `_`.
// Example: NBD_LOG_LEVEL=debug
func NewLoader(path string) *Loader {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("NBD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("listen.network", cfg.Listen.Network)
	v.SetDefault("listen.address", cfg.Listen.Address)
	v.SetDefault("listen.idle_timeout", cfg.Listen.IdleTimeout)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("tls.cert_file", cfg.TLS.CertFile)
	v.SetDefault("tls.key_file", cfg.TLS.KeyFile)
	v.SetDefault("tls.require", cfg.TLS.Require)
	v.SetDefault("limits.max_option_length", cfg.Limits.MaxOptionLength)
	v.SetDefault("limits.max_payload", cfg.Limits.MaxPayload)
	v.SetDefault("metrics.address", cfg.Metrics.Address)

	if path == "" {
		path = os.Getenv("NBD_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("nbd")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath(filepath.Join("/etc", "nbd"))
	}
	return &Loader{v: v}
}

// Load reads and validates the configuration. A missing config file is not
// an error if no path was given explicitly.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg := Default()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch calls fn with the new configuration every time the config file
// changes. Invalid configurations are passed to onErr and otherwise ignored.
func (l *Loader) Watch(fn func(*Config), onErr func(error)) {
	l.v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Load()
		if err != nil {
			if onErr != nil {
				onErr(fmt.Errorf("reload %s: %w", ev.Name, err))
			}
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
}

// Load is a shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Validate checks the configuration and fills in derived defaults.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if c.Listen.Network == "" {
		c.Listen.Network = "tcp"
	}
	if c.TLS.Require && !c.TLS.Enabled() {
		return errors.New("tls.require needs tls.cert_file")
	}
	if c.TLS.Enabled() && c.TLS.KeyFile == "" {
		return errors.New("tls.cert_file needs tls.key_file")
	}
	if n, err := parseSize("limits.max_option_length", c.Limits.MaxOptionLength); err != nil {
		return err
	} else if n > 1<<32-1 {
		return fmt.Errorf("limits.max_option_length: %s is too large", c.Limits.MaxOptionLength)
	}
	if n, err := parseSize("limits.max_payload", c.Limits.MaxPayload); err != nil {
		return err
	} else if n > 1<<32-1 {
		return fmt.Errorf("limits.max_payload: %s is too large", c.Limits.MaxPayload)
	}
	if c.Listen.IdleTimeout < 0 {
		return errors.New("listen.idle_timeout must not be negative")
	}

	seen := make(map[string]bool)
	for i := range c.Exports {
		e := &c.Exports[i]
		e.Backend = strings.ToLower(strings.TrimSpace(e.Backend))
		if e.Name == "" {
			return fmt.Errorf("exports[%d]: name is required", i)
		}
		if seen[e.Name] {
			return fmt.Errorf("exports[%d]: duplicate name %q", i, e.Name)
		}
		seen[e.Name] = true
		if err := e.validate(); err != nil {
			return fmt.Errorf("export %q: %w", e.Name, err)
		}
	}
	return nil
}

func (e *ExportConfig) validate() error {
	switch e.Backend {
	case BackendFile, BackendBadger:
		if e.Path == "" && e.Backend == BackendFile {
			return errors.New("path is required")
		}
	case BackendMemory:
	case "":
		return errors.New("backend is required")
	default:
		return fmt.Errorf("unknown backend %q", e.Backend)
	}
	size, err := e.SizeBytes()
	if err != nil {
		return err
	}
	if size == 0 && e.Backend != BackendFile {
		return errors.New("size is required")
	}
	if _, err := e.BlockSize.Constraints(); err != nil {
		return err
	}
	return nil
}

// SizeBytes returns the parsed size, or 0 if none is set.
func (e *ExportConfig) SizeBytes() (uint64, error) {
	return parseSize("size", e.Size)
}

// MaxOptionLengthBytes returns the parsed limit.
func (c LimitsConfig) MaxOptionLengthBytes() uint32 {
	n, _ := parseSize("", c.MaxOptionLength)
	return uint32(n)
}

// MaxPayloadBytes returns the parsed limit.
func (c LimitsConfig) MaxPayloadBytes() uint32 {
	n, _ := parseSize("", c.MaxPayload)
	return uint32(n)
}

// BlockSizes are parsed block size constraints.
type BlockSizes struct {
	Min, Preferred, Max uint32
}

// Constraints parses the block sizes. It returns nil if none are set. Unset
// values default to 1, 4KiB and 32MiB respectively.
func (b BlockSizeConfig) Constraints() (*BlockSizes, error) {
	if b.Min == "" && b.Preferred == "" && b.Max == "" {
		return nil, nil
	}
	bs := &BlockSizes{Min: 1, Preferred: 4 << 10, Max: 32 << 20}
	for _, f := range []struct {
		name string
		s    string
		v    *uint32
	}{
		{"block_size.min", b.Min, &bs.Min},
		{"block_size.preferred", b.Preferred, &bs.Preferred},
		{"block_size.max", b.Max, &bs.Max},
	} {
		if f.s == "" {
			continue
		}
		n, err := parseSize(f.name, f.s)
		if err != nil {
			return nil, err
		}
		if n == 0 || n > 1<<32-1 || bits.OnesCount64(n) != 1 {
			return nil, fmt.Errorf("%s: %s is not a power of two", f.name, f.s)
		}
		*f.v = uint32(n)
	}
	if bs.Min > bs.Preferred || bs.Preferred > bs.Max {
		return nil, fmt.Errorf("block_size: need min <= preferred <= max, got %d, %d, %d", bs.Min, bs.Preferred, bs.Max)
	}
	return bs, nil
}

func parseSize(name, s string) (uint64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}
