// Package config provides Viper-based configuration loading for the message server.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/msgcore/internal/codec"
)

// ListenerConfig holds TCP acceptor and per-connection settings.
type ListenerConfig struct {
	// Host is the bind address for the TCP listener.
	Host string `mapstructure:"host" yaml:"host"`
	// Port is the TCP port for the listener.
	Port int `mapstructure:"port" yaml:"port"`
	// WriteTimeout bounds a single send to one client.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// IdleTimeout disconnects a client that sends nothing for this long. Zero disables it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// MaxLineBytes caps an unterminated line before it is flushed as a message.
	MaxLineBytes int `mapstructure:"max_line_bytes" yaml:"max_line_bytes"`
	// RateLimit is the sustained inbound lines per second per client. Zero disables it.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	// RateBurst is the inbound burst allowance when RateLimit is set.
	RateBurst int `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (l ListenerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// RegistryConfig holds connection registry settings.
type RegistryConfig struct {
	// StopTimeout bounds how long a receive loop may take to honour cancellation
	// before its transport is closed underneath it.
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	// ReceiveBuffer is the per-read buffer size in bytes.
	ReceiveBuffer int `mapstructure:"receive_buffer" yaml:"receive_buffer"`
}

// CryptoConfig holds payload encryption settings.
// Key material comes from Key/IV, else Passphrase, else the built-in default pair.
type CryptoConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Key        string `mapstructure:"key" yaml:"key"`
	IV         string `mapstructure:"iv" yaml:"iv"`
	Passphrase string `mapstructure:"passphrase" yaml:"passphrase"`
	Salt       string `mapstructure:"salt" yaml:"salt"`
	// Framing is "heuristic" (bare Base64) or "prefix" (ENC: marker).
	Framing string `mapstructure:"framing" yaml:"framing"`
}

// Params resolves the configured key material.
//
// Postcondition: Returns valid Params or a non-nil error.
func (c CryptoConfig) Params() (codec.Params, error) {
	switch {
	case c.Key != "" || c.IV != "":
		return codec.ParseParams(c.Key, c.IV)
	case c.Passphrase != "":
		return codec.DeriveParams([]byte(c.Passphrase), []byte(c.Salt))
	default:
		return codec.DefaultParams(), nil
	}
}

// DispatchConfig holds dispatcher settings.
type DispatchConfig struct {
	// TickInterval is the period between queue drains in tick mode.
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	// Mode is "tick" (drain on a timer) or "immediate" (drain on arrival).
	Mode string `mapstructure:"mode" yaml:"mode"`
	// MaxBatch bounds messages handled per tick. Zero drains everything.
	MaxBatch int `mapstructure:"max_batch" yaml:"max_batch"`
	// EncryptReplies requests encryption of relays and replies when enabled.
	EncryptReplies bool `mapstructure:"encrypt_replies" yaml:"encrypt_replies"`
}

// AdminConfig holds the gRPC admin service settings.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// Addr returns the "host:port" gRPC address.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Addr returns the "host:port" HTTP address.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level" yaml:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format" yaml:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Listener ListenerConfig `mapstructure:"listener" yaml:"listener"`
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`
	Crypto   CryptoConfig   `mapstructure:"crypto" yaml:"crypto"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Admin    AdminConfig    `mapstructure:"admin" yaml:"admin"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateListener(c.Listener),
		validateRegistry(c.Registry),
		validateCrypto(c.Crypto),
		validateDispatch(c.Dispatch),
		validateAdmin(c.Admin),
		validateMetrics(c.Metrics),
		validateLogging(c.Logging),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// YAML renders the configuration with secrets redacted.
func (c Config) YAML() ([]byte, error) {
	redacted := c
	for _, s := range []*string{&redacted.Crypto.Key, &redacted.Crypto.IV, &redacted.Crypto.Passphrase} {
		if *s != "" {
			*s = "<redacted>"
		}
	}
	out, err := yaml.Marshal(redacted)
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}
	return out, nil
}

func validPort(p int) bool { return p >= 0 && p <= 65535 }

func validateListener(l ListenerConfig) error {
	var errs []string
	if !validPort(l.Port) {
		errs = append(errs, fmt.Sprintf("listener.port must be 0-65535, got %d", l.Port))
	}
	if l.WriteTimeout < 0 {
		errs = append(errs, "listener.write_timeout must not be negative")
	}
	if l.IdleTimeout < 0 {
		errs = append(errs, "listener.idle_timeout must not be negative")
	}
	if l.MaxLineBytes < 0 {
		errs = append(errs, fmt.Sprintf("listener.max_line_bytes must be >= 0, got %d", l.MaxLineBytes))
	}
	if l.RateLimit < 0 {
		errs = append(errs, "listener.rate_limit must not be negative")
	}
	if l.RateLimit > 0 && l.RateBurst < 1 {
		errs = append(errs, fmt.Sprintf("listener.rate_burst must be >= 1 when rate_limit is set, got %d", l.RateBurst))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRegistry(r RegistryConfig) error {
	var errs []string
	if r.StopTimeout <= 0 {
		errs = append(errs, "registry.stop_timeout must be positive")
	}
	if r.ReceiveBuffer < 64 {
		errs = append(errs, fmt.Sprintf("registry.receive_buffer must be >= 64, got %d", r.ReceiveBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateCrypto(c CryptoConfig) error {
	var errs []string
	if _, err := codec.ParseFraming(c.Framing); err != nil {
		errs = append(errs, fmt.Sprintf("crypto.framing must be one of [heuristic, prefix], got %q", c.Framing))
	}
	if (c.Key == "") != (c.IV == "") {
		errs = append(errs, "crypto.key and crypto.iv must be set together")
	}
	if c.Key != "" {
		if k, err := base64.StdEncoding.DecodeString(c.Key); err != nil || len(k) != codec.KeySize {
			errs = append(errs, fmt.Sprintf("crypto.key must be base64 of %d bytes", codec.KeySize))
		}
	}
	if c.IV != "" {
		if v, err := base64.StdEncoding.DecodeString(c.IV); err != nil || len(v) != codec.IVSize {
			errs = append(errs, fmt.Sprintf("crypto.iv must be base64 of %d bytes", codec.IVSize))
		}
	}
	if c.Salt != "" && c.Passphrase == "" {
		errs = append(errs, "crypto.salt requires crypto.passphrase")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDispatch(d DispatchConfig) error {
	var errs []string
	validModes := map[string]bool{"tick": true, "immediate": true}
	if !validModes[d.Mode] {
		errs = append(errs, fmt.Sprintf("dispatch.mode must be one of [tick, immediate], got %q", d.Mode))
	}
	if d.Mode == "tick" && d.TickInterval <= 0 {
		errs = append(errs, "dispatch.tick_interval must be positive in tick mode")
	}
	if d.MaxBatch < 0 {
		errs = append(errs, fmt.Sprintf("dispatch.max_batch must be >= 0, got %d", d.MaxBatch))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	if !a.Enabled {
		return nil
	}
	var errs []string
	if a.Host == "" {
		errs = append(errs, "admin.host must not be empty")
	}
	if !validPort(a.Port) {
		errs = append(errs, fmt.Sprintf("admin.port must be 0-65535, got %d", a.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateMetrics(m MetricsConfig) error {
	if !m.Enabled {
		return nil
	}
	var errs []string
	if !validPort(m.Port) {
		errs = append(errs, fmt.Sprintf("metrics.port must be 0-65535, got %d", m.Port))
	}
	if !strings.HasPrefix(m.Path, "/") {
		errs = append(errs, fmt.Sprintf("metrics.path must start with '/', got %q", m.Path))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with MSG_ prefix
	v.SetEnvPrefix("MSG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by the defaults alone.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadFromViper(v)
	if err != nil {
		panic(errors.Join(errors.New("config: defaults are invalid"), err))
	}
	return cfg
}

// SetDefaults installs the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listener.host", "0.0.0.0")
	v.SetDefault("listener.port", 7777)
	v.SetDefault("listener.write_timeout", "10s")
	v.SetDefault("listener.idle_timeout", "0s")
	v.SetDefault("listener.max_line_bytes", 64*1024)
	v.SetDefault("listener.rate_limit", 0)
	v.SetDefault("listener.rate_burst", 0)

	v.SetDefault("registry.stop_timeout", "2s")
	v.SetDefault("registry.receive_buffer", 4096)

	v.SetDefault("crypto.enabled", false)
	v.SetDefault("crypto.key", "")
	v.SetDefault("crypto.iv", "")
	v.SetDefault("crypto.passphrase", "")
	v.SetDefault("crypto.salt", "")
	v.SetDefault("crypto.framing", "heuristic")

	v.SetDefault("dispatch.tick_interval", "100ms")
	v.SetDefault("dispatch.mode", "tick")
	v.SetDefault("dispatch.max_batch", 0)
	v.SetDefault("dispatch.encrypt_replies", true)

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.port", 7778)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.host", "127.0.0.1")
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
