package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/msgcore/internal/codec"
)

func validConfig() Config {
	return Config{
		Listener: ListenerConfig{
			Host:         "0.0.0.0",
			Port:         7777,
			WriteTimeout: 10 * time.Second,
			MaxLineBytes: 64 * 1024,
		},
		Registry: RegistryConfig{
			StopTimeout:   2 * time.Second,
			ReceiveBuffer: 4096,
		},
		Crypto: CryptoConfig{
			Framing: "heuristic",
		},
		Dispatch: DispatchConfig{
			TickInterval:   100 * time.Millisecond,
			Mode:           "tick",
			EncryptReplies: true,
		},
		Admin: AdminConfig{
			Host: "127.0.0.1",
			Port: 7778,
		},
		Metrics: MetricsConfig{
			Host: "127.0.0.1",
			Port: 9090,
			Path: "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 7777, cfg.Listener.Port)
	assert.Equal(t, 4096, cfg.Registry.ReceiveBuffer)
	assert.Equal(t, 100*time.Millisecond, cfg.Dispatch.TickInterval)
	assert.Equal(t, "tick", cfg.Dispatch.Mode)
	assert.True(t, cfg.Dispatch.EncryptReplies)
	assert.Zero(t, cfg.Listener.IdleTimeout)
	assert.False(t, cfg.Crypto.Enabled)
}

func TestListenerAddr(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "0.0.0.0:7777", cfg.Listener.Addr())
	assert.Equal(t, "127.0.0.1:7778", cfg.Admin.Addr())
	assert.Equal(t, "127.0.0.1:9090", cfg.Metrics.Addr())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	err := os.WriteFile(path, []byte(`
listener:
  host: 127.0.0.1
  port: 7001
  idle_timeout: 5m
registry:
  stop_timeout: 1s
crypto:
  enabled: true
  passphrase: open sesame
  salt: lobby
  framing: prefix
dispatch:
  mode: immediate
logging:
  level: debug
  format: console
`), 0644)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Listener.Port)
	assert.Equal(t, 5*time.Minute, cfg.Listener.IdleTimeout)
	assert.Equal(t, time.Second, cfg.Registry.StopTimeout)
	assert.Equal(t, 4096, cfg.Registry.ReceiveBuffer)
	assert.True(t, cfg.Crypto.Enabled)
	assert.Equal(t, "prefix", cfg.Crypto.Framing)
	assert.Equal(t, "immediate", cfg.Dispatch.Mode)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listener:\n  port: 7001\n"), 0644))

	t.Setenv("MSG_LISTENER_PORT", "7002")
	t.Setenv("MSG_CRYPTO_PASSPHRASE", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7002, cfg.Listener.Port)
	assert.Equal(t, "from-env", cfg.Crypto.Passphrase)
}

func TestLoadInvalidPath(t *testing.T) {
	_, err := Load("/nonexistent/path.yaml")
	assert.Error(t, err)
}

func TestLoadFromViperRejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("dispatch.mode", "sometimes")
	_, err := LoadFromViper(v)
	assert.ErrorContains(t, err, "dispatch.mode")
}

func TestValidateDispatchMode(t *testing.T) {
	for _, mode := range []string{"tick", "immediate"} {
		cfg := validConfig()
		cfg.Dispatch.Mode = mode
		assert.NoError(t, cfg.Validate(), "mode %q should be valid", mode)
	}
	cfg := validConfig()
	cfg.Dispatch.Mode = "invalid"
	assert.Error(t, cfg.Validate())
}

func TestValidateTickIntervalRequiredInTickMode(t *testing.T) {
	cfg := validConfig()
	cfg.Dispatch.TickInterval = 0
	assert.Error(t, cfg.Validate())

	cfg.Dispatch.Mode = "immediate"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRateBurst(t *testing.T) {
	cfg := validConfig()
	cfg.Listener.RateLimit = 10
	assert.Error(t, cfg.Validate())
	cfg.Listener.RateBurst = 5
	assert.NoError(t, cfg.Validate())
}

func TestValidateCryptoKeyPairing(t *testing.T) {
	p, err := codec.GenerateParams()
	require.NoError(t, err)

	cfg := validConfig()
	cfg.Crypto.Key = p.EncodedKey()
	assert.Error(t, cfg.Validate(), "key without iv")

	cfg.Crypto.IV = p.EncodedIV()
	require.NoError(t, cfg.Validate())

	got, err := cfg.Crypto.Params()
	require.NoError(t, err)
	assert.True(t, p.Equal(got))

	cfg.Crypto.IV = "AAAA"
	assert.Error(t, cfg.Validate())
}

func TestValidateCryptoFraming(t *testing.T) {
	cfg := validConfig()
	cfg.Crypto.Framing = "morse"
	assert.ErrorContains(t, cfg.Validate(), "crypto.framing")
}

func TestCryptoParamsSources(t *testing.T) {
	def, err := CryptoConfig{}.Params()
	require.NoError(t, err)
	assert.True(t, def.Equal(codec.DefaultParams()))

	derived, err := CryptoConfig{Passphrase: "pw", Salt: "s"}.Params()
	require.NoError(t, err)
	want, err := codec.DeriveParams([]byte("pw"), []byte("s"))
	require.NoError(t, err)
	assert.True(t, want.Equal(derived))
}

func TestValidateAdminOnlyWhenEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.Admin.Host = ""
	assert.NoError(t, cfg.Validate())
	cfg.Admin.Enabled = true
	assert.Error(t, cfg.Validate())
}

func TestValidateMetricsPath(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "metrics"
	assert.Error(t, cfg.Validate())
}

func TestValidateLoggingLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		cfg := validConfig()
		cfg.Logging.Level = level
		assert.NoError(t, cfg.Validate(), "level %q should be valid", level)
	}
	cfg := validConfig()
	cfg.Logging.Level = "trace"
	assert.Error(t, cfg.Validate())
}

func TestValidateLoggingFormat(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.Validate())
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Listener.Port = -1
	cfg.Logging.Level = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener.port")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestYAMLRedactsSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Crypto.Passphrase = "hunter2"

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, "<redacted>", back.Crypto.Passphrase)
	assert.Equal(t, cfg.Listener.Port, back.Listener.Port)
	assert.Equal(t, cfg.Dispatch.Mode, back.Dispatch.Mode)
}

// Property: any port outside 0-65535 is rejected.
func TestPropertyInvalidListenerPortRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		port := rapid.OneOf(
			rapid.IntRange(-100000, -1),
			rapid.IntRange(65536, 200000),
		).Draw(t, "port")
		cfg := validConfig()
		cfg.Listener.Port = port
		assert.Error(t, cfg.Validate())
	})
}
