package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "picobridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: 0.0.0.0:9000
pty:
  backend: native
  link_path: /tmp/ttyPICO
repl:
  chunk_delay: 10ms
  double_interrupt: false
firmware:
  catalog_url: https://example.com/catalog.json
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "native", cfg.PTY.Backend)
	assert.Equal(t, "/tmp/ttyPICO", cfg.PTY.LinkPath)
	assert.Equal(t, 10*time.Millisecond, cfg.REPL.ChunkDelay)
	assert.False(t, cfg.REPL.DoubleInterrupt)
	assert.Equal(t, "https://example.com/catalog.json", cfg.Firmware.CatalogURL)
	// untouched keys keep their defaults
	assert.Equal(t, 128, cfg.REPL.ChunkSize)
	assert.Equal(t, 5*time.Second, cfg.Relay.ReconnectInterval)
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: 0.0.0.0:9000\n")
	t.Setenv("PICOBRIDGE_SERVER_ADDR", "127.0.0.1:7000")
	t.Setenv("PICOBRIDGE_ADAPTER_MAX_RECONNECTS", "9")
	t.Setenv("PICOBRIDGE_ADAPTER_RECONNECT_BASE", "250ms")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
	assert.Equal(t, 9, cfg.Adapter.MaxReconnects)
	assert.Equal(t, 250*time.Millisecond, cfg.Adapter.ReconnectBase)
}

func TestFlagsWinWhenSet(t *testing.T) {
	path := writeConfig(t, "log:\n  level: warn\nserver:\n  addr: 0.0.0.0:9000\n")

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.String("addr", "127.0.0.1:8765", "")
	fs.String("log-level", "info", "")
	require.NoError(t, fs.Parse([]string{"--log-level", "debug"}))

	cfg, err := Load(path, map[string]*pflag.Flag{
		"server.addr": fs.Lookup("addr"),
		"log.level":   fs.Lookup("log-level"),
	})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr, "unset flag does not override the file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.PTY.Backend = "tmux" }},
		{"link", func(c *Config) { c.PTY.LinkPath = "" }},
		{"baud", func(c *Config) { c.Adapter.BaudRate = 0 }},
		{"chunk", func(c *Config) { c.REPL.ChunkSize = 0 }},
		{"rate", func(c *Config) { c.Server.RateLimit = -1 }},
		{"depth", func(c *Config) { c.Workspace.ScanDepth = 0 }},
	}
	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := writeConfig(t, "pty:\n  backend: screen\n")
	_, err := Load(path, nil)
	assert.ErrorContains(t, err, "pty.backend")
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = "0.0.0.0:1234"

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "chunk_delay: 5ms")
	assert.Contains(t, string(out), "reconnect_interval: 5s")

	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(out, &raw))

	path := writeConfig(t, string(out))
	loaded, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestKeysCoverEverySection(t *testing.T) {
	keys := Keys()
	for _, k := range []string{"server.addr", "log.level", "pty.backend", "adapter.max_reconnects",
		"watcher.debounce", "resilience.max_records", "repl.settle", "relay.url",
		"firmware.catalog_url", "breaker.reset_timeout", "server.rate_limit"} {
		assert.Contains(t, keys, k)
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.REPL.ChunkSize, cfg.Timing().ChunkSize)
	assert.Equal(t, cfg.PTY.LinkPath, cfg.PTYProxy().LinkPath)
	assert.Equal(t, cfg.Adapter.MaxReconnects, cfg.AdapterConfig().MaxReconnects)
	assert.Equal(t, cfg.Workspace.Root, cfg.Watch().Root)
	assert.Equal(t, "firmware", cfg.BreakerFor("firmware").Name)
	assert.Equal(t, cfg.Relay.URL, cfg.Client().URL)
	assert.Equal(t, cfg.Relay.SendBuffer, cfg.Hub().SendBuffer)
}
