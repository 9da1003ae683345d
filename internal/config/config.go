// Package config loads picobridge settings from defaults, an optional YAML
// file, PICOBRIDGE_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"time"

	"github.com/allbin/picobridge/internal/adapter"
	"github.com/allbin/picobridge/internal/ptyproxy"
	"github.com/allbin/picobridge/internal/relay"
	"github.com/allbin/picobridge/internal/repl"
	"github.com/allbin/picobridge/internal/resilience"
	"github.com/allbin/picobridge/internal/watch"
)

// Config is the top-level configuration
type Config struct {
	Env        string           `mapstructure:"env" yaml:"env"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace" yaml:"workspace"`
	Serial     SerialConfig     `mapstructure:"serial" yaml:"serial"`
	PTY        PTYConfig        `mapstructure:"pty" yaml:"pty"`
	Adapter    AdapterConfig    `mapstructure:"adapter" yaml:"adapter"`
	Watcher    WatcherConfig    `mapstructure:"watcher" yaml:"watcher"`
	Resilience ResilienceConfig `mapstructure:"resilience" yaml:"resilience"`
	REPL       REPLConfig       `mapstructure:"repl" yaml:"repl"`
	Relay      RelayConfig      `mapstructure:"relay" yaml:"relay"`
	Firmware   FirmwareConfig   `mapstructure:"firmware" yaml:"firmware"`
	Breaker    BreakerConfig    `mapstructure:"breaker" yaml:"breaker"`
}

// LogConfig controls logging
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// RateLimit is requests per second per client IP, 0 disables limiting
	RateLimit       float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// WorkspaceConfig locates the project files
type WorkspaceConfig struct {
	Root      string `mapstructure:"root" yaml:"root"`
	ScanDepth int    `mapstructure:"scan_depth" yaml:"scan_depth"`
}

// SerialConfig describes the local device on the client side
type SerialConfig struct {
	Device      string        `mapstructure:"device" yaml:"device"`
	BaudRate    int           `mapstructure:"baud_rate" yaml:"baud_rate"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
}

// PTYConfig configures the virtual serial port
type PTYConfig struct {
	Backend      string        `mapstructure:"backend" yaml:"backend"`
	LinkPath     string        `mapstructure:"link_path" yaml:"link_path"`
	SocatPath    string        `mapstructure:"socat_path" yaml:"socat_path"`
	StartTimeout time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
}

// AdapterConfig tunes reconnects of the server side port
type AdapterConfig struct {
	BaudRate       int           `mapstructure:"baud_rate" yaml:"baud_rate"`
	ReconnectBase  time.Duration `mapstructure:"reconnect_base" yaml:"reconnect_base"`
	MaxReconnects  int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	PTYRestartBase time.Duration `mapstructure:"pty_restart_base" yaml:"pty_restart_base"`
	MaxPTYRestarts int           `mapstructure:"max_pty_restarts" yaml:"max_pty_restarts"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// WatcherConfig configures the workspace file watcher
type WatcherConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Debounce    time.Duration `mapstructure:"debounce" yaml:"debounce"`
	RestartBase time.Duration `mapstructure:"restart_base" yaml:"restart_base"`
	MaxRestarts int           `mapstructure:"max_restarts" yaml:"max_restarts"`
}

// ResilienceConfig configures the process guard
type ResilienceConfig struct {
	MaxRecords  int  `mapstructure:"max_records" yaml:"max_records"`
	ExitOnFatal bool `mapstructure:"exit_on_fatal" yaml:"exit_on_fatal"`
}

// REPLConfig holds raw REPL timings
type REPLConfig struct {
	ChunkSize       int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	ChunkDelay      time.Duration `mapstructure:"chunk_delay" yaml:"chunk_delay"`
	EnterRawDelay   time.Duration `mapstructure:"enter_raw_delay" yaml:"enter_raw_delay"`
	InterruptDelay  time.Duration `mapstructure:"interrupt_delay" yaml:"interrupt_delay"`
	Settle          time.Duration `mapstructure:"settle" yaml:"settle"`
	DoubleInterrupt bool          `mapstructure:"double_interrupt" yaml:"double_interrupt"`
}

// RelayConfig configures both relay ends
type RelayConfig struct {
	URL               string        `mapstructure:"url" yaml:"url"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval" yaml:"reconnect_interval"`
	SendBuffer        int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	PingInterval      time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// FirmwareConfig points at a firmware catalog. An empty CatalogURL disables
// the lookup endpoint.
type FirmwareConfig struct {
	CatalogURL string        `mapstructure:"catalog_url" yaml:"catalog_url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// BreakerConfig configures the breaker around outbound lookups
type BreakerConfig struct {
	MaxFailures  uint32        `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
}

// Default returns the built-in configuration
func Default() Config {
	timing := repl.DefaultTiming()
	return Config{
		Env: "development",
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8765",
			RateLimit:       20,
			RateBurst:       40,
			ShutdownTimeout: 10 * time.Second,
		},
		Workspace: WorkspaceConfig{Root: ".", ScanDepth: 4},
		Serial: SerialConfig{
			BaudRate:    115200,
			ReadTimeout: 100 * time.Millisecond,
		},
		PTY: PTYConfig{
			Backend:      string(ptyproxy.BackendSocat),
			LinkPath:     "/tmp/picobridge",
			SocatPath:    "socat",
			StartTimeout: 5 * time.Second,
		},
		Adapter: AdapterConfig{
			BaudRate:       115200,
			ReconnectBase:  time.Second,
			MaxReconnects:  5,
			PTYRestartBase: 2 * time.Second,
			MaxPTYRestarts: 3,
			WriteTimeout:   2 * time.Second,
		},
		Watcher: WatcherConfig{
			Enabled:     true,
			Debounce:    watch.DefaultDebounce,
			RestartBase: time.Second,
			MaxRestarts: 5,
		},
		Resilience: ResilienceConfig{MaxRecords: 100},
		REPL: REPLConfig{
			ChunkSize:       timing.ChunkSize,
			ChunkDelay:      timing.ChunkDelay,
			EnterRawDelay:   timing.EnterRawDelay,
			InterruptDelay:  timing.InterruptDelay,
			Settle:          timing.Settle,
			DoubleInterrupt: timing.DoubleInterrupt,
		},
		Relay: RelayConfig{
			URL:               "ws://127.0.0.1:8765/ws",
			ReconnectInterval: 5 * time.Second,
			SendBuffer:        256,
			PingInterval:      30 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		Firmware: FirmwareConfig{Timeout: 10 * time.Second},
		Breaker: BreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		},
	}
}

// PTYProxy returns the supervisor configuration
func (c Config) PTYProxy() ptyproxy.Config {
	return ptyproxy.Config{
		LinkPath:     c.PTY.LinkPath,
		Backend:      ptyproxy.Backend(c.PTY.Backend),
		SocatPath:    c.PTY.SocatPath,
		StartTimeout: c.PTY.StartTimeout,
	}
}

// AdapterConfig returns the adapter configuration
func (c Config) AdapterConfig() adapter.Config {
	return adapter.Config{
		BaudRate:       c.Adapter.BaudRate,
		ReconnectBase:  c.Adapter.ReconnectBase,
		MaxReconnects:  c.Adapter.MaxReconnects,
		PTYRestartBase: c.Adapter.PTYRestartBase,
		MaxPTYRestarts: c.Adapter.MaxPTYRestarts,
		WriteTimeout:   c.Adapter.WriteTimeout,
	}
}

// Timing returns the raw REPL timings
func (c Config) Timing() repl.Timing {
	return repl.Timing{
		ChunkSize:       c.REPL.ChunkSize,
		ChunkDelay:      c.REPL.ChunkDelay,
		EnterRawDelay:   c.REPL.EnterRawDelay,
		InterruptDelay:  c.REPL.InterruptDelay,
		Settle:          c.REPL.Settle,
		DoubleInterrupt: c.REPL.DoubleInterrupt,
	}
}

// Watch returns the watcher configuration
func (c Config) Watch() watch.Config {
	return watch.Config{
		Root:        c.Workspace.Root,
		Debounce:    c.Watcher.Debounce,
		RestartBase: c.Watcher.RestartBase,
		MaxRestarts: c.Watcher.MaxRestarts,
	}
}

// Guard returns the guard configuration
func (c Config) Guard() resilience.GuardConfig {
	return resilience.GuardConfig{
		MaxRecords:  c.Resilience.MaxRecords,
		ExitOnFatal: c.Resilience.ExitOnFatal,
	}
}

// BreakerFor returns a breaker configuration named name
func (c Config) BreakerFor(name string) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		Name:         name,
		MaxFailures:  c.Breaker.MaxFailures,
		ResetTimeout: c.Breaker.ResetTimeout,
	}
}

// Hub returns the relay server configuration
func (c Config) Hub() relay.HubConfig {
	return relay.HubConfig{
		SendBuffer:   c.Relay.SendBuffer,
		PingInterval: c.Relay.PingInterval,
		WriteTimeout: c.Relay.WriteTimeout,
	}
}

// Client returns the relay client configuration
func (c Config) Client() relay.ClientConfig {
	return relay.ClientConfig{
		URL:               c.Relay.URL,
		ReconnectInterval: c.Relay.ReconnectInterval,
		WriteTimeout:      c.Relay.WriteTimeout,
	}
}
