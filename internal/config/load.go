package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/allbin/picobridge/internal/ptyproxy"
)

// EnvPrefix prefixes every environment override, PICOBRIDGE_SERVER_ADDR
// sets server.addr
const EnvPrefix = "PICOBRIDGE"

// Load builds the configuration. path names a YAML file that must exist;
// when empty, picobridge.yaml is looked up in the working directory and the
// user config directory and may be absent. flags maps config keys to
// command line flags, which only win when set explicitly.
func Load(path string, flags map[string]*pflag.Flag) (Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("picobridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "picobridge"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return Config{}, fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Workspace.Root = os.ExpandEnv(cfg.Workspace.Root)
	cfg.PTY.LinkPath = os.ExpandEnv(cfg.PTY.LinkPath)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range flatten("", Default()) {
		v.SetDefault(key, value)
	}
	return v
}

// flatten walks the mapstructure tags of v and returns dotted keys with
// their values, so every key has a default and env lookup works for all
func flatten(prefix string, v any) map[string]any {
	out := make(map[string]any)
	rv := reflect.ValueOf(v)
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		fv := rv.Field(i)
		if fv.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Duration(0)) {
			for k, val := range flatten(key, fv.Interface()) {
				out[k] = val
			}
			continue
		}
		out[key] = fv.Interface()
	}
	return out
}

// Keys returns every configuration key
func Keys() []string {
	m := flatten("", Default())
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Validate rejects settings the components cannot run with
func (c Config) Validate() error {
	switch ptyproxy.Backend(c.PTY.Backend) {
	case ptyproxy.BackendSocat, ptyproxy.BackendNative:
	default:
		return fmt.Errorf("unsupported pty.backend %q", c.PTY.Backend)
	}
	if c.PTY.LinkPath == "" {
		return errors.New("pty.link_path is required")
	}
	if c.Adapter.BaudRate <= 0 || c.Serial.BaudRate <= 0 {
		return errors.New("baud rates must be positive")
	}
	if c.REPL.ChunkSize <= 0 {
		return fmt.Errorf("repl.chunk_size must be positive, got %d", c.REPL.ChunkSize)
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must not be negative")
	}
	if c.Workspace.ScanDepth <= 0 {
		return errors.New("workspace.scan_depth must be positive")
	}
	return nil
}

// YAML renders the effective configuration with durations spelled out
func (c Config) YAML() ([]byte, error) {
	var node yaml.Node
	if err := node.Encode(c); err != nil {
		return nil, err
	}
	humanizeDurations(&node, reflect.ValueOf(c))
	return yaml.Marshal(&node)
}

// humanizeDurations rewrites duration scalars from nanoseconds to "1.5s"
// form. node mirrors v field by field.
func humanizeDurations(node *yaml.Node, v reflect.Value) {
	if node.Kind != yaml.MappingNode || v.Kind() != reflect.Struct {
		return
	}
	byTag := make(map[string]reflect.Value, v.NumField())
	for i := 0; i < v.NumField(); i++ {
		tag := strings.Split(v.Type().Field(i).Tag.Get("yaml"), ",")[0]
		byTag[tag] = v.Field(i)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		fv, ok := byTag[node.Content[i].Value]
		if !ok {
			continue
		}
		val := node.Content[i+1]
		if d, isDur := fv.Interface().(time.Duration); isDur {
			val.Tag = "!!str"
			val.Value = d.String()
			continue
		}
		humanizeDurations(val, fv)
	}
}
