// Package config loads pingchat settings from an optional yaml file,
// PINGCHAT_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config contains every option the server and client commands understand.
type Config struct {
	Server struct {
		// Address the server listens on, host:port or :port.
		Bind string `mapstructure:"bind"`
		// Number of connection slots.
		MaxUsers int `mapstructure:"max_users"`
		// Idle window before a silent connection is dropped.
		Timeout time.Duration `mapstructure:"timeout"`
		// Reassembly buffer per connection; larger frames are discarded.
		BufferSize int `mapstructure:"buffer_size"`
		// Sleep between loop ticks.
		Tick time.Duration `mapstructure:"tick"`
		// Frames one connection may deliver per tick.
		FramesPerTick int `mapstructure:"frames_per_tick"`
		// Frames per second a client may send; 0 disables the limit.
		FrameRate  float64 `mapstructure:"frame_rate"`
		FrameBurst int     `mapstructure:"frame_burst"`
		// Address for the Prometheus /metrics endpoint. Blank disables it.
		MetricsAddr string `mapstructure:"metrics_addr"`
	} `mapstructure:"server"`

	Client struct {
		// Idle window for the connection to the server; 0 keeps the default.
		Timeout time.Duration `mapstructure:"timeout"`
		// Name sent with USER right after connecting. Blank sends nothing.
		Name string `mapstructure:"name"`
		// Reassembly buffer for frames from the server.
		BufferSize int `mapstructure:"buffer_size"`
	} `mapstructure:"client"`

	Log struct {
		// Minimum level written. Options: debug, info, warn, error
		Level string `mapstructure:"level"`
		// File logs are appended to. Blank writes to stderr.
		File string `mapstructure:"file"`
		// Dump every received frame at debug level.
		TraceFrames bool `mapstructure:"trace_frames"`
	} `mapstructure:"log"`
}

const (
	envVarPrefix = "PINGCHAT"
	configName   = "pingchat"
)

// defaults: 8 slots, a 60 second idle window and 1024 byte buffers.
var defaults = map[string]any{
	"server.bind":            ":7777",
	"server.max_users":       8,
	"server.timeout":         60 * time.Second,
	"server.buffer_size":     1024,
	"server.tick":            time.Millisecond,
	"server.frames_per_tick": 16,
	"server.frame_rate":      0.0,
	"server.frame_burst":     0,
	"server.metrics_addr":    "",
	"client.timeout":         60 * time.Second,
	"client.name":            "",
	"client.buffer_size":     1024,
	"log.level":              "info",
	"log.file":               "",
	"log.trace_frames":       false,
}

// ServerFlags maps flag names of the serve command to config keys.
var ServerFlags = map[string]string{
	"bind":            "server.bind",
	"max-users":       "server.max_users",
	"timeout":         "server.timeout",
	"buffer-size":     "server.buffer_size",
	"tick":            "server.tick",
	"frames-per-tick": "server.frames_per_tick",
	"frame-rate":      "server.frame_rate",
	"frame-burst":     "server.frame_burst",
	"metrics-addr":    "server.metrics_addr",
	"log-level":       "log.level",
	"log-file":        "log.file",
	"trace-frames":    "log.trace_frames",
}

// ClientFlags maps flag names of the connect command to config keys.
var ClientFlags = map[string]string{
	"name":         "client.name",
	"timeout":      "client.timeout",
	"buffer-size":  "client.buffer_size",
	"log-level":    "log.level",
	"log-file":     "log.file",
	"trace-frames": "log.trace_frames",
}

// Load reads configPath (a directory holding pingchat.yaml, or blank for the
// current directory) and overlays the environment and the flags of fs named
// in flags. Only flags the user actually set take precedence. A missing file
// is not an error.
func Load(configPath string, fs *pflag.FlagSet, flags map[string]string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if configPath == "" {
		configPath = "."
	}
	v.AddConfigPath(configPath)
	v.SetConfigName(configName)
	v.SetConfigType("yaml")

	// Nested keys are reachable as PINGCHAT_SERVER_MAX_USERS and so on.
	v.SetEnvPrefix(envVarPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	if fs != nil {
		for name, key := range flags {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Wrapf(err, "binding flag --%s to %s", name, key)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// minBufferSize is the room needed for a locally synthesized ERROR frame.
const minBufferSize = 7

// Validate rejects settings the server or client cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.Server.MaxUsers <= 0:
		return errors.Errorf("server.max_users must be positive, got %d", c.Server.MaxUsers)
	case c.Server.Timeout <= 0:
		return errors.Errorf("server.timeout must be positive, got %s", c.Server.Timeout)
	case c.Server.BufferSize < minBufferSize || c.Server.BufferSize > 0xFFFF:
		return errors.Errorf("server.buffer_size must be in [%d, 65535], got %d", minBufferSize, c.Server.BufferSize)
	case c.Client.BufferSize < minBufferSize || c.Client.BufferSize > 0xFFFF:
		return errors.Errorf("client.buffer_size must be in [%d, 65535], got %d", minBufferSize, c.Client.BufferSize)
	case c.Server.FramesPerTick <= 0:
		return errors.Errorf("server.frames_per_tick must be positive, got %d", c.Server.FramesPerTick)
	case c.Server.FrameRate < 0:
		return errors.Errorf("server.frame_rate must not be negative, got %v", c.Server.FrameRate)
	case c.Client.Timeout < 0:
		return errors.Errorf("client.timeout must not be negative, got %s", c.Client.Timeout)
	}
	return nil
}
