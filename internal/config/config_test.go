package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pingchat.yaml"), []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := &Config{}
	want.Server.Bind = ":7777"
	want.Server.MaxUsers = 8
	want.Server.Timeout = 60 * time.Second
	want.Server.BufferSize = 1024
	want.Server.Tick = time.Millisecond
	want.Server.FramesPerTick = 16
	want.Client.Timeout = 60 * time.Second
	want.Client.BufferSize = 1024
	want.Log.Level = "info"

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_File(t *testing.T) {
	dir := writeConfig(t, `
server:
  bind: 127.0.0.1:9000
  max_users: 3
  timeout: 5s
  frame_rate: 2.5
client:
  name: alice
log:
  level: debug
  trace_frames: true
`)

	cfg, err := Load(dir, nil, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Bind != "127.0.0.1:9000" {
		t.Errorf("Server.Bind = %q", cfg.Server.Bind)
	}
	if cfg.Server.MaxUsers != 3 {
		t.Errorf("Server.MaxUsers = %d, want 3", cfg.Server.MaxUsers)
	}
	if cfg.Server.Timeout != 5*time.Second {
		t.Errorf("Server.Timeout = %v, want 5s", cfg.Server.Timeout)
	}
	if cfg.Server.FrameRate != 2.5 {
		t.Errorf("Server.FrameRate = %v, want 2.5", cfg.Server.FrameRate)
	}
	if cfg.Client.Name != "alice" {
		t.Errorf("Client.Name = %q, want alice", cfg.Client.Name)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.TraceFrames {
		t.Errorf("Log = %+v", cfg.Log)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Server.BufferSize != 1024 {
		t.Errorf("Server.BufferSize = %d, want default 1024", cfg.Server.BufferSize)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := writeConfig(t, "server: [unterminated\n")

	if _, err := Load(dir, nil, nil); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestLoad_Env(t *testing.T) {
	dir := writeConfig(t, "server:\n  max_users: 3\n")
	t.Setenv("PINGCHAT_SERVER_MAX_USERS", "4")
	t.Setenv("PINGCHAT_SERVER_TIMEOUT", "90s")

	cfg, err := Load(dir, nil, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.MaxUsers != 4 {
		t.Errorf("Server.MaxUsers = %d, want env override 4", cfg.Server.MaxUsers)
	}
	if cfg.Server.Timeout != 90*time.Second {
		t.Errorf("Server.Timeout = %v, want 90s", cfg.Server.Timeout)
	}
}

func TestLoad_Flags(t *testing.T) {
	dir := writeConfig(t, "server:\n  max_users: 3\n  buffer_size: 512\n")
	t.Setenv("PINGCHAT_SERVER_MAX_USERS", "4")

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.Int("max-users", 8, "")
	fs.Int("buffer-size", 1024, "")
	fs.Duration("timeout", 60*time.Second, "")
	fs.Int("frames-per-tick", 16, "")
	if err := fs.Parse([]string{"--max-users=2", "--timeout=1s", "--frames-per-tick=4"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg, err := Load(dir, fs, ServerFlags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.MaxUsers != 2 {
		t.Errorf("Server.MaxUsers = %d, want flag value 2", cfg.Server.MaxUsers)
	}
	if cfg.Server.Timeout != time.Second {
		t.Errorf("Server.Timeout = %v, want flag value 1s", cfg.Server.Timeout)
	}
	if cfg.Server.FramesPerTick != 4 {
		t.Errorf("Server.FramesPerTick = %d, want flag value 4", cfg.Server.FramesPerTick)
	}
	if cfg.Server.BufferSize != 512 {
		t.Errorf("Server.BufferSize = %d, want 512 from the file since the flag is unset", cfg.Server.BufferSize)
	}
}

func TestLoad_ClientFlagsLeaveServerAlone(t *testing.T) {
	fs := pflag.NewFlagSet("connect", pflag.ContinueOnError)
	fs.Duration("timeout", 0, "")
	fs.StringP("name", "n", "", "")
	if err := fs.Parse([]string{"--timeout=3s", "-n", "bob"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg, err := Load(t.TempDir(), fs, ClientFlags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Client.Timeout != 3*time.Second || cfg.Client.Name != "bob" {
		t.Errorf("Client = %+v", cfg.Client)
	}
	if cfg.Server.Timeout != 60*time.Second {
		t.Errorf("Server.Timeout = %v, want the default", cfg.Server.Timeout)
	}
}

func TestLoad_ValidationError(t *testing.T) {
	dir := writeConfig(t, "server:\n  max_users: 0\n")

	if _, err := Load(dir, nil, nil); err == nil {
		t.Error("expected validation error for zero max_users")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		c := &Config{}
		c.Server.MaxUsers = 1
		c.Server.Timeout = time.Second
		c.Server.BufferSize = 1024
		c.Server.FramesPerTick = 1
		c.Client.BufferSize = 1024
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"smallest buffer", func(c *Config) { c.Server.BufferSize = 7 }, false},
		{"zero users", func(c *Config) { c.Server.MaxUsers = 0 }, true},
		{"zero timeout", func(c *Config) { c.Server.Timeout = 0 }, true},
		{"buffer too small", func(c *Config) { c.Server.BufferSize = 6 }, true},
		{"buffer too big", func(c *Config) { c.Server.BufferSize = 65536 }, true},
		{"client buffer too small", func(c *Config) { c.Client.BufferSize = 1 }, true},
		{"zero frames per tick", func(c *Config) { c.Server.FramesPerTick = 0 }, true},
		{"negative frame rate", func(c *Config) { c.Server.FrameRate = -1 }, true},
		{"negative client timeout", func(c *Config) { c.Client.Timeout = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
