package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Network.Port != DefaultPort {
		t.Errorf("default port = %d, want %d", cfg.Network.Port, DefaultPort)
	}
	if got := cfg.Network.TickInterval(); got != 50*time.Millisecond {
		t.Errorf("tick interval = %v, want 50ms", got)
	}
	if got := cfg.Network.Linger(); got != 500*time.Millisecond {
		t.Errorf("linger = %v, want 500ms", got)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "port zero", mutate: func(c *Config) { c.Network.Port = 0 }, errorMsg: "port must be between 1 and 65535"},
		{name: "port too large", mutate: func(c *Config) { c.Network.Port = 70000 }, errorMsg: "port must be between 1 and 65535"},
		{name: "unknown transport", mutate: func(c *Config) { c.Network.Transport = "carrier-pigeon" }, errorMsg: "transport must be one of"},
		{name: "tick rate", mutate: func(c *Config) { c.Network.TickRate = 0 }, errorMsg: "tick_rate"},
		{name: "negative linger", mutate: func(c *Config) { c.Network.LingerMs = -1 }, errorMsg: "linger_ms"},
		{name: "negative stale ticks", mutate: func(c *Config) { c.Network.StaleTicks = -1 }, errorMsg: "stale_ticks"},
		{name: "admin without address", mutate: func(c *Config) { c.Admin.Address = "" }, errorMsg: "address cannot be empty"},
		{name: "admin disabled without address", mutate: func(c *Config) { c.Admin = AdminConfig{} }},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, errorMsg: "level must be one of"},
		{name: "no log output", mutate: func(c *Config) { c.Logging.File = ""; c.Logging.Stderr = false }, errorMsg: "either file or stderr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Fatalf("error = %v, want containing %q", err, tt.errorMsg)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file uses defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(dir, "nope.yaml"))
		if err != nil {
			t.Fatalf("Load() error: %v", err)
		}
		if cfg.Network.Transport != TransportWebSocket {
			t.Errorf("transport = %q", cfg.Network.Transport)
		}
	})

	t.Run("partial file keeps other defaults", func(t *testing.T) {
		path := filepath.Join(dir, "partial.yaml")
		data := "network:\n  port: 9000\n  transport: webrtc\nlogging:\n  level: debug\n"
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error: %v", err)
		}
		if cfg.Network.Port != 9000 || cfg.Network.Transport != TransportWebRTC {
			t.Errorf("network = %+v", cfg.Network)
		}
		if cfg.Network.TickRate != 20 {
			t.Errorf("tick rate = %d, want default 20", cfg.Network.TickRate)
		}
		if cfg.Logging.Level != "debug" || cfg.Logging.File != "posrelay.log" {
			t.Errorf("logging = %+v", cfg.Logging)
		}
	})

	t.Run("invalid file", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(path, []byte("network:\n  port: 0\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Fatal("expected validation error")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.yaml")
		if err := os.WriteFile(path, []byte("network: [\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "failed to parse") {
			t.Fatalf("error = %v", err)
		}
	})
}

func TestServerAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: "127.0.0.1:7777"},
		{in: "example.org", want: "example.org:7777"},
		{in: "10.0.0.2:9000", want: "10.0.0.2:9000"},
		{in: ":9000", want: "127.0.0.1:9000"},
		{in: "10.0.0.2:0", wantErr: true},
		{in: "10.0.0.2:99999", wantErr: true},
		{in: "10.0.0.2:abc", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ServerAddress(tt.in, DefaultPort)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ServerAddress(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ServerAddress(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}
