package realtime

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultFileConfigMapsToRuntimeDefaults(t *testing.T) {
	fc := DefaultFileConfig()
	cfg := fc.ManagerConfig()
	def := DefaultConfig()

	if cfg.MaxConnections != def.MaxConnections {
		t.Errorf("Expected max connections %d, got %d", def.MaxConnections, cfg.MaxConnections)
	}
	if cfg.MessagesPerSecond != def.MessagesPerSecond {
		t.Errorf("Expected messages per second %d, got %d", def.MessagesPerSecond, cfg.MessagesPerSecond)
	}
	if cfg.RateWindow != time.Second {
		t.Errorf("Expected 1s rate window, got %v", cfg.RateWindow)
	}
	if cfg.TransportTimeout != 5*time.Second {
		t.Errorf("Expected 5s transport timeout, got %v", cfg.TransportTimeout)
	}
	if cfg.Health.DegradedLatencyP99 != time.Second {
		t.Errorf("Expected 1s degraded latency threshold, got %v", cfg.Health.DegradedLatencyP99)
	}
}

func TestManagerConfigFallsBackToDefaults(t *testing.T) {
	// A zero-value file (empty TOML) must still produce a runnable config.
	fc := FileConfig{}
	cfg := fc.ManagerConfig()
	def := DefaultConfig()

	if cfg.MaxConnections != def.MaxConnections {
		t.Errorf("Expected default max connections, got %d", cfg.MaxConnections)
	}
	if cfg.SubscriptionsPerConnection != def.SubscriptionsPerConnection {
		t.Errorf("Expected default subscription cap, got %d", cfg.SubscriptionsPerConnection)
	}
	if cfg.Health.ErrorWindow != time.Minute {
		t.Errorf("Expected default error window, got %v", cfg.Health.ErrorWindow)
	}
}

func TestManagerConfigOverrides(t *testing.T) {
	fc := FileConfig{}
	fc.Pool.MaxConnections = 10
	fc.Limits.MessagesPerSecond = 5
	fc.Limits.RateWindowMs = 250
	fc.Transport.TimeoutMs = 1500
	fc.Transport.AnnounceChannel = "public-lifecycle"
	fc.Health.DegradedLatencyP99Ms = 300

	cfg := fc.ManagerConfig()
	if cfg.MaxConnections != 10 {
		t.Errorf("Expected max connections 10, got %d", cfg.MaxConnections)
	}
	if cfg.MessagesPerSecond != 5 {
		t.Errorf("Expected messages per second 5, got %d", cfg.MessagesPerSecond)
	}
	if cfg.RateWindow != 250*time.Millisecond {
		t.Errorf("Expected 250ms rate window, got %v", cfg.RateWindow)
	}
	if cfg.TransportTimeout != 1500*time.Millisecond {
		t.Errorf("Expected 1.5s timeout, got %v", cfg.TransportTimeout)
	}
	if cfg.AnnounceChannel != "public-lifecycle" {
		t.Errorf("Expected announce channel, got %q", cfg.AnnounceChannel)
	}
	if cfg.Health.DegradedLatencyP99 != 300*time.Millisecond {
		t.Errorf("Expected 300ms latency threshold, got %v", cfg.Health.DegradedLatencyP99)
	}
}

func TestLoadFileConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "realtimed.toml")

	fc, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig failed: %v", err)
	}
	if fc.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", fc.Server.Port)
	}
	if fc.Transport.Provider != "local" {
		t.Errorf("Expected default provider local, got %q", fc.Transport.Provider)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Default config file should have been created: %v", err)
	}
	if !strings.Contains(string(data), "max_connections") {
		t.Error("Written config should contain the pool section")
	}

	// Loading the file it just wrote must round-trip.
	again, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if again.Pool.MaxConnections != fc.Pool.MaxConnections {
		t.Errorf("Round-trip changed max_connections: %d != %d", again.Pool.MaxConnections, fc.Pool.MaxConnections)
	}
}

func TestLoadFileConfigParsesAndExpandsEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "realtimed.toml")
	t.Setenv("TEST_PUSH_SECRET", "hunter2")

	content := `
[server]
host = "127.0.0.1"
port = 9090
environment = "production"

[pool]
max_connections = 10

[limits]
messages_per_second = 5

[transport]
provider = "push"
timeout_ms = 2000

[transport.push]
base_url = "https://push.example.test"
app_id = "app-1"
key = "key-1"
secret = "${TEST_PUSH_SECRET}"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	fc, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig failed: %v", err)
	}
	if fc.Server.Host != "127.0.0.1" || fc.Server.Port != 9090 {
		t.Errorf("Unexpected server section %+v", fc.Server)
	}
	if fc.Transport.Push.Secret != "hunter2" {
		t.Errorf("Expected env-expanded secret, got %q", fc.Transport.Push.Secret)
	}
	if err := fc.Validate(); err != nil {
		t.Errorf("Config should validate: %v", err)
	}
}

func TestLoadFileConfigRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "realtimed.toml")
	if err := os.WriteFile(path, []byte("not [valid toml"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := LoadFileConfig(path); err == nil {
		t.Error("Expected a parse error")
	}
}

func TestFileConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mut     func(*FileConfig)
		wantErr bool
	}{
		{"defaults are valid", func(fc *FileConfig) {}, false},
		{"empty provider is valid", func(fc *FileConfig) { fc.Transport.Provider = "" }, false},
		{"none provider is valid", func(fc *FileConfig) { fc.Transport.Provider = "none" }, false},
		{"unknown provider", func(fc *FileConfig) { fc.Transport.Provider = "carrier-pigeon" }, true},
		{"port out of range", func(fc *FileConfig) { fc.Server.Port = 70000 }, true},
		{"negative pool", func(fc *FileConfig) { fc.Pool.MaxConnections = -1 }, true},
		{"push without credentials", func(fc *FileConfig) {
			fc.Transport.Provider = "push"
			fc.Transport.Push.AppID = ""
		}, true},
		{"push with credentials", func(fc *FileConfig) {
			fc.Transport.Provider = "push"
			fc.Transport.Push.AppID = "app"
			fc.Transport.Push.Key = "key"
			fc.Transport.Push.Secret = "secret"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := DefaultFileConfig()
			tt.mut(&fc)
			err := fc.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected a validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected valid config, got %v", err)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}

	cfg.NodeID = 1024
	if err := cfg.Validate(); err == nil {
		t.Error("Expected node id 1024 to be rejected")
	}

	cfg = DefaultConfig()
	cfg.MaxConnections = -5
	if err := cfg.Validate(); err == nil {
		t.Error("Expected negative capacity to be rejected")
	}
}
