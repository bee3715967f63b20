package realtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the runtime configuration consumed by NewManager. Zero values
// fall back to the defaults from DefaultConfig.
type Config struct {
	// MaxConnections is the hard connection pool capacity. Registrations
	// past it fail; nothing is ever evicted to make room.
	MaxConnections int

	// MessagesPerSecond is the per-connection event quota per rate window.
	MessagesPerSecond int

	// SubscriptionsPerConnection caps concurrent channel subscriptions per
	// connection.
	SubscriptionsPerConnection int

	// RateWindow is the fixed rate-limit window for message quotas.
	RateWindow time.Duration

	// MaxPayloadBytes bounds the serialized event payload. Oversized
	// payloads are rejected before the transport is invoked.
	MaxPayloadBytes int

	// TransportTimeout bounds each transport call.
	TransportTimeout time.Duration

	// TransportBatchMax overrides the transport's native batch cap when
	// lower. 0 means use the transport's own cap.
	TransportBatchMax int

	// AnnounceChannel, when set, receives connection lifecycle events.
	AnnounceChannel string

	// NodeID distinguishes ID generators across instances (0-1023).
	NodeID int64

	Health HealthConfig
}

// HealthConfig holds the status thresholds for the health monitor. Only
// the ordering unhealthy > degraded > healthy is fixed; the cutoffs are
// deployment policy.
type HealthConfig struct {
	LatencyWindow       int           // latency samples retained for percentiles
	ErrorWindow         time.Duration // window for delivery error rate
	MinSamples          int           // deliveries required before error rate applies
	DegradedErrorRate   float64
	UnhealthyErrorRate  float64
	DegradedUtilization float64
	DegradedLatencyP99  time.Duration
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:             1000,
		MessagesPerSecond:          10,
		SubscriptionsPerConnection: 50,
		RateWindow:                 time.Second,
		MaxPayloadBytes:            10 * 1024,
		TransportTimeout:           5 * time.Second,
		TransportBatchMax:          0,
		Health: HealthConfig{
			LatencyWindow:       512,
			ErrorWindow:         time.Minute,
			MinSamples:          5,
			DegradedErrorRate:   0.1,
			UnhealthyErrorRate:  0.5,
			DegradedUtilization: 0.9,
			DegradedLatencyP99:  time.Second,
		},
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConnections == 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.MessagesPerSecond == 0 {
		c.MessagesPerSecond = def.MessagesPerSecond
	}
	if c.SubscriptionsPerConnection == 0 {
		c.SubscriptionsPerConnection = def.SubscriptionsPerConnection
	}
	if c.RateWindow == 0 {
		c.RateWindow = def.RateWindow
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if c.TransportTimeout == 0 {
		c.TransportTimeout = def.TransportTimeout
	}
	if c.Health.LatencyWindow == 0 {
		c.Health.LatencyWindow = def.Health.LatencyWindow
	}
	if c.Health.ErrorWindow == 0 {
		c.Health.ErrorWindow = def.Health.ErrorWindow
	}
	if c.Health.MinSamples == 0 {
		c.Health.MinSamples = def.Health.MinSamples
	}
	if c.Health.DegradedErrorRate == 0 {
		c.Health.DegradedErrorRate = def.Health.DegradedErrorRate
	}
	if c.Health.UnhealthyErrorRate == 0 {
		c.Health.UnhealthyErrorRate = def.Health.UnhealthyErrorRate
	}
	if c.Health.DegradedUtilization == 0 {
		c.Health.DegradedUtilization = def.Health.DegradedUtilization
	}
	if c.Health.DegradedLatencyP99 == 0 {
		c.Health.DegradedLatencyP99 = def.Health.DegradedLatencyP99
	}
	return c
}

// Validate rejects configurations the manager cannot run with.
func (c Config) Validate() error {
	if c.MaxConnections < 0 {
		return fmt.Errorf("max connections must not be negative, got %d", c.MaxConnections)
	}
	if c.MessagesPerSecond < 0 {
		return fmt.Errorf("messages per second must not be negative, got %d", c.MessagesPerSecond)
	}
	if c.SubscriptionsPerConnection < 0 {
		return fmt.Errorf("subscriptions per connection must not be negative, got %d", c.SubscriptionsPerConnection)
	}
	if c.RateWindow < 0 {
		return fmt.Errorf("rate window must not be negative, got %v", c.RateWindow)
	}
	if c.MaxPayloadBytes < 0 {
		return fmt.Errorf("max payload bytes must not be negative, got %d", c.MaxPayloadBytes)
	}
	if c.NodeID < 0 || c.NodeID > idMaxNode {
		return fmt.Errorf("node id must be 0-%d, got %d", idMaxNode, c.NodeID)
	}
	return nil
}

// FileConfig is the structure of the daemon's TOML config file.
type FileConfig struct {
	Server    ServerSection    `toml:"server"`
	Pool      PoolSection      `toml:"pool"`
	Limits    LimitsSection    `toml:"limits"`
	Transport TransportSection `toml:"transport"`
	Health    HealthSection    `toml:"health"`
}

type ServerSection struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	Environment string `toml:"environment"`
}

type PoolSection struct {
	MaxConnections int `toml:"max_connections"`
}

type LimitsSection struct {
	MessagesPerSecond          int `toml:"messages_per_second"`
	SubscriptionsPerConnection int `toml:"subscriptions_per_connection"`
	RateWindowMs               int `toml:"rate_window_ms"`
	MaxPayloadBytes            int `toml:"max_payload_bytes"`
}

type TransportSection struct {
	// Provider selects the transport implementation: "push" for the
	// managed provider, "local" for the self-hosted websocket hub, "none"
	// to discard events.
	Provider        string      `toml:"provider"`
	TimeoutMs       int         `toml:"timeout_ms"`
	BatchMax        int         `toml:"batch_max"`
	AnnounceChannel string      `toml:"announce_channel"`
	Push            PushSection `toml:"push"`
}

type PushSection struct {
	BaseURL string `toml:"base_url"`
	AppID   string `toml:"app_id"`
	Key     string `toml:"key"`
	Secret  string `toml:"secret"`
}

type HealthSection struct {
	LatencyWindow        int     `toml:"latency_window"`
	ErrorWindowMs        int     `toml:"error_window_ms"`
	MinSamples           int     `toml:"min_samples"`
	DegradedErrorRate    float64 `toml:"degraded_error_rate"`
	UnhealthyErrorRate   float64 `toml:"unhealthy_error_rate"`
	DegradedUtilization  float64 `toml:"degraded_utilization"`
	DegradedLatencyP99Ms int     `toml:"degraded_latency_p99_ms"`
}

// DefaultFileConfig returns the default daemon configuration.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Server: ServerSection{
			Host:        "0.0.0.0",
			Port:        8080,
			Environment: "development",
		},
		Pool: PoolSection{
			MaxConnections: 1000,
		},
		Limits: LimitsSection{
			MessagesPerSecond:          10,
			SubscriptionsPerConnection: 50,
			RateWindowMs:               1000,
			MaxPayloadBytes:            10 * 1024,
		},
		Transport: TransportSection{
			Provider:  "local",
			TimeoutMs: 5000,
			Push: PushSection{
				BaseURL: "https://api.push.example.com",
				AppID:   "${PUSH_APP_ID}",
				Key:     "${PUSH_KEY}",
				Secret:  "${PUSH_SECRET}",
			},
		},
		Health: HealthSection{
			LatencyWindow:        512,
			ErrorWindowMs:        60000,
			MinSamples:           5,
			DegradedErrorRate:    0.1,
			UnhealthyErrorRate:   0.5,
			DegradedUtilization:  0.9,
			DegradedLatencyP99Ms: 1000,
		},
	}
}

// LoadFileConfig loads the TOML config at path, creating it with defaults
// when missing. ${VAR} references are expanded from the environment so
// provider secrets stay out of the file.
func LoadFileConfig(path string) (FileConfig, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return FileConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultFileConfig()
		if err := writeDefaultFileConfig(path, config); err != nil {
			// Could not write (read-only filesystem etc); run on defaults.
			return config, nil
		}
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var config FileConfig
	if _, err := toml.Decode(os.ExpandEnv(string(data)), &config); err != nil {
		return FileConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultFileConfig writes the default config to a file.
func writeDefaultFileConfig(path string, config FileConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# TeamTrek realtime daemon configuration
# This file was auto-generated with default values
# Edit as needed and restart the daemon for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ManagerConfig converts the file config into the runtime Config,
// falling back to defaults for unset values.
func (c *FileConfig) ManagerConfig() Config {
	cfg := DefaultConfig()

	if c.Pool.MaxConnections != 0 {
		cfg.MaxConnections = c.Pool.MaxConnections
	}
	if c.Limits.MessagesPerSecond != 0 {
		cfg.MessagesPerSecond = c.Limits.MessagesPerSecond
	}
	if c.Limits.SubscriptionsPerConnection != 0 {
		cfg.SubscriptionsPerConnection = c.Limits.SubscriptionsPerConnection
	}
	if c.Limits.RateWindowMs != 0 {
		cfg.RateWindow = time.Duration(c.Limits.RateWindowMs) * time.Millisecond
	}
	if c.Limits.MaxPayloadBytes != 0 {
		cfg.MaxPayloadBytes = c.Limits.MaxPayloadBytes
	}
	if c.Transport.TimeoutMs != 0 {
		cfg.TransportTimeout = time.Duration(c.Transport.TimeoutMs) * time.Millisecond
	}
	if c.Transport.BatchMax != 0 {
		cfg.TransportBatchMax = c.Transport.BatchMax
	}
	if c.Transport.AnnounceChannel != "" {
		cfg.AnnounceChannel = c.Transport.AnnounceChannel
	}
	if c.Health.LatencyWindow != 0 {
		cfg.Health.LatencyWindow = c.Health.LatencyWindow
	}
	if c.Health.ErrorWindowMs != 0 {
		cfg.Health.ErrorWindow = time.Duration(c.Health.ErrorWindowMs) * time.Millisecond
	}
	if c.Health.MinSamples != 0 {
		cfg.Health.MinSamples = c.Health.MinSamples
	}
	if c.Health.DegradedErrorRate != 0 {
		cfg.Health.DegradedErrorRate = c.Health.DegradedErrorRate
	}
	if c.Health.UnhealthyErrorRate != 0 {
		cfg.Health.UnhealthyErrorRate = c.Health.UnhealthyErrorRate
	}
	if c.Health.DegradedUtilization != 0 {
		cfg.Health.DegradedUtilization = c.Health.DegradedUtilization
	}
	if c.Health.DegradedLatencyP99Ms != 0 {
		cfg.Health.DegradedLatencyP99 = time.Duration(c.Health.DegradedLatencyP99Ms) * time.Millisecond
	}

	return cfg
}

// Validate rejects file configurations the daemon cannot start with.
func (c *FileConfig) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 0-65535, got %d", c.Server.Port)
	}
	switch c.Transport.Provider {
	case "", "push", "local", "none":
	default:
		return fmt.Errorf("unknown transport provider %q (want push, local or none)", c.Transport.Provider)
	}
	if c.Transport.Provider == "push" {
		if c.Transport.Push.AppID == "" || c.Transport.Push.Key == "" || c.Transport.Push.Secret == "" {
			return fmt.Errorf("push transport requires app_id, key and secret")
		}
	}
	return c.ManagerConfig().Validate()
}
