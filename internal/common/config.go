package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Comfy       ComfyConfig     `toml:"comfy"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
	Registry    RegistryConfig  `toml:"registry"`
	Relay       RelayConfig     `toml:"relay"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// ComfyConfig describes the upstream ComfyUI engine and the control-link
// timeouts used while monitoring a job.
type ComfyConfig struct {
	Address          string `toml:"address"`           // host[:port] of the ComfyUI server
	Secure           bool   `toml:"secure"`            // use https/wss when true
	WorkflowPath     string `toml:"workflow_path"`     // face-swap workflow template (JSON)
	DownloadsDir     string `toml:"downloads_dir"`     // where resolved artifacts are written
	ConnectTimeout   string `toml:"connect_timeout"`   // websocket handshake timeout, e.g. "60s"
	PingInterval     string `toml:"ping_interval"`     // keepalive ping interval
	PingTimeout      string `toml:"ping_timeout"`      // pong wait before the link is considered dead
	ReadTimeout      string `toml:"read_timeout"`      // single receive timeout
	IdleLimit        int    `toml:"idle_limit"`        // consecutive read timeouts before TimeoutError
	MaxRetries       int    `toml:"max_retries"`       // connection-establishment attempts
	RetryBaseDelay   string `toml:"retry_base_delay"`  // backoff base, doubles per attempt
	RetryMaxDelay    string `toml:"retry_max_delay"`   // backoff cap
	RequestTimeout   string `toml:"request_timeout"`   // HTTP request timeout (/prompt, /history)
	DownloadTimeout  string `toml:"download_timeout"`  // artifact download timeout
	ResolverAttempts int    `toml:"resolver_attempts"` // bounded /history lookups after completion
	ResolverDelay    string `toml:"resolver_delay"`    // delay between resolver attempts
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

// WebSocketConfig covers the client-facing websocket surfaces
type WebSocketConfig struct {
	MaxConnections    int               `toml:"max_connections"`    // ceiling for live /ws/swap connections
	ThrottleIntervals map[string]string `toml:"throttle_intervals"` // event type -> min broadcast interval for /ws
}

// RegistryConfig controls eviction of terminal job records.
// A zero TTL disables the sweep entirely.
type RegistryConfig struct {
	TTL           string `toml:"ttl"`            // how long terminal jobs are kept, e.g. "24h"
	SweepSchedule string `toml:"sweep_schedule"` // cron schedule for the sweep
}

type RelayConfig struct {
	SinkBuffer int `toml:"sink_buffer"` // per-subscriber delivery buffer before forced detach
}

// NewDefaultConfig returns configuration defaults matching a local setup
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Comfy: ComfyConfig{
			Address:          "localhost:8188",
			Secure:           false,
			WorkflowPath:     "workflows/faceswap.json",
			DownloadsDir:     "downloads",
			ConnectTimeout:   "60s",
			PingInterval:     "20s",
			PingTimeout:      "20s",
			ReadTimeout:      "5s",
			IdleLimit:        60,
			MaxRetries:       3,
			RetryBaseDelay:   "2s",
			RetryMaxDelay:    "60s",
			RequestTimeout:   "30s",
			DownloadTimeout:  "60s",
			ResolverAttempts: 3,
			ResolverDelay:    "2s",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/visage",
				ResetOnStartup: false,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
		},
		WebSocket: WebSocketConfig{
			MaxConnections: 32,
		},
		Registry: RegistryConfig{
			TTL:           "24h",
			SweepSchedule: "@every 1h",
		},
		Relay: RelayConfig{
			SinkBuffer: 64,
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("VISAGE_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("VISAGE_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("VISAGE_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if addr := os.Getenv("VISAGE_COMFY_ADDRESS"); addr != "" {
		config.Comfy.Address = addr
	}
	if secure := os.Getenv("VISAGE_COMFY_SECURE"); secure != "" {
		config.Comfy.Secure = secure == "true" || secure == "1"
	}
	if path := os.Getenv("VISAGE_COMFY_WORKFLOW_PATH"); path != "" {
		config.Comfy.WorkflowPath = path
	}
	if dir := os.Getenv("VISAGE_COMFY_DOWNLOADS_DIR"); dir != "" {
		config.Comfy.DownloadsDir = dir
	}
	if retries := os.Getenv("VISAGE_COMFY_MAX_RETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil {
			config.Comfy.MaxRetries = n
		}
	}

	if badgerPath := os.Getenv("VISAGE_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if level := os.Getenv("VISAGE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("VISAGE_LOG_OUTPUT"); output != "" {
		config.Logging.Output = strings.Split(output, ",")
	}

	if maxConns := os.Getenv("VISAGE_WS_MAX_CONNECTIONS"); maxConns != "" {
		if n, err := strconv.Atoi(maxConns); err == nil {
			config.WebSocket.MaxConnections = n
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Duration parses a duration config value, falling back to def on error.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
