package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// EnvConfigFile names the environment variable holding the config file path.
const EnvConfigFile = "LANRELAY_CONFIG_FILE"

// Config is the server-wide settings tree.
type Config struct {
	TCP       *TCPConfig       `json:"tcp"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Database  *DatabaseConfig  `json:"database"`
	Limits    *LimitsConfig    `json:"limits"`
}

// TCPConfig controls the line-framed chat listener.
// FUNCTIONAL DISCOVERY: chat clients may sit idle for hours, so the read
// timeout defaults to 0 (disabled).
type TCPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	MaxFrameSize int           `json:"max_frame_size"`
}

// HTTPConfig controls the status API and WebSocket endpoint.
type HTTPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

// LimitsConfig bounds per-connection resources.
type LimitsConfig struct {
	QueueSize      int           `json:"queue_size"`
	EnqueueTimeout time.Duration `json:"enqueue_timeout"`
	ChatRateLimit  int           `json:"chat_rate_limit"`
	ChatRateWindow time.Duration `json:"chat_rate_window"`
	EventBuffer    int           `json:"event_buffer"`
}

// DefaultConfig returns the LAN defaults: chat on 5555, HTTP on 8080.
func DefaultConfig() *Config {
	return &Config{
		TCP: &TCPConfig{
			Host:         "0.0.0.0",
			Port:         5555,
			ReadTimeout:  0,
			WriteTimeout: 10 * time.Second,
			MaxFrameSize: 1 << 20,
		},
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Database: &DatabaseConfig{
			Path:    "./lanrelay.db",
			Timeout: 30 * time.Second,
		},
		Limits: &LimitsConfig{
			QueueSize:      256,
			EnqueueTimeout: 5 * time.Second,
			ChatRateLimit:  100,
			ChatRateWindow: time.Minute,
			EventBuffer:    1000,
		},
	}
}

// Addr returns the TCP listen address.
func (c *TCPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the HTTP listen address.
func (c *HTTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.TCP == nil {
		return fmt.Errorf("TCP configuration is required")
	}
	if c.TCP.Host == "" {
		return fmt.Errorf("TCP host cannot be empty")
	}
	if !validPort(c.TCP.Port) {
		return fmt.Errorf("TCP port must be between 0 and 65535")
	}
	if c.TCP.ReadTimeout < 0 {
		return fmt.Errorf("TCP read timeout cannot be negative")
	}
	if c.TCP.WriteTimeout <= 0 {
		return fmt.Errorf("TCP write timeout must be positive")
	}
	if c.TCP.MaxFrameSize < 1024 {
		return fmt.Errorf("TCP max frame size must be at least 1024 bytes")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if !validPort(c.HTTP.Port) {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Port != 0 && c.HTTP.Port == c.TCP.Port && c.HTTP.Host == c.TCP.Host {
		return fmt.Errorf("HTTP and TCP listeners cannot share %s", c.TCP.Addr())
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.Limits == nil {
		return fmt.Errorf("limits configuration is required")
	}
	if c.Limits.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.Limits.EnqueueTimeout <= 0 {
		return fmt.Errorf("enqueue timeout must be positive")
	}
	if c.Limits.ChatRateLimit < 0 {
		return fmt.Errorf("chat rate limit cannot be negative")
	}
	if c.Limits.ChatRateLimit > 0 && c.Limits.ChatRateWindow <= 0 {
		return fmt.Errorf("chat rate window must be positive when rate limiting is enabled")
	}
	if c.Limits.EventBuffer <= 0 {
		return fmt.Errorf("event buffer must be positive")
	}

	return nil
}

// validPort accepts 0, which asks the kernel for a free port.
func validPort(p int) bool {
	return p >= 0 && p <= 65535
}

// LoadFromEnv applies LANRELAY_* environment variables over the defaults.
// Unparseable values are ignored and the default is kept.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	envString("LANRELAY_TCP_HOST", &config.TCP.Host)
	envInt("LANRELAY_TCP_PORT", &config.TCP.Port)
	envDuration("LANRELAY_TCP_READ_TIMEOUT", &config.TCP.ReadTimeout)
	envDuration("LANRELAY_TCP_WRITE_TIMEOUT", &config.TCP.WriteTimeout)
	envInt("LANRELAY_TCP_MAX_FRAME_SIZE", &config.TCP.MaxFrameSize)

	envString("LANRELAY_HTTP_HOST", &config.HTTP.Host)
	envInt("LANRELAY_HTTP_PORT", &config.HTTP.Port)
	envDuration("LANRELAY_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("LANRELAY_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)

	envDuration("LANRELAY_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("LANRELAY_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("LANRELAY_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)

	envString("LANRELAY_DATABASE_PATH", &config.Database.Path)
	envDuration("LANRELAY_DATABASE_TIMEOUT", &config.Database.Timeout)

	envInt("LANRELAY_QUEUE_SIZE", &config.Limits.QueueSize)
	envDuration("LANRELAY_ENQUEUE_TIMEOUT", &config.Limits.EnqueueTimeout)
	envInt("LANRELAY_CHAT_RATE_LIMIT", &config.Limits.ChatRateLimit)
	envDuration("LANRELAY_CHAT_RATE_WINDOW", &config.Limits.ChatRateWindow)
	envInt("LANRELAY_EVENT_BUFFER", &config.Limits.EventBuffer)

	return config
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// ConfigFile is the JSON layout on disk.
// FUNCTIONAL DISCOVERY: durations are written as strings ("10s") so a separate
// struct does the parsing.
type ConfigFile struct {
	TCP *struct {
		Host         string `json:"host"`
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		MaxFrameSize int    `json:"max_frame_size"`
	} `json:"tcp"`
	HTTP *struct {
		Host         string `json:"host"`
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"websocket"`
	Database *struct {
		Path    string `json:"path"`
		Timeout string `json:"timeout"`
	} `json:"database"`
	Limits *struct {
		QueueSize      int    `json:"queue_size"`
		EnqueueTimeout string `json:"enqueue_timeout"`
		ChatRateLimit  *int   `json:"chat_rate_limit"`
		ChatRateWindow string `json:"chat_rate_window"`
		EventBuffer    int    `json:"event_buffer"`
	} `json:"limits"`
}

// LoadFromFile reads a JSON config file over the defaults and validates it.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var f ConfigFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var parseErr error
	duration := func(s string, dst *time.Duration) {
		if s == "" || parseErr != nil {
			return
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			parseErr = fmt.Errorf("invalid duration %q in %s: %w", s, path, err)
			return
		}
		*dst = d
	}

	if f.TCP != nil {
		if f.TCP.Host != "" {
			config.TCP.Host = f.TCP.Host
		}
		if f.TCP.Port > 0 {
			config.TCP.Port = f.TCP.Port
		}
		if f.TCP.MaxFrameSize > 0 {
			config.TCP.MaxFrameSize = f.TCP.MaxFrameSize
		}
		duration(f.TCP.ReadTimeout, &config.TCP.ReadTimeout)
		duration(f.TCP.WriteTimeout, &config.TCP.WriteTimeout)
	}

	if f.HTTP != nil {
		if f.HTTP.Host != "" {
			config.HTTP.Host = f.HTTP.Host
		}
		if f.HTTP.Port > 0 {
			config.HTTP.Port = f.HTTP.Port
		}
		duration(f.HTTP.ReadTimeout, &config.HTTP.ReadTimeout)
		duration(f.HTTP.WriteTimeout, &config.HTTP.WriteTimeout)
	}

	if f.WebSocket != nil {
		duration(f.WebSocket.PingInterval, &config.WebSocket.PingInterval)
		duration(f.WebSocket.ReadTimeout, &config.WebSocket.ReadTimeout)
		duration(f.WebSocket.WriteTimeout, &config.WebSocket.WriteTimeout)
	}

	if f.Database != nil {
		if f.Database.Path != "" {
			config.Database.Path = f.Database.Path
		}
		duration(f.Database.Timeout, &config.Database.Timeout)
	}

	if f.Limits != nil {
		if f.Limits.QueueSize > 0 {
			config.Limits.QueueSize = f.Limits.QueueSize
		}
		if f.Limits.EventBuffer > 0 {
			config.Limits.EventBuffer = f.Limits.EventBuffer
		}
		// pointer so an explicit 0 can disable rate limiting
		if f.Limits.ChatRateLimit != nil {
			config.Limits.ChatRateLimit = *f.Limits.ChatRateLimit
		}
		duration(f.Limits.EnqueueTimeout, &config.Limits.EnqueueTimeout)
		duration(f.Limits.ChatRateWindow, &config.Limits.ChatRateWindow)
	}

	return parseErr
}

// LoadConfigWithPrecedence layers file over environment over defaults.
// A missing or broken file is reported and otherwise ignored.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path == "" {
		return config, nil
	}

	layered := LoadFromEnv()
	if err := applyFile(layered, path); err != nil {
		return config, err
	}
	if err := layered.Validate(); err != nil {
		return config, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return layered, nil
}
