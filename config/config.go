// Package config loads duplexstream settings.
//
// Priority: defaults → YAML file → environment variables.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("duplex.yaml").
//	    WithEnvPrefix("DUPLEX").
//	    Load()
//
// Environment keys are the prefix plus the env tags of the path to a field,
// for example DUPLEX_TRANSPORT_KIND or DUPLEX_CLIENT_KEEP_ALIVE_INTERVAL.
package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

type Config struct {
	Transport TransportConfig `yaml:"transport" env:"TRANSPORT"`
	Session   SessionConfig   `yaml:"session" env:"SESSION"`
	Client    ClientConfig    `yaml:"client" env:"CLIENT"`
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Metrics   MetricsConfig   `yaml:"metrics" env:"METRICS"`
}

// TransportConfig selects the physical channel.
type TransportConfig struct {
	// pipe, tcp, unix or websocket
	Kind string `yaml:"kind" env:"KIND"`
	// Base path of the FIFO pair for kind pipe
	PipeName string `yaml:"pipe_name" env:"PIPE_NAME"`
	// Listen or dial address for tcp and unix; listen address for websocket
	Address string `yaml:"address" env:"ADDRESS"`
	// Dial URL for websocket clients, e.g. ws://127.0.0.1:8080/stream
	URL string `yaml:"url" env:"URL"`
	// HTTP path websocket servers upgrade on
	Path        string        `yaml:"path" env:"PATH"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
}

type SessionConfig struct {
	// Zero waits for responses without limit
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

type ClientConfig struct {
	// Interval between GET /api/version probes; zero disables keep-alive
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" env:"KEEP_ALIVE_INTERVAL"`
	AutoReconnect     bool          `yaml:"auto_reconnect" env:"AUTO_RECONNECT"`
	Reconnect         BackoffConfig `yaml:"reconnect" env:"RECONNECT"`
}

// BackoffConfig bounds reconnect attempts.
type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
	Multiplier      float64       `yaml:"multiplier" env:"MULTIPLIER"`
	MaxAttempts     int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
}

type ServerConfig struct {
	// Accept a new peer after the current one disconnects
	AutoReconnect   bool          `yaml:"auto_reconnect" env:"AUTO_RECONNECT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Reported by GET /api/version
	UserAgent      string        `yaml:"user_agent" env:"USER_AGENT"`
	HandlerTimeout time.Duration `yaml:"handler_timeout" env:"HANDLER_TIMEOUT"`
	// Re-runs of a handler that answers 503; zero disables retry
	HandlerRetries    int           `yaml:"handler_retries" env:"HANDLER_RETRIES"`
	HandlerRetryDelay time.Duration `yaml:"handler_retry_delay" env:"HANDLER_RETRY_DELAY"`
	// Requests per second admitted to the handler; zero disables limiting
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"RATE_BURST"`
}

type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// json or console
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// Address of the /metrics HTTP endpoint
	Address string `yaml:"address" env:"ADDRESS"`
}

func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:        "tcp",
			Address:     "127.0.0.1:7420",
			Path:        "/stream",
			DialTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			RequestTimeout: 30 * time.Second,
		},
		Client: ClientConfig{
			KeepAliveInterval: 0,
			AutoReconnect:     true,
			Reconnect: BackoffConfig{
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     30 * time.Second,
				Multiplier:      2,
				MaxAttempts:     10,
			},
		},
		Server: ServerConfig{
			AutoReconnect:     true,
			ShutdownTimeout:   10 * time.Second,
			UserAgent:         "duplexstream",
			HandlerTimeout:    0,
			HandlerRetries:    0,
			HandlerRetryDelay: 100 * time.Millisecond,
			RateBurst:         1,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stderr"},
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "duplexstream",
			Address:   "127.0.0.1:9420",
		},
	}
}

var ErrInvalidConfig = errors.New("config: invalid")

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	add := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.Transport.Kind {
	case "pipe":
		if c.Transport.PipeName == "" {
			add("transport.pipe_name is required for pipe transport")
		}
	case "tcp", "unix":
		if c.Transport.Address == "" {
			add("transport.address is required for %s transport", c.Transport.Kind)
		}
	case "websocket":
		if c.Transport.Address == "" && c.Transport.URL == "" {
			add("transport.address or transport.url is required for websocket transport")
		}
	default:
		add("unknown transport.kind %q", c.Transport.Kind)
	}

	if c.Session.RequestTimeout < 0 {
		add("session.request_timeout must not be negative")
	}
	if c.Client.KeepAliveInterval < 0 {
		add("client.keep_alive_interval must not be negative")
	}
	if c.Client.AutoReconnect {
		r := c.Client.Reconnect
		if r.InitialInterval <= 0 || r.MaxInterval < r.InitialInterval {
			add("client.reconnect intervals must satisfy 0 < initial_interval <= max_interval")
		}
		if r.Multiplier < 1 {
			add("client.reconnect.multiplier must be at least 1")
		}
		if r.MaxAttempts <= 0 {
			add("client.reconnect.max_attempts must be positive")
		}
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout must be positive")
	}
	if c.Server.HandlerRetries < 0 || (c.Server.HandlerRetries > 0 && c.Server.HandlerRetryDelay <= 0) {
		add("server.handler_retries needs a positive handler_retry_delay")
	}
	if c.Server.RateLimit < 0 || (c.Server.RateLimit > 0 && c.Server.RateBurst <= 0) {
		add("server.rate_limit needs a positive rate_burst")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		add("unknown log.format %q", c.Log.Format)
	}
	return err
}
