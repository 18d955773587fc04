// Package config holds the server and client settings and loads them from
// defaults, then LINECHAT_* environment variables, then command-line flags.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cyberinferno/linechat/logger"
)

const (
	// DefaultPort is the chat TCP port.
	DefaultPort = 50007

	// DefaultServerHost binds every interface.
	DefaultServerHost = "0.0.0.0"

	// DefaultClientHost is where the console client connects by default.
	DefaultClientHost = "127.0.0.1"

	// DefaultPresenceKey is the Redis set holding online nicknames.
	DefaultPresenceKey = "linechat:online"

	DefaultWriteTimeout     = 10 * time.Second
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRosterCacheTTL   = 30 * time.Second
)

// ConfigError reports an invalid setting.
type ConfigError struct {
	Field   string // flag name
	Value   any    // the invalid value
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: --%s=%v: %s", e.Field, e.Value, e.Message)
}

// ServerConfig configures `linechat serve`.
type ServerConfig struct {
	Host     string
	Port     int
	LogLevel string
	// LogDir enables daily log files next to stdout when set.
	LogDir string
	// MetricsAddr enables the monitoring HTTP endpoint when set.
	MetricsAddr string
	// RedisAddr enables the presence mirror when set.
	RedisAddr      string
	PresenceKey    string
	WriteTimeout   time.Duration
	RosterCacheTTL time.Duration
}

// DefaultServer returns the server defaults.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Host:           DefaultServerHost,
		Port:           DefaultPort,
		LogLevel:       "info",
		PresenceKey:    DefaultPresenceKey,
		WriteTimeout:   DefaultWriteTimeout,
		RosterCacheTTL: DefaultRosterCacheTTL,
	}
}

// Address returns the listen address as "host:port".
func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks the port, log level and timeouts.
func (c ServerConfig) Validate() error {
	if err := validatePort("port", c.Port, true); err != nil {
		return err
	}
	if err := validateLevel(c.LogLevel); err != nil {
		return err
	}
	if c.WriteTimeout < 0 {
		return &ConfigError{Field: "write-timeout", Value: c.WriteTimeout, Message: "must not be negative"}
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return &ConfigError{Field: "metrics-addr", Value: c.MetricsAddr, Message: "must be host:port"}
		}
	}
	return nil
}

// ClientConfig configures `linechat connect`.
type ClientConfig struct {
	Host             string
	Port             int
	Nickname         string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	LogLevel         string
}

// DefaultClient returns the client defaults.
func DefaultClient() ClientConfig {
	return ClientConfig{
		Host:             DefaultClientHost,
		Port:             DefaultPort,
		DialTimeout:      DefaultDialTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		LogLevel:         "warn",
	}
}

// Address returns the server address as "host:port".
func (c ClientConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks the port, log level and timeouts.
func (c ClientConfig) Validate() error {
	if c.Host == "" {
		return &ConfigError{Field: "host", Value: c.Host, Message: "must not be empty"}
	}
	if err := validatePort("port", c.Port, false); err != nil {
		return err
	}
	if err := validateLevel(c.LogLevel); err != nil {
		return err
	}
	if c.DialTimeout < 0 || c.HandshakeTimeout < 0 || c.WriteTimeout < 0 {
		return &ConfigError{Field: "timeout", Value: c.DialTimeout, Message: "timeouts must not be negative"}
	}
	return nil
}

func validatePort(field string, port int, allowZero bool) error {
	if port == 0 && allowZero {
		return nil
	}
	if port < 1 || port > 65535 {
		return &ConfigError{Field: field, Value: port, Message: "must be between 1 and 65535"}
	}
	return nil
}

func validateLevel(level string) error {
	if _, err := logger.ParseLevel(level); err != nil {
		return &ConfigError{Field: "log-level", Value: level, Message: err.Error()}
	}
	return nil
}
