package config

// Precedence, highest first: CLI flags (cmd/linechat), environment
// variables (this file), defaults.

import (
	"os"
	"strconv"
	"time"
)

// LoadServerFromEnv overlays LINECHAT_* variables onto cfg. Empty or
// unparsable values leave the field unchanged.
func LoadServerFromEnv(cfg *ServerConfig) {
	if v := os.Getenv("LINECHAT_HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("LINECHAT_PORT"); v > 0 {
		cfg.Port = v
	}
	if v := os.Getenv("LINECHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LINECHAT_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("LINECHAT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("LINECHAT_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("LINECHAT_PRESENCE_KEY"); v != "" {
		cfg.PresenceKey = v
	}
	if v := envInt("LINECHAT_WRITE_TIMEOUT"); v > 0 {
		cfg.WriteTimeout = secondsDuration(v)
	}
}

// LoadClientFromEnv overlays LINECHAT_* variables onto cfg.
func LoadClientFromEnv(cfg *ClientConfig) {
	if v := os.Getenv("LINECHAT_HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("LINECHAT_PORT"); v > 0 {
		cfg.Port = v
	}
	if v := os.Getenv("LINECHAT_NICKNAME"); v != "" {
		cfg.Nickname = v
	}
	if v := os.Getenv("LINECHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := envInt("LINECHAT_WRITE_TIMEOUT"); v > 0 {
		cfg.WriteTimeout = secondsDuration(v)
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
