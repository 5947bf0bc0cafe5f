package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Port             int
	UpstreamURL      string
	DataDir          string
	MaxBodyBytes     int64
	TapBufferBytes   int64
	SubscriberBuffer int
	IdleAfter        time.Duration
	NatsURL          string
	LogLevel         string
}

func Load() Config {
	return Config{
		Port:             envInt("SENTINEL_PORT", 9000),
		UpstreamURL:      envStr("SENTINEL_UPSTREAM_URL", "https://api.anthropic.com"),
		DataDir:          envStr("SENTINEL_DATA_DIR", defaultDataDir()),
		MaxBodyBytes:     int64(envInt("SENTINEL_MAX_BODY_BYTES", 10<<20)),
		TapBufferBytes:   int64(envInt("SENTINEL_TAP_BUFFER_BYTES", 4<<20)),
		SubscriberBuffer: envInt("SENTINEL_SUBSCRIBER_BUFFER", 1024),
		IdleAfter:        time.Duration(envInt("SENTINEL_IDLE_AFTER_MS", 300000)) * time.Millisecond,
		NatsURL:          envStr("SENTINEL_NATS_URL", ""),
		LogLevel:         envStr("SENTINEL_LOG_LEVEL", "info"),
	}
}

// DBPath is the single on-disk database file under the data directory.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "sentinel.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sentinel"
	}
	return filepath.Join(home, ".sentinel")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
