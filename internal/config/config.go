package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	TrustStorePath     string
	TrustStorePassword string

	HTTPTimeout            time.Duration
	PollingInterval        time.Duration
	MessagePollingInterval time.Duration
	LongPollTimeoutOffset  time.Duration
	LongPollingEnabled     bool

	MaxQueueSize             int
	MaxMessagesPerConnection int
	RequestBufferSize        int

	AllowDraftModels bool
	GatewayMode      bool

	Environment string
	LogLevel    string
}

func Load() Config {
	return Config{
		TrustStorePath:     getenv("TRUST_STORE_PATH", "trusted_assets.json"),
		TrustStorePassword: getenv("TRUST_STORE_PASSWORD", ""),

		HTTPTimeout:            getduration("HTTP_TIMEOUT_MS", 15*time.Second),
		PollingInterval:        getduration("POLLING_INTERVAL_MS", time.Second),
		MessagePollingInterval: getduration("MESSAGE_POLLING_INTERVAL_MS", 3*time.Second),
		LongPollTimeoutOffset:  getduration("LONG_POLL_TIMEOUT_OFFSET_MS", 100*time.Millisecond),
		LongPollingEnabled:     getbool("LONG_POLLING_ENABLED", true),

		MaxQueueSize:             getint("MAX_QUEUE_SIZE", 10000),
		MaxMessagesPerConnection: getint("MAX_MESSAGES_PER_CONNECTION", 100),
		RequestBufferSize:        getint("REQUEST_BUFFER_SIZE", 4192),

		AllowDraftModels: getbool("ALLOW_DRAFT_MODELS", false),
		GatewayMode:      getbool("GATEWAY_MODE", false),

		Environment: getenv("ENVIRONMENT", "production"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
