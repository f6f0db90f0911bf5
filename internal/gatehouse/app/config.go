package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseFile string // Optional: path to SQLite database file (default: ./gatehouse.db)
	SnapshotDir  string // Optional: directory for persisted identity snapshots (default: ./snapshots)

	DiscordAPIBase string // Optional: Discord API root override, mainly for tests

	// Identity cache
	IdentityTTL         time.Duration // snapshot freshness window (default: 5m)
	IdentityHardCeiling time.Duration // stale snapshots older than this are absent (default: 30m)
	RefreshTimeout      time.Duration // blocking refresh bound (default: 8s)
	AdminCheckTimeout   time.Duration // authoritative admin predicate bound (default: 3s)
	ProbeInterval       time.Duration // credential liveness probe cadence (default: 2m)
	MaxRefreshFailures  int           // consecutive failures before fail-closed sign-out (default: 3)
	AdminFallback       []string      // allow-list consulted when the admin check times out

	// Session tracking
	HeartbeatInterval time.Duration // heartbeat cadence while visible (default: 2m)
	GraceWindow       time.Duration // hidden time before close (default: 90s)
	SweepInterval     time.Duration // orphan sweep cadence (default: 5m)
	SweepThreshold    time.Duration // heartbeat silence before a row is reaped (default: 10m)

	// Presence
	ActiveWindow time.Duration // strict recency window (default: 2m)
	OnlineWindow time.Duration // loose recency window (default: 5m)
	PollInterval time.Duration // presence poll fallback cadence (default: 15s)

	Env                 string        // Environment (dev, staging, prod) (default: dev)
	LogLevel            string        // Log level (debug, info, warn, error) (default: info)
	LogFormat           string        // Log format (json, text) (default: json)
	Port                int           // HTTP server port (default: 8080)
	ShutdownGracePeriod time.Duration // Graceful shutdown timeout (default: 10s)
}

func LoadConfig() Config {
	return Config{
		DatabaseFile:   getEnvOrDefault("GATEHOUSE_DATABASE_FILE", "gatehouse.db"),
		SnapshotDir:    getEnvOrDefault("GATEHOUSE_SNAPSHOT_DIR", "snapshots"),
		DiscordAPIBase: os.Getenv("GATEHOUSE_DISCORD_API_BASE"),

		IdentityTTL:         getEnvDurationOrDefault("GATEHOUSE_IDENTITY_TTL", 5*time.Minute),
		IdentityHardCeiling: getEnvDurationOrDefault("GATEHOUSE_IDENTITY_HARD_CEILING", 30*time.Minute),
		RefreshTimeout:      getEnvDurationOrDefault("GATEHOUSE_REFRESH_TIMEOUT", 8*time.Second),
		AdminCheckTimeout:   getEnvDurationOrDefault("GATEHOUSE_ADMIN_CHECK_TIMEOUT", 3*time.Second),
		ProbeInterval:       getEnvDurationOrDefault("GATEHOUSE_PROBE_INTERVAL", 2*time.Minute),
		MaxRefreshFailures:  getEnvIntOrDefault("GATEHOUSE_MAX_REFRESH_FAILURES", 3),
		AdminFallback:       getEnvListOrDefault("GATEHOUSE_ADMIN_FALLBACK", nil),

		HeartbeatInterval: getEnvDurationOrDefault("GATEHOUSE_HEARTBEAT_INTERVAL", 2*time.Minute),
		GraceWindow:       getEnvDurationOrDefault("GATEHOUSE_GRACE_WINDOW", 90*time.Second),
		SweepInterval:     getEnvDurationOrDefault("GATEHOUSE_SWEEP_INTERVAL", 5*time.Minute),
		SweepThreshold:    getEnvDurationOrDefault("GATEHOUSE_SWEEP_THRESHOLD", 10*time.Minute),

		ActiveWindow: getEnvDurationOrDefault("GATEHOUSE_ACTIVE_WINDOW", 2*time.Minute),
		OnlineWindow: getEnvDurationOrDefault("GATEHOUSE_ONLINE_WINDOW", 5*time.Minute),
		PollInterval: getEnvDurationOrDefault("GATEHOUSE_POLL_INTERVAL", 15*time.Second),

		Env:                 getEnvOrDefault("ENV", "dev"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod: getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are read as seconds.
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}

func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
