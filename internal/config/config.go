package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr string

	// Storage
	Backend string // "memory" | "sqlite"
	DBPath  string // e.g. "./data/attendgate.db"

	// Logging
	LogLevel  string // "debug" | "info" | "warn" | "error"
	LogFormat string // "console" | "json"

	// Liveness
	OfflineAfterSeconds  int // staleness threshold for online/offline
	SweepIntervalSeconds int // how often the liveness sweep runs

	// Autonomous poller
	PollerIntervalSeconds int
	FetchGraceSeconds     int // wait before re-arming a full fetch
	FetchMaxAttempts      int // campaign attempt ceiling

	// Ingestion
	BurstThreshold int // accepted events per batch that re-arm a full fetch

	// Log retention
	LogRetentionDays   int // 0 = keep forever
	PruneIntervalHours int
}

func FromEnv() Config {
	backend := strings.ToLower(getenvDefault("ATTENDGATE_BACKEND", "memory"))
	if backend != "memory" && backend != "sqlite" {
		// fail-soft: treat unknown as memory
		backend = "memory"
	}

	return Config{
		HTTPAddr: getenvDefault("ATTENDGATE_HTTP_ADDR", ":8081"),

		Backend: backend,
		DBPath:  getenvDefault("ATTENDGATE_DB_PATH", "./data/attendgate.db"),

		LogLevel:  getenvDefault("ATTENDGATE_LOG_LEVEL", "info"),
		LogFormat: getenvDefault("ATTENDGATE_LOG_FORMAT", "console"),

		OfflineAfterSeconds:  getenvInt("ATTENDGATE_OFFLINE_AFTER_SECONDS", 120),
		SweepIntervalSeconds: getenvInt("ATTENDGATE_SWEEP_INTERVAL_SECONDS", 30),

		PollerIntervalSeconds: getenvInt("ATTENDGATE_POLLER_INTERVAL_SECONDS", 15),
		FetchGraceSeconds:     getenvInt("ATTENDGATE_FETCH_GRACE_SECONDS", 60),
		FetchMaxAttempts:      getenvInt("ATTENDGATE_FETCH_MAX_ATTEMPTS", 5),

		BurstThreshold: getenvInt("ATTENDGATE_BURST_THRESHOLD", 20),

		LogRetentionDays:   getenvInt("ATTENDGATE_LOG_RETENTION_DAYS", 7),
		PruneIntervalHours: getenvInt("ATTENDGATE_PRUNE_INTERVAL_HOURS", 6),
	}
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
