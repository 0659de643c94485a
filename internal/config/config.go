package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the triad coordination core.
type Config struct {
	Port        int    // HTTP API port
	CoordAddr   string // task coordinator listen address
	Version     string
	DataDir     string // history store root (rooms/ + core_memory.json)
	HistoryMax  int    // per-room ring buffer capacity
	Coordinator CoordinatorConfig
	Telemetry   TelemetryConfig
}

type CoordinatorConfig struct {
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is loaded first, if
// present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:       envInt("TRIAD_PORT", 8787),
		CoordAddr:  envStr("TRIAD_COORD_ADDR", ":8765"),
		Version:    envStr("TRIAD_VERSION", "0.2.0"),
		DataDir:    envStr("TRIAD_DATA_DIR", defaultDataDir()),
		HistoryMax: envInt("TRIAD_HISTORY_MAX", 10000),
		Coordinator: CoordinatorConfig{
			SweepInterval:     envDur("TRIAD_SWEEP_INTERVAL", 5*time.Second),
			HeartbeatInterval: envDur("TRIAD_HEARTBEAT_INTERVAL", 30*time.Second),
			StaleAfter:        envDur("TRIAD_WORKER_STALE_AFTER", 60*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "triad-core"),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".triad"
	}
	return filepath.Join(home, ".triad")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
