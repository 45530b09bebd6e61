package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the settlement indexer.
type Config struct {
	Port          string
	DatabaseURL   string
	SQLitePath    string
	StreamURL     string
	Consumer      string
	RedialBackoff time.Duration
}

// FromEnv loads configuration from environment variables required by the
// service. A Postgres DSN in MRD_INDEXER_DB_URL selects the production
// driver; otherwise the pure-Go SQLite file at MRD_INDEXER_SQLITE_PATH is
// used.
func FromEnv() (*Config, error) {
	streamURL := strings.TrimSpace(os.Getenv("MRD_INDEXER_STREAM_URL"))
	if streamURL == "" {
		return nil, fmt.Errorf("MRD_INDEXER_STREAM_URL is required")
	}
	parsed, err := url.Parse(streamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MRD_INDEXER_STREAM_URL %q: %w", streamURL, err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("MRD_INDEXER_STREAM_URL must use ws or wss, got %q", parsed.Scheme)
	}

	redialSeconds := parseIntEnv("MRD_INDEXER_REDIAL_SECONDS", 5)
	if redialSeconds <= 0 {
		redialSeconds = 5
	}

	cfg := &Config{
		Port:          getEnvDefault("MRD_INDEXER_PORT", "7080"),
		DatabaseURL:   strings.TrimSpace(os.Getenv("MRD_INDEXER_DB_URL")),
		SQLitePath:    getEnvDefault("MRD_INDEXER_SQLITE_PATH", "./mrd-data-local/indexer.db"),
		StreamURL:     streamURL,
		Consumer:      getEnvDefault("MRD_INDEXER_CONSUMER", "settlement-indexer"),
		RedialBackoff: time.Duration(redialSeconds) * time.Second,
	}
	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}
