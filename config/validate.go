package config

import (
	"fmt"
	"strings"
)

var validLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

var validExportFormats = map[string]struct{}{
	"csv":     {},
	"jsonl":   {},
	"parquet": {},
}

// ValidateConfig rejects configurations the daemon cannot start on.
func ValidateConfig(cfg *Config) error {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress is required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("config: DataDir is required")
	}
	if _, ok := validLogLevels[strings.ToLower(strings.TrimSpace(cfg.Log.Level))]; !ok {
		return fmt.Errorf("config: unknown log level %q", cfg.Log.Level)
	}
	for _, format := range cfg.Export.Formats {
		if _, ok := validExportFormats[strings.ToLower(strings.TrimSpace(format))]; !ok {
			return fmt.Errorf("config: unknown export format %q", format)
		}
	}
	for i, endpoint := range cfg.Webhooks.Endpoints {
		if strings.TrimSpace(endpoint.URL) == "" {
			return fmt.Errorf("config: webhook endpoint %d has no URL", i)
		}
		if strings.TrimSpace(endpoint.Secret) == "" && strings.TrimSpace(endpoint.SecretEnv) == "" {
			return fmt.Errorf("config: webhook endpoint %d has no Secret or SecretEnv", i)
		}
	}
	if cfg.Webhooks.MaxAttempts < 1 {
		return fmt.Errorf("config: webhooks MaxAttempts must be at least 1")
	}
	return nil
}
