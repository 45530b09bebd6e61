package config

import (
	"fmt"
	"os"
	"strings"
)

// Log controls the structured logging sink. A non-empty File enables the
// size-rotated file sink alongside stdout.
type Log struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Export configures the settlement report artefacts written after each epoch
// finalizes.
type Export struct {
	OutputDir string   `toml:"OutputDir"`
	Formats   []string `toml:"Formats"`
}

// WebhookEndpoint names one delivery target. The signing secret is either
// inlined or resolved from the named environment variable, with the
// environment taking precedence.
type WebhookEndpoint struct {
	Name      string `toml:"Name"`
	URL       string `toml:"URL"`
	Secret    string `toml:"Secret"`
	SecretEnv string `toml:"SecretEnv"`
}

// ResolveSecret returns the HMAC signing secret for the endpoint.
func (e WebhookEndpoint) ResolveSecret() (string, error) {
	if env := strings.TrimSpace(e.SecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value, nil
		}
		return "", fmt.Errorf("webhook endpoint %s: environment variable %s is empty", e.Name, env)
	}
	if secret := strings.TrimSpace(e.Secret); secret != "" {
		return secret, nil
	}
	return "", fmt.Errorf("webhook endpoint %s: no signing secret configured", e.Name)
}

// Webhooks configures signed delivery of settlement notifications.
type Webhooks struct {
	Endpoints   []WebhookEndpoint `toml:"endpoints"`
	MaxAttempts int               `toml:"MaxAttempts"`
	JournalPath string            `toml:"JournalPath"`
}
