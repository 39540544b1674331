package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			// Backend left empty: empty means sqlite unless a postgres DSN
			// arrives via env.
			SQLitePath: "~/.sellclaw/memory.db",
		},
		Debounce: DebounceConfig{
			QuietWindow:  "3s",
			MaxBatchSize: 8,
		},
		Triage: TriageConfig{
			ReasonerTimeout: "30s",
			HistoryLimit:    140,
		},
		Approval: ApprovalConfig{
			ExpiryTimeout: "1h",
		},
		Catalog: CatalogConfig{
			Path: "~/.sellclaw/product_config.json",
		},
		Meetups: MeetupsConfig{
			CSVPath: "~/.sellclaw/meetups.csv",
		},
		Gateway: GatewayConfig{
			RateLimitRPM:    6,
			MaxMessageChars: 32000,
			Retry: Retry{
				MaxRetries: 3,
				BaseDelay:  "2s",
				MaxDelay:   "30s",
			},
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secret: never persisted in the config file.
	envStr("SELLCLAW_POSTGRES_DSN", &c.Store.PostgresDSN)
	if c.Store.PostgresDSN != "" && c.Store.Backend == "" {
		c.Store.Backend = "postgres"
	}

	envStr("SELLCLAW_STORE_BACKEND", &c.Store.Backend)
	envStr("SELLCLAW_SQLITE_PATH", &c.Store.SQLitePath)
	envStr("SELLCLAW_CATALOG_PATH", &c.Catalog.Path)
	envStr("SELLCLAW_MEETUPS_CSV", &c.Meetups.CSVPath)
	envStr("SELLCLAW_QUIET_WINDOW", &c.Debounce.QuietWindow)
	envStr("SELLCLAW_APPROVAL_EXPIRY", &c.Approval.ExpiryTimeout)

	if v := os.Getenv("SELLCLAW_MAX_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Debounce.MaxBatchSize = n
		}
	}

	// Telemetry endpoint implies enabled.
	envStr("SELLCLAW_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	if c.Telemetry.Endpoint != "" {
		c.Telemetry.Enabled = true
	}
}

// ExpandHome expands a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
