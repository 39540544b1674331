package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the sellclaw gateway.
type Config struct {
	Store     StoreConfig     `json:"store"`
	Debounce  DebounceConfig  `json:"debounce"`
	Triage    TriageConfig    `json:"triage"`
	Approval  ApprovalConfig  `json:"approval"`
	Catalog   CatalogConfig   `json:"catalog"`
	Meetups   MeetupsConfig   `json:"meetups,omitempty"`
	Gateway   GatewayConfig   `json:"gateway"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// StoreConfig selects and configures the conversation store backend.
// PostgresDSN is NEVER read from the config file (secret); only from env
// SELLCLAW_POSTGRES_DSN.
type StoreConfig struct {
	Backend     string `json:"backend,omitempty"` // "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"` // from env SELLCLAW_POSTGRES_DSN only
}

// DebounceConfig controls batch coalescing of inbound bursts.
type DebounceConfig struct {
	QuietWindow  string `json:"quiet_window,omitempty"`   // Go duration, default "3s"
	MaxBatchSize int    `json:"max_batch_size,omitempty"` // default 8
}

// TriageConfig controls decision routing.
type TriageConfig struct {
	ReasonerTimeout string `json:"reasoner_timeout,omitempty"` // default "30s"
	HistoryLimit    int    `json:"history_limit,omitempty"`    // messages of context per decision, default 140
}

// ApprovalConfig controls the human approval broker.
type ApprovalConfig struct {
	ExpiryTimeout string `json:"expiry_timeout,omitempty"` // default "1h"; expired = do not send
}

// CatalogConfig locates the product catalog file.
type CatalogConfig struct {
	Path      string `json:"path,omitempty"`       // default ~/.sellclaw/product_config.json
	HotReload *bool  `json:"hot_reload,omitempty"` // watch the file for edits (default true)
}

// MeetupsConfig configures the confirmed-meetup ledger.
type MeetupsConfig struct {
	CSVPath  string `json:"csv_path,omitempty"` // default ~/.sellclaw/meetups.csv
	Timezone string `json:"timezone,omitempty"` // IANA name for logged local times (default: local)
}

// GatewayConfig holds runtime-wide knobs.
type GatewayConfig struct {
	RateLimitRPM    int   `json:"rate_limit_rpm,omitempty"`    // outbound replies per minute per conversation (default 6)
	MaxMessageChars int   `json:"max_message_chars,omitempty"` // inbound text cap (default 32000)
	Retry           Retry `json:"retry,omitempty"`
}

// Retry controls backoff for transient store/channel failures.
type Retry struct {
	MaxRetries int    `json:"max_retries,omitempty"` // default 3
	BaseDelay  string `json:"base_delay,omitempty"`  // default "2s"
	MaxDelay   string `json:"max_delay,omitempty"`   // default "30s"
}

// TelemetryConfig configures OpenTelemetry trace export. When enabled,
// spans are exported to an OTLP-compatible backend (Jaeger, Tempo, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "sellclaw-gateway"
	Headers     map[string]string `json:"headers,omitempty"`
}

// Duration parses a duration string field, falling back to def when the
// field is empty or invalid.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Validate rejects configurations the runtime cannot operate with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "", "sqlite":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store backend is postgres but SELLCLAW_POSTGRES_DSN is not set")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Debounce.MaxBatchSize < 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}
	return nil
}
