package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the opsgate hub.
type Config struct {
	Port    int
	Version string

	// DataDir is where the sqlite database, memory-store snapshots and
	// retention archives live. Defaults to ~/.opsgate.
	DataDir string

	Store     StoreConfig
	Catalog   CatalogConfig
	Adapter   AdapterConfig
	Webhook   WebhookConfig
	Retention RetentionConfig
	Telemetry TelemetryConfig
	MCP       MCPConfig
}

type StoreConfig struct {
	// Driver selects the Operation Store backend: "sqlite" (durable,
	// default) or "memory" (snapshot-persisted; development only).
	Driver string
}

type CatalogConfig struct {
	// File is an optional YAML file overlaying the built-in command
	// catalog. Loaded once at startup; the catalog is immutable at runtime.
	File string
}

type AdapterConfig struct {
	// URL is the base URL of the remote automation backend. Empty selects
	// the in-process local adapter (development mode).
	URL string
	// Timeout bounds every tool invocation.
	Timeout time.Duration
	// DefaultCredential is the process-level fallback credential used when
	// a request carries none of its own.
	DefaultCredential string
}

type WebhookConfig struct {
	// URL receives signed notifications for pending/completed/failed
	// operations. Empty disables the notifier.
	URL    string
	Secret string
}

type RetentionConfig struct {
	// MaxAgeDays prunes terminal operations older than this. 0 keeps the
	// journal forever.
	MaxAgeDays int
	Interval   time.Duration
	// Archive writes pruned operations to a JSONL file before deletion.
	Archive bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type MCPConfig struct {
	// HighRisk controls whether high-risk tools may be invoked over the
	// ungated JSON-RPC surface: "allow" (default) or "deny".
	HighRisk string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("OPSGATE_PORT", 8080),
		Version: envStr("OPSGATE_VERSION", "0.4.0"),
		DataDir: envStr("OPSGATE_DATA_DIR", defaultDataDir()),
		Store: StoreConfig{
			Driver: envStr("OPSGATE_STORE", "sqlite"),
		},
		Catalog: CatalogConfig{
			File: envStr("OPSGATE_CATALOG_FILE", ""),
		},
		Adapter: AdapterConfig{
			URL:               envStr("OPSGATE_ADAPTER_URL", ""),
			Timeout:           envDur("OPSGATE_ADAPTER_TIMEOUT", 30*time.Second),
			DefaultCredential: envStr("OPSGATE_DEFAULT_CREDENTIAL", ""),
		},
		Webhook: WebhookConfig{
			URL:    envStr("OPSGATE_WEBHOOK_URL", ""),
			Secret: envStr("OPSGATE_WEBHOOK_SECRET", ""),
		},
		Retention: RetentionConfig{
			MaxAgeDays: envInt("OPSGATE_RETENTION_DAYS", 0),
			Interval:   envDur("OPSGATE_RETENTION_INTERVAL", time.Hour),
			Archive:    envBool("OPSGATE_RETENTION_ARCHIVE", false),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "opsgate"),
		},
		MCP: MCPConfig{
			HighRisk: envStr("OPSGATE_MCP_HIGH_RISK", "allow"),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opsgate"
	}
	return filepath.Join(home, ".opsgate")
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
