// Package config provides configuration loading for the scanning platform.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/sentra")
	DataDir string `json:"data_dir"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// Object storage
	Storage StorageConfig `json:"storage,omitempty"`

	// License Manager
	LicenseManager LicenseManagerConfig `json:"license_manager,omitempty"`

	// Worker engine (AWS Batch)
	Engine EngineConfig `json:"engine,omitempty"`

	// Event-driven ingestion
	Events EventsConfig `json:"events,omitempty"`

	// SIEM push
	SIEM SIEMConfig `json:"siem,omitempty"`

	// Outbound HTTP timeout (default 30s)
	HTTPTimeout Duration `json:"http_timeout,omitempty"`
}

// StorageConfig configures the result object store.
type StorageConfig struct {
	Bucket string `json:"bucket"`
	// Optional custom endpoint (minio, localstack)
	Endpoint string `json:"endpoint,omitempty"`
	Region   string `json:"region,omitempty"`
}

// LicenseManagerConfig configures the License Manager client.
type LicenseManagerConfig struct {
	BaseURL string `json:"base_url"`
	// Hex-encoded installation private key for token signing
	PrivateKey string `json:"private_key,omitempty"`
	// Token lifetime in seconds (default 120)
	TokenTTLSeconds int `json:"token_ttl_seconds,omitempty"`
	// Entitlement sync cadence in seconds (default 300)
	SyncIntervalSeconds int `json:"sync_interval_seconds,omitempty"`
}

// EngineConfig configures worker dispatch.
type EngineConfig struct {
	JobQueue      string `json:"job_queue,omitempty"`
	JobDefinition string `json:"job_definition,omitempty"`
}

// EventsConfig configures audit-event ingestion and scheduled triggers.
type EventsConfig struct {
	QueueURL string `json:"queue_url,omitempty"`
	// Account id of the platform itself; its own CloudTrail noise is dropped.
	SelfAccountID string `json:"self_account_id,omitempty"`
	// Target every scheduled-trigger rule points at.
	ScheduleTargetARN string `json:"schedule_target_arn,omitempty"`
}

// SIEMConfig configures the downstream SIEM target. Forwarding is off
// until Endpoint is set.
type SIEMConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	// Payload granularity: "rule-region" (default) or "per-resource".
	Kind        string `json:"kind,omitempty"`
	MaxParallel int    `json:"max_parallel,omitempty"`
}

// Duration is a time.Duration that marshals as a string ("30s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:  ":8080",
		DataDir:     "/var/lib/sentra",
		LogLevel:    "info",
		HTTPTimeout: Duration(30 * time.Second),
		LicenseManager: LicenseManagerConfig{
			TokenTTLSeconds:     120,
			SyncIntervalSeconds: 300,
		},
		SIEM: SIEMConfig{MaxParallel: 4},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("SENTRA_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SENTRA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SENTRA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SENTRA_STORAGE_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("SENTRA_STORAGE_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("SENTRA_STORAGE_REGION"); v != "" {
		cfg.Storage.Region = v
	}
	if v := os.Getenv("SENTRA_LM_BASE_URL"); v != "" {
		cfg.LicenseManager.BaseURL = v
	}
	if v := os.Getenv("SENTRA_LM_PRIVATE_KEY"); v != "" {
		cfg.LicenseManager.PrivateKey = v
	}
	if v := os.Getenv("SENTRA_LM_TOKEN_TTL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LicenseManager.TokenTTLSeconds = n
		}
	}
	if v := os.Getenv("SENTRA_BATCH_JOB_QUEUE"); v != "" {
		cfg.Engine.JobQueue = v
	}
	if v := os.Getenv("SENTRA_BATCH_JOB_DEFINITION"); v != "" {
		cfg.Engine.JobDefinition = v
	}
	if v := os.Getenv("SENTRA_EVENTS_QUEUE_URL"); v != "" {
		cfg.Events.QueueURL = v
	}
	if v := os.Getenv("SENTRA_SELF_ACCOUNT_ID"); v != "" {
		cfg.Events.SelfAccountID = v
	}
	if v := os.Getenv("SENTRA_SCHEDULE_TARGET_ARN"); v != "" {
		cfg.Events.ScheduleTargetARN = v
	}
	if v := os.Getenv("SENTRA_LM_SYNC_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LicenseManager.SyncIntervalSeconds = n
		}
	}
	if v := os.Getenv("SENTRA_SIEM_ENDPOINT"); v != "" {
		cfg.SIEM.Endpoint = v
	}
	if v := os.Getenv("SENTRA_SIEM_KIND"); v != "" {
		cfg.SIEM.Kind = v
	}
	if v := os.Getenv("SENTRA_SIEM_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SIEM.MaxParallel = n
		}
	}
	if v := os.Getenv("SENTRA_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.HTTPTimeout = Duration(d)
		}
	}

	return cfg, nil
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// Timeout returns the outbound HTTP timeout.
func (c Config) Timeout() time.Duration {
	if c.HTTPTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HTTPTimeout)
}
