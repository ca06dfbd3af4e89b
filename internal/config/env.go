// Package config handles environment-based configuration loading and the
// optional rules file.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Deployment
	Environment   string
	ListenAddress string
	GatewayPort   int

	// API
	APIMaxBodyBytes int

	// Stores
	DatabasePath      string
	EphemeralStoreURL string
	StreamStoreURL    string
	CacheStoreURL     string

	// Auth
	SenderPublicKey     [32]byte
	RecipientPrivateKey [32]byte
	SequenceTTL         time.Duration

	// Entity classification
	EphemeralTypes     []string
	EphemeralOnlyTypes []string

	// Cache
	CacheCapacity int
	CacheTTL      time.Duration
	SnapshotTTL   time.Duration

	// Streams
	StreamTTL   time.Duration
	AffinityTTL time.Duration

	// Background worker
	WorkerInterval  time.Duration
	WorkerBatchSize int
	WorkerLockTTL   time.Duration

	// Tombstone purge
	TombstonePurgeSchedule string
	TombstoneAge           time.Duration

	// Async runner
	AsyncQueueSize int

	// Rules file (optional)
	RulesFile string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Deployment ---
	cfg.Environment = strings.TrimSpace(envStr("WG_ENVIRONMENT", "dev"))
	cfg.ListenAddress = strings.TrimSpace(envStr("WG_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.GatewayPort = envInt("WG_PORT", 2280, &errs)
	cfg.APIMaxBodyBytes = envInt("WG_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Stores ---
	cfg.DatabasePath = envStr("WG_DATABASE_PATH", "/var/lib/worldgate/entities.db")
	cfg.EphemeralStoreURL = envStr("WG_EPHEMERAL_STORE_URL", "redis://127.0.0.1:6379/0")
	cfg.StreamStoreURL = envStr("WG_STREAM_STORE_URL", "redis://127.0.0.1:6379/1")
	cfg.CacheStoreURL = envStr("WG_CACHE_STORE_URL", "redis://127.0.0.1:6379/2")

	// --- Auth ---
	envKey32("WG_SENDER_PUBLIC_KEY", &cfg.SenderPublicKey, &errs)
	envKey32("WG_RECIPIENT_PRIVATE_KEY", &cfg.RecipientPrivateKey, &errs)
	cfg.SequenceTTL = envDuration("WG_SEQUENCE_TTL", 5*time.Second, &errs)

	// --- Entity classification ---
	cfg.EphemeralTypes = envStringSlice("WG_EPHEMERAL_TYPES", []string{}, &errs)
	cfg.EphemeralOnlyTypes = envStringSlice("WG_EPHEMERAL_ONLY_TYPES", []string{}, &errs)

	// --- Cache ---
	cfg.CacheCapacity = envInt("WG_CACHE_CAPACITY", 10_000, &errs)
	cfg.CacheTTL = envDuration("WG_CACHE_TTL", 5*time.Minute, &errs)
	cfg.SnapshotTTL = envDuration("WG_SNAPSHOT_TTL", time.Hour, &errs)

	// --- Streams ---
	cfg.StreamTTL = envDuration("WG_STREAM_TTL", 24*time.Hour, &errs)
	cfg.AffinityTTL = envDuration("WG_AFFINITY_TTL", 30*time.Second, &errs)

	// --- Background worker ---
	cfg.WorkerInterval = envDuration("WG_WORKER_INTERVAL", 5*time.Second, &errs)
	cfg.WorkerBatchSize = envInt("WG_WORKER_BATCH_SIZE", 500, &errs)
	cfg.WorkerLockTTL = envDuration("WG_WORKER_LOCK_TTL", 10*time.Second, &errs)

	// --- Tombstone purge ---
	cfg.TombstonePurgeSchedule = envStr("WG_TOMBSTONE_PURGE_SCHEDULE", "0 4 * * *")
	cfg.TombstoneAge = envDuration("WG_TOMBSTONE_AGE", 30*24*time.Hour, &errs)

	// --- Async runner ---
	cfg.AsyncQueueSize = envInt("WG_ASYNC_QUEUE_SIZE", 4096, &errs)

	// --- Rules file ---
	cfg.RulesFile = envStr("WG_RULES_FILE", "")
	if cfg.RulesFile != "" {
		rules, err := LoadRules(cfg.RulesFile)
		if err != nil {
			errs = append(errs, fmt.Sprintf("WG_RULES_FILE: %v", err))
		} else {
			cfg.applyRules(rules)
		}
	}

	// --- Validation ---
	if cfg.Environment == "" {
		errs = append(errs, "WG_ENVIRONMENT must not be empty")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "WG_LISTEN_ADDRESS must not be empty")
	}
	validatePort("WG_PORT", cfg.GatewayPort, &errs)
	validatePositive("WG_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("WG_CACHE_CAPACITY", cfg.CacheCapacity, &errs)
	validatePositive("WG_WORKER_BATCH_SIZE", cfg.WorkerBatchSize, &errs)
	validatePositive("WG_ASYNC_QUEUE_SIZE", cfg.AsyncQueueSize, &errs)
	for name, d := range map[string]time.Duration{
		"WG_SEQUENCE_TTL":    cfg.SequenceTTL,
		"WG_CACHE_TTL":       cfg.CacheTTL,
		"WG_SNAPSHOT_TTL":    cfg.SnapshotTTL,
		"WG_STREAM_TTL":      cfg.StreamTTL,
		"WG_AFFINITY_TTL":    cfg.AffinityTTL,
		"WG_WORKER_INTERVAL": cfg.WorkerInterval,
		"WG_WORKER_LOCK_TTL": cfg.WorkerLockTTL,
		"WG_TOMBSTONE_AGE":   cfg.TombstoneAge,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", name))
		}
	}
	if _, err := cron.ParseStandard(cfg.TombstonePurgeSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("WG_TOMBSTONE_PURGE_SCHEDULE: invalid cron expression %q: %v", cfg.TombstonePurgeSchedule, err))
	}

	// Ephemeral-only types must also be routed to the ephemeral tier.
	ephemeral := make(map[string]struct{}, len(cfg.EphemeralTypes))
	for _, t := range cfg.EphemeralTypes {
		ephemeral[t] = struct{}{}
	}
	for _, t := range cfg.EphemeralOnlyTypes {
		if _, ok := ephemeral[t]; !ok {
			errs = append(errs, fmt.Sprintf("WG_EPHEMERAL_ONLY_TYPES: %q must also be listed in WG_EPHEMERAL_TYPES", t))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envStringSlice(key string, defaultVal []string, errs *[]string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON string array %q", key, v))
		return defaultVal
	}
	if out == nil {
		return []string{}
	}
	return out
}

// envKey32 decodes a required base64 X25519 key into dst.
func envKey32(key string, dst *[32]byte, errs *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		*errs = append(*errs, fmt.Sprintf("%s must be defined", key))
		return
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid base64: %v", key, err))
		return
	}
	if len(raw) != 32 {
		*errs = append(*errs, fmt.Sprintf("%s: must decode to 32 bytes, got %d", key, len(raw)))
		return
	}
	copy(dst[:], raw)
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
