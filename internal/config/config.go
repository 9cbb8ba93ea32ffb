// Package config provides configuration management for evermind.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultWorkerPort is the coordinator HTTP port.
	DefaultWorkerPort = 8700
	// DefaultRedisAddr is the transport backend address.
	DefaultRedisAddr = "127.0.0.1:6379"
	// DefaultMaxConns limits database connections.
	DefaultMaxConns = 4

	// DefaultSessionTTLSeconds is the session cache idle TTL.
	DefaultSessionTTLSeconds = 1800
	// DefaultGraceSeconds is the soft-delete grace period for cleared sessions.
	DefaultGraceSeconds = 300
	// DefaultHITLSweepSeconds spaces the expired-request sweep.
	DefaultHITLSweepSeconds = 30
	// DefaultCacheSweepSeconds spaces the session cache sweep.
	DefaultCacheSweepSeconds = 60
	// DefaultRequestTimeoutSeconds is the wait budget when a request
	// registers without one.
	DefaultRequestTimeoutSeconds = 300
	// DefaultRecoveryBudget is the session actor auto-recovery budget.
	DefaultRecoveryBudget = 3
	// DefaultMaxConcurrentChats is tracked for observability; it does
	// not gate admission.
	DefaultMaxConcurrentChats = 8
	// DefaultGroupPrefix prefixes consumer group names.
	DefaultGroupPrefix = "evermind"
)

// Config holds the coordinator configuration.
type Config struct {
	WorkerPort            int
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	PostgresDSN           string
	MaxConns              int
	SessionTTLSeconds     int
	GraceSeconds          int
	HITLSweepSeconds      int
	CacheSweepSeconds     int
	RequestTimeoutSeconds int
	RecoveryBudget        int
	MaxConcurrentChats    int
	GroupPrefix           string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WorkerPort:            DefaultWorkerPort,
		RedisAddr:             DefaultRedisAddr,
		MaxConns:              DefaultMaxConns,
		SessionTTLSeconds:     DefaultSessionTTLSeconds,
		GraceSeconds:          DefaultGraceSeconds,
		HITLSweepSeconds:      DefaultHITLSweepSeconds,
		CacheSweepSeconds:     DefaultCacheSweepSeconds,
		RequestTimeoutSeconds: DefaultRequestTimeoutSeconds,
		RecoveryBudget:        DefaultRecoveryBudget,
		MaxConcurrentChats:    DefaultMaxConcurrentChats,
		GroupPrefix:           DefaultGroupPrefix,
	}
}

// DataDir returns the evermind data directory.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".evermind")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// PolicyPath returns the channel policy file path.
func PolicyPath() string {
	return filepath.Join(DataDir(), "policy.yaml")
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	if err := os.MkdirAll(DataDir(), 0750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// EnsureSettings creates a default settings file if missing.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	defaults := map[string]any{
		"EVERMIND_WORKER_PORT":     DefaultWorkerPort,
		"EVERMIND_REDIS_ADDR":      DefaultRedisAddr,
		"EVERMIND_POSTGRES_DSN":    "",
		"EVERMIND_SESSION_TTL":     DefaultSessionTTLSeconds,
		"EVERMIND_SESSION_GRACE":   DefaultGraceSeconds,
		"EVERMIND_RECOVERY_BUDGET": DefaultRecoveryBudget,
	}
	data, err := json.MarshalIndent(defaults, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// EnsureAll initializes the data directory, settings and channel policy.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	if err := EnsureSettings(); err != nil {
		return err
	}
	return EnsurePolicy()
}

// Load reads settings.json, layers environment overrides on top of the
// defaults and returns the result. A missing or malformed settings file
// falls back to defaults rather than failing startup.
func Load() (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(SettingsPath()); err == nil {
		var settings map[string]any
		if err := json.Unmarshal(data, &settings); err != nil {
			log.Warn().Err(err).Str("path", SettingsPath()).Msg("Invalid settings file, using defaults")
		} else {
			applySettings(cfg, settings)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applySettings copies recognized keys from the settings map. Settings
// keys mirror the environment variable names.
func applySettings(cfg *Config, settings map[string]any) {
	settingInt(settings, "EVERMIND_WORKER_PORT", &cfg.WorkerPort)
	settingStr(settings, "EVERMIND_REDIS_ADDR", &cfg.RedisAddr)
	settingStr(settings, "EVERMIND_REDIS_PASSWORD", &cfg.RedisPassword)
	settingInt(settings, "EVERMIND_REDIS_DB", &cfg.RedisDB)
	settingStr(settings, "EVERMIND_POSTGRES_DSN", &cfg.PostgresDSN)
	settingInt(settings, "EVERMIND_MAX_CONNS", &cfg.MaxConns)
	settingInt(settings, "EVERMIND_SESSION_TTL", &cfg.SessionTTLSeconds)
	settingInt(settings, "EVERMIND_SESSION_GRACE", &cfg.GraceSeconds)
	settingInt(settings, "EVERMIND_HITL_SWEEP", &cfg.HITLSweepSeconds)
	settingInt(settings, "EVERMIND_CACHE_SWEEP", &cfg.CacheSweepSeconds)
	settingInt(settings, "EVERMIND_REQUEST_TIMEOUT", &cfg.RequestTimeoutSeconds)
	settingInt(settings, "EVERMIND_RECOVERY_BUDGET", &cfg.RecoveryBudget)
	settingInt(settings, "EVERMIND_MAX_CONCURRENT_CHATS", &cfg.MaxConcurrentChats)
	settingStr(settings, "EVERMIND_GROUP_PREFIX", &cfg.GroupPrefix)
}

// applyEnv overrides settings-file values with environment variables of
// the same names.
func applyEnv(cfg *Config) {
	envInt("EVERMIND_WORKER_PORT", &cfg.WorkerPort)
	envStr("EVERMIND_REDIS_ADDR", &cfg.RedisAddr)
	envStr("EVERMIND_REDIS_PASSWORD", &cfg.RedisPassword)
	envInt("EVERMIND_REDIS_DB", &cfg.RedisDB)
	envStr("EVERMIND_POSTGRES_DSN", &cfg.PostgresDSN)
	envInt("EVERMIND_MAX_CONNS", &cfg.MaxConns)
	envInt("EVERMIND_SESSION_TTL", &cfg.SessionTTLSeconds)
	envInt("EVERMIND_SESSION_GRACE", &cfg.GraceSeconds)
	envInt("EVERMIND_HITL_SWEEP", &cfg.HITLSweepSeconds)
	envInt("EVERMIND_CACHE_SWEEP", &cfg.CacheSweepSeconds)
	envInt("EVERMIND_REQUEST_TIMEOUT", &cfg.RequestTimeoutSeconds)
	envInt("EVERMIND_RECOVERY_BUDGET", &cfg.RecoveryBudget)
	envInt("EVERMIND_MAX_CONCURRENT_CHATS", &cfg.MaxConcurrentChats)
	envStr("EVERMIND_GROUP_PREFIX", &cfg.GroupPrefix)
}

func settingInt(settings map[string]any, key string, dst *int) {
	v, ok := settings[key]
	if !ok {
		return
	}
	switch n := v.(type) {
	case float64:
		if n > 0 {
			*dst = int(n)
		}
	case string:
		if parsed, err := strconv.Atoi(n); err == nil && parsed > 0 {
			*dst = parsed
		}
	}
}

func settingStr(settings map[string]any, key string, dst *string) {
	if v, ok := settings[key].(string); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
		*dst = parsed
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

var (
	globalMu  sync.Mutex
	globalCfg *Config
)

// Get returns the cached process-wide configuration, loading it on
// first use.
func Get() *Config {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCfg == nil {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		globalCfg = cfg
	}
	return globalCfg
}

// Reset clears the cached configuration so the next Get reloads. Used
// after the watcher detects a settings change and by tests.
func Reset() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCfg = nil
}

// GetWorkerPort returns the HTTP port, preferring a live environment
// override over the cached config.
func GetWorkerPort() int {
	if v := os.Getenv("EVERMIND_WORKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			return port
		}
	}
	return Get().WorkerPort
}
