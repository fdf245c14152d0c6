// Package config loads engine configuration from the environment, with an
// optional .env file for development installs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// SoftTimeouts holds the per-source collection budgets.
type SoftTimeouts struct {
	Metrics time.Duration
	Alarms  time.Duration
	Trail   time.Duration
	Anomaly time.Duration
	Health  time.Duration
}

// Config is the full configuration surface of the engine. Values are loaded
// once at startup; runtime-tunable fields are re-applied by the Watcher.
type Config struct {
	// Region is the default cloud region for collection.
	Region string

	// DataDir is the root for all on-disk state (detect cache, snapshots,
	// incident history).
	DataDir string

	// Collection budgets.
	CollectionSoftTimeouts SoftTimeouts
	CollectionHardTimeout  time.Duration

	// Detection.
	DetectTTLSeconds int
	DetectCacheDir   string

	// Scheduler intervals, in seconds.
	HeartbeatInterval    int
	DailyReportInterval  int
	SecurityScanInterval int

	// Safety cooldowns per risk level, in seconds.
	CooldownL1Seconds int
	CooldownL2Seconds int
	CooldownL3Seconds int

	// Circuit breaker.
	BreakerFailureThreshold int
	BreakerWindowSeconds    int
	BreakerOpenSeconds      int

	// Approvals.
	ApprovalTTLSeconds int

	// RCA escalation threshold: below this confidence the deep analyzer runs.
	ConfidenceUpgradeThreshold float64

	// HTTP listeners.
	ListenAddr  string
	MetricsAddr string

	// LogLevel is a zerolog level name (trace..error).
	LogLevel string
}

// Defaults returns the configuration the engine runs with when nothing is set.
func Defaults() *Config {
	return &Config{
		Region:  "us-east-1",
		DataDir: "/var/lib/stratus",
		CollectionSoftTimeouts: SoftTimeouts{
			Metrics: 5 * time.Second,
			Alarms:  3 * time.Second,
			Trail:   6 * time.Second,
			Anomaly: 5 * time.Second,
			Health:  4 * time.Second,
		},
		CollectionHardTimeout:      30 * time.Second,
		DetectTTLSeconds:           300,
		HeartbeatInterval:          300,
		DailyReportInterval:        86400,
		SecurityScanInterval:       43200,
		CooldownL1Seconds:          300,
		CooldownL2Seconds:          900,
		CooldownL3Seconds:          3600,
		BreakerFailureThreshold:    3,
		BreakerWindowSeconds:       600,
		BreakerOpenSeconds:         300,
		ApprovalTTLSeconds:         1800,
		ConfidenceUpgradeThreshold: 0.70,
		ListenAddr:                 ":8787",
		MetricsAddr:                ":9191",
		LogLevel:                   "info",
	}
}

// Load builds a Config from defaults overlaid with STRATUS_* environment
// variables. A .env file in envPath (if present) is loaded first but never
// overrides variables already set in the process environment.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", envPath).Msg("Failed to load .env file")
		}
	}

	cfg := Defaults()
	cfg.ApplyEnv()

	if cfg.DetectCacheDir == "" {
		cfg.DetectCacheDir = cfg.DataDir + "/detect-cache"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays STRATUS_* environment variables onto the config.
// Called at load time and again by the watcher on .env changes.
func (c *Config) ApplyEnv() {
	envString("STRATUS_REGION", &c.Region)
	envString("STRATUS_DATA_DIR", &c.DataDir)
	envString("STRATUS_DETECT_CACHE_DIR", &c.DetectCacheDir)
	envString("STRATUS_LISTEN_ADDR", &c.ListenAddr)
	envString("STRATUS_METRICS_ADDR", &c.MetricsAddr)
	envString("STRATUS_LOG_LEVEL", &c.LogLevel)

	envDurationMs("STRATUS_COLLECTION_TIMEOUT_METRICS_MS", &c.CollectionSoftTimeouts.Metrics)
	envDurationMs("STRATUS_COLLECTION_TIMEOUT_ALARMS_MS", &c.CollectionSoftTimeouts.Alarms)
	envDurationMs("STRATUS_COLLECTION_TIMEOUT_TRAIL_MS", &c.CollectionSoftTimeouts.Trail)
	envDurationMs("STRATUS_COLLECTION_TIMEOUT_ANOMALY_MS", &c.CollectionSoftTimeouts.Anomaly)
	envDurationMs("STRATUS_COLLECTION_TIMEOUT_HEALTH_MS", &c.CollectionSoftTimeouts.Health)
	envDurationMs("STRATUS_COLLECTION_HARD_TIMEOUT_MS", &c.CollectionHardTimeout)

	envInt("STRATUS_DETECT_TTL_SECONDS", &c.DetectTTLSeconds)
	envInt("STRATUS_HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	envInt("STRATUS_DAILY_REPORT_INTERVAL", &c.DailyReportInterval)
	envInt("STRATUS_SECURITY_SCAN_INTERVAL", &c.SecurityScanInterval)
	envInt("STRATUS_COOLDOWN_L1_SECONDS", &c.CooldownL1Seconds)
	envInt("STRATUS_COOLDOWN_L2_SECONDS", &c.CooldownL2Seconds)
	envInt("STRATUS_COOLDOWN_L3_SECONDS", &c.CooldownL3Seconds)
	envInt("STRATUS_BREAKER_FAILURE_THRESHOLD", &c.BreakerFailureThreshold)
	envInt("STRATUS_BREAKER_WINDOW_SECONDS", &c.BreakerWindowSeconds)
	envInt("STRATUS_BREAKER_OPEN_SECONDS", &c.BreakerOpenSeconds)
	envInt("STRATUS_APPROVAL_TTL_SECONDS", &c.ApprovalTTLSeconds)
	envFloat("STRATUS_RCA_CONFIDENCE_UPGRADE_THRESHOLD", &c.ConfidenceUpgradeThreshold)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("region must not be empty")
	}
	if c.CollectionHardTimeout <= 0 {
		return fmt.Errorf("collection hard timeout must be positive")
	}
	if c.DetectTTLSeconds <= 0 {
		return fmt.Errorf("detect TTL must be positive, got %d", c.DetectTTLSeconds)
	}
	if c.HeartbeatInterval <= 0 || c.DailyReportInterval <= 0 || c.SecurityScanInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	if c.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.ConfidenceUpgradeThreshold < 0 || c.ConfidenceUpgradeThreshold > 1 {
		return fmt.Errorf("confidence upgrade threshold must be in [0,1], got %v", c.ConfidenceUpgradeThreshold)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("Ignoring non-integer environment value")
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("Ignoring non-numeric environment value")
		return
	}
	*dst = f
}

func envDurationMs(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		log.Warn().Str("var", key).Str("value", v).Msg("Ignoring invalid millisecond value")
		return
	}
	*dst = time.Duration(ms) * time.Millisecond
}
