// Package config loads and validates the control plane configuration
// from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/agentarium/vigil/pkg/models"
)

// Config holds every tunable the control plane recognizes. Defaults
// match the contract-enforced liveness windows.
type Config struct {
	// Scheduling.
	TickInterval time.Duration
	WorkerCount  int

	// Liveness windows.
	NominalInterval   time.Duration
	WarningThreshold  time.Duration
	CriticalThreshold time.Duration
	HardDeadline      time.Duration

	// Policy.
	MarketplaceCheckEnabled bool
	AutoDeclareAbandoned    bool

	// External endpoints.
	RPCEndpoint         string
	FactoryAddress      string
	ReportStoreURL      string
	MarketplaceEndpoint string
	MaxRPCConnections   int

	// Local state.
	RegistryPath string

	// HTTP.
	HTTPPort string

	// Retention.
	ReportRetentionDays int
	RetentionInterval   time.Duration
}

// LoadFromEnv reads the configuration from the environment. Values are
// parsed but not validated; call Validate before use.
func LoadFromEnv() (*Config, error) {
	tickMs, err := intEnv("TICK_INTERVAL_MS", 60000)
	if err != nil {
		return nil, err
	}
	workers, err := intEnv("WORKER_COUNT", 16)
	if err != nil {
		return nil, err
	}
	nominalHours, err := intEnv("NOMINAL_INTERVAL_HOURS", 6)
	if err != nil {
		return nil, err
	}
	warningHours, err := intEnv("WARNING_THRESHOLD_HOURS", 24)
	if err != nil {
		return nil, err
	}
	criticalHours, err := intEnv("CRITICAL_THRESHOLD_HOURS", 6)
	if err != nil {
		return nil, err
	}
	deadlineDays, err := intEnv("HARD_DEADLINE_DAYS", 7)
	if err != nil {
		return nil, err
	}
	maxRPC, err := intEnv("MAX_RPC_CONNECTIONS", 8)
	if err != nil {
		return nil, err
	}
	marketplaceCheck, err := boolEnv("MARKETPLACE_CHECK_ENABLED", true)
	if err != nil {
		return nil, err
	}
	autoDeclare, err := boolEnv("AUTO_DECLARE_ABANDONED", false)
	if err != nil {
		return nil, err
	}
	retentionDays, err := intEnv("REPORT_RETENTION_DAYS", 30)
	if err != nil {
		return nil, err
	}
	retentionMinutes, err := intEnv("RETENTION_INTERVAL_MINUTES", 60)
	if err != nil {
		return nil, err
	}

	return &Config{
		TickInterval:            time.Duration(tickMs) * time.Millisecond,
		WorkerCount:             workers,
		NominalInterval:         time.Duration(nominalHours) * time.Hour,
		WarningThreshold:        time.Duration(warningHours) * time.Hour,
		CriticalThreshold:       time.Duration(criticalHours) * time.Hour,
		HardDeadline:            time.Duration(deadlineDays) * 24 * time.Hour,
		MarketplaceCheckEnabled: marketplaceCheck,
		AutoDeclareAbandoned:    autoDeclare,
		RPCEndpoint:             os.Getenv("RPC_ENDPOINT"),
		FactoryAddress:          os.Getenv("FACTORY_ADDRESS"),
		ReportStoreURL:          os.Getenv("REPORT_STORE_URL"),
		MarketplaceEndpoint:     os.Getenv("MARKETPLACE_ENDPOINT"),
		MaxRPCConnections:       maxRPC,
		RegistryPath:            getEnvOrDefault("REGISTRY_PATH", "vigil-registry.db"),
		HTTPPort:                getEnvOrDefault("HTTP_PORT", "8080"),
		ReportRetentionDays:     retentionDays,
		RetentionInterval:       time.Duration(retentionMinutes) * time.Minute,
	}, nil
}

// Validate checks the configuration for values the control plane cannot
// start with.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL_MS must be positive, got %v", c.TickInterval)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	if c.MaxRPCConnections <= 0 {
		return fmt.Errorf("MAX_RPC_CONNECTIONS must be positive, got %d", c.MaxRPCConnections)
	}
	if c.NominalInterval <= 0 || c.WarningThreshold <= 0 || c.CriticalThreshold <= 0 || c.HardDeadline <= 0 {
		return fmt.Errorf("liveness windows must all be positive")
	}
	if c.CriticalThreshold >= c.WarningThreshold {
		return fmt.Errorf("CRITICAL_THRESHOLD_HOURS (%v) must be below WARNING_THRESHOLD_HOURS (%v)",
			c.CriticalThreshold, c.WarningThreshold)
	}
	if c.WarningThreshold >= c.HardDeadline {
		return fmt.Errorf("WARNING_THRESHOLD_HOURS (%v) must be below HARD_DEADLINE_DAYS (%v)",
			c.WarningThreshold, c.HardDeadline)
	}
	if c.RPCEndpoint == "" {
		return fmt.Errorf("RPC_ENDPOINT is required")
	}
	if c.FactoryAddress == "" {
		return fmt.Errorf("FACTORY_ADDRESS is required")
	}
	if err := models.ValidateAddress(c.FactoryAddress); err != nil {
		return fmt.Errorf("FACTORY_ADDRESS: %w", err)
	}
	if c.MarketplaceCheckEnabled && c.MarketplaceEndpoint == "" {
		return fmt.Errorf("MARKETPLACE_ENDPOINT is required when MARKETPLACE_CHECK_ENABLED=true")
	}
	if c.ReportRetentionDays <= 0 {
		return fmt.Errorf("REPORT_RETENTION_DAYS must be positive, got %d", c.ReportRetentionDays)
	}
	if c.RetentionInterval <= 0 {
		return fmt.Errorf("RETENTION_INTERVAL_MINUTES must be positive, got %v", c.RetentionInterval)
	}
	return nil
}

// QueueCapacity returns the bounded check-queue size derived from the
// worker count.
func (c *Config) QueueCapacity() int {
	return 4 * c.WorkerCount
}

// JobDeadline returns the per-check deadline after which a job is
// abandoned and its lock released.
func (c *Config) JobDeadline() time.Duration {
	return c.TickInterval + c.TickInterval/2
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func boolEnv(key string, defaultVal bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
