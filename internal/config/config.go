// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds process configuration
type Config struct {
	DataDir           string // Base directory for the database (always absolute)
	LogLevel          string
	Port              int
	DevMode           bool
	ModelConfigPath   string // Optional YAML file with model parameters
	RebalanceSchedule string // Six-field cron spec; empty disables the scheduler
	Workers           int
	DatabaseProfile   string
	CORSOrigins       []string

	// Maintenance and backups
	MaintenanceSchedule string
	BackupSchedule      string
	BackupRetentionDays int
	R2AccountID         string
	R2AccessKeyID       string
	R2SecretAccessKey   string
	R2BucketName        string
}

// BackupEnabled reports whether R2 credentials are complete.
func (c *Config) BackupEnabled() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2BucketName != ""
}

// DatabasePath is the risk model database file inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "riskmodel.db")
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("FACTORRISK_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		Port:              getEnvAsInt("GO_PORT", 8001),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		ModelConfigPath:   getEnv("FACTORRISK_MODEL_CONFIG", ""),
		RebalanceSchedule: getEnv("FACTORRISK_REBALANCE_SCHEDULE", "0 0 6 1 * *"),
		Workers:           getEnvAsInt("FACTORRISK_WORKERS", runtime.NumCPU()),
		DatabaseProfile:   getEnv("FACTORRISK_DB_PROFILE", "standard"),
		CORSOrigins:       getEnvAsList("CORS_ORIGINS", []string{"*"}),

		MaintenanceSchedule: getEnv("FACTORRISK_MAINTENANCE_SCHEDULE", "0 0 2 * * *"),
		BackupSchedule:      getEnv("FACTORRISK_BACKUP_SCHEDULE", "0 0 3 * * *"),
		BackupRetentionDays: getEnvAsInt("FACTORRISK_BACKUP_RETENTION_DAYS", 30),
		R2AccountID:         getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:       getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey:   getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:        getEnv("R2_BUCKET_NAME", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid GO_PORT %d", c.Port)
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid FACTORRISK_WORKERS %d", c.Workers)
	}
	if c.BackupRetentionDays < 0 {
		return fmt.Errorf("invalid FACTORRISK_BACKUP_RETENTION_DAYS %d", c.BackupRetentionDays)
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for _, sched := range []struct{ env, spec string }{
		{"FACTORRISK_REBALANCE_SCHEDULE", c.RebalanceSchedule},
		{"FACTORRISK_MAINTENANCE_SCHEDULE", c.MaintenanceSchedule},
		{"FACTORRISK_BACKUP_SCHEDULE", c.BackupSchedule},
	} {
		if sched.spec == "" {
			continue
		}
		if _, err := parser.Parse(sched.spec); err != nil {
			return fmt.Errorf("invalid %s %q: %w", sched.env, sched.spec, err)
		}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
