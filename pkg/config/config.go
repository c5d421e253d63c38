// Package config loads the control plane's runtime configuration from
// environment variables, the same getEnvOrDefault/parseDuration pattern
// pkg/database.LoadConfigFromEnv uses, generalized to the rest of the
// component set: HTTP server, queue backend selection, registry/breaker
// tuning, and reaper intervals.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/codeready-toolchain/agentctl/pkg/database"
)

// Config is the umbrella object wiring every component's settings,
// returned by LoadFromEnv and passed down through cmd/controlplane.
type Config struct {
	HTTPPort string
	GinMode  string

	Database database.Config
	Queue    QueueConfig
	Registry RegistryConfig
	Reaper   ReaperConfig
}

// LoadFromEnv reads every section's environment variables and validates
// the result. Mirrors the teacher's main.go bootstrapping shape (flags +
// .env + getEnv-with-default), minus the config-directory/YAML-chain
// loading this control plane's Agents don't need — agents live in
// Postgres (pkg/store.AgentStore), not on disk.
func LoadFromEnv() (*Config, error) {
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load database config: %w", err)
	}

	queueCfg, err := loadQueueConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load queue config: %w", err)
	}

	registryCfg, err := loadRegistryConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load registry config: %w", err)
	}

	reaperCfg, err := loadReaperConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load reaper config: %w", err)
	}

	return &Config{
		HTTPPort: getEnvOrDefault("HTTP_PORT", "8080"),
		GinMode:  getEnvOrDefault("GIN_MODE", "release"),
		Database: dbCfg,
		Queue:    queueCfg,
		Registry: registryCfg,
		Reaper:   reaperCfg,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvDurationOrDefault(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvIntOrDefault(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
