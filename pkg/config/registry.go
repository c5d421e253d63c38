package config

import "time"

// RegistryConfig supplies the default per-backend routing/breaker settings
// the Backend Registry (C4) applies when cmd/controlplane registers each
// configured Backend adapter. The same values apply to every registered
// backend; there is no per-adapter override.
type RegistryConfig struct {
	MaxConcurrent     int64
	FailureThreshold  uint32
	OpenForMs         int64
	HealthCheckPeriod time.Duration
}

func loadRegistryConfigFromEnv() (RegistryConfig, error) {
	maxConcurrent, err := getEnvIntOrDefault("BACKEND_MAX_CONCURRENT", 10)
	if err != nil {
		return RegistryConfig{}, err
	}
	failureThreshold, err := getEnvIntOrDefault("BACKEND_FAILURE_THRESHOLD", 5)
	if err != nil {
		return RegistryConfig{}, err
	}
	openForMs, err := getEnvIntOrDefault("BACKEND_BREAKER_OPEN_MS", 30_000)
	if err != nil {
		return RegistryConfig{}, err
	}
	healthCheckPeriod, err := getEnvDurationOrDefault("BACKEND_HEALTH_CHECK_PERIOD", 15*time.Second)
	if err != nil {
		return RegistryConfig{}, err
	}

	return RegistryConfig{
		MaxConcurrent:     int64(maxConcurrent),
		FailureThreshold:  uint32(failureThreshold),
		OpenForMs:         int64(openForMs),
		HealthCheckPeriod: healthCheckPeriod,
	}, nil
}
