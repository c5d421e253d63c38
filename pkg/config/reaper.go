package config

import "time"

// ReaperConfig tunes the Expiration Reaper (C9).
type ReaperConfig struct {
	// ReapAfter is how stale a RUNNING job's heartbeat must be before the
	// reaper reclaims it. Default 3 minutes.
	ReapAfter time.Duration
}

func loadReaperConfigFromEnv() (ReaperConfig, error) {
	reapAfter, err := getEnvDurationOrDefault("REAPER_REAP_AFTER", 3*time.Minute)
	if err != nil {
		return ReaperConfig{}, err
	}
	return ReaperConfig{ReapAfter: reapAfter}, nil
}
