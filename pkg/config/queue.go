package config

import "time"

// QueueConfig selects and tunes the Queue Adapter (C7). Backend is either
// "postgres" (FOR UPDATE SKIP LOCKED over the queue_jobs table — no extra
// infrastructure) or "redis" (sorted-set dispatch, used when the deployment
// already runs Redis for other reasons). Field shape mirrors the teacher's
// own QueueConfig (worker_count/poll_interval/session_timeout), generalized
// from a session-claiming worker pool to task-name-keyed dispatch.
type QueueConfig struct {
	// Backend selects the Queue implementation: "postgres" or "redis".
	Backend string

	// RedisAddr is used only when Backend == "redis".
	RedisAddr string

	// Concurrency is the number of concurrent Handler invocations Queue.Run
	// permits per replica.
	Concurrency int

	// PollInterval is loaded but not passed to either queue: PostgresQueue
	// and RedisQueue each poll on a fixed 500ms interval.
	PollInterval time.Duration
}

func loadQueueConfigFromEnv() (QueueConfig, error) {
	concurrency, err := getEnvIntOrDefault("QUEUE_CONCURRENCY", 5)
	if err != nil {
		return QueueConfig{}, err
	}
	pollInterval, err := getEnvDurationOrDefault("QUEUE_POLL_INTERVAL", time.Second)
	if err != nil {
		return QueueConfig{}, err
	}

	cfg := QueueConfig{
		Backend:      getEnvOrDefault("QUEUE_BACKEND", "postgres"),
		RedisAddr:    getEnvOrDefault("QUEUE_REDIS_ADDR", "localhost:6379"),
		Concurrency:  concurrency,
		PollInterval: pollInterval,
	}
	if cfg.Backend != "postgres" && cfg.Backend != "redis" {
		return QueueConfig{}, errInvalidQueueBackend(cfg.Backend)
	}
	return cfg, nil
}

type invalidQueueBackendError string

func (e invalidQueueBackendError) Error() string {
	return "QUEUE_BACKEND must be \"postgres\" or \"redis\", got " + string(e)
}

func errInvalidQueueBackend(got string) error { return invalidQueueBackendError(got) }
