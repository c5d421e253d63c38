// Command controlplane is the control plane's single deployable binary: it
// wires the Persistent Store, Backend Registry, Approval Service, SSE
// Fan-out Manager, Queue Adapter, Execution Worker, and Expiration Reaper
// together and serves the HTTP API, mirroring the teacher's cmd/tarsy
// bootstrapping shape (.env loading via an -env-file flag, gin mode from
// configuration, graceful shutdown on SIGINT/SIGTERM) generalized to the
// new component set.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codeready-toolchain/agentctl/pkg/api"
	"github.com/codeready-toolchain/agentctl/pkg/approval"
	"github.com/codeready-toolchain/agentctl/pkg/backend"
	"github.com/codeready-toolchain/agentctl/pkg/backend/anthropicbackend"
	"github.com/codeready-toolchain/agentctl/pkg/backend/echobackend"
	"github.com/codeready-toolchain/agentctl/pkg/backend/grpcbackend"
	"github.com/codeready-toolchain/agentctl/pkg/config"
	"github.com/codeready-toolchain/agentctl/pkg/database"
	"github.com/codeready-toolchain/agentctl/pkg/notify"
	"github.com/codeready-toolchain/agentctl/pkg/queue"
	"github.com/codeready-toolchain/agentctl/pkg/reaper"
	"github.com/codeready-toolchain/agentctl/pkg/registry"
	"github.com/codeready-toolchain/agentctl/pkg/sse"
	"github.com/codeready-toolchain/agentctl/pkg/store"
	"github.com/codeready-toolchain/agentctl/pkg/worker"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	envPath := flag.String("env-file", ".env", "path to a .env file to load before reading configuration")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("no .env file loaded", "path", *envPath, "error", err)
	}

	if err := run(); err != nil {
		slog.Error("controlplane exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gin.SetMode(cfg.GinMode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbClient.Close()

	jobs := store.NewJobStore(dbClient.DB)
	agents := store.NewAgentStore(dbClient.DB)
	sessions := store.NewSessionStore(dbClient.DB)
	sessionMessages := store.NewSessionMessageStore(dbClient.DB)
	approvals := store.NewApprovalStore(dbClient.DB)
	audits := store.NewAuditStore(dbClient.DB)

	reg := registry.New()
	if err := registerBackends(ctx, reg, cfg.Registry); err != nil {
		return fmt.Errorf("register backends: %w", err)
	}
	reg.StartHealthPolling(ctx, cfg.Registry.HealthCheckPeriod)
	defer reg.StopHealthPolling()

	sseManager := sse.New()

	q, err := buildQueue(cfg.Queue, dbClient.DB)
	if err != nil {
		return fmt.Errorf("build queue: %w", err)
	}

	approvalSvc := approval.NewService(approvals, audits, jobs, queueEnqueuer{q}, buildNotifier())

	execWorker := worker.New(jobs, agents, sessions, sessionMessages, approvals, reg, sseManager, q, approvalSvc)

	reap := reaper.New(jobs, approvalSvc, q, reaper.Config{ReapAfter: cfg.Reaper.ReapAfter})
	if err := reap.Start(ctx); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	defer reap.Shutdown(ctx)

	queueErrCh := make(chan error, 1)
	go func() {
		queueErrCh <- q.Run(ctx, execWorker.TaskName(), execWorker.Handle, cfg.Queue.Concurrency)
	}()

	srv := api.NewServer(dbClient.DB, jobs, approvalSvc, q, reg, sseManager)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: srv.Router(),
	}

	httpErrCh := make(chan error, 1)
	go func() {
		slog.Info("controlplane listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
			return
		}
		httpErrCh <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case err := <-queueErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("queue run loop: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	return nil
}

// registerBackends wires every Backend adapter whose environment
// prerequisites are present. The echo backend has none and always
// registers, giving every deployment at least one routable backend for
// smoke-testing the queue/worker/registry path end to end.
func registerBackends(ctx context.Context, reg *registry.Registry, cfg config.RegistryConfig) error {
	breakerCfg := func(id string) registry.Config {
		return registry.Config{
			ID:                id,
			MaxConcurrent:     cfg.MaxConcurrent,
			FailureThreshold:  cfg.FailureThreshold,
			OpenForMs:         cfg.OpenForMs,
			HealthCheckPeriod: cfg.HealthCheckPeriod,
		}
	}

	if err := reg.Register(ctx, echobackend.New(), breakerCfg("echo")); err != nil {
		return err
	}

	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		be := anthropicbackend.New(anthropicbackend.Config{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		})
		if err := reg.Register(ctx, be, breakerCfg("anthropic")); err != nil {
			return err
		}
	}

	if addr := os.Getenv("GRPC_BACKEND_ADDR"); addr != "" {
		caps := backend.Capabilities{
			Streaming:    true,
			FileEdit:     true,
			Shell:        true,
			Cancellation: true,
		}
		be := grpcbackend.New(addr, caps)
		if err := reg.Register(ctx, be, breakerCfg("grpc-sidecar")); err != nil {
			return err
		}
	}

	return nil
}

// buildQueue selects the Queue Adapter (C7) backend per configuration: the
// Postgres implementation needs nothing beyond the shared pool, the Redis
// one opens its own client against cfg.RedisAddr.
func buildQueue(cfg config.QueueConfig, db *sqlx.DB) (queue.Queue, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return queue.NewRedisQueue(client, "agentctl"), nil
	default:
		return queue.NewPostgresQueue(db), nil
	}
}

// queueEnqueuer adapts a queue.Queue (value RunAt) to approval.Enqueuer
// (pointer RunAt), the same shape-bridging the reaper and worker tests'
// fakeEnqueuer doubles exercise against their fake queues.
type queueEnqueuer struct{ q queue.Queue }

func (e queueEnqueuer) AddJob(ctx context.Context, taskName string, payload any, opts approval.EnqueueOptions) error {
	var runAt time.Time
	if opts.RunAt != nil {
		runAt = *opts.RunAt
	}
	return e.q.AddJob(ctx, taskName, payload, queue.AddJobOptions{
		RunAt:       runAt,
		MaxAttempts: opts.MaxAttempts,
		JobKey:      opts.JobKey,
	})
}

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, req *store.ApprovalRequest, channels []string) error {
	return nil
}

// buildNotifier wires a SlackNotifier when the bot token and channel are
// configured, falling back to a no-op so a deployment without a Slack
// workspace (dev, CI) still runs. Only CreateRequest calls Notify; a failed
// delivery is logged and recorded as a notification_sent audit entry with
// success=false.
func buildNotifier() approval.Notifier {
	token := os.Getenv("SLACK_BOT_TOKEN")
	channel := os.Getenv("SLACK_APPROVAL_CHANNEL")
	if token == "" || channel == "" {
		return noopNotifier{}
	}
	dashboardURL := os.Getenv("DASHBOARD_URL")
	return notify.NewSlackNotifier(token, channel, dashboardURL)
}
