package api

import (
	"log/slog"

	"github.com/codeready-toolchain/agentctl/pkg/approval"
	"github.com/codeready-toolchain/agentctl/pkg/queue"
	"github.com/codeready-toolchain/agentctl/pkg/registry"
	"github.com/codeready-toolchain/agentctl/pkg/sse"
	"github.com/codeready-toolchain/agentctl/pkg/store"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server bundles the collaborators the HTTP surface dispatches to. It
// holds no business logic of its own — every handler is a thin translation
// from an HTTP request into one of these calls.
type Server struct {
	db        *sqlx.DB
	jobs      *store.JobStore
	approvals *approval.Service
	queue     queue.Queue
	registry  *registry.Registry
	sse       *sse.Manager
	logger    *slog.Logger
}

// NewServer builds the API surface over its already-constructed
// collaborators; cmd/controlplane is responsible for wiring those up.
func NewServer(db *sqlx.DB, jobs *store.JobStore, approvals *approval.Service, q queue.Queue, reg *registry.Registry, sseManager *sse.Manager) *Server {
	return &Server{
		db:        db,
		jobs:      jobs,
		approvals: approvals,
		queue:     q,
		registry:  reg,
		sse:       sseManager,
		logger:    slog.Default().With("component", "api"),
	}
}

// Router builds the gin engine with every route registered. Split out from
// NewServer so tests can build a Router without binding a real listener.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders(), extractAuthor())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/health/backends", s.handleHealthBackends)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/jobs", s.handleCreateJob)
		v1.GET("/jobs/:id", s.handleGetJob)

		v1.POST("/approvals/:id/decide", s.handleDecideApproval)
		v1.POST("/approvals/decide", s.handleDecideByToken)
		v1.GET("/approvals/:id/audit", s.handleAuditTrail)

		v1.GET("/stream/:channel", s.handleStream)
	}

	return r
}
