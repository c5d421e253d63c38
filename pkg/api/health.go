package api

import (
	"net/http"

	"github.com/codeready-toolchain/agentctl/pkg/database"
	"github.com/codeready-toolchain/agentctl/pkg/version"
	"github.com/gin-gonic/gin"
)

// HealthResponse mirrors the teacher's /health payload shape: an overall
// status string, the running build's version, plus the database pool's own
// health snapshot.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Database *database.HealthStatus `json:"database,omitempty"`
}

func (s *Server) handleHealthz(c *gin.Context) {
	health, err := database.Health(c.Request.Context(), s.db.DB)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Version: version.Full(), Database: health})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: version.Full(), Database: health})
}

// BackendHealthView is one backend's reported state on the aggregate
// endpoint: HealthStatus and BreakerState are rendered as their string
// forms so the payload is stable JSON regardless of the underlying enum's
// numeric values.
type BackendHealthView struct {
	ID              string `json:"id"`
	HealthStatus    string `json:"healthStatus"`
	HealthReason    string `json:"healthReason,omitempty"`
	BreakerState    string `json:"breakerState"`
	ConsecutiveFail uint32 `json:"consecutiveFailures"`
}

// AggregateHealthResponse is the /health/backends payload: DB reachability,
// every registered backend's circuit-breaker state, current queue depth,
// and live SSE subscriber counts by channel — the single-call operational
// snapshot an on-call dashboard polls.
type AggregateHealthResponse struct {
	Status          string                 `json:"status"`
	Version         string                 `json:"version"`
	Database        *database.HealthStatus `json:"database,omitempty"`
	Backends        []BackendHealthView    `json:"backends"`
	QueueDepth      int                    `json:"queueDepth"`
	QueueError      string                 `json:"queueError,omitempty"`
	SSEChannelConns map[string]int         `json:"sseChannelConnections"`
}

func (s *Server) handleHealthBackends(c *gin.Context) {
	ctx := c.Request.Context()
	dbHealth, dbErr := database.Health(ctx, s.db.DB)

	resp := AggregateHealthResponse{
		Status:          "healthy",
		Version:         version.Full(),
		Database:        dbHealth,
		Backends:        make([]BackendHealthView, 0),
		SSEChannelConns: s.sse.ChannelCounts(),
	}
	if dbErr != nil {
		resp.Status = "unhealthy"
	}

	for _, snap := range s.registry.Snapshots() {
		resp.Backends = append(resp.Backends, BackendHealthView{
			ID:              snap.ID,
			HealthStatus:    string(snap.Health.Status),
			HealthReason:    snap.Health.Reason,
			BreakerState:    snap.BreakerState.String(),
			ConsecutiveFail: snap.BreakerCounts.ConsecutiveFailures,
		})
	}

	depth, err := s.queue.Depth(ctx)
	if err != nil {
		resp.Status = "unhealthy"
		resp.QueueError = err.Error()
	}
	resp.QueueDepth = depth

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
