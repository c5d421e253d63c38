package api

import (
	"encoding/json"
	"net/http"

	"github.com/codeready-toolchain/agentctl/pkg/queue"
	"github.com/codeready-toolchain/agentctl/pkg/store"
	"github.com/codeready-toolchain/agentctl/pkg/worker"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// submitJobRequest is the wire shape of a job submission: an agent id
// plus the backend-agnostic payload §6's Execution Task describes.
type submitJobRequest struct {
	AgentID        uuid.UUID       `json:"agentId" binding:"required"`
	SessionID      *uuid.UUID      `json:"sessionId"`
	Priority       int             `json:"priority"`
	Payload        json.RawMessage `json:"payload" binding:"required"`
	MaxAttempts    int             `json:"maxAttempts"`
	TimeoutSeconds int             `json:"timeoutSeconds"`
}

type jobResponse struct {
	ID        uuid.UUID       `json:"id"`
	AgentID   uuid.UUID       `json:"agentId"`
	Status    store.JobStatus `json:"status"`
	Priority  int             `json:"priority"`
	Attempt   int             `json:"attempt"`
	CreatedAt string          `json:"createdAt"`
}

func toJobResponse(j *store.Job) jobResponse {
	return jobResponse{
		ID:        j.ID,
		AgentID:   j.AgentID,
		Status:    j.Status,
		Priority:  j.Priority,
		Attempt:   j.Attempt,
		CreatedAt: j.CreatedAt.Format(rfc3339Milli),
	}
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

// handleCreateJob inserts a PENDING job, CASes it to SCHEDULED, and
// enqueues the agent_execute envelope — the three-step sequence §4.2
// requires for a job to become runnable, mirrored here rather than left to
// the caller so a submission always leaves both stores consistent.
func (s *Server) handleCreateJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorMsg(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	job, err := s.jobs.Create(ctx, store.CreateJobParams{
		AgentID:        req.AgentID,
		SessionID:      req.SessionID,
		Priority:       req.Priority,
		Payload:        req.Payload,
		MaxAttempts:    req.MaxAttempts,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		writeError(c, mapServiceError(err), err)
		return
	}

	if err := s.jobs.CASTransition(ctx, job.ID, store.JobPending, store.JobScheduled, nil); err != nil {
		writeError(c, mapServiceError(err), err)
		return
	}
	job.Status = store.JobScheduled

	if err := s.queue.AddJob(ctx, worker.TaskNameAgentExecute, jobIDPayload(job.ID), queue.AddJobOptions{
		MaxAttempts: job.MaxAttempts,
		JobKey:      job.ID.String(),
	}); err != nil {
		writeError(c, mapServiceError(err), err)
		return
	}

	c.JSON(http.StatusCreated, toJobResponse(job))
}

func jobIDPayload(id uuid.UUID) map[string]uuid.UUID {
	return map[string]uuid.UUID{"jobId": id}
}

func (s *Server) handleGetJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeErrorMsg(c, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := s.jobs.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, mapServiceError(err), err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}
