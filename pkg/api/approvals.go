package api

import (
	"encoding/json"
	"net/http"

	"github.com/codeready-toolchain/agentctl/pkg/approval"
	"github.com/codeready-toolchain/agentctl/pkg/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type decideRequest struct {
	Decision store.ApprovalStatus `json:"decision" binding:"required"` // APPROVED or REJECTED
	Reason   *string              `json:"reason"`
	Channel  string               `json:"channel"`
}

type approvalResponse struct {
	ID        uuid.UUID            `json:"id"`
	JobID     uuid.UUID            `json:"jobId"`
	Status    store.ApprovalStatus `json:"status"`
	RiskLevel store.RiskLevel      `json:"riskLevel"`
	ExpiresAt string               `json:"expiresAt"`
}

func toApprovalResponse(r *store.ApprovalRequest) approvalResponse {
	return approvalResponse{
		ID:        r.ID,
		JobID:     r.JobID,
		Status:    r.Status,
		RiskLevel: r.RiskLevel,
		ExpiresAt: r.ExpiresAt.Format(rfc3339Milli),
	}
}

// handleDecideApproval services an authenticated approver acting on an
// approval request they were routed to by id (e.g. from a dashboard),
// §4.4's decide contract.
func (s *Server) handleDecideApproval(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeErrorMsg(c, http.StatusBadRequest, "invalid approval request id")
		return
	}

	var req decideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorMsg(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Decision != store.ApprovalApproved && req.Decision != store.ApprovalRejected {
		writeErrorMsg(c, http.StatusBadRequest, "decision must be APPROVED or REJECTED")
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = "api"
	}

	decided, err := s.approvals.Decide(c.Request.Context(), approval.DecideParams{
		ApprovalRequestID: id,
		Decision:          req.Decision,
		DecidedBy:         authorFrom(c),
		Channel:           channel,
		Reason:            req.Reason,
	})
	if err != nil {
		writeError(c, mapServiceError(err), err)
		return
	}
	c.JSON(http.StatusOK, toApprovalResponse(decided))
}

// decideByTokenRequest is the Telegram-style inline callback shape of
// §6: a bearer token plus a two-way action (approve/reject); any other
// action is rejected.
type decideByTokenRequest struct {
	Token    string `json:"token" binding:"required"`
	Decision string `json:"decision" binding:"required"` // "approve" or "reject"
	Channel  string `json:"channel"`
	Reason   *string `json:"reason"`
}

// handleDecideByToken services the unauthenticated-but-possession-proven
// path: a caller presenting the plaintext approval token minted by
// CreateRequest, the same bearer-token model a Slack/Telegram callback
// button would replay.
func (s *Server) handleDecideByToken(c *gin.Context) {
	var req decideByTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorMsg(c, http.StatusBadRequest, err.Error())
		return
	}

	var decision store.ApprovalStatus
	switch req.Decision {
	case "approve":
		decision = store.ApprovalApproved
	case "reject":
		decision = store.ApprovalRejected
	default:
		writeErrorMsg(c, http.StatusBadRequest, `decision must be "approve" or "reject"`)
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = "token"
	}

	decided, err := s.approvals.DecideByToken(c.Request.Context(), req.Token, decision, authorFrom(c), channel, req.Reason, json.RawMessage(`{}`))
	if err != nil {
		writeError(c, mapServiceError(err), err)
		return
	}
	c.JSON(http.StatusOK, toApprovalResponse(decided))
}

// handleAuditTrail exposes the hash-chained audit entries for a request,
// so an operator can independently eyeball chain continuity alongside
// VerifyAuditChain.
func (s *Server) handleAuditTrail(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeErrorMsg(c, http.StatusBadRequest, "invalid approval request id")
		return
	}

	entries, err := s.approvals.GetAuditTrail(c.Request.Context(), id)
	if err != nil {
		writeError(c, mapServiceError(err), err)
		return
	}

	verified, err := s.approvals.VerifyAuditChain(c.Request.Context(), id)
	if err != nil {
		writeError(c, mapServiceError(err), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "chainVerified": verified})
}
