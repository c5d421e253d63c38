package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// handleStream upgrades the connection to a Server-Sent Events stream for
// one channel (an agent id, a job id, or any other channel name a
// producer broadcasts under). Resume is by Last-Event-ID, the exact
// header §4.5 specifies for reconnects: a client presents the id of the
// last frame it saw and Subscribe replays anything newer from the
// channel's ring buffer before live events resume.
func (s *Server) handleStream(c *gin.Context) {
	channel := c.Param("channel")
	if channel == "" {
		writeErrorMsg(c, http.StatusBadRequest, "channel is required")
		return
	}

	var lastEventID int64
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeErrorMsg(c, http.StatusBadRequest, "invalid Last-Event-ID")
			return
		}
		lastEventID = id
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	connID := uuid.NewString()
	conn := s.sse.Subscribe(channel, connID, w, lastEventID)
	defer s.sse.Unsubscribe(channel, connID)

	if err := s.sse.Serve(c.Request.Context(), conn); err != nil {
		s.logger.Debug("sse stream ended", "channel", channel, "conn_id", connID, "error", err)
	}
}
