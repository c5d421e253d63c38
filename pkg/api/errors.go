package api

import (
	"errors"
	"net/http"

	"github.com/codeready-toolchain/agentctl/pkg/approval"
	"github.com/codeready-toolchain/agentctl/pkg/queue"
	"github.com/codeready-toolchain/agentctl/pkg/store"
)

// mapServiceError translates the domain error sentinels pkg/store,
// pkg/approval, and pkg/queue return into HTTP status codes, the same
// one-function "classify and respond" shape the teacher's old handler
// layer used.
func mapServiceError(err error) int {
	var validationErr *store.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrCASFailed):
		return http.StatusConflict
	case errors.Is(err, store.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, approval.ErrAlreadyDecided):
		return http.StatusConflict
	case errors.Is(err, approval.ErrExpired):
		return http.StatusGone
	case errors.Is(err, approval.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, queue.ErrDuplicateJobKey):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
