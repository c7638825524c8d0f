package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/abhisek/packplan/internal/lifecycle"
	"github.com/abhisek/packplan/internal/planner"
	"github.com/abhisek/packplan/internal/selector"
	"github.com/abhisek/packplan/internal/store"
)

// APIError is the error body.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ErrorEnvelope wraps APIError.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// apiError pairs an error with its HTTP status and code.
type apiError struct {
	Status     int
	Code       string
	RetryAfter int // seconds, 0 = no header
}

var errorTable = []struct {
	target error
	resp   apiError
}{
	{planner.ErrInvalidRequest, apiError{Status: http.StatusBadRequest, Code: "invalid_request"}},
	{planner.ErrConflict, apiError{Status: http.StatusConflict, Code: "plan_conflict", RetryAfter: 1}},
	{planner.ErrStaleSequence, apiError{Status: http.StatusConflict, Code: "stale_sequence"}},
	{planner.ErrSequenceGap, apiError{Status: http.StatusConflict, Code: "sequence_gap"}},
	{planner.ErrSequenceExpired, apiError{Status: http.StatusConflict, Code: "sequence_expired"}},
	{planner.ErrTokenMismatch, apiError{Status: http.StatusUnprocessableEntity, Code: "token_mismatch"}},
	{selector.ErrCandidateShortage, apiError{Status: http.StatusServiceUnavailable, Code: "insufficient_content", RetryAfter: 60}},
	{store.ErrNotFound, apiError{Status: http.StatusNotFound, Code: "not_found"}},
	{lifecycle.ErrInvalidTransition, apiError{Status: http.StatusConflict, Code: "invalid_transition"}},
	{lifecycle.ErrItemNotInPack, apiError{Status: http.StatusUnprocessableEntity, Code: "item_not_in_pack"}},
}

func classify(err error) (apiError, bool) {
	for _, e := range errorTable {
		if errors.Is(err, e.target) {
			return e.resp, true
		}
	}
	return apiError{Status: http.StatusInternalServerError, Code: "internal_error"}, false
}

// RespondError writes a JSON error envelope.
func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{Error: APIError{Message: msg, Code: code}})
}

// RespondOK writes payload with status 200.
func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// respondMapped translates a service error. Unknown errors are logged and
// hidden behind a generic message.
func (h *Handler) respondMapped(c *gin.Context, err error) {
	resp, known := classify(err)
	if resp.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(resp.RetryAfter))
	}
	if !known {
		h.log.Error("request failed", "path", c.FullPath(), "error", err)
		RespondError(c, resp.Status, resp.Code, errors.New("internal error"))
		return
	}
	RespondError(c, resp.Status, resp.Code, err)
}
