package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/abhisek/packplan/internal/constraints"
	"github.com/abhisek/packplan/internal/history"
	"github.com/abhisek/packplan/internal/lifecycle"
	"github.com/abhisek/packplan/internal/logger"
	"github.com/abhisek/packplan/internal/pack"
	"github.com/abhisek/packplan/internal/planner"
	"github.com/abhisek/packplan/internal/store"
)

// Planner is the planning service used by the handlers.
type Planner interface {
	PlanNext(ctx context.Context, req planner.PlanRequest) (*planner.PlanResult, error)
	GetPack(ctx context.Context, learnerID string, sequence int64) (*store.PackPlan, error)
}

// Lifecycle records serving and attempts.
type Lifecycle interface {
	MarkServed(ctx context.Context, learnerID string, sequence int64) (*store.PackPlan, error)
	RecordAttempt(ctx context.Context, a history.Attempt) (lifecycle.AttemptResult, error)
}

// Handler serves the pack endpoints.
type Handler struct {
	planner   Planner
	lifecycle Lifecycle
	log       *logger.Logger
}

// NewHandler creates a Handler.
func NewHandler(p Planner, l Lifecycle, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{planner: p, lifecycle: l, log: log}
}

type planRequest struct {
	LastKnownSequence *int64 `json:"last_known_sequence" binding:"required"`
	NextSequence      *int64 `json:"next_sequence" binding:"required"`
	IdempotencyToken  string `json:"idempotency_token" binding:"required"`
}

// Meta describes how a pack was produced.
type Meta struct {
	Planner        string `json:"planner"`
	PoolExpanded   bool   `json:"pool_expanded"`
	Retried        bool   `json:"retried"`
	RetryCount     int    `json:"retry_count"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// PackResponse is the body returned for a plan.
type PackResponse struct {
	PlanID          string             `json:"plan_id"`
	LearnerID       string             `json:"learner_id"`
	SessionSequence int64              `json:"session_sequence"`
	Status          store.Status       `json:"status"`
	Pack            []pack.Item        `json:"pack"`
	Report          constraints.Report `json:"report"`
	Meta            Meta               `json:"meta"`
	CreatedAt       time.Time          `json:"created_at"`
	ServedAt        *time.Time         `json:"served_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

// NewPackResponse converts a stored plan to its wire form.
func NewPackResponse(p *store.PackPlan) PackResponse {
	return PackResponse{
		PlanID:          p.ID,
		LearnerID:       p.LearnerID,
		SessionSequence: p.Sequence,
		Status:          p.Status,
		Pack:            p.Items,
		Report:          p.Report,
		Meta: Meta{
			Planner:        p.Planner,
			PoolExpanded:   p.PoolExpanded,
			Retried:        p.RetryCount > 0,
			RetryCount:     p.RetryCount,
			FallbackReason: p.FallbackReason,
		},
		CreatedAt:   p.CreatedAt,
		ServedAt:    p.ServedAt,
		CompletedAt: p.CompletedAt,
	}
}

// PlanNext handles POST /v1/learners/:learner_id/packs.
func (h *Handler) PlanNext(c *gin.Context) {
	var body planRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	res, err := h.planner.PlanNext(c.Request.Context(), planner.PlanRequest{
		LearnerID:         c.Param("learner_id"),
		LastKnownSequence: *body.LastKnownSequence,
		NextSequence:      *body.NextSequence,
		IdempotencyToken:  body.IdempotencyToken,
	})
	if err != nil {
		h.respondMapped(c, err)
		return
	}
	RespondOK(c, NewPackResponse(res.Plan))
}

// GetPack handles GET /v1/learners/:learner_id/packs/:sequence.
func (h *Handler) GetPack(c *gin.Context) {
	seq, ok := sequenceParam(c)
	if !ok {
		return
	}
	plan, err := h.planner.GetPack(c.Request.Context(), c.Param("learner_id"), seq)
	if err != nil {
		h.respondMapped(c, err)
		return
	}
	RespondOK(c, NewPackResponse(plan))
}

// MarkServed handles POST /v1/learners/:learner_id/packs/:sequence/served.
func (h *Handler) MarkServed(c *gin.Context) {
	seq, ok := sequenceParam(c)
	if !ok {
		return
	}
	plan, err := h.lifecycle.MarkServed(c.Request.Context(), c.Param("learner_id"), seq)
	if err != nil {
		h.respondMapped(c, err)
		return
	}
	RespondOK(c, NewPackResponse(plan))
}

type attemptRequest struct {
	ItemID      string     `json:"item_id" binding:"required"`
	Correct     *bool      `json:"correct" binding:"required"`
	AttemptedAt *time.Time `json:"attempted_at"`
}

type attemptResponse struct {
	Recorded  bool `json:"recorded"`
	Completed bool `json:"completed"`
}

// RecordAttempt handles POST /v1/learners/:learner_id/packs/:sequence/attempts.
func (h *Handler) RecordAttempt(c *gin.Context) {
	seq, ok := sequenceParam(c)
	if !ok {
		return
	}
	var body attemptRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	a := history.Attempt{
		LearnerID: c.Param("learner_id"),
		Sequence:  seq,
		ItemID:    body.ItemID,
		Correct:   *body.Correct,
	}
	if body.AttemptedAt != nil {
		a.AttemptedAt = *body.AttemptedAt
	}

	res, err := h.lifecycle.RecordAttempt(c.Request.Context(), a)
	if err != nil {
		h.respondMapped(c, err)
		return
	}
	c.JSON(http.StatusAccepted, attemptResponse{Recorded: res.Recorded, Completed: res.Completed})
}

// Health handles GET /healthz.
func Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func sequenceParam(c *gin.Context) (int64, bool) {
	seq, err := strconv.ParseInt(c.Param("sequence"), 10, 64)
	if err != nil || seq < 0 {
		RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("sequence must be a non-negative integer"))
		return 0, false
	}
	return seq, true
}
