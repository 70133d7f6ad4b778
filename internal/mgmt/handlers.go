package mgmt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/dialectic-engine/internal/api"
	"github.com/p-blackswan/dialectic-engine/internal/compkey"
	"github.com/p-blackswan/dialectic-engine/internal/dialectic"
	derrors "github.com/p-blackswan/dialectic-engine/internal/errors"
	"github.com/p-blackswan/dialectic-engine/internal/health"
)

// StageTracker starts tracking a stage iteration.
type StageTracker interface {
	TrackStage(ctx context.Context, sessionID, stageSlug string, iteration int) error
}

// ContentFetcher triggers an unconditional content fetch, including for
// documents whose versions were recorded by hydration without any content.
type ContentFetcher interface {
	RequestFetch(ctx context.Context, key compkey.DocumentKey, resourceID string)
}

// Hydrator rebuilds state from a server snapshot.
type Hydrator interface {
	HydrateStageProgress(ctx context.Context, q api.ProgressQuery) error
	HydrateAllStageProgress(ctx context.Context, q api.ProgressQuery) error
}

// RuntimeConfig holds the effective configuration exposed read-only.
type RuntimeConfig struct {
	Environment    string
	LogLevel       string
	HTTPPort       int
	MgmtListenAddr string
	AuthMode       string
	FeedEnabled    bool
	SlackEnabled   bool
	UserID         string
	ProjectID      string
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	state    *dialectic.State
	tracker  StageTracker
	fetcher  ContentFetcher
	hydrator Hydrator
	feedback *dialectic.FeedbackDrafts
	checker  *health.Checker
	cfg      RuntimeConfig
	logger   zerolog.Logger

	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(state *dialectic.State, tracker StageTracker, fetcher ContentFetcher, hydrator Hydrator, feedback *dialectic.FeedbackDrafts, checker *health.Checker, cfg RuntimeConfig, logger zerolog.Logger) *Handlers {
	return &Handlers{
		state:     state,
		tracker:   tracker,
		fetcher:   fetcher,
		hydrator:  hydrator,
		feedback:  feedback,
		checker:   checker,
		cfg:       cfg,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.checker != nil && !h.checker.IsReady(c.Context()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	resp := HealthDetailResponse{
		Status:    "ok",
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		StartedAt: h.startTime,
		Checks:    map[string]string{},
	}
	if h.checker != nil {
		for name, status := range h.checker.Cached() {
			resp.Checks[name] = string(status)
			if status != health.StatusOK {
				resp.Status = "degraded"
			}
		}
	}
	return c.JSON(resp)
}

// GetConfig handles GET /api/v1/config.
func (h *Handlers) GetConfig(c *fiber.Ctx) error {
	return c.JSON(ConfigResponse{
		Environment:    h.cfg.Environment,
		LogLevel:       h.cfg.LogLevel,
		HTTPPort:       h.cfg.HTTPPort,
		MgmtListenAddr: h.cfg.MgmtListenAddr,
		AuthMode:       h.cfg.AuthMode,
		FeedEnabled:    h.cfg.FeedEnabled,
		SlackEnabled:   h.cfg.SlackEnabled,
	})
}

// TrackStage handles POST /api/v1/stages/track.
func (h *Handlers) TrackStage(c *fiber.Ctx) error {
	var req TrackStageRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if req.SessionID == "" || req.StageSlug == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_fields", "Bad Request",
			"session_id and stage_slug are required")
	}

	if err := h.tracker.TrackStage(c.Context(), req.SessionID, req.StageSlug, req.Iteration); err != nil {
		if errors.Is(err, derrors.ErrNotFound) {
			return problemResponse(c, fiber.StatusNotFound,
				"unknown_stage", "Not Found",
				fmt.Sprintf("No recipe for stage %q", req.StageSlug))
		}
		return problemResponse(c, fiber.StatusBadGateway,
			"recipe_fetch_failed", "Bad Gateway",
			"Failed to resolve stage recipe: "+err.Error())
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "tracking"})
}

// ListProgress handles GET /api/v1/progress.
func (h *Handlers) ListProgress(c *fiber.Ctx) error {
	buckets := h.state.Buckets()
	return c.JSON(fiber.Map{"buckets": buckets, "count": len(buckets)})
}

// GetProgress handles GET /api/v1/progress/:session/:stage/:iteration.
func (h *Handlers) GetProgress(c *fiber.Ctx) error {
	iteration, err := c.ParamsInt("iteration")
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_iteration", "Bad Request",
			"Iteration must be an integer")
	}

	key := compkey.BucketKey{
		SessionID: c.Params("session"),
		StageSlug: c.Params("stage"),
		Iteration: iteration,
	}
	bucket, ok := h.state.Bucket(key)
	if !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"bucket_not_found", "Not Found",
			"Stage iteration is not tracked")
	}
	return c.JSON(bucket)
}

// Hydrate handles POST /api/v1/hydrate.
func (h *Handlers) Hydrate(c *fiber.Ctx) error {
	var req HydrateRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if req.SessionID == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_session", "Bad Request",
			"session_id is required")
	}

	q := api.ProgressQuery{
		SessionID: req.SessionID,
		StageSlug: req.StageSlug,
		Iteration: req.Iteration,
		UserID:    h.cfg.UserID,
		ProjectID: h.cfg.ProjectID,
	}

	var err error
	if req.StageSlug == "" {
		err = h.hydrator.HydrateAllStageProgress(c.Context(), q)
	} else {
		err = h.hydrator.HydrateStageProgress(c.Context(), q)
	}
	if err != nil {
		return problemResponse(c, fiber.StatusBadGateway,
			"hydration_failed", "Bad Gateway",
			"Hydration failed: "+err.Error())
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "hydrated"})
}

// ResetState handles POST /api/v1/state/reset.
func (h *Handlers) ResetState(c *fiber.Ctx) error {
	h.state.Reset()
	h.logger.Info().Msg("state reset via management API")
	return c.JSON(fiber.Map{"status": "reset"})
}

// GetContent handles GET /api/v1/contents?key=<encoded>.
func (h *Handlers) GetContent(c *fiber.Ctx) error {
	key, perr := h.documentKey(c.Query("key"))
	if perr != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_key", "Bad Request", perr.Error())
	}

	content, ok := h.state.Content(key)
	if !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"content_not_found", "Not Found",
			"No content entry for this document")
	}
	return c.JSON(content)
}

// RecordDraft handles POST /api/v1/contents/draft.
func (h *Handlers) RecordDraft(c *fiber.Ctx) error {
	var req DraftRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	key, perr := h.documentKey(req.Key)
	if perr != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_key", "Bad Request", perr.Error())
	}

	h.state.RecordDraft(key, req.Markdown)
	return c.JSON(fiber.Map{"status": "recorded"})
}

// DiscardDraft handles POST /api/v1/contents/discard. The draft snaps back to
// the baseline.
func (h *Handlers) DiscardDraft(c *fiber.Ctx) error {
	var req KeyRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	key, perr := h.documentKey(req.Key)
	if perr != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_key", "Bad Request", perr.Error())
	}

	h.state.FlushContent(key)
	return c.JSON(fiber.Map{"status": "discarded"})
}

// FetchContent handles POST /api/v1/contents/fetch.
func (h *Handlers) FetchContent(c *fiber.Ctx) error {
	var req FetchRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	key, perr := h.documentKey(req.Key)
	if perr != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_key", "Bad Request", perr.Error())
	}
	if req.ResourceID == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_resource_id", "Bad Request",
			"resource_id is required")
	}

	h.fetcher.RequestFetch(c.Context(), key, req.ResourceID)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "fetching"})
}

// RecordFeedback handles POST /api/v1/feedback/draft.
func (h *Handlers) RecordFeedback(c *fiber.Ctx) error {
	var req FeedbackDraftRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	key, perr := h.documentKey(req.Key)
	if perr != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_key", "Bad Request", perr.Error())
	}

	h.feedback.Record(key, req.Text)
	return c.JSON(fiber.Map{"status": "recorded"})
}

// InitializeFeedback handles POST /api/v1/feedback/initialize.
func (h *Handlers) InitializeFeedback(c *fiber.Ctx) error {
	var req KeyRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	key, perr := h.documentKey(req.Key)
	if perr != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_key", "Bad Request", perr.Error())
	}

	if err := h.feedback.Initialize(c.Context(), key); err != nil {
		return problemResponse(c, fiber.StatusBadGateway,
			"feedback_init_failed", "Bad Gateway",
			"Feedback initialization failed: "+err.Error())
	}
	return c.JSON(fiber.Map{"status": "initialized"})
}

// SubmitFeedback handles POST /api/v1/feedback/submit.
func (h *Handlers) SubmitFeedback(c *fiber.Ctx) error {
	var req FeedbackSubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	key, perr := h.documentKey(req.Key)
	if perr != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_key", "Bad Request", perr.Error())
	}

	projectID := req.ProjectID
	if projectID == "" {
		projectID = h.cfg.ProjectID
	}

	if err := h.feedback.Submit(c.Context(), key, req.FeedbackType, projectID); err != nil {
		return problemResponse(c, fiber.StatusBadGateway,
			"feedback_submit_failed", "Bad Gateway",
			"Feedback submission failed: "+err.Error())
	}
	return c.JSON(fiber.Map{"status": "submitted"})
}

func (h *Handlers) documentKey(raw string) (compkey.DocumentKey, error) {
	if raw == "" {
		return compkey.DocumentKey{}, fmt.Errorf("key is required")
	}
	key, err := compkey.DecodeDocumentKey(raw)
	if err != nil {
		return compkey.DocumentKey{}, fmt.Errorf("invalid key: %v", err)
	}
	return key, nil
}
