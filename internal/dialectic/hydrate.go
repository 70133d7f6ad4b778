package dialectic

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/dialectic-engine/internal/api"
	"github.com/p-blackswan/dialectic-engine/internal/compkey"
	"github.com/p-blackswan/dialectic-engine/internal/metrics"
)

// ProgressAPI is the slice of the remote API hydration needs.
type ProgressAPI interface {
	ListStageDocuments(ctx context.Context, q api.ProgressQuery) ([]api.StageDocumentRow, error)
	AllStageProgress(ctx context.Context, q api.ProgressQuery) ([]api.StageProgressRow, error)
}

// Hydrator bulk-reconstructs progress, version, and content state from
// snapshot API calls, for consumers that mount after generation has already
// begun. It writes through the same state shape as the live event path.
type Hydrator struct {
	state   *State
	recipes *Resolver
	remote  ProgressAPI
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewHydrator creates a Hydrator. metrics may be nil.
func NewHydrator(state *State, recipes *Resolver, remote ProgressAPI, m *metrics.Metrics, logger zerolog.Logger) *Hydrator {
	return &Hydrator{
		state:   state,
		recipes: recipes,
		remote:  remote,
		metrics: m,
		logger:  logger.With().Str("component", "hydrator").Logger(),
	}
}

// HydrateStageProgress rebuilds the bucket for one stage run from the
// list-stage-documents API. Entries without a job id are malformed; they are
// skipped with a warning and do not abort the rest of the batch.
func (h *Hydrator) HydrateStageProgress(ctx context.Context, q api.ProgressQuery) error {
	docs, err := h.remote.ListStageDocuments(ctx, q)
	if err != nil {
		return fmt.Errorf("hydrating stage %q: %w", q.StageSlug, err)
	}

	bucketKey := compkey.BucketKey{SessionID: q.SessionID, StageSlug: q.StageSlug, Iteration: q.Iteration}
	h.ensureBucket(ctx, bucketKey)
	h.applyDocuments(bucketKey, docs)
	return nil
}

// HydrateAllStageProgress rebuilds every stage of a session iteration from
// one aggregate API response, additionally copying step statuses and job
// progress verbatim per stage.
func (h *Hydrator) HydrateAllStageProgress(ctx context.Context, q api.ProgressQuery) error {
	stages, err := h.remote.AllStageProgress(ctx, q)
	if err != nil {
		return fmt.Errorf("hydrating session %q: %w", q.SessionID, err)
	}

	for _, stage := range stages {
		bucketKey := compkey.BucketKey{SessionID: q.SessionID, StageSlug: stage.StageSlug, Iteration: q.Iteration}
		h.ensureBucket(ctx, bucketKey)
		h.applyDocuments(bucketKey, stage.Documents)

		h.state.mu.Lock()
		bucket := h.state.buckets[bucketKey.Encode()]
		if bucket != nil {
			for stepKey, status := range stage.StepStatuses {
				bucket.StepStatuses[stepKey] = StepStatus(status)
			}
			for stepKey, row := range stage.JobProgress {
				c := &JobCounter{
					TotalJobs:      row.TotalJobs,
					InProgressJobs: row.InProgressJobs,
					CompletedJobs:  row.CompletedJobs,
					FailedJobs:     row.FailedJobs,
				}
				if row.ModelJobStatuses != nil {
					c.ModelJobStatuses = make(map[string]StepStatus, len(row.ModelJobStatuses))
					for m, s := range row.ModelJobStatuses {
						c.ModelJobStatuses[m] = StepStatus(s)
					}
				}
				bucket.JobProgress[stepKey] = c
			}
		}
		h.state.mu.Unlock()
	}
	return nil
}

// ensureBucket initializes the bucket from the stage recipe when possible.
// Snapshot data still applies when the recipe cannot be resolved; the bucket
// just starts without planned placeholders.
func (h *Hydrator) ensureBucket(ctx context.Context, key compkey.BucketKey) {
	if h.state.HasBucket(key) {
		return
	}
	steps, err := h.recipes.Resolve(ctx, key.StageSlug)
	if err != nil {
		h.logger.Warn().Err(err).Str("stage", key.StageSlug).Msg("hydrating without recipe")
		steps = nil
	}
	h.state.InitializeBucket(key, steps)
}

func (h *Hydrator) applyDocuments(bucketKey compkey.BucketKey, docs []api.StageDocumentRow) {
	for _, row := range docs {
		if row.JobID == "" {
			h.logger.Warn().
				Str("stage", bucketKey.StageSlug).
				Str("document", row.DocumentKey).
				Str("model", row.ModelID).
				Msg("skipping malformed snapshot entry: missing job id")
			h.countEntry("skipped")
			continue
		}

		desc := DocumentDescriptor{
			Status:  DocumentStatus(row.Status),
			ModelID: row.ModelID,
			JobID:   row.JobID,
		}

		docKey := compkey.DocumentKey{
			SessionID:   bucketKey.SessionID,
			StageSlug:   bucketKey.StageSlug,
			Iteration:   bucketKey.Iteration,
			ModelID:     row.ModelID,
			DocumentKey: row.DocumentKey,
		}

		if row.LatestRenderedResourceID != "" {
			version := NewVersionInfo(row.LatestRenderedResourceID)
			desc.LatestRenderedResourceID = row.LatestRenderedResourceID
			desc.VersionHash = version.VersionHash
			h.state.UpsertVersion(docKey, version)
		}

		h.state.mu.Lock()
		if bucket := h.state.buckets[bucketKey.Encode()]; bucket != nil {
			bucket.Documents[compkey.Slot(row.DocumentKey, row.ModelID)] = desc
		}
		h.state.mu.Unlock()

		h.countEntry("applied")
	}
}

func (h *Hydrator) countEntry(outcome string) {
	if h.metrics != nil {
		h.metrics.HydrationEntriesTotal.WithLabelValues(outcome).Inc()
	}
}
