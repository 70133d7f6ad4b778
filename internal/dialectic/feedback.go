package dialectic

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/dialectic-engine/internal/api"
	"github.com/p-blackswan/dialectic-engine/internal/compkey"
	derrors "github.com/p-blackswan/dialectic-engine/internal/errors"
	"github.com/p-blackswan/dialectic-engine/internal/metrics"
)

// Storage is the durable key-value surface feedback drafts are mirrored to.
type Storage interface {
	// GetItem returns the stored value and whether the key exists.
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
}

// FeedbackAPI is the slice of the remote API the feedback path needs.
type FeedbackAPI interface {
	StageDocumentFeedback(ctx context.Context, sessionID, stageSlug string, iteration int, modelID, documentKey string) ([]api.FeedbackEntry, error)
	SubmitStageDocumentFeedback(ctx context.Context, sub api.FeedbackSubmission) error
}

// FeedbackDrafts manages per-document human feedback drafts: independently
// dirty-tracked, mirrored to durable storage on every change, and reconciled
// against server-saved feedback on first load. A durable local draft always
// wins over server-saved feedback.
type FeedbackDrafts struct {
	state   *State
	storage Storage
	remote  FeedbackAPI
	metrics *metrics.Metrics
	userID  string
	logger  zerolog.Logger
}

// NewFeedbackDrafts creates the feedback draft manager. m may be nil.
func NewFeedbackDrafts(state *State, storage Storage, remote FeedbackAPI, m *metrics.Metrics, userID string, logger zerolog.Logger) *FeedbackDrafts {
	return &FeedbackDrafts{
		state:   state,
		storage: storage,
		remote:  remote,
		metrics: m,
		userID:  userID,
		logger:  logger.With().Str("component", "feedback_drafts").Logger(),
	}
}

// Record stores the feedback draft text, marks it dirty, and mirrors it to
// durable storage. Storage writes are fire-and-forget: failures are logged,
// never propagated.
func (f *FeedbackDrafts) Record(key compkey.DocumentKey, text string) {
	f.state.mu.Lock()
	entry := f.state.ensureContentLocked(key, nil)
	entry.FeedbackDraftMarkdown = text
	entry.FeedbackIsDirty = true
	entry.feedbackLoaded = true
	f.state.mu.Unlock()

	if err := f.storage.SetItem(compkey.FeedbackStorageKey(f.userID, key), text); err != nil {
		f.logger.Warn().Err(err).Str("document", key.Encode()).Msg("feedback draft mirror failed")
	}
}

// Flush clears the feedback draft and removes the durable entry.
func (f *FeedbackDrafts) Flush(key compkey.DocumentKey) {
	f.state.mu.Lock()
	if entry, ok := f.state.contents[key.Encode()]; ok {
		entry.FeedbackDraftMarkdown = ""
		entry.FeedbackIsDirty = false
	}
	f.state.mu.Unlock()

	if err := f.storage.RemoveItem(compkey.FeedbackStorageKey(f.userID, key)); err != nil {
		f.logger.Warn().Err(err).Str("document", key.Encode()).Msg("feedback draft removal failed")
	}
}

// Initialize loads the feedback draft for a document. Idempotent: a no-op
// when a dirty draft is already loaded. Precedence: durable local draft
// (loaded dirty) over server-saved feedback (loaded clean) over empty.
func (f *FeedbackDrafts) Initialize(ctx context.Context, key compkey.DocumentKey) error {
	f.state.mu.Lock()
	entry := f.state.ensureContentLocked(key, nil)
	if entry.feedbackLoaded && entry.FeedbackIsDirty {
		f.state.mu.Unlock()
		return nil
	}
	f.state.mu.Unlock()

	if stored, ok, err := f.storage.GetItem(compkey.FeedbackStorageKey(f.userID, key)); err != nil {
		f.logger.Warn().Err(err).Str("document", key.Encode()).Msg("feedback draft read failed")
	} else if ok {
		f.state.mu.Lock()
		entry := f.state.ensureContentLocked(key, nil)
		entry.FeedbackDraftMarkdown = stored
		entry.FeedbackIsDirty = true
		entry.feedbackLoaded = true
		f.state.mu.Unlock()
		return nil
	}

	saved, err := f.remote.StageDocumentFeedback(ctx, key.SessionID, key.StageSlug, key.Iteration, key.ModelID, key.DocumentKey)
	if err != nil && !errors.Is(err, derrors.ErrNotFound) {
		return err
	}

	f.state.mu.Lock()
	entry = f.state.ensureContentLocked(key, nil)
	if len(saved) > 0 {
		entry.FeedbackDraftMarkdown = saved[len(saved)-1].Content
	} else {
		entry.FeedbackDraftMarkdown = ""
	}
	entry.FeedbackIsDirty = false
	entry.feedbackLoaded = true
	f.state.mu.Unlock()
	return nil
}

// Submit sends the current feedback draft to the server. On success the
// feedback draft and the document's content draft are both flushed; on
// failure the error lands on the entry's feedback error field and the draft
// stays intact. Submission does not auto-retry.
func (f *FeedbackDrafts) Submit(ctx context.Context, key compkey.DocumentKey, feedbackType, projectID string) error {
	f.state.mu.Lock()
	entry := f.state.ensureContentLocked(key, nil)
	text := entry.FeedbackDraftMarkdown
	sourceContribution := entry.SourceContributionID
	entry.FeedbackError = nil
	f.state.mu.Unlock()

	err := f.remote.SubmitStageDocumentFeedback(ctx, api.FeedbackSubmission{
		SessionID:            key.SessionID,
		StageSlug:            key.StageSlug,
		IterationNumber:      key.Iteration,
		ModelID:              key.ModelID,
		DocumentKey:          key.DocumentKey,
		FeedbackContent:      text,
		UserID:               f.userID,
		ProjectID:            projectID,
		FeedbackType:         feedbackType,
		SourceContributionID: sourceContribution,
	})
	if err != nil {
		f.state.mu.Lock()
		entry := f.state.ensureContentLocked(key, nil)
		entry.FeedbackError = contentErrorFrom(err)
		f.state.mu.Unlock()
		if f.metrics != nil {
			f.metrics.FeedbackSubmissionsTotal.WithLabelValues("error").Inc()
		}
		return err
	}

	if f.metrics != nil {
		f.metrics.FeedbackSubmissionsTotal.WithLabelValues("ok").Inc()
	}
	f.Flush(key)
	f.state.FlushContent(key)
	return nil
}
