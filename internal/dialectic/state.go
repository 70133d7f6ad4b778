package dialectic

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/dialectic-engine/internal/compkey"
)

// StepStatus is the status of a recipe step or a per-model job.
type StepStatus string

const (
	StepNotStarted StepStatus = "not_started"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// DocumentStatus is the status of one document within a stage run.
type DocumentStatus string

const (
	DocNotStarted DocumentStatus = "not_started"
	DocGenerating DocumentStatus = "generating"
	DocContinuing DocumentStatus = "continuing"
	DocCompleted  DocumentStatus = "completed"
	DocFailed     DocumentStatus = "failed"
)

// VersionInfo is the most recently known server content version for a
// document. Two records describe the same version iff ResourceID matches;
// UpdatedAt is informational only, since events do not carry monotonically
// increasing timestamps.
type VersionInfo struct {
	ResourceID  string    `json:"resourceId"`
	VersionHash string    `json:"versionHash"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewVersionInfo builds a VersionInfo from a resource id.
func NewVersionInfo(resourceID string) VersionInfo {
	return VersionInfo{
		ResourceID:  resourceID,
		VersionHash: compkey.VersionHash(resourceID),
		UpdatedAt:   time.Now().UTC(),
	}
}

// DocumentDescriptor tracks one document slot of a progress bucket. A
// descriptor starts planned (known only from the recipe's declared outputs)
// and is promoted to rendered exactly once, by the first event carrying a
// model id and job id for its document key. It never transitions back.
type DocumentDescriptor struct {
	Planned bool           `json:"planned"`
	Status  DocumentStatus `json:"status"`
	StepKey string         `json:"stepKey,omitempty"`
	ModelID string         `json:"modelId,omitempty"`

	// Rendered-variant fields, zero while planned.
	JobID                    string `json:"jobId,omitempty"`
	LatestRenderedResourceID string `json:"latestRenderedResourceId,omitempty"`
	VersionHash              string `json:"versionHash,omitempty"`
	LastRenderedResourceID   string `json:"lastRenderedResourceId,omitempty"`
	LastRenderedAt           string `json:"lastRenderAtIso,omitempty"`
	Error                    string `json:"error,omitempty"`
}

// Fetchable reports whether the descriptor points at real, fetchable content.
// Planner-only outputs complete with an empty hash and a job-id sentinel in
// LatestRenderedResourceID; callers must check this before fetching.
func (d DocumentDescriptor) Fetchable() bool {
	return d.VersionHash != "" && d.LatestRenderedResourceID != ""
}

// JobCounter tracks the job fan-out of one step. totalJobs is incremented
// lazily as jobs announce themselves, and the invariant
// totalJobs == inProgressJobs + completedJobs + failedJobs holds after every
// update.
type JobCounter struct {
	TotalJobs        int                   `json:"totalJobs"`
	InProgressJobs   int                   `json:"inProgressJobs"`
	CompletedJobs    int                   `json:"completedJobs"`
	FailedJobs       int                   `json:"failedJobs"`
	ModelJobStatuses map[string]StepStatus `json:"modelJobStatuses,omitempty"`
}

func (c *JobCounter) markStarted(modelID string) {
	c.TotalJobs++
	c.InProgressJobs++
	c.setModelStatus(modelID, StepInProgress)
}

func (c *JobCounter) markCompleted(modelID string) {
	// A completion observed before its start still announces a job.
	if c.InProgressJobs > 0 {
		c.InProgressJobs--
	} else {
		c.TotalJobs++
	}
	c.CompletedJobs++
	c.setModelStatus(modelID, StepCompleted)
}

func (c *JobCounter) markFailed(modelID string) {
	if c.InProgressJobs > 0 {
		c.InProgressJobs--
	} else {
		c.TotalJobs++
	}
	c.FailedJobs++
	c.setModelStatus(modelID, StepFailed)
}

func (c *JobCounter) setModelStatus(modelID string, status StepStatus) {
	if modelID == "" {
		return
	}
	if c.ModelJobStatuses == nil {
		c.ModelJobStatuses = make(map[string]StepStatus)
	}
	c.ModelJobStatuses[modelID] = status
}

// ProgressBucket aggregates step statuses, document descriptors, and job
// fan-out counters for one stage run.
type ProgressBucket struct {
	SessionID string `json:"sessionId"`
	StageSlug string `json:"stageSlug"`
	Iteration int    `json:"iterationNumber"`

	StepStatuses map[string]StepStatus         `json:"stepStatuses"`
	Documents    map[string]DocumentDescriptor `json:"documents"`
	JobProgress  map[string]*JobCounter        `json:"jobProgress"`
}

func newBucket(key compkey.BucketKey, steps []Step) *ProgressBucket {
	b := &ProgressBucket{
		SessionID:    key.SessionID,
		StageSlug:    key.StageSlug,
		Iteration:    key.Iteration,
		StepStatuses: make(map[string]StepStatus),
		Documents:    make(map[string]DocumentDescriptor),
		JobProgress:  make(map[string]*JobCounter),
	}
	for _, step := range steps {
		b.StepStatuses[step.Key] = StepNotStarted
		for _, docKey := range step.OutputDocumentKeys {
			// Planned slots are keyed without a model id until a model
			// claims the document key.
			slot := compkey.Slot(docKey, "")
			b.Documents[slot] = DocumentDescriptor{
				Planned: true,
				Status:  DocNotStarted,
				StepKey: step.Key,
			}
		}
	}
	return b
}

func (b *ProgressBucket) clone() *ProgressBucket {
	out := &ProgressBucket{
		SessionID:    b.SessionID,
		StageSlug:    b.StageSlug,
		Iteration:    b.Iteration,
		StepStatuses: make(map[string]StepStatus, len(b.StepStatuses)),
		Documents:    make(map[string]DocumentDescriptor, len(b.Documents)),
		JobProgress:  make(map[string]*JobCounter, len(b.JobProgress)),
	}
	for k, v := range b.StepStatuses {
		out.StepStatuses[k] = v
	}
	for k, v := range b.Documents {
		out.Documents[k] = v
	}
	for k, v := range b.JobProgress {
		c := &JobCounter{
			TotalJobs:      v.TotalJobs,
			InProgressJobs: v.InProgressJobs,
			CompletedJobs:  v.CompletedJobs,
			FailedJobs:     v.FailedJobs,
		}
		if v.ModelJobStatuses != nil {
			c.ModelJobStatuses = make(map[string]StepStatus, len(v.ModelJobStatuses))
			for m, s := range v.ModelJobStatuses {
				c.ModelJobStatuses[m] = s
			}
		}
		out.JobProgress[k] = c
	}
	return out
}

// ContentError is a UI-facing error stored on a content entry.
type ContentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ContentState is the per-document baseline/draft record.
type ContentState struct {
	BaselineMarkdown     string        `json:"baselineMarkdown"`
	CurrentDraftMarkdown string        `json:"currentDraftMarkdown"`
	IsDirty              bool          `json:"isDirty"`
	IsLoading            bool          `json:"isLoading"`
	Error                *ContentError `json:"error,omitempty"`

	LastBaselineVersion    *VersionInfo `json:"lastBaselineVersion,omitempty"`
	PendingDiff            *string      `json:"pendingDiff,omitempty"`
	LastAppliedVersionHash string       `json:"lastAppliedVersionHash,omitempty"`
	SourceContributionID   string       `json:"sourceContributionId,omitempty"`
	ResourceType           string       `json:"resourceType,omitempty"`

	FeedbackDraftMarkdown string        `json:"feedbackDraftMarkdown"`
	FeedbackIsDirty       bool          `json:"feedbackIsDirty"`
	FeedbackError         *ContentError `json:"feedbackError,omitempty"`

	feedbackLoaded bool
}

func (c *ContentState) clone() *ContentState {
	out := *c
	if c.LastBaselineVersion != nil {
		v := *c.LastBaselineVersion
		out.LastBaselineVersion = &v
	}
	if c.PendingDiff != nil {
		d := *c.PendingDiff
		out.PendingDiff = &d
	}
	if c.Error != nil {
		e := *c.Error
		out.Error = &e
	}
	if c.FeedbackError != nil {
		e := *c.FeedbackError
		out.FeedbackError = &e
	}
	return &out
}

// State is the engine's single source of truth. All mutation goes through the
// lifecycle event processor or the hydration loader; both funnel through the
// methods here, under one lock, so readers never observe a partially-applied
// event. Accessors return deep copies.
type State struct {
	mu     sync.RWMutex
	logger zerolog.Logger

	buckets  map[string]*ProgressBucket // bucket key -> bucket
	versions map[string]VersionInfo     // encoded document key -> latest version
	contents map[string]*ContentState   // encoded document key -> content state
}

// NewState creates an empty State.
func NewState(logger zerolog.Logger) *State {
	return &State{
		logger:   logger.With().Str("component", "state").Logger(),
		buckets:  make(map[string]*ProgressBucket),
		versions: make(map[string]VersionInfo),
		contents: make(map[string]*ContentState),
	}
}

// InitializeBucket creates the progress bucket for a stage run, with every
// recipe step not_started and the recipe's declared outputs planned. Existing
// buckets are left untouched; buckets are never deleted except by Reset.
func (s *State) InitializeBucket(key compkey.BucketKey, steps []Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := key.Encode()
	if _, ok := s.buckets[enc]; ok {
		return
	}
	s.buckets[enc] = newBucket(key, steps)
	s.logger.Debug().Str("bucket", enc).Int("steps", len(steps)).Msg("bucket initialized")
}

// HasBucket reports whether a stage run is being tracked.
func (s *State) HasBucket(key compkey.BucketKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[key.Encode()]
	return ok
}

// Bucket returns a deep copy of a progress bucket.
func (s *State) Bucket(key compkey.BucketKey) (*ProgressBucket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[key.Encode()]
	if !ok {
		return nil, false
	}
	return b.clone(), true
}

// Buckets returns deep copies of all tracked buckets.
func (s *State) Buckets() []*ProgressBucket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ProgressBucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		out = append(out, b.clone())
	}
	return out
}

// BucketCount returns the number of tracked buckets.
func (s *State) BucketCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

// Reset drops all tracked state. Explicit only; nothing else deletes buckets.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = make(map[string]*ProgressBucket)
	s.versions = make(map[string]VersionInfo)
	s.contents = make(map[string]*ContentState)
}

// UpsertVersion unconditionally replaces the recorded version for a document.
// Callers perform any "is this newer" check first, by resource-id equality.
func (s *State) UpsertVersion(key compkey.DocumentKey, v VersionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[key.Encode()] = v
}

// Version returns the recorded version for a document, if any.
func (s *State) Version(key compkey.DocumentKey) (VersionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[key.Encode()]
	return v, ok
}
