package dialectic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/dialectic-engine/internal/compkey"
	derrors "github.com/p-blackswan/dialectic-engine/internal/errors"
	"github.com/p-blackswan/dialectic-engine/internal/metrics"
	"github.com/p-blackswan/dialectic-engine/internal/retry"
)

// JobFailure describes a terminal job failure for external notification.
type JobFailure struct {
	SessionID   string
	StageSlug   string
	Iteration   int
	ModelID     string
	DocumentKey string
	JobID       string
	Message     string
}

// FailureSink receives terminal job failures. Implementations must not block
// event processing for long; the processor calls them synchronously.
type FailureSink interface {
	JobFailed(ctx context.Context, failure JobFailure)
}

// Processor is the single mutation entry point during live operation. It
// dispatches on event kind, validates against the recipe resolver and an
// existing progress bucket, and applies the transition to the shared state.
// Events are applied strictly one at a time by the owning loop.
type Processor struct {
	state    *State
	recipes  *Resolver
	content  ContentAPI
	metrics  *metrics.Metrics
	failures FailureSink
	retryCfg retry.Config
	logger   zerolog.Logger

	fetches sync.WaitGroup
}

// NewProcessor creates a Processor. metrics and failures may be nil.
func NewProcessor(state *State, recipes *Resolver, content ContentAPI, m *metrics.Metrics, failures FailureSink, retryCfg retry.Config, logger zerolog.Logger) *Processor {
	return &Processor{
		state:    state,
		recipes:  recipes,
		content:  content,
		metrics:  m,
		failures: failures,
		retryCfg: retryCfg,
		logger:   logger.With().Str("component", "processor").Logger(),
	}
}

// WaitForFetches blocks until all in-flight content fetches spawned by Apply
// have settled. Shutdown and tests use it; live operation never does.
func (p *Processor) WaitForFetches() {
	p.fetches.Wait()
}

// Apply processes one lifecycle event. Stale events — a stage with no
// resolvable recipe, or a stage run not being tracked — are logged at warn
// level and dropped; they represent notifications for a view no longer
// active and are never surfaced to the user.
func (p *Processor) Apply(ctx context.Context, ev Event) error {
	head := ev.Head()

	steps, err := p.recipes.Resolve(ctx, head.StageSlug)
	if err != nil {
		p.drop(ev, "no recipe for stage")
		return fmt.Errorf("%w: stage %q has no recipe", derrors.ErrStaleEvent, head.StageSlug)
	}

	bucketKey := compkey.BucketKey{SessionID: head.SessionID, StageSlug: head.StageSlug, Iteration: head.Iteration}
	if !p.state.HasBucket(bucketKey) {
		p.drop(ev, "no progress bucket")
		return fmt.Errorf("%w: bucket %q not tracked", derrors.ErrStaleEvent, bucketKey.Encode())
	}

	stepKey, ok := p.resolveStepKey(head, ev.Kind(), steps)
	if !ok {
		p.drop(ev, "no step for event family")
		return fmt.Errorf("%w: no %s step in stage %q", derrors.ErrStaleEvent, ev.Kind().Family(), head.StageSlug)
	}

	if err := p.dispatch(ctx, ev, bucketKey, stepKey); err != nil {
		p.count(ev, "error")
		return err
	}
	p.count(ev, "applied")
	return nil
}

// resolveStepKey uses the event's explicit step key when present, else the
// first recipe step whose job type matches the event family.
func (p *Processor) resolveStepKey(head Header, kind Kind, steps []Step) (string, bool) {
	if head.StepKey != "" {
		return head.StepKey, true
	}
	step, ok := FirstStepForFamily(steps, kind.Family())
	if !ok {
		return "", false
	}
	return step.Key, true
}

// dispatch matches the closed event union exhaustively. Decode guarantees no
// other variants exist, so the final case is unreachable and treated as a
// programmer error.
func (p *Processor) dispatch(ctx context.Context, ev Event, bucketKey compkey.BucketKey, stepKey string) error {
	switch e := ev.(type) {
	case *PlannerStarted:
		p.applyStarted(bucketKey, stepKey, e.Header, e.DocumentKey)
	case *PlannerCompleted:
		p.applyCompleted(ctx, bucketKey, stepKey, e.Header, e.DocumentKey, e.LatestRenderedResourceID)
	case *DocumentStarted:
		p.applyStarted(bucketKey, stepKey, e.Header, e.DocumentKey)
	case *DocumentChunkCompleted:
		p.applyChunk(ctx, bucketKey, stepKey, e.Header, e.DocumentKey, e.IsFinalChunk, e.LatestRenderedResourceID)
	case *ExecuteStarted:
		p.applyStarted(bucketKey, stepKey, e.Header, e.DocumentKey)
	case *ExecuteChunkCompleted:
		p.applyChunk(ctx, bucketKey, stepKey, e.Header, e.DocumentKey, e.IsFinalChunk, e.LatestRenderedResourceID)
	case *ExecuteCompleted:
		p.applyCompleted(ctx, bucketKey, stepKey, e.Header, e.DocumentKey, e.LatestRenderedResourceID)
	case *RenderStarted:
		p.applyStarted(bucketKey, stepKey, e.Header, e.DocumentKey)
	case *RenderCompleted:
		p.applyCompleted(ctx, bucketKey, stepKey, e.Header, e.DocumentKey, e.LatestRenderedResourceID)
	case *JobFailed:
		p.applyFailed(ctx, bucketKey, stepKey, e.Header, e.DocumentKey, e.Error)
	case *ContributionStarted:
		p.applyStarted(bucketKey, stepKey, e.Header, e.DocumentKey)
	case *ContributionReceived:
		p.applyContributionReceived(ctx, bucketKey, stepKey, e.Header, e.DocumentKey, e.LatestRenderedResourceID)
	default:
		return fmt.Errorf("dialectic: unhandled event kind %T", ev)
	}
	return nil
}

func (p *Processor) applyStarted(bucketKey compkey.BucketKey, stepKey string, head Header, documentKey string) {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()

	bucket := p.state.buckets[bucketKey.Encode()]
	if bucket == nil {
		return
	}
	bucket.StepStatuses[stepKey] = StepInProgress
	p.counter(bucket, stepKey).markStarted(head.ModelID)

	if documentKey != "" {
		desc := p.descriptorLocked(bucket, documentKey, head, stepKey)
		desc.Status = DocGenerating
		p.storeDescriptorLocked(bucket, documentKey, head.ModelID, desc)
	}
}

func (p *Processor) applyChunk(ctx context.Context, bucketKey compkey.BucketKey, stepKey string, head Header, documentKey string, isFinal bool, resourceID string) {
	p.state.mu.Lock()

	bucket := p.state.buckets[bucketKey.Encode()]
	if bucket == nil {
		p.state.mu.Unlock()
		return
	}
	desc := p.descriptorLocked(bucket, documentKey, head, stepKey)
	// Chunk events toggle generating/continuing and never touch step status.
	if isFinal {
		desc.Status = DocGenerating
	} else {
		desc.Status = DocContinuing
	}
	if resourceID != "" {
		p.recordRenderLocked(&desc, resourceID)
	}
	p.storeDescriptorLocked(bucket, documentKey, head.ModelID, desc)
	p.state.mu.Unlock()

	p.maybeFetch(ctx, docKeyOf(head, documentKey), resourceID)
}

func (p *Processor) applyCompleted(ctx context.Context, bucketKey compkey.BucketKey, stepKey string, head Header, documentKey string, resourceID string) {
	p.state.mu.Lock()

	bucket := p.state.buckets[bucketKey.Encode()]
	if bucket == nil {
		p.state.mu.Unlock()
		return
	}
	bucket.StepStatuses[stepKey] = StepCompleted
	p.counter(bucket, stepKey).markCompleted(head.ModelID)

	if documentKey != "" {
		desc := p.descriptorLocked(bucket, documentKey, head, stepKey)
		desc.Status = DocCompleted
		if resourceID != "" {
			p.recordRenderLocked(&desc, resourceID)
		} else if desc.LatestRenderedResourceID == "" {
			// Planner-only output: no renderable resource exists. The job id
			// stands in as a sentinel and the hash stays empty so callers
			// know there is nothing to fetch.
			desc.LatestRenderedResourceID = head.JobID
			desc.VersionHash = ""
		}
		p.storeDescriptorLocked(bucket, documentKey, head.ModelID, desc)
	}
	p.state.mu.Unlock()

	if documentKey != "" {
		p.maybeFetch(ctx, docKeyOf(head, documentKey), resourceID)
	}
}

func (p *Processor) applyContributionReceived(ctx context.Context, bucketKey compkey.BucketKey, stepKey string, head Header, documentKey string, resourceID string) {
	p.state.mu.Lock()

	bucket := p.state.buckets[bucketKey.Encode()]
	if bucket == nil {
		p.state.mu.Unlock()
		return
	}
	p.counter(bucket, stepKey).markCompleted(head.ModelID)

	if documentKey != "" {
		desc := p.descriptorLocked(bucket, documentKey, head, stepKey)
		desc.Status = DocCompleted
		if resourceID != "" {
			p.recordRenderLocked(&desc, resourceID)
		}
		p.storeDescriptorLocked(bucket, documentKey, head.ModelID, desc)
	}
	p.state.mu.Unlock()

	if documentKey != "" {
		p.maybeFetch(ctx, docKeyOf(head, documentKey), resourceID)
	}
}

func (p *Processor) applyFailed(ctx context.Context, bucketKey compkey.BucketKey, stepKey string, head Header, documentKey string, detail ErrorDetail) {
	p.state.mu.Lock()

	bucket := p.state.buckets[bucketKey.Encode()]
	if bucket == nil {
		p.state.mu.Unlock()
		return
	}
	bucket.StepStatuses[stepKey] = StepFailed
	p.counter(bucket, stepKey).markFailed(head.ModelID)

	if documentKey != "" {
		desc := p.descriptorLocked(bucket, documentKey, head, stepKey)
		desc.Status = DocFailed
		desc.Error = detail.Message
		p.storeDescriptorLocked(bucket, documentKey, head.ModelID, desc)
	}
	p.state.mu.Unlock()

	if documentKey != "" {
		// Surface the failure beside the draft.
		p.state.setDescriptorError(docKeyOf(head, documentKey), detail.Message)
	}

	if p.failures != nil {
		p.failures.JobFailed(ctx, JobFailure{
			SessionID:   head.SessionID,
			StageSlug:   head.StageSlug,
			Iteration:   head.Iteration,
			ModelID:     head.ModelID,
			DocumentKey: documentKey,
			JobID:       head.JobID,
			Message:     detail.Message,
		})
	}
}

// descriptorLocked resolves the descriptor for a document slot, promoting a
// planned placeholder to rendered on the first event that carries a model id
// and job id. The promotion happens exactly once; a rendered descriptor never
// reverts.
func (p *Processor) descriptorLocked(bucket *ProgressBucket, documentKey string, head Header, stepKey string) DocumentDescriptor {
	slot := compkey.Slot(documentKey, head.ModelID)
	desc, ok := bucket.Documents[slot]
	if !ok {
		// A planned placeholder for this document key (keyed without a model)
		// seeds the new per-model descriptor.
		if planned, found := bucket.Documents[compkey.Slot(documentKey, "")]; found && planned.Planned {
			desc = planned
		} else {
			desc = DocumentDescriptor{Planned: true, Status: DocNotStarted, StepKey: stepKey}
		}
	}

	if desc.Planned && head.ModelID != "" && head.JobID != "" {
		desc.Planned = false
		desc.ModelID = head.ModelID
		desc.JobID = head.JobID
		// Drop the claimed placeholder so progress consumers iterating the
		// map do not count a phantom not_started entry beside the real one.
		delete(bucket.Documents, compkey.Slot(documentKey, ""))
	}
	if desc.StepKey == "" {
		desc.StepKey = stepKey
	}
	return desc
}

func (p *Processor) storeDescriptorLocked(bucket *ProgressBucket, documentKey, modelID string, desc DocumentDescriptor) {
	bucket.Documents[compkey.Slot(documentKey, modelID)] = desc
}

// recordRenderLocked rolls the descriptor's rendered-resource pointers.
func (p *Processor) recordRenderLocked(desc *DocumentDescriptor, resourceID string) {
	if desc.LatestRenderedResourceID != resourceID {
		desc.LastRenderedResourceID = desc.LatestRenderedResourceID
	}
	desc.LatestRenderedResourceID = resourceID
	desc.VersionHash = compkey.VersionHash(resourceID)
	desc.LastRenderedAt = time.Now().UTC().Format(time.RFC3339)
}

func (p *Processor) counter(bucket *ProgressBucket, stepKey string) *JobCounter {
	c, ok := bucket.JobProgress[stepKey]
	if !ok {
		c = &JobCounter{}
		bucket.JobProgress[stepKey] = c
	}
	return c
}

// RequestFetch fetches a rendered resource unconditionally: it marks the
// entry loading, records the target version, and calls the remote API even
// when the version table already names that resource. The management API uses
// it to read documents whose versions arrived via hydration, where nothing
// was ever fetched.
func (p *Processor) RequestFetch(ctx context.Context, key compkey.DocumentKey, resourceID string) {
	if resourceID == "" || p.content == nil {
		return
	}
	p.startFetch(ctx, key, resourceID)
}

// maybeFetch triggers an asynchronous content fetch when an event carries a
// rendered resource the state has not seen. The guard is resource-id
// equality: redelivery of the same completion never double-fetches, but two
// events naming different resource ids can race two fetches, and the
// later-resolving one wins the baseline. Accepted limitation.
func (p *Processor) maybeFetch(ctx context.Context, key compkey.DocumentKey, resourceID string) {
	if resourceID == "" || p.content == nil {
		return
	}
	if current, ok := p.state.Version(key); ok && current.ResourceID == resourceID {
		if p.metrics != nil {
			p.metrics.ContentFetchesTotal.WithLabelValues("skipped").Inc()
		}
		return
	}
	p.startFetch(ctx, key, resourceID)
}

func (p *Processor) startFetch(ctx context.Context, key compkey.DocumentKey, resourceID string) {
	p.state.BeginFetch(key, resourceID)
	p.fetches.Add(1)
	go func() {
		defer p.fetches.Done()
		p.state.FetchContent(ctx, key, resourceID, p.content, p.retryCfg)
		if p.metrics != nil {
			if c, ok := p.state.Content(key); ok && c.Error != nil {
				p.metrics.ContentFetchesTotal.WithLabelValues("error").Inc()
			} else {
				p.metrics.ContentFetchesTotal.WithLabelValues("ok").Inc()
				p.metrics.ReconciliationsTotal.Inc()
			}
		}
	}()
}

func (p *Processor) drop(ev Event, reason string) {
	head := ev.Head()
	p.logger.Warn().
		Str("kind", string(ev.Kind())).
		Str("session", head.SessionID).
		Str("stage", head.StageSlug).
		Int("iteration", head.Iteration).
		Str("job_id", head.JobID).
		Msg("dropping stale event: " + reason)
	p.count(ev, "stale")
}

func (p *Processor) count(ev Event, outcome string) {
	if p.metrics != nil {
		p.metrics.EventsTotal.WithLabelValues(string(ev.Kind()), outcome).Inc()
	}
}

func docKeyOf(head Header, documentKey string) compkey.DocumentKey {
	return compkey.DocumentKey{
		SessionID:   head.SessionID,
		StageSlug:   head.StageSlug,
		Iteration:   head.Iteration,
		ModelID:     head.ModelID,
		DocumentKey: documentKey,
	}
}
