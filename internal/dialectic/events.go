// Package dialectic implements the stage document lifecycle engine: it
// reconciles asynchronous, possibly out-of-order generation progress events
// into a single consistent view of stage progress, document content, and
// human feedback drafts.
package dialectic

import (
	"encoding/json"
	"fmt"

	derrors "github.com/p-blackswan/dialectic-engine/internal/errors"
)

// Kind discriminates the lifecycle event union.
type Kind string

// The closed set of lifecycle event kinds delivered by the generation
// pipeline. Decode rejects anything else.
const (
	KindPlannerStarted         Kind = "planner_started"
	KindPlannerCompleted       Kind = "planner_completed"
	KindDocumentStarted        Kind = "document_started"
	KindDocumentChunkCompleted Kind = "document_chunk_completed"
	KindExecuteStarted         Kind = "execute_started"
	KindExecuteChunkCompleted  Kind = "execute_chunk_completed"
	KindExecuteCompleted       Kind = "execute_completed"
	KindRenderStarted          Kind = "render_started"
	KindRenderCompleted        Kind = "render_completed"
	KindJobFailed              Kind = "job_failed"
	KindContributionStarted    Kind = "dialectic_contribution_started"
	KindContributionReceived   Kind = "dialectic_contribution_received"
)

// JobType classifies recipe steps and event families.
type JobType string

const (
	JobPlan    JobType = "PLAN"
	JobExecute JobType = "EXECUTE"
	JobRender  JobType = "RENDER"
)

// Header carries the fields every lifecycle event has.
type Header struct {
	SessionID string `json:"sessionId"`
	StageSlug string `json:"stageSlug"`
	Iteration int    `json:"iterationNumber"`
	JobID     string `json:"job_id"`
	StepKey   string `json:"step_key,omitempty"`
	ModelID   string `json:"modelId,omitempty"`
}

// ErrorDetail is the error payload of a job_failed event.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Event is the sealed lifecycle event union. Exactly the structs in this file
// implement it; the processor type-switches over all of them exhaustively.
type Event interface {
	Kind() Kind
	Head() Header
	sealed()
}

// PlannerStarted announces a planning job for a stage run.
type PlannerStarted struct {
	Header
	DocumentKey string `json:"document_key,omitempty"`
}

// PlannerCompleted announces a finished planning job. Planner-only outputs may
// complete without a rendered resource id.
type PlannerCompleted struct {
	Header
	DocumentKey              string `json:"document_key,omitempty"`
	LatestRenderedResourceID string `json:"latestRenderedResourceId,omitempty"`
}

// DocumentStarted announces that a model began generating a document.
type DocumentStarted struct {
	Header
	DocumentKey string `json:"document_key"`
}

// DocumentChunkCompleted announces a finished generation chunk.
type DocumentChunkCompleted struct {
	Header
	DocumentKey              string `json:"document_key"`
	IsFinalChunk             bool   `json:"isFinalChunk"`
	ContinuationNumber       int    `json:"continuationNumber,omitempty"`
	LatestRenderedResourceID string `json:"latestRenderedResourceId,omitempty"`
}

// ExecuteStarted announces an execution job for a document.
type ExecuteStarted struct {
	Header
	DocumentKey string `json:"document_key"`
}

// ExecuteChunkCompleted announces a finished execution chunk.
type ExecuteChunkCompleted struct {
	Header
	DocumentKey              string `json:"document_key"`
	IsFinalChunk             bool   `json:"isFinalChunk"`
	ContinuationNumber       int    `json:"continuationNumber,omitempty"`
	LatestRenderedResourceID string `json:"latestRenderedResourceId,omitempty"`
}

// ExecuteCompleted announces a finished execution job.
type ExecuteCompleted struct {
	Header
	DocumentKey              string `json:"document_key"`
	LatestRenderedResourceID string `json:"latestRenderedResourceId,omitempty"`
}

// RenderStarted announces a render job for a document.
type RenderStarted struct {
	Header
	DocumentKey string `json:"document_key"`
}

// RenderCompleted announces a finished render, carrying the rendered resource.
type RenderCompleted struct {
	Header
	DocumentKey              string `json:"document_key"`
	LatestRenderedResourceID string `json:"latestRenderedResourceId,omitempty"`
}

// JobFailed announces a terminal job failure for a document within this run.
type JobFailed struct {
	Header
	DocumentKey string      `json:"document_key,omitempty"`
	Error       ErrorDetail `json:"error"`
}

// ContributionStarted is an aggregate contribution-level event sharing the
// progress bucket with document events.
type ContributionStarted struct {
	Header
	DocumentKey string `json:"document_key,omitempty"`
}

// ContributionReceived is the aggregate counterpart of ContributionStarted.
type ContributionReceived struct {
	Header
	DocumentKey              string `json:"document_key,omitempty"`
	LatestRenderedResourceID string `json:"latestRenderedResourceId,omitempty"`
}

func (e *PlannerStarted) Kind() Kind         { return KindPlannerStarted }
func (e *PlannerCompleted) Kind() Kind       { return KindPlannerCompleted }
func (e *DocumentStarted) Kind() Kind        { return KindDocumentStarted }
func (e *DocumentChunkCompleted) Kind() Kind { return KindDocumentChunkCompleted }
func (e *ExecuteStarted) Kind() Kind         { return KindExecuteStarted }
func (e *ExecuteChunkCompleted) Kind() Kind  { return KindExecuteChunkCompleted }
func (e *ExecuteCompleted) Kind() Kind       { return KindExecuteCompleted }
func (e *RenderStarted) Kind() Kind          { return KindRenderStarted }
func (e *RenderCompleted) Kind() Kind        { return KindRenderCompleted }
func (e *JobFailed) Kind() Kind              { return KindJobFailed }
func (e *ContributionStarted) Kind() Kind    { return KindContributionStarted }
func (e *ContributionReceived) Kind() Kind   { return KindContributionReceived }

func (h Header) Head() Header { return h }

func (*PlannerStarted) sealed()         {}
func (*PlannerCompleted) sealed()       {}
func (*DocumentStarted) sealed()        {}
func (*DocumentChunkCompleted) sealed() {}
func (*ExecuteStarted) sealed()         {}
func (*ExecuteChunkCompleted) sealed()  {}
func (*ExecuteCompleted) sealed()       {}
func (*RenderStarted) sealed()          {}
func (*RenderCompleted) sealed()        {}
func (*JobFailed) sealed()              {}
func (*ContributionStarted) sealed()    {}
func (*ContributionReceived) sealed()   {}

// Family returns the job type family an event kind belongs to. Planner events
// are PLAN, document and execute events are EXECUTE, render events are RENDER.
func (k Kind) Family() JobType {
	switch k {
	case KindPlannerStarted, KindPlannerCompleted:
		return JobPlan
	case KindRenderStarted, KindRenderCompleted:
		return JobRender
	default:
		return JobExecute
	}
}

// Decode parses a push-delivered lifecycle event. The union is closed: an
// unrecognized type tag yields ErrUnknownEventKind.
func Decode(raw []byte) (Event, error) {
	var probe struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("dialectic: decoding event envelope: %w", err)
	}

	unmarshal := func(v Event) (Event, error) {
		// v is a pointer to the concrete struct; re-unmarshal fills it.
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("dialectic: decoding %s: %w", probe.Type, err)
		}
		return v, nil
	}

	switch probe.Type {
	case KindPlannerStarted:
		return unmarshal(&PlannerStarted{})
	case KindPlannerCompleted:
		return unmarshal(&PlannerCompleted{})
	case KindDocumentStarted:
		return unmarshal(&DocumentStarted{})
	case KindDocumentChunkCompleted:
		return unmarshal(&DocumentChunkCompleted{})
	case KindExecuteStarted:
		return unmarshal(&ExecuteStarted{})
	case KindExecuteChunkCompleted:
		return unmarshal(&ExecuteChunkCompleted{})
	case KindExecuteCompleted:
		return unmarshal(&ExecuteCompleted{})
	case KindRenderStarted:
		return unmarshal(&RenderStarted{})
	case KindRenderCompleted:
		return unmarshal(&RenderCompleted{})
	case KindJobFailed:
		return unmarshal(&JobFailed{})
	case KindContributionStarted:
		return unmarshal(&ContributionStarted{})
	case KindContributionReceived:
		return unmarshal(&ContributionReceived{})
	default:
		return nil, fmt.Errorf("%w: %q", derrors.ErrUnknownEventKind, probe.Type)
	}
}
