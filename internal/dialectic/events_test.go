package dialectic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/p-blackswan/dialectic-engine/internal/errors"
)

func TestDecode_ExecuteCompleted(t *testing.T) {
	raw := []byte(`{
		"type": "execute_completed",
		"sessionId": "sess-1",
		"stageSlug": "thesis",
		"iterationNumber": 2,
		"job_id": "job-1",
		"step_key": "draft",
		"modelId": "model-a",
		"document_key": "thesis.md",
		"latestRenderedResourceId": "res-1"
	}`)

	ev, err := Decode(raw)
	require.NoError(t, err)

	completed, ok := ev.(*ExecuteCompleted)
	require.True(t, ok)
	assert.Equal(t, KindExecuteCompleted, ev.Kind())
	assert.Equal(t, "sess-1", completed.SessionID)
	assert.Equal(t, 2, completed.Iteration)
	assert.Equal(t, "thesis.md", completed.DocumentKey)
	assert.Equal(t, "res-1", completed.LatestRenderedResourceID)
}

func TestDecode_ChunkFlags(t *testing.T) {
	raw := []byte(`{
		"type": "document_chunk_completed",
		"sessionId": "sess-1",
		"stageSlug": "thesis",
		"iterationNumber": 1,
		"job_id": "job-1",
		"document_key": "thesis.md",
		"isFinalChunk": true,
		"continuationNumber": 3
	}`)

	ev, err := Decode(raw)
	require.NoError(t, err)

	chunk, ok := ev.(*DocumentChunkCompleted)
	require.True(t, ok)
	assert.True(t, chunk.IsFinalChunk)
	assert.Equal(t, 3, chunk.ContinuationNumber)
}

func TestDecode_JobFailedError(t *testing.T) {
	raw := []byte(`{
		"type": "job_failed",
		"sessionId": "sess-1",
		"stageSlug": "thesis",
		"iterationNumber": 1,
		"job_id": "job-1",
		"error": {"code": "model_error", "message": "generation aborted"}
	}`)

	ev, err := Decode(raw)
	require.NoError(t, err)

	failed, ok := ev.(*JobFailed)
	require.True(t, ok)
	assert.Equal(t, "model_error", failed.Error.Code)
	assert.Equal(t, "generation aborted", failed.Error.Message)
}

func TestDecode_AllKinds(t *testing.T) {
	kinds := []Kind{
		KindPlannerStarted, KindPlannerCompleted,
		KindDocumentStarted, KindDocumentChunkCompleted,
		KindExecuteStarted, KindExecuteChunkCompleted, KindExecuteCompleted,
		KindRenderStarted, KindRenderCompleted,
		KindJobFailed,
		KindContributionStarted, KindContributionReceived,
	}
	for _, kind := range kinds {
		raw := []byte(`{"type": "` + string(kind) + `", "sessionId": "s", "stageSlug": "t", "iterationNumber": 1, "job_id": "j"}`)
		ev, err := Decode(raw)
		require.NoError(t, err, "kind: %s", kind)
		assert.Equal(t, kind, ev.Kind())
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"type": "planner_resumed", "sessionId": "s"}`))
	assert.ErrorIs(t, err, derrors.ErrUnknownEventKind)
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type": `))
	assert.Error(t, err)
}

func TestKindFamily(t *testing.T) {
	assert.Equal(t, JobPlan, KindPlannerStarted.Family())
	assert.Equal(t, JobPlan, KindPlannerCompleted.Family())
	assert.Equal(t, JobRender, KindRenderStarted.Family())
	assert.Equal(t, JobRender, KindRenderCompleted.Family())
	assert.Equal(t, JobExecute, KindDocumentStarted.Family())
	assert.Equal(t, JobExecute, KindExecuteCompleted.Family())
	assert.Equal(t, JobExecute, KindJobFailed.Family())
	assert.Equal(t, JobExecute, KindContributionReceived.Family())
}
