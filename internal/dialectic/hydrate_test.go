package dialectic

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/dialectic-engine/internal/api"
	"github.com/p-blackswan/dialectic-engine/internal/compkey"
)

type fakeProgressAPI struct {
	docs   []api.StageDocumentRow
	stages []api.StageProgressRow
	err    error
}

func (f *fakeProgressAPI) ListStageDocuments(_ context.Context, _ api.ProgressQuery) ([]api.StageDocumentRow, error) {
	return f.docs, f.err
}

func (f *fakeProgressAPI) AllStageProgress(_ context.Context, _ api.ProgressQuery) ([]api.StageProgressRow, error) {
	return f.stages, f.err
}

func newHydrateFixture(t *testing.T, remote *fakeProgressAPI) (*Hydrator, *State) {
	t.Helper()
	logger := zerolog.Nop()
	state := NewState(logger)
	recipes := NewResolver(nil, logger)
	recipes.Prime("thesis", []Step{
		{Key: "draft", Type: JobExecute, OutputDocumentKeys: []string{"thesis.md"}},
	})
	return NewHydrator(state, recipes, remote, nil, logger), state
}

func TestHydrateStageProgress(t *testing.T) {
	remote := &fakeProgressAPI{docs: []api.StageDocumentRow{
		{DocumentKey: "thesis.md", ModelID: "model-a", Status: "completed", JobID: "job-1", LatestRenderedResourceID: "res-1"},
		{DocumentKey: "thesis.md", ModelID: "model-b", Status: "generating", JobID: "job-2"},
	}}
	h, state := newHydrateFixture(t, remote)

	q := api.ProgressQuery{SessionID: "sess-1", StageSlug: "thesis", Iteration: 1}
	require.NoError(t, h.HydrateStageProgress(context.Background(), q))

	bucketKey := compkey.BucketKey{SessionID: "sess-1", StageSlug: "thesis", Iteration: 1}
	b, ok := state.Bucket(bucketKey)
	require.True(t, ok)

	descA := b.Documents[compkey.Slot("thesis.md", "model-a")]
	assert.Equal(t, DocCompleted, descA.Status)
	assert.Equal(t, "res-1", descA.LatestRenderedResourceID)
	assert.Equal(t, compkey.VersionHash("res-1"), descA.VersionHash)

	descB := b.Documents[compkey.Slot("thesis.md", "model-b")]
	assert.Equal(t, DocGenerating, descB.Status)
	assert.Empty(t, descB.LatestRenderedResourceID)

	// The version table carries the rendered entry.
	v, ok := state.Version(compkey.DocumentKey{
		SessionID: "sess-1", StageSlug: "thesis", Iteration: 1, ModelID: "model-a", DocumentKey: "thesis.md",
	})
	require.True(t, ok)
	assert.Equal(t, "res-1", v.ResourceID)
}

func TestHydrateStageProgress_SkipsEntriesWithoutJobID(t *testing.T) {
	remote := &fakeProgressAPI{docs: []api.StageDocumentRow{
		{DocumentKey: "thesis.md", ModelID: "model-a", Status: "completed"},
		{DocumentKey: "thesis.md", ModelID: "model-b", Status: "completed", JobID: "job-2"},
	}}
	h, state := newHydrateFixture(t, remote)

	q := api.ProgressQuery{SessionID: "sess-1", StageSlug: "thesis", Iteration: 1}
	require.NoError(t, h.HydrateStageProgress(context.Background(), q))

	b, _ := state.Bucket(compkey.BucketKey{SessionID: "sess-1", StageSlug: "thesis", Iteration: 1})
	_, hasA := b.Documents[compkey.Slot("thesis.md", "model-a")]
	assert.False(t, hasA)
	_, hasB := b.Documents[compkey.Slot("thesis.md", "model-b")]
	assert.True(t, hasB)
}

func TestHydrateStageProgress_RemoteError(t *testing.T) {
	h, state := newHydrateFixture(t, &fakeProgressAPI{err: errors.New("boom")})

	q := api.ProgressQuery{SessionID: "sess-1", StageSlug: "thesis", Iteration: 1}
	err := h.HydrateStageProgress(context.Background(), q)
	assert.Error(t, err)
	assert.False(t, state.HasBucket(compkey.BucketKey{SessionID: "sess-1", StageSlug: "thesis", Iteration: 1}))
}

func TestHydrateStageProgress_UnknownRecipeStillApplies(t *testing.T) {
	remote := &fakeProgressAPI{docs: []api.StageDocumentRow{
		{DocumentKey: "notes.md", ModelID: "model-a", Status: "completed", JobID: "job-1"},
	}}
	h, state := newHydrateFixture(t, remote)

	// No recipe primed for this stage; the bucket starts without placeholders.
	q := api.ProgressQuery{SessionID: "sess-1", StageSlug: "antithesis", Iteration: 1}
	require.NoError(t, h.HydrateStageProgress(context.Background(), q))

	b, ok := state.Bucket(compkey.BucketKey{SessionID: "sess-1", StageSlug: "antithesis", Iteration: 1})
	require.True(t, ok)
	assert.Contains(t, b.Documents, compkey.Slot("notes.md", "model-a"))
}

func TestHydrateAllStageProgress(t *testing.T) {
	remote := &fakeProgressAPI{stages: []api.StageProgressRow{
		{
			StageSlug: "thesis",
			Documents: []api.StageDocumentRow{
				{DocumentKey: "thesis.md", ModelID: "model-a", Status: "completed", JobID: "job-1", LatestRenderedResourceID: "res-1"},
			},
			StepStatuses: map[string]string{"draft": "completed"},
			JobProgress: map[string]api.JobProgressRow{
				"draft": {TotalJobs: 2, CompletedJobs: 1, InProgressJobs: 1, ModelJobStatuses: map[string]string{"model-a": "completed"}},
			},
		},
		{
			StageSlug:    "antithesis",
			StepStatuses: map[string]string{"critique": "in_progress"},
		},
	}}
	h, state := newHydrateFixture(t, remote)

	q := api.ProgressQuery{SessionID: "sess-1", Iteration: 1}
	require.NoError(t, h.HydrateAllStageProgress(context.Background(), q))

	thesis, ok := state.Bucket(compkey.BucketKey{SessionID: "sess-1", StageSlug: "thesis", Iteration: 1})
	require.True(t, ok)
	assert.Equal(t, StepCompleted, thesis.StepStatuses["draft"])

	c := thesis.JobProgress["draft"]
	require.NotNil(t, c)
	assert.Equal(t, 2, c.TotalJobs)
	assert.Equal(t, 1, c.CompletedJobs)
	assert.Equal(t, StepCompleted, c.ModelJobStatuses["model-a"])

	antithesis, ok := state.Bucket(compkey.BucketKey{SessionID: "sess-1", StageSlug: "antithesis", Iteration: 1})
	require.True(t, ok)
	assert.Equal(t, StepInProgress, antithesis.StepStatuses["critique"])
}

func TestHydrate_ReplacesExistingBucketContents(t *testing.T) {
	remote := &fakeProgressAPI{docs: []api.StageDocumentRow{
		{DocumentKey: "thesis.md", ModelID: "model-a", Status: "completed", JobID: "job-1"},
	}}
	h, state := newHydrateFixture(t, remote)

	bucketKey := compkey.BucketKey{SessionID: "sess-1", StageSlug: "thesis", Iteration: 1}
	state.InitializeBucket(bucketKey, []Step{{Key: "draft", Type: JobExecute}})

	q := api.ProgressQuery{SessionID: "sess-1", StageSlug: "thesis", Iteration: 1}
	require.NoError(t, h.HydrateStageProgress(context.Background(), q))

	b, _ := state.Bucket(bucketKey)
	desc := b.Documents[compkey.Slot("thesis.md", "model-a")]
	assert.Equal(t, DocCompleted, desc.Status)
	assert.Equal(t, "job-1", desc.JobID)
}
