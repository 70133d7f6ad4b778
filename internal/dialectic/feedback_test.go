package dialectic

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/dialectic-engine/internal/api"
	"github.com/p-blackswan/dialectic-engine/internal/compkey"
	"github.com/p-blackswan/dialectic-engine/internal/draftstore"
	derrors "github.com/p-blackswan/dialectic-engine/internal/errors"
)

type fakeFeedbackRemote struct {
	saved       []api.FeedbackEntry
	fetchErr    error
	submitErr   error
	submissions []api.FeedbackSubmission
}

func (f *fakeFeedbackRemote) StageDocumentFeedback(_ context.Context, _, _ string, _ int, _, _ string) ([]api.FeedbackEntry, error) {
	return f.saved, f.fetchErr
}

func (f *fakeFeedbackRemote) SubmitStageDocumentFeedback(_ context.Context, sub api.FeedbackSubmission) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submissions = append(f.submissions, sub)
	return nil
}

func newFeedbackFixture(t *testing.T, remote *fakeFeedbackRemote) (*FeedbackDrafts, *State, *draftstore.MemoryStore) {
	t.Helper()
	logger := zerolog.Nop()
	state := NewState(logger)
	storage := draftstore.NewMemoryStore()
	return NewFeedbackDrafts(state, storage, remote, nil, "user-1", logger), state, storage
}

func TestFeedbackRecord_MirrorsToStorage(t *testing.T) {
	fd, state, storage := newFeedbackFixture(t, &fakeFeedbackRemote{})
	key := testKey("thesis.md")

	fd.Record(key, "needs work")

	c, ok := state.Content(key)
	require.True(t, ok)
	assert.True(t, c.FeedbackIsDirty)
	assert.Equal(t, "needs work", c.FeedbackDraftMarkdown)

	stored, ok, err := storage.GetItem(compkey.FeedbackStorageKey("user-1", key))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "needs work", stored)
}

func TestFeedbackInitialize_DurableDraftWins(t *testing.T) {
	remote := &fakeFeedbackRemote{saved: []api.FeedbackEntry{{Content: "server feedback"}}}
	fd, state, storage := newFeedbackFixture(t, remote)
	key := testKey("thesis.md")

	// A draft survives from a previous run.
	require.NoError(t, storage.SetItem(compkey.FeedbackStorageKey("user-1", key), "local draft"))

	require.NoError(t, fd.Initialize(context.Background(), key))

	c, _ := state.Content(key)
	assert.Equal(t, "local draft", c.FeedbackDraftMarkdown)
	assert.True(t, c.FeedbackIsDirty)
}

func TestFeedbackInitialize_FallsBackToServerSaved(t *testing.T) {
	remote := &fakeFeedbackRemote{saved: []api.FeedbackEntry{
		{Content: "first round"},
		{Content: "latest round"},
	}}
	fd, state, _ := newFeedbackFixture(t, remote)
	key := testKey("thesis.md")

	require.NoError(t, fd.Initialize(context.Background(), key))

	c, _ := state.Content(key)
	assert.Equal(t, "latest round", c.FeedbackDraftMarkdown)
	assert.False(t, c.FeedbackIsDirty)
}

func TestFeedbackInitialize_EmptyWhenNothingSaved(t *testing.T) {
	fd, state, _ := newFeedbackFixture(t, &fakeFeedbackRemote{})
	key := testKey("thesis.md")

	require.NoError(t, fd.Initialize(context.Background(), key))

	c, _ := state.Content(key)
	assert.Empty(t, c.FeedbackDraftMarkdown)
	assert.False(t, c.FeedbackIsDirty)
}

func TestFeedbackInitialize_NotFoundTreatedAsEmpty(t *testing.T) {
	fd, state, _ := newFeedbackFixture(t, &fakeFeedbackRemote{fetchErr: derrors.ErrNotFound})
	key := testKey("thesis.md")

	require.NoError(t, fd.Initialize(context.Background(), key))

	c, _ := state.Content(key)
	assert.Empty(t, c.FeedbackDraftMarkdown)
}

func TestFeedbackInitialize_IdempotentWithDirtyDraft(t *testing.T) {
	remote := &fakeFeedbackRemote{saved: []api.FeedbackEntry{{Content: "server feedback"}}}
	fd, state, _ := newFeedbackFixture(t, remote)
	key := testKey("thesis.md")

	fd.Record(key, "in-progress edit")
	require.NoError(t, fd.Initialize(context.Background(), key))

	c, _ := state.Content(key)
	assert.Equal(t, "in-progress edit", c.FeedbackDraftMarkdown)
	assert.True(t, c.FeedbackIsDirty)
}

func TestFeedbackSubmit_FlushesBothDrafts(t *testing.T) {
	remote := &fakeFeedbackRemote{}
	fd, state, storage := newFeedbackFixture(t, remote)
	key := testKey("thesis.md")

	state.EnsureContent(key, &ContentSeed{BaselineMarkdown: "Intro"})
	state.RecordDraft(key, "Intro\nMore")
	fd.Record(key, "please revise")

	require.NoError(t, fd.Submit(context.Background(), key, "revision", "proj-1"))

	require.Len(t, remote.submissions, 1)
	sub := remote.submissions[0]
	assert.Equal(t, "please revise", sub.FeedbackContent)
	assert.Equal(t, "user-1", sub.UserID)
	assert.Equal(t, "proj-1", sub.ProjectID)
	assert.Equal(t, "revision", sub.FeedbackType)

	c, _ := state.Content(key)
	assert.False(t, c.FeedbackIsDirty)
	assert.Empty(t, c.FeedbackDraftMarkdown)
	assert.False(t, c.IsDirty)
	assert.Equal(t, "Intro", c.CurrentDraftMarkdown)

	_, ok, err := storage.GetItem(compkey.FeedbackStorageKey("user-1", key))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFeedbackSubmit_FailureKeepsDraft(t *testing.T) {
	remote := &fakeFeedbackRemote{submitErr: &derrors.APIError{
		Service: "content", StatusCode: 500, Message: "internal error",
	}}
	fd, state, storage := newFeedbackFixture(t, remote)
	key := testKey("thesis.md")

	fd.Record(key, "please revise")

	err := fd.Submit(context.Background(), key, "revision", "proj-1")
	require.Error(t, err)

	c, _ := state.Content(key)
	assert.True(t, c.FeedbackIsDirty)
	assert.Equal(t, "please revise", c.FeedbackDraftMarkdown)
	require.NotNil(t, c.FeedbackError)

	// The durable mirror survives too.
	stored, ok, serr := storage.GetItem(compkey.FeedbackStorageKey("user-1", key))
	require.NoError(t, serr)
	require.True(t, ok)
	assert.Equal(t, "please revise", stored)
}

func TestFeedbackFlush(t *testing.T) {
	fd, state, storage := newFeedbackFixture(t, &fakeFeedbackRemote{})
	key := testKey("thesis.md")

	fd.Record(key, "scratch that")
	fd.Flush(key)

	c, _ := state.Content(key)
	assert.False(t, c.FeedbackIsDirty)
	assert.Empty(t, c.FeedbackDraftMarkdown)

	_, ok, err := storage.GetItem(compkey.FeedbackStorageKey("user-1", key))
	require.NoError(t, err)
	assert.False(t, ok)
}
