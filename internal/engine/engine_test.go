package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/dialectic-engine/internal/api"
	"github.com/p-blackswan/dialectic-engine/internal/compkey"
	"github.com/p-blackswan/dialectic-engine/internal/dialectic"
	"github.com/p-blackswan/dialectic-engine/internal/metrics"
	"github.com/p-blackswan/dialectic-engine/internal/retry"
)

type staticSource struct {
	name   string
	events []dialectic.Event
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Subscribe(ctx context.Context, out chan<- dialectic.Event) error {
	go func() {
		for _, ev := range s.events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

type noContent struct{}

func (noContent) ProjectResourceContent(_ context.Context, _ string) (*api.ResourceContent, error) {
	return &api.ResourceContent{Content: "generated"}, nil
}

func newTestEngine(t *testing.T) (*Engine, *dialectic.State) {
	t.Helper()
	logger := zerolog.Nop()
	state := dialectic.NewState(logger)
	recipes := dialectic.NewResolver(nil, logger)
	recipes.Prime("thesis", []dialectic.Step{
		{Key: "plan", Type: dialectic.JobPlan},
		{Key: "draft", Type: dialectic.JobExecute, OutputDocumentKeys: []string{"thesis.md"}},
	})
	proc := dialectic.NewProcessor(state, recipes, noContent{}, metrics.New(), nil, retry.Config{MaxAttempts: 1}, logger)
	return New(Config{EventBufferSize: 8}, state, recipes, proc, logger), state
}

func TestTrackStage(t *testing.T) {
	eng, state := newTestEngine(t)

	err := eng.TrackStage(context.Background(), "sess-1", "thesis", 1)
	require.NoError(t, err)

	key := compkey.BucketKey{SessionID: "sess-1", StageSlug: "thesis", Iteration: 1}
	assert.True(t, state.HasBucket(key))
}

func TestTrackStage_UnknownStage(t *testing.T) {
	eng, _ := newTestEngine(t)
	err := eng.TrackStage(context.Background(), "sess-1", "antithesis", 1)
	assert.Error(t, err)
}

func TestRun_AppliesEventsInOrder(t *testing.T) {
	eng, state := newTestEngine(t)
	require.NoError(t, eng.TrackStage(context.Background(), "sess-1", "thesis", 1))

	head := dialectic.Header{
		SessionID: "sess-1",
		StageSlug: "thesis",
		Iteration: 1,
		JobID:     "job-1",
		StepKey:   "draft",
		ModelID:   "model-a",
	}
	eng.AddSource(&staticSource{name: "test", events: []dialectic.Event{
		&dialectic.ExecuteStarted{Header: head, DocumentKey: "thesis.md"},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	key := compkey.BucketKey{SessionID: "sess-1", StageSlug: "thesis", Iteration: 1}
	assert.Eventually(t, func() bool {
		bucket, ok := state.Bucket(key)
		if !ok {
			return false
		}
		slot := compkey.Slot("thesis.md", "model-a")
		return bucket.Documents[slot].Status == dialectic.DocGenerating
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
