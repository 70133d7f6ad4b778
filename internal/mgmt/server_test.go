package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/dialectic-engine/internal/api"
	"github.com/p-blackswan/dialectic-engine/internal/compkey"
	"github.com/p-blackswan/dialectic-engine/internal/dialectic"
	"github.com/p-blackswan/dialectic-engine/internal/draftstore"
)

type fakeTracker struct {
	state *dialectic.State
	err   error
}

func (f *fakeTracker) TrackStage(_ context.Context, sessionID, stageSlug string, iteration int) error {
	if f.err != nil {
		return f.err
	}
	key := compkey.BucketKey{SessionID: sessionID, StageSlug: stageSlug, Iteration: iteration}
	f.state.InitializeBucket(key, []dialectic.Step{
		{Key: "draft", Type: dialectic.JobExecute, OutputDocumentKeys: []string{"thesis.md"}},
	})
	return nil
}

type fakeFetcher struct {
	requests []string
}

func (f *fakeFetcher) RequestFetch(_ context.Context, _ compkey.DocumentKey, resourceID string) {
	f.requests = append(f.requests, resourceID)
}

type fakeHydrator struct {
	calls int
	err   error
}

func (f *fakeHydrator) HydrateStageProgress(_ context.Context, _ api.ProgressQuery) error {
	f.calls++
	return f.err
}

func (f *fakeHydrator) HydrateAllStageProgress(_ context.Context, _ api.ProgressQuery) error {
	f.calls++
	return f.err
}

type fakeFeedbackAPI struct{}

func (fakeFeedbackAPI) StageDocumentFeedback(_ context.Context, _, _ string, _ int, _, _ string) ([]api.FeedbackEntry, error) {
	return nil, nil
}

func (fakeFeedbackAPI) SubmitStageDocumentFeedback(_ context.Context, _ api.FeedbackSubmission) error {
	return nil
}

type fixture struct {
	server   *Server
	state    *dialectic.State
	fetcher  *fakeFetcher
	hydrator *fakeHydrator
}

func newFixture(t *testing.T, authMode, apiKey string) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	state := dialectic.NewState(logger)
	fetcher := &fakeFetcher{}
	hydrator := &fakeHydrator{}
	feedback := dialectic.NewFeedbackDrafts(state, draftstore.NewMemoryStore(), fakeFeedbackAPI{}, nil, "user-1", logger)

	handlers := NewHandlers(state, &fakeTracker{state: state}, fetcher, hydrator, feedback, nil, RuntimeConfig{
		Environment: "test",
		AuthMode:    authMode,
		UserID:      "user-1",
		ProjectID:   "proj-1",
	}, logger)

	server := NewServer(ServerConfig{
		ListenAddr: ":0",
		AuthConfig: AuthConfig{Mode: authMode, APIKey: apiKey, JWTSecret: "jwt-secret"},
	}, handlers, logger)

	return &fixture{server: server, state: state, fetcher: fetcher, hydrator: hydrator}
}

func testApp(t *testing.T, authMode, apiKey string) *fiber.App {
	return newFixture(t, authMode, apiKey).server.App()
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any, auth string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestAuth_NoneMode(t *testing.T) {
	app := testApp(t, "none", "")
	resp := doJSON(t, app, "GET", "/api/v1/config", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestID_Echoed(t *testing.T) {
	app := testApp(t, "none", "")

	req, err := http.NewRequest("GET", "/api/v1/config", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "client-req-1")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "client-req-1", resp.Header.Get("X-Request-ID"))

	req, err = http.NewRequest("GET", "/api/v1/config", nil)
	require.NoError(t, err)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestAuth_APIKey(t *testing.T) {
	app := testApp(t, "api-key", "test-secret")

	resp := doJSON(t, app, "GET", "/api/v1/config", nil, "test-secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, "GET", "/api/v1/config", nil, "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var problem ProblemDetail
	json.NewDecoder(resp.Body).Decode(&problem)
	assert.Equal(t, "invalid_api_key", problem.Type)
}

func TestAuth_MissingHeader(t *testing.T) {
	app := testApp(t, "api-key", "test-secret")
	resp := doJSON(t, app, "GET", "/api/v1/config", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var problem ProblemDetail
	json.NewDecoder(resp.Body).Decode(&problem)
	assert.Equal(t, "missing_auth", problem.Type)
}

func TestAuth_ProbesSkipAuth(t *testing.T) {
	app := testApp(t, "api-key", "test-secret")
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		req, _ := http.NewRequest("GET", path, nil)
		resp, err := app.Test(req, -1)
		require.NoError(t, err, "path: %s", path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "path: %s", path)
	}
}

func TestAuth_JWT(t *testing.T) {
	app := testApp(t, "jwt", "")

	token := signTestJWT(t, "jwt-secret", "operator")
	resp := doJSON(t, app, "GET", "/api/v1/config", nil, token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Wrong secret
	bad := signTestJWT(t, "other-secret", "operator")
	resp = doJSON(t, app, "GET", "/api/v1/config", nil, bad)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_JWT_RoleEnforced(t *testing.T) {
	app := testApp(t, "jwt", "")

	readonly := signTestJWT(t, "jwt-secret", "readonly")
	resp := doJSON(t, app, "POST", "/api/v1/stages/track", TrackStageRequest{
		SessionID: "sess-1", StageSlug: "thesis", Iteration: 1,
	}, readonly)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	operator := signTestJWT(t, "jwt-secret", "operator")
	resp = doJSON(t, app, "POST", "/api/v1/stages/track", TrackStageRequest{
		SessionID: "sess-1", StageSlug: "thesis", Iteration: 1,
	}, operator)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestTrackStage_ThenProgress(t *testing.T) {
	f := newFixture(t, "none", "")
	app := f.server.App()

	resp := doJSON(t, app, "POST", "/api/v1/stages/track", TrackStageRequest{
		SessionID: "sess-1", StageSlug: "thesis", Iteration: 1,
	}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = doJSON(t, app, "GET", "/api/v1/progress/sess-1/thesis/1", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, "GET", "/api/v1/progress/sess-1/thesis/2", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTrackStage_MissingFields(t *testing.T) {
	app := testApp(t, "none", "")
	resp := doJSON(t, app, "POST", "/api/v1/stages/track", TrackStageRequest{}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHydrate(t *testing.T) {
	f := newFixture(t, "none", "")
	app := f.server.App()

	resp := doJSON(t, app, "POST", "/api/v1/hydrate", HydrateRequest{SessionID: "sess-1"}, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, f.hydrator.calls)

	resp = doJSON(t, app, "POST", "/api/v1/hydrate", HydrateRequest{}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestContentDraftRoundTrip(t *testing.T) {
	f := newFixture(t, "none", "")
	app := f.server.App()

	key := compkey.DocumentKey{
		SessionID: "sess-1", StageSlug: "thesis", Iteration: 1,
		ModelID: "model-a", DocumentKey: "thesis.md",
	}
	f.state.EnsureContent(key, &dialectic.ContentSeed{BaselineMarkdown: "Intro"})

	resp := doJSON(t, app, "POST", "/api/v1/contents/draft", DraftRequest{
		Key: key.Encode(), Markdown: "Intro\nMore",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, "GET", "/api/v1/contents?key="+key.Encode(), nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var content dialectic.ContentState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&content))
	assert.True(t, content.IsDirty)
	assert.Equal(t, "Intro\nMore", content.CurrentDraftMarkdown)

	// Discard snaps the draft back to the baseline.
	resp = doJSON(t, app, "POST", "/api/v1/contents/discard", KeyRequest{Key: key.Encode()}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, ok := f.state.Content(key)
	require.True(t, ok)
	assert.False(t, got.IsDirty)
	assert.Equal(t, "Intro", got.CurrentDraftMarkdown)
}

func TestContentFetch(t *testing.T) {
	f := newFixture(t, "none", "")
	app := f.server.App()

	key := compkey.DocumentKey{
		SessionID: "sess-1", StageSlug: "thesis", Iteration: 1,
		ModelID: "model-a", DocumentKey: "thesis.md",
	}

	resp := doJSON(t, app, "POST", "/api/v1/contents/fetch", FetchRequest{
		Key: key.Encode(), ResourceID: "res-1",
	}, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"res-1"}, f.fetcher.requests)

	resp = doJSON(t, app, "POST", "/api/v1/contents/fetch", FetchRequest{Key: key.Encode()}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFeedbackDraft(t *testing.T) {
	f := newFixture(t, "none", "")
	app := f.server.App()

	key := compkey.DocumentKey{
		SessionID: "sess-1", StageSlug: "thesis", Iteration: 1,
		ModelID: "model-a", DocumentKey: "thesis.md",
	}

	resp := doJSON(t, app, "POST", "/api/v1/feedback/draft", FeedbackDraftRequest{
		Key: key.Encode(), Text: "needs a stronger conclusion",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	content, ok := f.state.Content(key)
	require.True(t, ok)
	assert.True(t, content.FeedbackIsDirty)
	assert.Equal(t, "needs a stronger conclusion", content.FeedbackDraftMarkdown)

	resp = doJSON(t, app, "POST", "/api/v1/feedback/submit", FeedbackSubmitRequest{
		Key: key.Encode(), FeedbackType: "revision",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	content, ok = f.state.Content(key)
	require.True(t, ok)
	assert.False(t, content.FeedbackIsDirty)
	assert.Empty(t, content.FeedbackDraftMarkdown)
}

func TestInvalidKeyRejected(t *testing.T) {
	app := testApp(t, "none", "")
	resp := doJSON(t, app, "GET", "/api/v1/contents?key=not-a-key", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResetState(t *testing.T) {
	f := newFixture(t, "none", "")
	app := f.server.App()

	resp := doJSON(t, app, "POST", "/api/v1/stages/track", TrackStageRequest{
		SessionID: "sess-1", StageSlug: "thesis", Iteration: 1,
	}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = doJSON(t, app, "POST", "/api/v1/state/reset", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Empty(t, f.state.Buckets())
}
