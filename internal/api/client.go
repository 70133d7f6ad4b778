// Package api wraps the remote content-resource API consumed by the engine:
// stage recipes, stage document listings, resource content, and document
// feedback.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	derrors "github.com/p-blackswan/dialectic-engine/internal/errors"
)

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Authenticator applies authentication to requests.
type Authenticator interface {
	Apply(req *http.Request) error
}

// BearerAuth authenticates with a static bearer token.
type BearerAuth struct {
	Token string
}

// Apply sets the Authorization header.
func (a *BearerAuth) Apply(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

// Client wraps the content-resource REST API.
type Client struct {
	baseURL    string
	httpClient HTTPClient
	auth       Authenticator
	logger     zerolog.Logger
}

// NewClient creates a new content-resource API client.
func NewClient(baseURL string, auth Authenticator, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		auth:       auth,
		logger:     logger.With().Str("component", "content_api").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// --- Response shapes ---

// RecipeStepRow is one ordered step of a stage recipe.
type RecipeStepRow struct {
	StepKey            string   `json:"step_key"`
	JobType            string   `json:"job_type"` // PLAN, EXECUTE, RENDER
	OutputDocumentKeys []string `json:"output_document_keys"`
}

// StageDocumentRow is one document entry in a stage progress listing.
type StageDocumentRow struct {
	DocumentKey              string `json:"documentKey"`
	ModelID                  string `json:"modelId"`
	Status                   string `json:"status"`
	JobID                    string `json:"jobId"`
	LatestRenderedResourceID string `json:"latestRenderedResourceId"`
}

// JobProgressRow mirrors a per-step job counter in a snapshot response.
type JobProgressRow struct {
	TotalJobs        int               `json:"totalJobs"`
	InProgressJobs   int               `json:"inProgressJobs"`
	CompletedJobs    int               `json:"completedJobs"`
	FailedJobs       int               `json:"failedJobs"`
	ModelJobStatuses map[string]string `json:"modelJobStatuses,omitempty"`
}

// StageProgressRow is the per-stage entry of an all-stage progress snapshot.
type StageProgressRow struct {
	StageSlug    string                    `json:"stageSlug"`
	Documents    []StageDocumentRow        `json:"documents"`
	StepStatuses map[string]string         `json:"stepStatuses"`
	JobProgress  map[string]JobProgressRow `json:"jobProgress"`
}

// ResourceContent is the payload of a stored content artifact.
type ResourceContent struct {
	Content              string `json:"content"`
	FileName             string `json:"fileName"`
	MimeType             string `json:"mimeType"`
	SourceContributionID string `json:"sourceContributionId"`
	ResourceType         string `json:"resourceType"`
}

// FeedbackEntry is one server-saved feedback record for a document.
type FeedbackEntry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	FileName  string    `json:"fileName"`
	CreatedAt time.Time `json:"createdAt"`
}

// FeedbackSubmission is the request body for submitting document feedback.
type FeedbackSubmission struct {
	SessionID            string `json:"sessionId"`
	StageSlug            string `json:"stageSlug"`
	IterationNumber      int    `json:"iterationNumber"`
	ModelID              string `json:"modelId"`
	DocumentKey          string `json:"documentKey"`
	FeedbackContent      string `json:"feedbackContent"`
	UserID               string `json:"userId"`
	ProjectID            string `json:"projectId"`
	FeedbackType         string `json:"feedbackType"`
	SourceContributionID string `json:"sourceContributionId,omitempty"`
}

// ProgressQuery scopes a stage progress request.
type ProgressQuery struct {
	SessionID string
	StageSlug string
	Iteration int
	UserID    string
	ProjectID string
}

// --- Operations ---

// StageRecipe fetches the ordered step definitions for a stage slug.
func (c *Client) StageRecipe(ctx context.Context, stageSlug string) ([]RecipeStepRow, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/stages/"+url.PathEscape(stageSlug)+"/recipe", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Steps []RecipeStepRow `json:"steps"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return out.Steps, nil
}

// ListStageDocuments lists the documents of one stage run.
func (c *Client) ListStageDocuments(ctx context.Context, q ProgressQuery) ([]StageDocumentRow, error) {
	path := fmt.Sprintf("/api/v1/sessions/%s/stages/%s/documents?%s",
		url.PathEscape(q.SessionID), url.PathEscape(q.StageSlug), progressValues(q).Encode())
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Documents []StageDocumentRow `json:"documents"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

// AllStageProgress fetches the progress snapshot for every stage of a session
// iteration in one call.
func (c *Client) AllStageProgress(ctx context.Context, q ProgressQuery) ([]StageProgressRow, error) {
	path := fmt.Sprintf("/api/v1/sessions/%s/progress?%s",
		url.PathEscape(q.SessionID), progressValues(q).Encode())
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Stages []StageProgressRow `json:"stages"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return out.Stages, nil
}

// ProjectResourceContent fetches the content of a stored resource by id.
func (c *Client) ProjectResourceContent(ctx context.Context, resourceID string) (*ResourceContent, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/resources/"+url.PathEscape(resourceID)+"/content", nil)
	if err != nil {
		return nil, err
	}
	var out ResourceContent
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StageDocumentFeedback fetches the saved feedback entries for a document.
func (c *Client) StageDocumentFeedback(ctx context.Context, sessionID, stageSlug string, iteration int, modelID, documentKey string) ([]FeedbackEntry, error) {
	path := fmt.Sprintf("/api/v1/sessions/%s/stages/%s/documents/%s/feedback?iteration=%d&model=%s",
		url.PathEscape(sessionID), url.PathEscape(stageSlug), url.PathEscape(documentKey),
		iteration, url.QueryEscape(modelID))
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Feedback []FeedbackEntry `json:"feedback"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return out.Feedback, nil
}

// SubmitStageDocumentFeedback submits feedback for a document.
func (c *Client) SubmitStageDocumentFeedback(ctx context.Context, sub FeedbackSubmission) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshaling feedback submission: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/feedback", bytes.NewReader(body))
	if err != nil {
		return err
	}
	var out struct {
		Success bool `json:"success"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return err
	}
	if !out.Success {
		return derrors.NewAPIError("content", resp.StatusCode, "submit_rejected", "feedback submission rejected")
	}
	return nil
}

// do executes an authenticated API request.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.auth != nil {
		if err := c.auth.Apply(req); err != nil {
			return nil, fmt.Errorf("applying auth: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, derrors.NewNetworkError("content", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		apiErr := &derrors.APIError{Service: "content", StatusCode: resp.StatusCode}
		if resp.StatusCode == http.StatusNotFound {
			// Absent resources unwrap to the sentinel so callers can treat
			// them as "nothing saved" rather than a failure.
			apiErr.Err = derrors.ErrNotFound
		}
		var payload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &payload) == nil && payload.Message != "" {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, apiErr
	}

	return resp, nil
}

// decodeResponse reads and decodes a JSON response.
func decodeResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func progressValues(q ProgressQuery) url.Values {
	v := url.Values{}
	v.Set("iteration", strconv.Itoa(q.Iteration))
	if q.UserID != "" {
		v.Set("user", q.UserID)
	}
	if q.ProjectID != "" {
		v.Set("project", q.ProjectID)
	}
	return v
}
