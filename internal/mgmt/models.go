package mgmt

import "time"

// TrackStageRequest asks the engine to start tracking a stage iteration.
type TrackStageRequest struct {
	SessionID string `json:"session_id"`
	StageSlug string `json:"stage_slug"`
	Iteration int    `json:"iteration"`
}

// HydrateRequest asks the engine to rebuild state from a server snapshot.
// StageSlug is optional; when empty, all stages of the session are hydrated.
type HydrateRequest struct {
	SessionID string `json:"session_id"`
	StageSlug string `json:"stage_slug,omitempty"`
	Iteration int    `json:"iteration"`
}

// DraftRequest records an in-progress local edit for a document.
type DraftRequest struct {
	Key      string `json:"key"`
	Markdown string `json:"markdown"`
}

// FetchRequest asks for a manual content refetch of a rendered resource.
type FetchRequest struct {
	Key        string `json:"key"`
	ResourceID string `json:"resource_id"`
}

// KeyRequest names a single document by its encoded composite key.
type KeyRequest struct {
	Key string `json:"key"`
}

// FeedbackDraftRequest records a local feedback edit.
type FeedbackDraftRequest struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// FeedbackSubmitRequest submits the current feedback draft to the server.
type FeedbackSubmitRequest struct {
	Key          string `json:"key"`
	FeedbackType string `json:"feedback_type"`
	ProjectID    string `json:"project_id"`
}

// HealthDetailResponse reports per-dependency health.
type HealthDetailResponse struct {
	Status    string            `json:"status"`
	Uptime    string            `json:"uptime"`
	StartedAt time.Time         `json:"started_at"`
	Checks    map[string]string `json:"checks"`
}

// ConfigResponse exposes the effective runtime configuration.
type ConfigResponse struct {
	Environment    string `json:"environment"`
	LogLevel       string `json:"log_level"`
	HTTPPort       int    `json:"http_port"`
	MgmtListenAddr string `json:"mgmt_listen_addr"`
	AuthMode       string `json:"auth_mode"`
	FeedEnabled    bool   `json:"feed_enabled"`
	SlackEnabled   bool   `json:"slack_enabled"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
