// Package config loads engine configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`

	// Identity of the local user operating the engine; keyed into durable
	// feedback-draft storage so drafts never collide across users.
	UserID    string `envconfig:"DIALECTIC_USER_ID"`
	ProjectID string `envconfig:"DIALECTIC_PROJECT_ID"`

	// Content-resource API
	APIBaseURL string `envconfig:"CONTENT_API_BASE_URL"`
	APIToken   string `envconfig:"CONTENT_API_TOKEN"`

	// Lifecycle event feed (optional — engine starts without it in
	// hydration-only mode)
	FeedURL               string        `envconfig:"LIFECYCLE_FEED_URL"`
	FeedToken             string        `envconfig:"LIFECYCLE_FEED_TOKEN"`
	FeedReconnectInterval time.Duration `envconfig:"LIFECYCLE_FEED_RECONNECT_INTERVAL" default:"1s"`
	FeedMaxReconnect      time.Duration `envconfig:"LIFECYCLE_FEED_MAX_RECONNECT" default:"30s"`
	EventBufferSize       int           `envconfig:"EVENT_BUFFER_SIZE" default:"256"`

	// Recipes: when set, step definitions load from this YAML file instead
	// of the remote API.
	RecipesPath string `envconfig:"RECIPES_PATH"`

	// Durable feedback-draft storage
	DraftDBPath string `envconfig:"DRAFT_DB_PATH" default:"dialectic-drafts.db"`

	// Content fetch retry
	FetchMaxAttempts int           `envconfig:"FETCH_MAX_ATTEMPTS" default:"3"`
	FetchBaseDelay   time.Duration `envconfig:"FETCH_BASE_DELAY" default:"250ms"`
	FetchMaxDelay    time.Duration `envconfig:"FETCH_MAX_DELAY" default:"5s"`

	// Slack failure notifications (optional)
	SlackToken          string `envconfig:"SLACK_BOT_TOKEN"`
	SlackFailureChannel string `envconfig:"SLACK_FAILURE_CHANNEL"`

	// Management API
	MgmtListenAddr  string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode    string `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey      string `envconfig:"MGMT_API_KEY"`
	MgmtJWTSecret   string `envconfig:"MGMT_JWT_SECRET"`
	MgmtCORSOrigins string `envconfig:"MGMT_CORS_ORIGINS"`
	MgmtTLSCert     string `envconfig:"MGMT_TLS_CERT"`
	MgmtTLSKey      string `envconfig:"MGMT_TLS_KEY"`
}

// FeedEnabled returns true if the lifecycle event feed is configured.
func (c *Config) FeedEnabled() bool {
	return c.FeedURL != ""
}

// SlackEnabled returns true if failure notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackToken != "" && c.SlackFailureChannel != ""
}

// StaticRecipesEnabled returns true if recipes load from a local file.
func (c *Config) StaticRecipesEnabled() bool {
	return c.RecipesPath != ""
}

// Validate checks fields that have no safe default.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("CONTENT_API_BASE_URL is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("DIALECTIC_USER_ID is required")
	}
	if c.MgmtAuthMode == "jwt" && c.MgmtJWTSecret == "" {
		return fmt.Errorf("MGMT_JWT_SECRET is required when MGMT_AUTH_MODE=jwt")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}
