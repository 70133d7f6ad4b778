// Package notify posts job failure notifications to Slack.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/dialectic-engine/internal/dialectic"
)

// SlackPoster is the subset of the Slack client used by the notifier.
type SlackPoster interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts a message to a channel whenever a generation job fails.
// It implements dialectic.FailureSink.
type SlackNotifier struct {
	client  SlackPoster
	channel string
	logger  zerolog.Logger
}

// NewSlackNotifier creates a notifier posting to the given channel.
func NewSlackNotifier(client SlackPoster, channel string, logger zerolog.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "slack_notifier").Logger(),
	}
}

// JobFailed posts a failure summary. Errors are logged, never propagated:
// a broken notifier must not affect event processing.
func (n *SlackNotifier) JobFailed(ctx context.Context, f dialectic.JobFailure) {
	text := fmt.Sprintf(":rotating_light: *Generation job failed*\nSession: `%s`\nStage: `%s` (iteration %d)\nJob: `%s`\nModel: `%s`\nError: %s",
		f.SessionID, f.StageSlug, f.Iteration, f.JobID, f.ModelID, f.Message)

	_, _, err := n.client.PostMessage(n.channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		n.logger.Error().
			Err(err).
			Str("channel", n.channel).
			Str("session_id", f.SessionID).
			Msg("failed to post failure notification")
		return
	}

	n.logger.Debug().
		Str("session_id", f.SessionID).
		Str("stage_slug", f.StageSlug).
		Msg("posted failure notification")
}
