// Package stream delivers push-notified lifecycle events over a persistent
// WebSocket connection to the generation pipeline's event feed.
package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/dialectic-engine/internal/dialectic"
)

// Config holds feed configuration.
type Config struct {
	// FeedURL is the WebSocket URL, e.g. "wss://host/ws/lifecycle".
	FeedURL string

	// Token is the bearer token sent during the handshake.
	Token string

	// ReconnectInterval is the initial delay between reconnection attempts.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the exponential backoff.
	MaxReconnectInterval time.Duration

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectInterval:    1 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		HandshakeTimeout:     10 * time.Second,
	}
}

// OnReconnect is called once per reconnection attempt, for metrics.
type OnReconnect func()

// Feed is a persistent WebSocket client for the lifecycle event feed.
type Feed struct {
	cfg         Config
	logger      zerolog.Logger
	onReconnect OnReconnect
}

// New creates a Feed. onReconnect may be nil.
func New(cfg Config, onReconnect OnReconnect, logger zerolog.Logger) *Feed {
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 1 * time.Second
	}
	if cfg.MaxReconnectInterval == 0 {
		cfg.MaxReconnectInterval = 30 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Feed{
		cfg:         cfg,
		logger:      logger.With().Str("component", "lifecycle_feed").Logger(),
		onReconnect: onReconnect,
	}
}

// Name identifies this event source.
func (f *Feed) Name() string { return "lifecycle_feed" }

// Subscribe starts delivering decoded events to out until ctx is cancelled.
// Non-blocking; the read loop runs in its own goroutine and reconnects with
// exponential backoff on connection loss. Messages that do not decode to a
// known event kind are logged and dropped; the union is closed.
func (f *Feed) Subscribe(ctx context.Context, out chan<- dialectic.Event) error {
	go f.run(ctx, out)
	return nil
}

func (f *Feed) run(ctx context.Context, out chan<- dialectic.Event) {
	backoff := f.cfg.ReconnectInterval
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := f.dial(ctx)
		if err != nil {
			if f.onReconnect != nil {
				f.onReconnect()
			}
			f.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("feed dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > f.cfg.MaxReconnectInterval {
				backoff = f.cfg.MaxReconnectInterval
			}
			continue
		}

		f.logger.Info().Str("url", f.cfg.FeedURL).Msg("connected to lifecycle feed")
		backoff = f.cfg.ReconnectInterval

		f.readLoop(ctx, conn, out)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
			f.logger.Warn().Msg("feed connection lost, reconnecting")
		}
	}
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.HandshakeTimeout}

	var header http.Header
	if f.cfg.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + f.cfg.Token}}
	}

	conn, _, err := dialer.DialContext(ctx, f.cfg.FeedURL, header)
	return conn, err
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- dialectic.Event) {
	// Unblock the read when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Warn().Err(err).Msg("feed read error")
			}
			return
		}

		ev, err := dialectic.Decode(msg)
		if err != nil {
			f.logger.Warn().Err(err).Msg("dropping undecodable feed message")
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
