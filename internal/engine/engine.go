// Package engine implements the lifecycle event loop — the heart of the system.
package engine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/dialectic-engine/internal/compkey"
	"github.com/p-blackswan/dialectic-engine/internal/dialectic"
)

// Config holds engine configuration.
type Config struct {
	// EventBufferSize is the capacity of the internal event channel.
	EventBufferSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{EventBufferSize: 256}
}

// Source delivers decoded lifecycle events into a channel.
type Source interface {
	Name() string
	Subscribe(ctx context.Context, out chan<- dialectic.Event) error
}

// Engine consumes lifecycle events from its sources and applies them to the
// shared progress state. Events are applied strictly one at a time, in
// arrival order; only content fetches run concurrently, off the loop.
type Engine struct {
	config    Config
	sources   []Source
	state     *dialectic.State
	recipes   *dialectic.Resolver
	processor *dialectic.Processor
	logger    zerolog.Logger
}

// New creates an Engine.
func New(cfg Config, state *dialectic.State, recipes *dialectic.Resolver, processor *dialectic.Processor, logger zerolog.Logger) *Engine {
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = DefaultConfig().EventBufferSize
	}
	return &Engine{
		config:    cfg,
		state:     state,
		recipes:   recipes,
		processor: processor,
		logger:    logger.With().Str("component", "engine").Logger(),
	}
}

// AddSource registers an event source. Must be called before Run().
func (e *Engine) AddSource(src Source) {
	e.sources = append(e.sources, src)
}

// TrackStage resolves the stage recipe and initializes a progress bucket for
// the given iteration. Re-tracking a stage leaves the existing bucket and its
// accumulated progress untouched. Buckets are created only here and by
// hydration, never implicitly by events.
func (e *Engine) TrackStage(ctx context.Context, sessionID, stageSlug string, iteration int) error {
	steps, err := e.recipes.Resolve(ctx, stageSlug)
	if err != nil {
		return err
	}

	key := compkey.BucketKey{SessionID: sessionID, StageSlug: stageSlug, Iteration: iteration}
	e.state.InitializeBucket(key, steps)

	e.logger.Info().
		Str("session_id", sessionID).
		Str("stage_slug", stageSlug).
		Int("iteration", iteration).
		Int("steps", len(steps)).
		Msg("tracking stage")
	return nil
}

// Run starts the event loop. Blocks until ctx is cancelled. On shutdown it
// drains nothing: buffered events are abandoned, but in-flight content
// fetches are waited out so the state is not mutated after return.
func (e *Engine) Run(ctx context.Context) error {
	eventCh := make(chan dialectic.Event, e.config.EventBufferSize)

	for _, src := range e.sources {
		e.logger.Info().Str("source", src.Name()).Msg("starting event source")
		if err := src.Subscribe(ctx, eventCh); err != nil {
			return err
		}
	}

	e.logger.Info().
		Int("sources", len(e.sources)).
		Int("buffer", e.config.EventBufferSize).
		Msg("engine started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("engine shutting down, waiting for in-flight fetches")
			e.processor.WaitForFetches()
			return ctx.Err()

		case ev := <-eventCh:
			if err := e.processor.Apply(ctx, ev); err != nil {
				e.logger.Debug().
					Err(err).
					Str("kind", string(ev.Kind())).
					Msg("event not applied")
			}
		}
	}
}
