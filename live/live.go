package live

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/back2basic/netwatch/agg"
	"github.com/back2basic/netwatch/model"
)

// ProcessResolver maps the connections alive right now to the name of their process.
type ProcessResolver interface {
	Resolve(ctx context.Context) (map[model.Connection]string, error)
}

// TrafficSource returns the bytes each connection moved since the previous call.
type TrafficSource interface {
	Capture(ctx context.Context) (model.Utilization, error)
}

// Sink receives every State the loop builds. States must be treated as read only.
type Sink interface {
	Consume(ctx context.Context, s *agg.State) error
}

type SinkFunc func(ctx context.Context, s *agg.State) error

func (f SinkFunc) Consume(ctx context.Context, s *agg.State) error { return f(ctx, s) }

// Live drives one resolve + capture + aggregate round per tick.
type Live struct {
	resolver ProcessResolver
	source   TrafficSource
	sinks    []Sink
	tick     time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	state atomic.Pointer[agg.State]
}

type Option func(*Live)

func WithClock(c clock.Clock) Option {
	return func(l *Live) { l.clock = c }
}

func WithSinks(sinks ...Sink) Option {
	return func(l *Live) { l.sinks = append(l.sinks, sinks...) }
}

func New(resolver ProcessResolver, source TrafficSource, tick time.Duration, logger *zap.Logger, opts ...Option) *Live {
	l := &Live{
		resolver: resolver,
		source:   source,
		tick:     tick,
		clock:    clock.New(),
		logger:   logger.Named("live"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run ticks until ctx is cancelled. A failed tick is logged and skipped.
func (l *Live) Run(ctx context.Context) error {
	ticker := l.clock.Ticker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Step(ctx); err != nil {
				l.logger.Warn("tick skipped", zap.Error(err))
			}
		}
	}
}

// Step runs a single round: resolve, capture, Build, then the sinks. Capture consumes
// the source's counters, so it only runs once resolve has succeeded.
func (l *Live) Step(ctx context.Context) error {
	procs, err := l.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve processes: %w", err)
	}
	util, err := l.source.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capture traffic: %w", err)
	}

	captured := len(util)
	state := agg.Build(procs, util, l.state.Load())
	l.state.Store(state)

	if state.Overflow {
		l.logger.Warn("byte counter saturated at 2^64-1, totals are clamped")
	}
	l.logger.Debug("tick",
		zap.Int("connections", len(state.Connections)),
		zap.Int("captured", captured),
		zap.Int("unattributed", len(util)),
		zap.Uint64("down", state.TotalBytesDownloaded),
		zap.Uint64("up", state.TotalBytesUploaded),
	)

	for _, s := range l.sinks {
		if err := s.Consume(ctx, state); err != nil {
			l.logger.Error("sink failed", zap.Error(err))
		}
	}
	return nil
}

// State returns the most recent State, or nil before the first tick.
func (l *Live) State() *agg.State {
	return l.state.Load()
}
