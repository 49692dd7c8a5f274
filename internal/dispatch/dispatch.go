// Package dispatch fans a batch out to every configured channel and reports
// one outcome per (entry, channel) pair.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/bakkerme/repology-notify/internal/core"
	"github.com/bakkerme/repology-notify/internal/dedupe"
	"github.com/bakkerme/repology-notify/internal/observability/otelx"
	"github.com/bakkerme/repology-notify/internal/outputs"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 5 * time.Minute

	ReasonDisabled     = "disabled"
	ReasonTimeout      = "timeout"
	ReasonCanceled     = "canceled"
	ReasonCircuitOpen  = "circuit open"
	ReasonUnconfigured = "channel not configured"
)

type Config struct {
	// Timeout bounds a single send.
	Timeout time.Duration
	// BreakerFailures is the number of consecutive failures that opens a
	// channel's breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long an open breaker rejects sends before a
	// trial request is allowed through.
	BreakerTimeout time.Duration
}

type Dispatcher struct {
	logger *slog.Logger
	config Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func New(logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultBreakerTimeout
	}
	return &Dispatcher{
		logger:   logger,
		config:   cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Dispatch delivers every entry on every channel it still needs. Channels run
// concurrently; entries within one channel are sent in batch order. The
// returned results follow batch order, then channel order.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []core.BatchEntry, channels []outputs.Channel) []core.DispatchResult {
	perChannel := make([][]*core.DispatchResult, len(channels))
	known := make(map[string]bool, len(channels))
	for _, ch := range channels {
		known[ch.Name()] = true
	}

	var g errgroup.Group
	for i, ch := range channels {
		g.Go(func() error {
			perChannel[i] = d.dispatchChannel(ctx, batch, ch)
			return nil
		})
	}
	_ = g.Wait()

	results := make([]core.DispatchResult, 0, len(batch)*len(channels))
	for i, entry := range batch {
		for c := range channels {
			if res := perChannel[c][i]; res != nil {
				results = append(results, *res)
			}
		}
		for _, name := range entry.Channels {
			if known[name] {
				continue
			}
			results = append(results, core.DispatchResult{
				Identity: entry.Status.Identity(),
				Version:  entry.Status.VersionState(),
				Channel:  name,
				Outcome:  core.OutcomeSkipped,
				Reason:   ReasonUnconfigured,
			})
		}
	}
	return results
}

func (d *Dispatcher) dispatchChannel(ctx context.Context, batch []core.BatchEntry, ch outputs.Channel) []*core.DispatchResult {
	name := ch.Name()
	logger := core.LoggerFromContext(ctx, d.logger).With("channel", name)

	tracer := otelx.Tracer("dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.channel")
	span.SetAttributes(
		attribute.String("channel.name", name),
		attribute.Bool("channel.enabled", ch.Enabled()),
		attribute.Int("batch.size", len(batch)),
		attribute.String("cycle.id", core.CycleIDFromContext(ctx)),
	)
	defer span.End()

	enabled := ch.Enabled()
	breaker := d.breaker(name)
	out := make([]*core.DispatchResult, len(batch))
	failed := 0

	for i, entry := range batch {
		if !entry.NeedsChannel(name) {
			continue
		}
		res := core.DispatchResult{
			Identity: entry.Status.Identity(),
			Version:  entry.Status.VersionState(),
			Channel:  name,
		}
		switch {
		case !enabled:
			res.Outcome = core.OutcomeSkipped
			res.Reason = ReasonDisabled
		case ctx.Err() != nil:
			res.Outcome = core.OutcomeFailed
			res.Reason = ReasonCanceled
			res.Err = &outputs.DeliveryError{Channel: name, Identity: res.Identity, Err: ctx.Err()}
		default:
			res = d.send(ctx, logger, breaker, ch, entry, res)
		}
		recordOutcome(name, res.Outcome)
		if res.Outcome == core.OutcomeFailed {
			failed++
			logger.Warn("delivery failed", "identity", res.Identity, "version", res.Version, "reason", res.Reason)
		} else if res.Outcome == core.OutcomeDelivered {
			logger.Debug("delivered", "identity", res.Identity, "version", res.Version)
		}
		out[i] = &res
	}

	span.SetAttributes(attribute.Int("dispatch.failed", failed))
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d deliveries failed", failed))
	}
	return out
}

func (d *Dispatcher) send(ctx context.Context, logger *slog.Logger, breaker *gobreaker.CircuitBreaker, ch outputs.Channel, entry core.BatchEntry, res core.DispatchResult) core.DispatchResult {
	sendCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	start := time.Now()
	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, safeSend(sendCtx, d.config.Timeout, logger, ch, entry.Payload)
	})
	observeDuration(res.Channel, time.Since(start))

	if err == nil {
		res.Outcome = core.OutcomeDelivered
		return res
	}

	res.Outcome = core.OutcomeFailed
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		res.Reason = ReasonCircuitOpen
	case ctx.Err() != nil:
		res.Reason = ReasonCanceled
	case errors.Is(err, context.DeadlineExceeded):
		res.Reason = ReasonTimeout
	default:
		res.Reason = err.Error()
	}
	res.Err = &outputs.DeliveryError{Channel: res.Channel, Identity: res.Identity, Err: err}
	return res
}

// safeSend runs Send in its own goroutine so a backend that ignores ctx still
// cannot hold the channel past timeout. Cancellation of ctx is left to the
// backend, whose answer is kept so that a send which completed is reported as
// delivered.
func safeSend(ctx context.Context, timeout time.Duration, logger *slog.Logger, ch outputs.Channel, payload core.Payload) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in channel backend", "panic", r, "stack", string(debug.Stack()))
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- ch.Send(ctx, payload)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return context.DeadlineExceeded
	}
}

func (d *Dispatcher) breaker(name string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[name]; ok {
		return cb
	}
	threshold := d.config.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     d.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Shutdown is not a backend failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("circuit breaker state changed", "channel", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				recordBreakerOpen(name)
			}
		},
	})
	d.breakers[name] = cb
	return cb
}

// BreakerStates reports the breaker state of every channel seen so far.
func (d *Dispatcher) BreakerStates() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	states := make(map[string]string, len(d.breakers))
	for name, cb := range d.breakers {
		states[name] = cb.State().String()
	}
	return states
}

// Advances returns the seen-set advances for delivered results only.
func Advances(results []core.DispatchResult) []dedupe.Advance {
	advances := make([]dedupe.Advance, 0, len(results))
	for _, res := range results {
		if res.Outcome != core.OutcomeDelivered {
			continue
		}
		advances = append(advances, dedupe.Advance{
			Identity: res.Identity,
			Channel:  res.Channel,
			Version:  res.Version,
		})
	}
	return advances
}

// Summarize aggregates results per channel. Every channel is present in the
// summary even when it had nothing to send.
func Summarize(entries int, channels []outputs.Channel, results []core.DispatchResult) core.CycleSummary {
	summary := core.CycleSummary{
		Entries:  entries,
		Channels: make(map[string]core.ChannelCounts, len(channels)),
	}
	for _, ch := range channels {
		summary.Channels[ch.Name()] = core.ChannelCounts{}
	}
	for _, res := range results {
		counts := summary.Channels[res.Channel]
		switch res.Outcome {
		case core.OutcomeDelivered:
			counts.Delivered++
		case core.OutcomeFailed:
			counts.Failed++
			summary.Failures = append(summary.Failures, res)
		case core.OutcomeSkipped:
			counts.Skipped++
		}
		summary.Channels[res.Channel] = counts
	}
	return summary
}
