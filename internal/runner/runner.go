package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bakkerme/repology-notify/internal/core"
	"github.com/bakkerme/repology-notify/internal/dedupe"
	"github.com/bakkerme/repology-notify/internal/diff"
	"github.com/bakkerme/repology-notify/internal/dispatch"
	"github.com/bakkerme/repology-notify/internal/filter"
	"github.com/bakkerme/repology-notify/internal/observability/otelx"
	"github.com/bakkerme/repology-notify/internal/outputs"
	"github.com/bakkerme/repology-notify/internal/payload"
)

const (
	DefaultBackoffBase   = 30 * time.Second
	DefaultBackoffMax    = time.Hour
	DefaultCommitTimeout = 10 * time.Second
)

// Deps are the collaborators of a Runner. Filter and Lock may be nil.
type Deps struct {
	Source     core.Source
	Filter     *filter.Filter
	Store      dedupe.Store
	Lock       *dedupe.FileLock
	Builder    *payload.Builder
	Dispatcher *dispatch.Dispatcher
	Channels   []outputs.Channel
}

type Config struct {
	// BaselineOnFirstRun records the first snapshot as seen without notifying
	// when the seen-set is empty.
	BaselineOnFirstRun bool
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	CommitTimeout      time.Duration
}

type Runner struct {
	logger *slog.Logger
	deps   Deps
	config Config
	now    func() time.Time

	// cycleMu serialises whole cycles within the process.
	cycleMu sync.Mutex

	stateMu     sync.RWMutex
	last        *core.Cycle
	failures    int
	nextAttempt time.Time

	wg sync.WaitGroup
}

func New(logger *slog.Logger, deps Deps, cfg Config) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = dispatch.New(logger, dispatch.Config{})
	}
	if deps.Builder == nil {
		builder, err := payload.NewBuilder("", "")
		if err != nil {
			return nil, err
		}
		deps.Builder = builder
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	return &Runner{logger: logger, deps: deps, config: cfg, now: time.Now}, nil
}

// Start runs a cycle for every trigger event until ctx is done or the trigger
// closes its channel. It returns once the listener is running.
func (r *Runner) Start(ctx context.Context, trigger core.Trigger) error {
	if trigger == nil {
		return fmt.Errorf("trigger is required")
	}
	events, err := trigger.Start(ctx)
	if err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.listen(ctx, trigger.Name(), events)
	}()
	return nil
}

// Wait blocks until every listener started by Start has returned, which
// includes finishing the commit of an in-flight cycle.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) listen(ctx context.Context, triggerName string, events <-chan core.TriggerEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if wait := r.backoffRemaining(); wait > 0 {
				r.logger.Info("skipping trigger during backoff", "trigger", triggerName, "retry_in", wait.Round(time.Second))
				continue
			}
			r.logger.Debug("trigger event", "trigger", triggerName, "time", event.Timestamp)
			if _, err := r.run(ctx, triggerName); err != nil {
				r.logger.Error("cycle failed", "error", err)
			}
		}
	}
}

// RunOnce executes a single fetch, diff, dispatch and commit cycle.
func (r *Runner) RunOnce(ctx context.Context) (*core.Cycle, error) {
	return r.run(ctx, "manual")
}

func (r *Runner) run(ctx context.Context, triggerType string) (*core.Cycle, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	cycle := &core.Cycle{
		ID:          uuid.NewString(),
		StartedAt:   r.now().UTC(),
		Status:      core.CycleStatusRunning,
		TriggerType: triggerType,
	}
	logger := r.logger.With("cycle_id", cycle.ID)
	ctx = core.WithCycleID(ctx, cycle.ID)
	ctx = core.WithLogger(ctx, logger)

	tracer := otelx.Tracer("runner")
	ctx, span := tracer.Start(ctx, "cycle")
	span.SetAttributes(
		attribute.String("cycle.id", cycle.ID),
		attribute.String("cycle.trigger", triggerType),
		attribute.String("source.name", r.deps.Source.Name()),
	)
	defer span.End()

	err := r.execute(ctx, logger, cycle)

	completedAt := r.now().UTC()
	cycle.CompletedAt = &completedAt
	span.SetAttributes(
		attribute.Int("cycle.fetched", cycle.Fetched),
		attribute.Int("cycle.entries", cycle.Summary.Entries),
		attribute.Int("cycle.delivered", cycle.Summary.Delivered()),
		attribute.Int("cycle.failed", cycle.Summary.Failed()),
	)
	if err != nil {
		cycle.Status = core.CycleStatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if cycle.Status == core.CycleStatusRunning {
		cycle.Status = core.CycleStatusCompleted
	}
	r.finish(logger, cycle, err)
	return cycle, err
}

func (r *Runner) execute(ctx context.Context, logger *slog.Logger, cycle *core.Cycle) error {
	statuses, err := r.deps.Source.Fetch(ctx)
	if err != nil {
		r.recordError(cycle, "fetch", err)
		return err
	}
	cycle.Fetched = len(statuses)
	statuses = r.deps.Filter.Apply(statuses)

	var unlock func()
	if r.deps.Lock != nil {
		unlock, err = r.deps.Lock.Lock(ctx)
		if err != nil {
			r.recordError(cycle, "lock", err)
			return err
		}
		defer unlock()
	}

	seen, err := r.deps.Store.Load(ctx)
	if err != nil {
		r.recordError(cycle, "store", err)
		return err
	}

	names := channelNames(r.deps.Channels)
	entries := diff.ComputeNewEntries(statuses, seen, names)

	if r.config.BaselineOnFirstRun && !seen.BaselineTaken() && len(seen) == 0 {
		return r.baseline(ctx, logger, cycle, entries)
	}

	batch, renderErrs := r.deps.Builder.BuildBatch(entries)
	for _, renderErr := range renderErrs {
		r.recordError(cycle, "render", renderErr)
		logger.Warn("payload render failed", "error", renderErr)
	}

	results := r.deps.Dispatcher.Dispatch(ctx, batch, r.deps.Channels)
	cycle.Summary = dispatch.Summarize(len(batch), r.deps.Channels, results)

	if err := r.commit(ctx, cycle, dispatch.Advances(results)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		r.recordError(cycle, "dispatch", err)
		return fmt.Errorf("cycle interrupted: %w", err)
	}
	return nil
}

// baseline marks every pending entry as seen on every channel without
// sending anything.
func (r *Runner) baseline(ctx context.Context, logger *slog.Logger, cycle *core.Cycle, entries []diff.Entry) error {
	cycle.Baseline = true
	cycle.Summary = dispatch.Summarize(0, r.deps.Channels, nil)
	var advances []dedupe.Advance
	for _, entry := range entries {
		for _, channel := range entry.Channels {
			advances = append(advances, dedupe.Advance{
				Identity: entry.Status.Identity(),
				Channel:  channel,
				Version:  entry.Status.VersionState(),
			})
		}
	}
	// The marker keeps later cycles from baselining again when this snapshot
	// had nothing outdated.
	advances = append(advances, dedupe.BaselineAdvance(r.now()))
	logger.Info("recording baseline without notifying", "entries", len(entries))
	return r.commit(ctx, cycle, advances)
}

// commit runs on a context detached from cancellation so that deliveries
// which already happened are always recorded.
func (r *Runner) commit(ctx context.Context, cycle *core.Cycle, advances []dedupe.Advance) error {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.CommitTimeout)
	defer cancel()
	if err := r.deps.Store.Commit(commitCtx, advances); err != nil {
		r.recordError(cycle, "commit", err)
		return err
	}
	for _, adv := range advances {
		if adv.Identity != dedupe.BaselineMarker {
			cycle.Committed++
		}
	}
	return nil
}

func (r *Runner) recordError(cycle *core.Cycle, stage string, err error) {
	cycle.Errors = append(cycle.Errors, core.CycleError{
		Stage:      stage,
		Error:      err.Error(),
		OccurredAt: r.now().UTC(),
	})
}

func (r *Runner) finish(logger *slog.Logger, cycle *core.Cycle, err error) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.last = cycle

	var corrupt *dedupe.StoreCorruptError
	switch {
	case err == nil:
		r.failures = 0
		r.nextAttempt = time.Time{}
		logger.Info("cycle completed",
			"fetched", cycle.Fetched,
			"entries", cycle.Summary.Entries,
			"delivered", cycle.Summary.Delivered(),
			"failed", cycle.Summary.Failed(),
			"committed", cycle.Committed,
			"baseline", cycle.Baseline,
		)
		for _, failure := range cycle.Summary.Failures {
			logger.Warn("delivery failed", "identity", failure.Identity, "version", failure.Version, "channel", failure.Channel, "reason", failure.Reason)
		}
	case errors.Is(err, context.Canceled):
		logger.Info("cycle interrupted", "delivered", cycle.Summary.Delivered(), "committed", cycle.Committed)
	case errors.As(err, &corrupt):
		r.failures++
		r.nextAttempt = r.now().Add(r.backoffDelay(r.failures))
		logger.Error("seen-set is corrupt, no notifications sent", "backend", corrupt.Backend, "path", corrupt.Path, "error", err)
	default:
		r.failures++
		delay := r.backoffDelay(r.failures)
		r.nextAttempt = r.now().Add(delay)
		logger.Error("cycle failed", "error", err, "attempt", r.failures, "retry_in", delay)
	}
}

// backoffDelay mirrors min(base * 2^attempt, max).
func (r *Runner) backoffDelay(attempt int) time.Duration {
	delay := r.config.BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= r.config.BackoffMax {
			return r.config.BackoffMax
		}
	}
	return delay
}

func (r *Runner) backoffRemaining() time.Duration {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	if r.nextAttempt.IsZero() {
		return 0
	}
	return r.nextAttempt.Sub(r.now())
}

// LastCycle returns a copy of the most recent cycle, or nil before the first
// one finishes.
func (r *Runner) LastCycle() *core.Cycle {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	if r.last == nil {
		return nil
	}
	cycle := *r.last
	return &cycle
}

// SeenSet loads the committed seen-set for inspection.
func (r *Runner) SeenSet(ctx context.Context) (dedupe.SeenSet, error) {
	seen, err := r.deps.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return seen.Packages(), nil
}

func (r *Runner) ChannelNames() []string {
	return channelNames(r.deps.Channels)
}

func channelNames(channels []outputs.Channel) []string {
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, ch.Name())
	}
	return names
}

// BreakerStates reports the circuit breaker state per channel.
func (r *Runner) BreakerStates() map[string]string {
	return r.deps.Dispatcher.BreakerStates()
}
