// Package aggregate folds validated sales events into per-manager daily
// metrics records.
//
// The engine is the only writer of metrics records. Events for one
// (manager, date) key are applied in submission order; keys are
// independent. Conflicts from concurrent writers surface as version
// conflicts and are retried with bounded backoff.
package aggregate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/salemetry/salemetry/internal/model"
	"github.com/salemetry/salemetry/internal/storage"
	"github.com/salemetry/salemetry/internal/telemetry"
)

// Store is the persistence surface the engine needs. *storage.DB satisfies
// it; tests use an in-memory implementation. Implementations must apply an
// event atomically: the duplicate-ledger reservation and the metric deltas
// commit together or not at all, and ErrDuplicateEvent / ErrVersionConflict
// use the storage sentinels.
type Store interface {
	ApplyEvent(ctx context.Context, ev model.Event, day time.Time, contribs []model.Contribution) (int64, error)
}

// Status classifies the outcome of applying one event.
type Status string

const (
	StatusApplied   Status = "applied"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Outcome is the per-event result of Apply.
type Outcome struct {
	Event   model.Event
	Status  Status
	Reason  string // populated for rejected and failed
	Version int64  // record version after an applied event
}

// Options bound the conflict-retry policy.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Engine applies events to metrics records.
type Engine struct {
	store   Store
	logger  *slog.Logger
	loc     *time.Location
	opts    Options
	applied metric.Int64Counter
}

// New creates an engine bucketing events by calendar day in loc.
func New(store Store, loc *time.Location, logger *slog.Logger, opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 20 * time.Millisecond
	}
	meter := telemetry.Meter("salemetry/aggregate")
	applied, _ := meter.Int64Counter("salemetry.events.processed",
		metric.WithDescription("Events processed by the aggregation engine, by outcome"),
	)
	return &Engine{
		store:   store,
		logger:  logger,
		loc:     loc,
		opts:    opts,
		applied: applied,
	}
}

// Apply folds a sequence of events into their metrics records, returning
// one outcome per event in input order. Events are processed sequentially,
// which preserves arrival order for any single (manager, date) key. A
// failure on one event never aborts the rest; the caller decides what to
// tell the sender and the operator.
func (e *Engine) Apply(ctx context.Context, events []model.Event) []Outcome {
	out := make([]Outcome, 0, len(events))
	for _, ev := range events {
		out = append(out, e.applyOne(ctx, ev))
	}
	return out
}

func (e *Engine) applyOne(ctx context.Context, ev model.Event) Outcome {
	if err := ev.Validate(); err != nil {
		e.count(ctx, StatusRejected)
		return Outcome{Event: ev, Status: StatusRejected, Reason: err.Error()}
	}

	contribs, err := ev.Contributions()
	if err != nil {
		e.count(ctx, StatusRejected)
		return Outcome{Event: ev, Status: StatusRejected, Reason: err.Error()}
	}

	day := ev.Day(e.loc)

	var version int64
	err = storage.WithRetry(ctx, e.opts.MaxRetries, e.opts.BaseDelay, func() error {
		v, applyErr := e.store.ApplyEvent(ctx, ev, day, contribs)
		if applyErr != nil {
			return applyErr
		}
		version = v
		return nil
	})

	switch {
	case err == nil:
		e.count(ctx, StatusApplied)
		e.logger.Debug("aggregate: event applied",
			"kind", ev.Kind, "actor", ev.Actor, "day", day.Format("2006-01-02"), "version", version)
		return Outcome{Event: ev, Status: StatusApplied, Version: version}

	case errors.Is(err, storage.ErrDuplicateEvent):
		e.count(ctx, StatusDuplicate)
		e.logger.Info("aggregate: duplicate event skipped",
			"message_id", ev.MessageID, "fragment", ev.FragmentIndex)
		return Outcome{Event: ev, Status: StatusDuplicate}

	default:
		// Conflict retries exhausted or a hard storage failure. The event
		// is not applied; the caller escalates to the operator.
		e.count(ctx, StatusFailed)
		e.logger.Error("aggregate: event failed",
			"kind", ev.Kind, "actor", ev.Actor, "error", err)
		return Outcome{Event: ev, Status: StatusFailed, Reason: err.Error()}
	}
}

func (e *Engine) count(ctx context.Context, s Status) {
	e.applied.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(s))))
}

// Summarize tallies outcomes by status, used for reply construction.
func Summarize(outcomes []Outcome) map[Status]int {
	m := make(map[Status]int, 4)
	for _, o := range outcomes {
		m[o.Status]++
	}
	return m
}
