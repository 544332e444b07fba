// Package export snapshots dirty daily metrics records and delivers them
// to the external spreadsheet sink.
//
// Each record exports independently: one sink failure is logged, counted,
// and retried on the next scheduled cycle without blocking the rest.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/salemetry/salemetry/internal/model"
	"github.com/salemetry/salemetry/internal/storage"
	"github.com/salemetry/salemetry/internal/telemetry"
)

// Snapshot is the immutable view of one record handed to the sink: the
// totals at read time plus the version used to stamp the export.
type Snapshot struct {
	Date        time.Time
	Actor       string
	ManagerName string
	Totals      map[model.MetricName]string // decimal strings, export order via model.MetricNames
	Version     int64
}

// Sink writes one snapshot to the external spreadsheet. Implementations
// must be safely retryable: the far side is keyed by (manager, date).
type Sink interface {
	Export(ctx context.Context, snap Snapshot) error
}

// Store is the persistence surface the exporter reads and stamps.
// *storage.DB satisfies it.
type Store interface {
	DirtyRecordsForDate(ctx context.Context, date time.Time) ([]*model.MetricsRecord, error)
	MarkExported(ctx context.Context, key model.RecordKey, version int64, at time.Time) error
	IncrementExportFailure(ctx context.Context, key model.RecordKey) (int, error)
}

// Escalator is told when a record has failed too many consecutive cycles.
type Escalator func(ctx context.Context, key model.RecordKey, failures int)

// Options tune an export pass.
type Options struct {
	Parallel      int // concurrent sink writes
	EscalateAfter int // consecutive failed cycles before Escalator fires
}

// Exporter runs export passes over the dirty records of a date.
type Exporter struct {
	store    Store
	sink     Sink
	logger   *slog.Logger
	opts     Options
	escalate Escalator
	cycles   metric.Int64Counter
}

// New creates an exporter. escalate may be nil.
func New(store Store, sink Sink, logger *slog.Logger, opts Options, escalate Escalator) *Exporter {
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	if opts.EscalateAfter < 1 {
		opts.EscalateAfter = 3
	}
	meter := telemetry.Meter("salemetry/export")
	cycles, _ := meter.Int64Counter("salemetry.export.records",
		metric.WithDescription("Records processed by export passes, by result"),
	)
	return &Exporter{store: store, sink: sink, logger: logger, opts: opts, escalate: escalate, cycles: cycles}
}

// Result summarizes one export pass.
type Result struct {
	Exported int
	Failed   int
	Skipped  int // records that went dirty again mid-export
}

// Clean reports whether every dirty record at pass time was exported.
func (r Result) Clean() bool {
	return r.Failed == 0 && r.Skipped == 0
}

// Run exports every dirty record for the date. Re-running after a clean
// pass is a no-op: nothing is dirty, nothing is written. The pass itself
// never returns sink errors — they are absorbed per record — only storage
// read failures propagate.
func (e *Exporter) Run(ctx context.Context, date time.Time) (Result, error) {
	records, err := e.store.DirtyRecordsForDate(ctx, date)
	if err != nil {
		return Result{}, fmt.Errorf("export: read dirty records: %w", err)
	}
	if len(records) == 0 {
		e.logger.Info("export: nothing to export", "date", date.Format("2006-01-02"))
		return Result{}, nil
	}

	results := make([]string, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallel)
	for i, rec := range records {
		g.Go(func() error {
			results[i] = e.exportOne(gctx, rec)
			return nil
		})
	}
	_ = g.Wait() // exportOne never returns an error

	var res Result
	for _, r := range results {
		switch r {
		case "exported":
			res.Exported++
		case "skipped":
			res.Skipped++
		default:
			res.Failed++
		}
	}
	e.logger.Info("export: pass finished",
		"date", date.Format("2006-01-02"),
		"exported", res.Exported, "failed", res.Failed, "skipped", res.Skipped)
	return res, nil
}

func (e *Exporter) exportOne(ctx context.Context, rec *model.MetricsRecord) string {
	snap := snapshotOf(rec)

	if err := e.sink.Export(ctx, snap); err != nil {
		e.count(ctx, "failed")
		failures, cntErr := e.store.IncrementExportFailure(ctx, rec.Key)
		if cntErr != nil {
			e.logger.Error("export: failure counter update failed", "key", rec.Key, "error", cntErr)
		}
		e.logger.Warn("export: sink write failed, will retry next cycle",
			"key", rec.Key.String(), "failures", failures, "error", err)
		if e.escalate != nil && failures >= e.opts.EscalateAfter {
			e.escalate(ctx, rec.Key, failures)
		}
		return "failed"
	}

	err := e.store.MarkExported(ctx, rec.Key, rec.Version, time.Now().UTC())
	switch {
	case errors.Is(err, storage.ErrVersionConflict):
		// A late event landed between snapshot and stamp. The record stays
		// dirty and the fresher totals go out on the next cycle, superseding
		// this row on the sink side.
		e.count(ctx, "skipped")
		e.logger.Info("export: record went dirty mid-export", "key", rec.Key.String())
		return "skipped"
	case err != nil:
		e.count(ctx, "failed")
		e.logger.Error("export: stamp failed", "key", rec.Key.String(), "error", err)
		return "failed"
	}
	e.count(ctx, "exported")
	return "exported"
}

func (e *Exporter) count(ctx context.Context, result string) {
	e.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// snapshotOf freezes a record for the sink.
func snapshotOf(rec *model.MetricsRecord) Snapshot {
	totals := make(map[model.MetricName]string, len(rec.Totals))
	for _, name := range model.MetricNames() {
		totals[name] = rec.Total(name).String()
	}
	return Snapshot{
		Date:        rec.Key.Date,
		Actor:       rec.Key.Actor,
		ManagerName: rec.ManagerName,
		Totals:      totals,
		Version:     rec.Version,
	}
}
