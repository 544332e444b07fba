package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/salemetry/salemetry/internal/model"
)

// metricColumns whitelists the metric-name-to-column mapping. Metric names
// are a closed set and double as column identifiers; the map exists so a
// bad name can never reach SQL text.
var metricColumns = func() map[model.MetricName]string {
	m := make(map[model.MetricName]string, len(model.MetricNames()))
	for _, name := range model.MetricNames() {
		m[name] = string(name)
	}
	return m
}()

// selectColumns is the fixed column list for reading a metrics record.
var selectColumns = func() string {
	cols := make([]string, 0, len(model.MetricNames()))
	for _, name := range model.MetricNames() {
		cols = append(cols, "d."+string(name))
	}
	return strings.Join(cols, ", ")
}()

// ApplyEvent durably folds one event into its (manager, day) record. The
// day is resolved by the caller in the business timezone and stored as a
// plain date.
//
// In a single transaction it reserves the (message_id, fragment_index)
// ledger slot, creates the day row if absent, and applies the additive
// deltas while bumping version and clearing exported_at. Returns
// ErrDuplicateEvent when the fragment was applied before; nothing is
// considered applied until the transaction commits.
func (db *DB) ApplyEvent(ctx context.Context, ev model.Event, day time.Time, contribs []model.Contribution) (int64, error) {
	day = dateOnly(day)

	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("storage: begin apply: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO applied_events (message_id, fragment_index, manager_chat_id, kind)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`,
		ev.MessageID, ev.FragmentIndex, ev.Actor, string(ev.Kind),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: reserve event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrDuplicateEvent
	}

	var managerID int64
	if err := tx.QueryRow(ctx,
		`SELECT id FROM managers WHERE chat_id = $1`, ev.Actor,
	).Scan(&managerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("storage: apply event: manager %q: %w", ev.Actor, ErrNotFound)
		}
		return 0, fmt.Errorf("storage: resolve manager: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO daily_metrics (manager_id, date)
		VALUES ($1, $2)
		ON CONFLICT (manager_id, date) DO NOTHING`,
		managerID, day,
	); err != nil {
		return 0, fmt.Errorf("storage: create day row: %w", err)
	}

	set := make([]string, 0, len(contribs)+3)
	args := []any{managerID, day}
	for _, c := range contribs {
		col, ok := metricColumns[c.Metric]
		if !ok {
			return 0, fmt.Errorf("storage: unknown metric %q", c.Metric)
		}
		args = append(args, c.Delta)
		set = append(set, fmt.Sprintf("%s = %s + $%d", col, col, len(args)))
	}
	set = append(set, "version = version + 1", "exported_at = NULL", "updated_at = now()")

	var version int64
	if err := tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE daily_metrics SET %s
		WHERE manager_id = $1 AND date = $2
		RETURNING version`, strings.Join(set, ", ")),
		args...,
	).Scan(&version); err != nil {
		return 0, fmt.Errorf("storage: apply deltas: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit apply: %w", err)
	}
	return version, nil
}

// GetRecord reads one metrics record by actor chat id and date.
func (db *DB) GetRecord(ctx context.Context, key model.RecordKey) (*model.MetricsRecord, error) {
	day := dateOnly(key.Date)
	row := db.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT m.chat_id, m.full_name, d.exported_at, d.version, %s
		FROM daily_metrics d
		JOIN managers m ON m.id = d.manager_id
		WHERE m.chat_id = $1 AND d.date = $2`, selectColumns),
		key.Actor, day,
	)
	rec, err := scanRecord(row, key.Date)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get record: %w", err)
	}
	return rec, nil
}

// RecordsForDate reads every record for one calendar date, dirty or not.
func (db *DB) RecordsForDate(ctx context.Context, date time.Time) ([]*model.MetricsRecord, error) {
	return db.queryRecords(ctx, date, false)
}

// DirtyRecordsForDate reads the records still pending export for a date.
func (db *DB) DirtyRecordsForDate(ctx context.Context, date time.Time) ([]*model.MetricsRecord, error) {
	return db.queryRecords(ctx, date, true)
}

func (db *DB) queryRecords(ctx context.Context, date time.Time, dirtyOnly bool) ([]*model.MetricsRecord, error) {
	day := dateOnly(date)
	q := fmt.Sprintf(`
		SELECT m.chat_id, m.full_name, d.exported_at, d.version, %s
		FROM daily_metrics d
		JOIN managers m ON m.id = d.manager_id
		WHERE d.date = $1`, selectColumns)
	if dirtyOnly {
		q += " AND d.exported_at IS NULL"
	}
	q += " ORDER BY m.id"

	rows, err := db.pool.Query(ctx, q, day)
	if err != nil {
		return nil, fmt.Errorf("storage: query records: %w", err)
	}
	defer rows.Close()

	var out []*model.MetricsRecord
	for rows.Next() {
		rec, err := scanRecord(rows, date)
		if err != nil {
			return nil, fmt.Errorf("storage: scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// scanRecord reads the fixed column layout produced with selectColumns.
func scanRecord(row pgx.Row, date time.Time) (*model.MetricsRecord, error) {
	names := model.MetricNames()
	totals := make([]decimal.Decimal, len(names))

	rec := model.NewMetricsRecord(model.RecordKey{Date: dateOnly(date)})
	dest := []any{&rec.Key.Actor, &rec.ManagerName, &rec.ExportedAt, &rec.Version}
	for i := range totals {
		dest = append(dest, &totals[i])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	for i, name := range names {
		rec.Totals[name] = totals[i]
	}
	return rec, nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
