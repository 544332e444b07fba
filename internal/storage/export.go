package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/salemetry/salemetry/internal/model"
)

// MarkExported stamps a record as exported, but only when its version
// still matches the snapshot the sink received. A concurrent late event
// bumps the version and the stamp is refused with ErrVersionConflict, so
// the record stays dirty and is re-exported next cycle. The consecutive
// failure counter resets on success.
func (db *DB) MarkExported(ctx context.Context, key model.RecordKey, version int64, at time.Time) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE daily_metrics d SET exported_at = $4, export_failures = 0, updated_at = now()
		FROM managers m
		WHERE m.id = d.manager_id AND m.chat_id = $1 AND d.date = $2 AND d.version = $3`,
		key.Actor, dateOnly(key.Date), version, at,
	)
	if err != nil {
		return fmt.Errorf("storage: mark exported: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// IncrementExportFailure bumps the consecutive sink-failure counter for a
// record and returns the new value. The counter is persisted so escalation
// thresholds survive restarts.
func (db *DB) IncrementExportFailure(ctx context.Context, key model.RecordKey) (int, error) {
	var failures int
	err := db.pool.QueryRow(ctx, `
		UPDATE daily_metrics d SET export_failures = d.export_failures + 1, updated_at = now()
		FROM managers m
		WHERE m.id = d.manager_id AND m.chat_id = $1 AND d.date = $2
		RETURNING d.export_failures`,
		key.Actor, dateOnly(key.Date),
	).Scan(&failures)
	if err != nil {
		return 0, fmt.Errorf("storage: increment export failure: %w", err)
	}
	return failures, nil
}

// ManagersWithDirtyRecords returns the active managers holding at least
// one non-exported record for the date. Drives the pre-export reminder.
func (db *DB) ManagersWithDirtyRecords(ctx context.Context, date time.Time) ([]Manager, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT DISTINCT m.id, m.chat_id, m.full_name, m.username, m.active, m.created_at, m.updated_at
		FROM managers m
		JOIN daily_metrics d ON d.manager_id = m.id
		WHERE m.active AND d.date = $1 AND d.exported_at IS NULL
		ORDER BY m.id`,
		dateOnly(date),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: managers with dirty records: %w", err)
	}
	defer rows.Close()

	var out []Manager
	for rows.Next() {
		var m Manager
		if err := rows.Scan(&m.ID, &m.ChatID, &m.FullName, &m.Username, &m.Active, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan manager: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// WeeklyRow is one manager's totals over a date range.
type WeeklyRow struct {
	ChatID       string
	FullName     string
	DaysReported int
	Revenue      decimal.Decimal
	NewClients   int64
	Renewals     int64
	Refusals     int64
}

// WeeklySummary reduces the records in [from, to] into per-manager totals.
// Read-only; never touches exported_at or version.
func (db *DB) WeeklySummary(ctx context.Context, from, to time.Time) ([]WeeklyRow, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT m.chat_id, m.full_name, COUNT(*),
		       COALESCE(SUM(d.total_revenue), 0),
		       COALESCE(SUM(d.new_clients), 0),
		       COALESCE(SUM(d.clients_renewed), 0),
		       COALESCE(SUM(d.refusals), 0)
		FROM daily_metrics d
		JOIN managers m ON m.id = d.manager_id
		WHERE d.date BETWEEN $1 AND $2
		GROUP BY m.chat_id, m.full_name
		ORDER BY 4 DESC`,
		dateOnly(from), dateOnly(to),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: weekly summary: %w", err)
	}
	defer rows.Close()

	var out []WeeklyRow
	for rows.Next() {
		var r WeeklyRow
		if err := rows.Scan(&r.ChatID, &r.FullName, &r.DaysReported, &r.Revenue, &r.NewClients, &r.Renewals, &r.Refusals); err != nil {
			return nil, fmt.Errorf("storage: scan weekly row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
