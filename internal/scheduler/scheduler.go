// Package scheduler drives the time-based cycles: the pre-export reminder,
// the nightly spreadsheet export, and the weekly summary. Nothing here is
// persisted; on restart the next wake-up is recomputed from the clock and
// the dirty markers in storage, so a crash between reminder and export
// resumes at the export, and an export interrupted midway simply re-runs
// over whatever is still dirty.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/salemetry/salemetry/internal/export"
	"github.com/salemetry/salemetry/internal/model"
	"github.com/salemetry/salemetry/internal/notify"
	"github.com/salemetry/salemetry/internal/storage"
)

// Store is the persistence surface the scheduler reads. *storage.DB
// satisfies it.
type Store interface {
	ManagersWithDirtyRecords(ctx context.Context, date time.Time) ([]storage.Manager, error)
	WeeklySummary(ctx context.Context, from, to time.Time) ([]storage.WeeklyRow, error)
}

// Runner executes one export pass for a date. *export.Exporter satisfies it.
type Runner interface {
	Run(ctx context.Context, date time.Time) (export.Result, error)
}

// Stats renders the running daily totals for one manager, used in the
// reminder so a manager sees what is about to be exported.
type Stats interface {
	DailyStats(ctx context.Context, chatID string, date time.Time) (string, error)
}

// Options fix the daily and weekly wake-up times. All clock fields are
// interpreted in Loc.
type Options struct {
	ExportHour, ExportMinute int
	ReminderOffset           time.Duration // how long before export the reminder fires
	WeeklyWeekday            time.Weekday
	WeeklyHour, WeeklyMinute int
	RetryBackDays            int    // how many past days each export pass sweeps for leftovers
	AdminChatID              string // empty disables admin notifications
	Loc                      *time.Location
}

type Scheduler struct {
	store    Store
	exporter Runner
	stats    Stats
	notifier notify.Notifier
	clock    Clock
	logger   *slog.Logger
	opts     Options
}

func New(store Store, exporter Runner, stats Stats, notifier notify.Notifier, clock Clock, logger *slog.Logger, opts Options) *Scheduler {
	if opts.Loc == nil {
		opts.Loc = time.UTC
	}
	if opts.ReminderOffset <= 0 {
		opts.ReminderOffset = 30 * time.Minute
	}
	if opts.RetryBackDays < 0 {
		opts.RetryBackDays = 0
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Scheduler{
		store:    store,
		exporter: exporter,
		stats:    stats,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
		opts:     opts,
	}
}

// SetRunner wires the exporter after construction. The exporter and the
// scheduler reference each other (escalations flow back through the
// scheduler's admin channel), so one side has to be attached late.
// Call before Run.
func (s *Scheduler) SetRunner(r Runner) {
	s.exporter = r
}

type wakeKind int

const (
	wakeReminder wakeKind = iota
	wakeExport
	wakeWeekly
)

type wake struct {
	at   time.Time
	kind wakeKind
	day  time.Time // the civil date the pass targets
}

// Run blocks until ctx is cancelled, firing reminder, export and weekly
// passes at their configured times. A pass that overruns delays the next
// wake-up rather than overlapping it.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"export", fmt.Sprintf("%02d:%02d", s.opts.ExportHour, s.opts.ExportMinute),
		"reminder_offset", s.opts.ReminderOffset,
		"weekly", s.opts.WeeklyWeekday.String(),
		"tz", s.opts.Loc.String(),
	)
	for {
		now := s.clock.Now().In(s.opts.Loc)
		w := s.nextWake(now)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(w.at.Sub(now)):
		}
		switch w.kind {
		case wakeReminder:
			s.runReminder(ctx, w.day)
		case wakeExport:
			s.runExport(ctx, w.day)
		case wakeWeekly:
			s.runWeekly(ctx, w.day)
		}
	}
}

// nextWake picks the earliest upcoming cycle. Past points of today are
// skipped, which is what makes restarts safe: a process coming up after
// the reminder time but before the export goes straight to the export,
// and one coming up after the export waits for tomorrow (leftovers from
// the missed pass are swept by the back-day sweep).
func (s *Scheduler) nextWake(now time.Time) wake {
	exportAt := s.clockAt(now, s.opts.ExportHour, s.opts.ExportMinute)
	reminderAt := exportAt.Add(-s.opts.ReminderOffset)
	weeklyAt := s.nextWeekly(now)

	// The reminder announces the export that follows it, so it carries the
	// export's date even when the offset pushes the wake-up across midnight.
	candidates := []wake{
		{at: reminderAt, kind: wakeReminder, day: civilDate(exportAt)},
		{at: exportAt, kind: wakeExport, day: civilDate(exportAt)},
		{at: reminderAt.AddDate(0, 0, 1), kind: wakeReminder, day: civilDate(exportAt.AddDate(0, 0, 1))},
		{at: exportAt.AddDate(0, 0, 1), kind: wakeExport, day: civilDate(exportAt.AddDate(0, 0, 1))},
		{at: weeklyAt, kind: wakeWeekly, day: civilDate(weeklyAt)},
	}

	var best wake
	for _, c := range candidates {
		if !c.at.After(now) {
			continue
		}
		if best.at.IsZero() || c.at.Before(best.at) {
			best = c
		}
	}
	return best
}

func (s *Scheduler) nextWeekly(now time.Time) time.Time {
	at := s.clockAt(now, s.opts.WeeklyHour, s.opts.WeeklyMinute)
	for at.Weekday() != s.opts.WeeklyWeekday || !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

func (s *Scheduler) clockAt(now time.Time, hour, minute int) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, s.opts.Loc)
}

// runReminder pings every manager who still holds an unexported record for
// the day, including their current totals so they can flag a miss before
// the export. Send failures are logged and skipped; one unreachable chat
// must not silence the rest.
func (s *Scheduler) runReminder(ctx context.Context, day time.Time) {
	managers, err := s.store.ManagersWithDirtyRecords(ctx, day)
	if err != nil {
		s.logger.Error("scheduler: reminder query failed", "error", err)
		return
	}
	for _, m := range managers {
		text := fmt.Sprintf("Напоминание: через %d мин. данные за %s будут выгружены в таблицу.",
			int(s.opts.ReminderOffset.Minutes()), day.Format("02.01.2006"))
		if s.stats != nil {
			if body, err := s.stats.DailyStats(ctx, m.ChatID, day); err == nil && body != "" {
				text += "\n\n" + body
			}
		}
		if err := s.notifier.Notify(ctx, m.ChatID, text); err != nil {
			s.logger.Warn("scheduler: reminder send failed", "chat_id", m.ChatID, "error", err)
		}
	}
	s.logger.Info("scheduler: reminder pass done", "date", day.Format("2006-01-02"), "managers", len(managers))
}

// runExport exports the day and then sweeps the previous RetryBackDays
// days for leftovers: records whose sink write failed, or that went dirty
// again after export, get another chance each night until they succeed.
func (s *Scheduler) runExport(ctx context.Context, day time.Time) {
	if s.exporter == nil {
		return
	}
	total := export.Result{}
	for back := 0; back <= s.opts.RetryBackDays; back++ {
		date := day.AddDate(0, 0, -back)
		res, err := s.exporter.Run(ctx, date)
		if err != nil {
			s.logger.Error("scheduler: export pass failed", "date", date.Format("2006-01-02"), "error", err)
			continue
		}
		total.Exported += res.Exported
		total.Failed += res.Failed
		total.Skipped += res.Skipped
	}
	s.logger.Info("scheduler: export pass done",
		"date", day.Format("2006-01-02"),
		"exported", total.Exported, "failed", total.Failed, "skipped", total.Skipped,
	)
	s.notifyAdmin(ctx, fmt.Sprintf("Выгрузка за %s: записей %d, ошибок %d, отложено %d.",
		day.Format("02.01.2006"), total.Exported, total.Failed, total.Skipped))
}

// runWeekly reduces the trailing seven days into a per-manager digest for
// the admin chat. Read-only; never marks anything exported.
func (s *Scheduler) runWeekly(ctx context.Context, day time.Time) {
	from := day.AddDate(0, 0, -6)
	rows, err := s.store.WeeklySummary(ctx, from, day)
	if err != nil {
		s.logger.Error("scheduler: weekly summary failed", "error", err)
		return
	}
	s.notifyAdmin(ctx, formatWeekly(from, day, rows))
	s.logger.Info("scheduler: weekly summary sent", "managers", len(rows))
}

func (s *Scheduler) notifyAdmin(ctx context.Context, text string) {
	if s.opts.AdminChatID == "" {
		return
	}
	if err := s.notifier.Notify(ctx, s.opts.AdminChatID, text); err != nil {
		s.logger.Warn("scheduler: admin notification failed", "error", err)
	}
}

// Escalate is the Escalator wired into the exporter: once a record has
// failed enough consecutive nights, the admin is told instead of the
// counter silently climbing.
func (s *Scheduler) Escalate(ctx context.Context, key model.RecordKey, failures int) {
	s.notifyAdmin(ctx, fmt.Sprintf("Выгрузка записи %s за %s не проходит уже %d ночей подряд, нужно вмешательство.",
		key.Actor, key.Date.Format("02.01.2006"), failures))
}

func formatWeekly(from, to time.Time, rows []storage.WeeklyRow) string {
	text := fmt.Sprintf("Итоги недели %s — %s:\n", from.Format("02.01"), to.Format("02.01.2006"))
	if len(rows) == 0 {
		return text + "данных нет."
	}
	for i, r := range rows {
		name := r.FullName
		if name == "" {
			name = r.ChatID
		}
		text += fmt.Sprintf("%d. %s — выручка %s ₽, новых клиентов %d, продлений %d, отказов %d (дней с отчётами: %d)\n",
			i+1, name, r.Revenue.StringFixed(2), r.NewClients, r.Renewals, r.Refusals, r.DaysReported)
	}
	return text
}

func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
