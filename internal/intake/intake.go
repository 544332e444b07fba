// Package intake is the message-facing boundary: it receives one raw
// status message from a manager, runs it through the parser and the
// aggregation engine, and renders the confirmation the manager reads
// back. Replies are in Russian because that is the language the team
// reports in.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/salemetry/salemetry/internal/aggregate"
	"github.com/salemetry/salemetry/internal/model"
	"github.com/salemetry/salemetry/internal/storage"
)

// Extractor turns one inbound message into typed events. *parser.Parser
// satisfies it.
type Extractor interface {
	Parse(ctx context.Context, msg model.InboundMessage) (*model.ParseResult, error)
}

// Applier folds events into the daily records. *aggregate.Engine
// satisfies it.
type Applier interface {
	Apply(ctx context.Context, events []model.Event) []aggregate.Outcome
}

// Store is the slice of persistence intake needs. *storage.DB satisfies it.
type Store interface {
	EnsureManager(ctx context.Context, chatID, fullName, username string) (*storage.Manager, error)
	GetRecord(ctx context.Context, key model.RecordKey) (*model.MetricsRecord, error)
}

type Service struct {
	store     Store
	extractor Extractor
	applier   Applier
	logger    *slog.Logger
	loc       *time.Location
}

func New(store Store, extractor Extractor, applier Applier, logger *slog.Logger, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:     store,
		extractor: extractor,
		applier:   applier,
		logger:    logger,
		loc:       loc,
	}
}

// Reply is what the sender gets back: a human-readable confirmation plus
// the per-fragment accounting, so callers can decide how much to surface.
type Reply struct {
	Text       string
	Applied    int
	Duplicates int
	Rejected   int
	Failed     int
}

// HandleMessage runs the full pipeline for one message. The manager row
// is upserted first so a brand-new sender works without onboarding. The
// returned error covers infrastructure failures only; a message that
// parsed to nothing is a normal Reply, not an error.
func (s *Service) HandleMessage(ctx context.Context, msg model.InboundMessage, fullName, username string) (*Reply, error) {
	if _, err := s.store.EnsureManager(ctx, msg.Sender, fullName, username); err != nil {
		return nil, fmt.Errorf("intake: ensure manager: %w", err)
	}

	res, err := s.extractor.Parse(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("intake: parse: %w", err)
	}
	if res.Empty || len(res.Events) == 0 {
		s.logger.Info("intake: nothing recognized",
			"message_id", msg.MessageID, "sender", msg.Sender, "rejected", len(res.Rejected))
		return &Reply{Text: emptyReply(res), Rejected: len(res.Rejected)}, nil
	}

	outcomes := s.applier.Apply(ctx, res.Events)

	reply := &Reply{Rejected: len(res.Rejected)}
	for _, o := range outcomes {
		switch o.Status {
		case aggregate.StatusApplied:
			reply.Applied++
		case aggregate.StatusDuplicate:
			reply.Duplicates++
		case aggregate.StatusRejected:
			reply.Rejected++
		case aggregate.StatusFailed:
			reply.Failed++
		}
	}
	reply.Text = formatConfirmation(outcomes, res.Rejected)

	s.logger.Info("intake: message processed",
		"message_id", msg.MessageID, "sender", msg.Sender,
		"applied", reply.Applied, "duplicates", reply.Duplicates,
		"rejected", reply.Rejected, "failed", reply.Failed,
	)
	return reply, nil
}

// DailyStats renders the running totals of one manager's day. Used in the
// pre-export reminder and available to the manager on demand. Returns ""
// when the day has no record yet.
func (s *Service) DailyStats(ctx context.Context, chatID string, date time.Time) (string, error) {
	rec, err := s.store.GetRecord(ctx, model.RecordKey{Actor: chatID, Date: date})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("intake: daily stats: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Показатели за %s:\n", date.Format("02.01.2006"))
	for _, name := range model.MetricNames() {
		v := rec.Total(name)
		if v.IsZero() {
			continue
		}
		if name.Monetary() {
			fmt.Fprintf(&b, "• %s: %s ₽\n", metricTitle(name), v.StringFixed(2))
		} else {
			fmt.Fprintf(&b, "• %s: %s\n", metricTitle(name), v.String())
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func emptyReply(res *model.ParseResult) string {
	if len(res.Rejected) == 0 {
		return "Не нашёл в сообщении данных для учёта. Напишите, что сделали: диалоги, продажи, продления."
	}
	var b strings.Builder
	b.WriteString("Не смог разобрать сообщение:\n")
	for _, r := range res.Rejected {
		fmt.Fprintf(&b, "• %q — %s\n", truncate(r.Fragment, 60), r.Reason)
	}
	b.WriteString("Попробуйте переформулировать.")
	return b.String()
}

// formatConfirmation echoes back what was recorded, line per event, so
// a manager can spot a misread before the nightly export.
func formatConfirmation(outcomes []aggregate.Outcome, rejected []model.Rejection) string {
	var b strings.Builder
	b.WriteString("Записал:\n")
	for _, o := range outcomes {
		switch o.Status {
		case aggregate.StatusApplied:
			fmt.Fprintf(&b, "✅ %s\n", describeEvent(o.Event))
		case aggregate.StatusDuplicate:
			fmt.Fprintf(&b, "↺ %s — уже было учтено\n", describeEvent(o.Event))
		case aggregate.StatusRejected:
			fmt.Fprintf(&b, "⚠️ %s — отклонено: %s\n", describeEvent(o.Event), o.Reason)
		case aggregate.StatusFailed:
			fmt.Fprintf(&b, "❌ %s — не сохранилось, повторите позже\n", describeEvent(o.Event))
		}
	}
	for _, r := range rejected {
		fmt.Fprintf(&b, "⚠️ %q — %s\n", truncate(r.Fragment, 60), r.Reason)
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeEvent(ev model.Event) string {
	label := kindLabels[ev.Kind]
	if label == "" {
		label = string(ev.Kind)
	}
	parts := []string{label}
	if ev.Count > 1 {
		parts = append(parts, fmt.Sprintf("×%d", ev.Count))
	}
	if len(ev.Products) > 0 {
		names := make([]string, len(ev.Products))
		for i, p := range ev.Products {
			names[i] = string(p)
		}
		parts = append(parts, strings.Join(names, "+"))
	}
	if ev.ClientName != "" {
		parts = append(parts, ev.ClientName)
	}
	if ev.HasAmount {
		parts = append(parts, ev.Amount.StringFixed(2)+" ₽")
	}
	return strings.Join(parts, ", ")
}

var kindLabels = map[model.EventKind]string{
	model.KindNewDialogue:      "новый диалог",
	model.KindNewClient:        "новый клиент",
	model.KindActiveClient:     "активный клиент",
	model.KindNewcomerContact:  "связался с новичком",
	model.KindNewcomerPurchase: "покупка новичка",
	model.KindRenewal:          "продление",
	model.KindRenewalReminder:  "напоминание о продлении",
	model.KindRefusal:          "отказ",
	model.KindSilentClientSMS:  "SMS молчуну",
	model.KindBonusGiven:       "бонус выдан",
	model.KindReviewReceived:   "получен отзыв",
	model.KindProductSale:      "продажа",
}

var metricTitles = map[model.MetricName]string{
	model.MetricTotalDialogs:           "Диалогов всего",
	model.MetricNewClients:             "Новых клиентов",
	model.MetricActiveClients:          "Активных клиентов",
	model.MetricNewcomersContacted:     "Связались с новичками",
	model.MetricNewcomersPurchased:     "Новички с покупкой",
	model.MetricRenewalMessagesSent:    "Напоминаний о продлении",
	model.MetricClientsRenewed:         "Продлений",
	model.MetricRefusals:               "Отказов",
	model.MetricSMSSilentClients:       "SMS молчунам",
	model.MetricBonusesGiven:           "Бонусов выдано",
	model.MetricReviewsReceived:        "Отзывов получено",
	model.MetricTotalRevenue:           "Выручка",
	model.MetricNewcomerRevenue:        "Выручка с новичков",
	model.MetricMPStatsSold:            "MPStats",
	model.MetricWildberriesSold:        "Wildberries",
	model.MetricMarketGuruSold:         "MarketGuru",
	model.MetricManiplaceSold:          "Maniplace",
	model.MetricMPStatsMarketGuruSold:  "MPStats+MarketGuru",
	model.MetricMPStatsWildberriesSold: "MPStats+Wildberries",
	model.MetricMPStatsManiplaceSold:   "MPStats+Maniplace",
}

func metricTitle(name model.MetricName) string {
	if t, ok := metricTitles[name]; ok {
		return t
	}
	return string(name)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
