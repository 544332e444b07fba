package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salemetry/salemetry/internal/aggregate"
	"github.com/salemetry/salemetry/internal/model"
	"github.com/salemetry/salemetry/internal/storage"
	"github.com/salemetry/salemetry/internal/testutil"
)

type fakeIntakeStore struct {
	managers  map[string]*storage.Manager
	record    *model.MetricsRecord
	ensureErr error
}

func (s *fakeIntakeStore) EnsureManager(_ context.Context, chatID, fullName, username string) (*storage.Manager, error) {
	if s.ensureErr != nil {
		return nil, s.ensureErr
	}
	if s.managers == nil {
		s.managers = make(map[string]*storage.Manager)
	}
	m, ok := s.managers[chatID]
	if !ok {
		m = &storage.Manager{ChatID: chatID, Active: true}
		s.managers[chatID] = m
	}
	if fullName != "" {
		m.FullName = fullName
	}
	if username != "" {
		m.Username = username
	}
	return m, nil
}

func (s *fakeIntakeStore) GetRecord(_ context.Context, _ model.RecordKey) (*model.MetricsRecord, error) {
	if s.record == nil {
		return nil, storage.ErrNotFound
	}
	return s.record, nil
}

type fakeExtractor struct {
	result *model.ParseResult
	err    error
}

func (f *fakeExtractor) Parse(_ context.Context, _ model.InboundMessage) (*model.ParseResult, error) {
	return f.result, f.err
}

type fakeApplier struct {
	statuses []aggregate.Status
	applied  []model.Event
}

func (f *fakeApplier) Apply(_ context.Context, events []model.Event) []aggregate.Outcome {
	f.applied = append(f.applied, events...)
	out := make([]aggregate.Outcome, len(events))
	for i, ev := range events {
		status := aggregate.StatusApplied
		if i < len(f.statuses) {
			status = f.statuses[i]
		}
		out[i] = aggregate.Outcome{Event: ev, Status: status, Reason: "stub reason"}
	}
	return out
}

func intakeEvent(kind model.EventKind) model.Event {
	return model.Event{
		MessageID:     "msg-1",
		FragmentIndex: 0,
		Kind:          kind,
		Actor:         "chat-42",
		OccurredAt:    time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		Count:         1,
		ClientName:    "Петров",
	}
}

func inbound(text string) model.InboundMessage {
	return model.InboundMessage{MessageID: "msg-1", Sender: "chat-42", Text: text, ReceivedAt: time.Now()}
}

func TestHandleMessage(t *testing.T) {
	store := &fakeIntakeStore{}
	renewal := intakeEvent(model.KindRenewal)
	renewal.HasAmount = true
	renewal.Amount = decimal.NewFromInt(3500)
	extractor := &fakeExtractor{result: &model.ParseResult{Events: []model.Event{renewal}}}
	applier := &fakeApplier{}

	svc := New(store, extractor, applier, testutil.TestLogger(), time.UTC)
	reply, err := svc.HandleMessage(context.Background(), inbound("Продлил Петров за 3500"), "Анна", "anna")
	require.NoError(t, err)

	assert.Equal(t, 1, reply.Applied)
	assert.Zero(t, reply.Rejected)
	assert.Contains(t, reply.Text, "Записал:")
	assert.Contains(t, reply.Text, "продление")
	assert.Contains(t, reply.Text, "Петров")
	assert.Contains(t, reply.Text, "3500.00 ₽")

	require.Len(t, applier.applied, 1)
	m := store.managers["chat-42"]
	require.NotNil(t, m, "sender is upserted before parsing")
	assert.Equal(t, "Анна", m.FullName)
}

func TestHandleMessageMixedOutcomes(t *testing.T) {
	store := &fakeIntakeStore{}
	extractor := &fakeExtractor{result: &model.ParseResult{
		Events: []model.Event{
			intakeEvent(model.KindNewDialogue),
			intakeEvent(model.KindRefusal),
			intakeEvent(model.KindRenewal),
		},
		Rejected: []model.Rejection{{Fragment: "ушёл домой", Reason: "unknown action"}},
	}}
	applier := &fakeApplier{statuses: []aggregate.Status{
		aggregate.StatusApplied, aggregate.StatusDuplicate, aggregate.StatusFailed,
	}}

	svc := New(store, extractor, applier, testutil.TestLogger(), time.UTC)
	reply, err := svc.HandleMessage(context.Background(), inbound("много всего"), "", "")
	require.NoError(t, err)

	assert.Equal(t, 1, reply.Applied)
	assert.Equal(t, 1, reply.Duplicates)
	assert.Equal(t, 1, reply.Failed)
	assert.Equal(t, 1, reply.Rejected)
	assert.Contains(t, reply.Text, "уже было учтено")
	assert.Contains(t, reply.Text, "не сохранилось")
	assert.Contains(t, reply.Text, "ушёл домой")
}

func TestHandleMessageNothingRecognized(t *testing.T) {
	store := &fakeIntakeStore{}
	extractor := &fakeExtractor{result: &model.ParseResult{Empty: true}}
	applier := &fakeApplier{}

	svc := New(store, extractor, applier, testutil.TestLogger(), time.UTC)
	reply, err := svc.HandleMessage(context.Background(), inbound("доброе утро"), "", "")
	require.NoError(t, err)
	assert.Zero(t, reply.Applied)
	assert.Contains(t, reply.Text, "Не нашёл")
	assert.Empty(t, applier.applied, "nothing goes to the engine")
}

func TestHandleMessageInfrastructureErrors(t *testing.T) {
	t.Run("manager upsert failure", func(t *testing.T) {
		store := &fakeIntakeStore{ensureErr: errors.New("db down")}
		svc := New(store, &fakeExtractor{}, &fakeApplier{}, testutil.TestLogger(), time.UTC)
		_, err := svc.HandleMessage(context.Background(), inbound("текст"), "", "")
		require.ErrorContains(t, err, "ensure manager")
	})

	t.Run("parse infrastructure failure", func(t *testing.T) {
		store := &fakeIntakeStore{}
		svc := New(store, &fakeExtractor{err: errors.New("boom")}, &fakeApplier{}, testutil.TestLogger(), time.UTC)
		_, err := svc.HandleMessage(context.Background(), inbound("текст"), "", "")
		require.ErrorContains(t, err, "parse")
	})
}

func TestDailyStats(t *testing.T) {
	key := model.RecordKey{Actor: "chat-42", Date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)}
	rec := model.NewMetricsRecord(key)
	rec.Totals[model.MetricNewClients] = decimal.NewFromInt(2)
	rec.Totals[model.MetricTotalRevenue] = decimal.RequireFromString("4500.5")

	store := &fakeIntakeStore{record: rec}
	svc := New(store, &fakeExtractor{}, &fakeApplier{}, testutil.TestLogger(), time.UTC)

	stats, err := svc.DailyStats(context.Background(), "chat-42", key.Date)
	require.NoError(t, err)
	assert.Contains(t, stats, "Показатели за 14.03.2026")
	assert.Contains(t, stats, "Новых клиентов: 2")
	assert.Contains(t, stats, "Выручка: 4500.50 ₽")
	assert.NotContains(t, stats, "Отказов", "zero metrics stay out of the digest")
}

func TestDailyStatsNoRecord(t *testing.T) {
	svc := New(&fakeIntakeStore{}, &fakeExtractor{}, &fakeApplier{}, testutil.TestLogger(), time.UTC)
	stats, err := svc.DailyStats(context.Background(), "chat-42", time.Now())
	require.NoError(t, err)
	assert.Empty(t, stats)
}
