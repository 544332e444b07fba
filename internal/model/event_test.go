package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent(kind EventKind) Event {
	ev := Event{
		MessageID:     "msg-1",
		FragmentIndex: 0,
		Kind:          kind,
		Actor:         "chat-42",
		OccurredAt:    time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		Count:         1,
	}
	if kind == KindProductSale {
		ev.Products = []Product{ProductMPStats}
		ev.Amount = decimal.NewFromInt(30000)
		ev.HasAmount = true
	}
	return ev
}

func TestEventValidate(t *testing.T) {
	t.Run("every kind validates with its required fields", func(t *testing.T) {
		for _, kind := range Kinds() {
			require.NoError(t, validEvent(kind).Validate(), "kind %s", kind)
		}
	})

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr string
	}{
		{
			name:    "unknown kind",
			mutate:  func(e *Event) { e.Kind = "coffee_break" },
			wantErr: "unknown event kind",
		},
		{
			name:    "missing actor",
			mutate:  func(e *Event) { e.Actor = "" },
			wantErr: "actor is required",
		},
		{
			name:    "missing message id",
			mutate:  func(e *Event) { e.MessageID = "" },
			wantErr: "message id is required",
		},
		{
			name:    "negative fragment index",
			mutate:  func(e *Event) { e.FragmentIndex = -1 },
			wantErr: "fragment index",
		},
		{
			name:    "zero occurred_at",
			mutate:  func(e *Event) { e.OccurredAt = time.Time{} },
			wantErr: "occurred_at",
		},
		{
			name:    "zero count",
			mutate:  func(e *Event) { e.Count = 0 },
			wantErr: "count must be at least 1",
		},
		{
			name: "negative amount",
			mutate: func(e *Event) {
				e.HasAmount = true
				e.Amount = decimal.NewFromInt(-5)
			},
			wantErr: "amount must be non-negative",
		},
		{
			name:    "unknown product",
			mutate:  func(e *Event) { e.Products = []Product{"ozon"} },
			wantErr: "unknown product",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent(KindNewDialogue)
			tt.mutate(&ev)
			err := ev.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("product sale requires products and amount", func(t *testing.T) {
		ev := validEvent(KindProductSale)
		ev.Products = nil
		require.ErrorContains(t, ev.Validate(), "at least one product")

		ev = validEvent(KindProductSale)
		ev.HasAmount = false
		require.ErrorContains(t, ev.Validate(), "requires an amount")
	})
}

func TestEventDay(t *testing.T) {
	moscow, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	// 22:10 UTC is already the next calendar day in Moscow (UTC+3).
	ev := validEvent(KindNewDialogue)
	ev.OccurredAt = time.Date(2026, 3, 14, 22, 10, 0, 0, time.UTC)

	utcDay := ev.Day(time.UTC)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), utcDay)

	mskDay := ev.Day(moscow)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, moscow), mskDay)
}

func TestKindsClosedSet(t *testing.T) {
	for _, k := range Kinds() {
		assert.True(t, k.Valid(), "kind %s", k)
	}
	assert.False(t, EventKind("").Valid())
	assert.False(t, EventKind("lunch").Valid())
}
