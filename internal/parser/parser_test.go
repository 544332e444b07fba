package parser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salemetry/salemetry/internal/model"
	"github.com/salemetry/salemetry/internal/testutil"
)

// stubInferencer replays canned responses and records call counts.
type stubInferencer struct {
	responses []string
	errs      []error
	calls     int
}

func (s *stubInferencer) Infer(_ context.Context, _, _ string) (string, error) {
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return "[]", nil
}

func newTestParser(inf Inferencer) *Parser {
	opts := DefaultOptions()
	opts.BaseDelay = time.Millisecond
	return New(inf, testutil.TestLogger(), opts)
}

func testMessage(text string) model.InboundMessage {
	return model.InboundMessage{
		MessageID:  "msg-1",
		Sender:     "chat-42",
		Text:       text,
		ReceivedAt: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

func TestParseMultiAction(t *testing.T) {
	inf := &stubInferencer{responses: []string{`[
		{"action": "renewal", "client_name": "Петров", "products": ["вб", "маркетгуру"], "amount": 3500, "count": 1, "confidence": 0.9, "fragment": "Продлил Петров вб + маркетгуру за 3500"},
		{"action": "refusal", "client_name": "Сидоров", "count": 1, "confidence": 0.85, "fragment": "отказ от Сидорова"}
	]`}}

	res, err := newTestParser(inf).Parse(context.Background(), testMessage("Продлил Петров вб + маркетгуру за 3500, отказ от Сидорова"))
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Len(t, res.Events, 2)
	assert.Empty(t, res.Rejected)

	renewal := res.Events[0]
	assert.Equal(t, model.KindRenewal, renewal.Kind)
	assert.Equal(t, "chat-42", renewal.Actor)
	assert.Equal(t, "msg-1", renewal.MessageID)
	assert.Equal(t, 0, renewal.FragmentIndex)
	assert.Equal(t, "Петров", renewal.ClientName)
	assert.True(t, renewal.HasAmount)
	assert.Equal(t, "3500", renewal.Amount.String())
	assert.Equal(t, []model.Product{model.ProductWildberries, model.ProductMarketGuru}, renewal.Products)

	refusal := res.Events[1]
	assert.Equal(t, model.KindRefusal, refusal.Kind)
	assert.Equal(t, 1, refusal.FragmentIndex)
	assert.False(t, refusal.HasAmount)
}

func TestParsePartialSuccess(t *testing.T) {
	inf := &stubInferencer{responses: []string{`[
		{"action": "new_dialogue", "count": 3, "confidence": 0.9, "fragment": "пообщался с тремя"},
		{"action": "went_home", "confidence": 0.9, "fragment": "ушёл домой"},
		{"action": "refusal", "count": 1, "confidence": 0.1, "fragment": "вроде отказ"}
	]`}}

	res, err := newTestParser(inf).Parse(context.Background(), testMessage("пообщался с тремя, ушёл домой, вроде отказ"))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, model.KindNewDialogue, res.Events[0].Kind)
	assert.Equal(t, 3, res.Events[0].Count)

	require.Len(t, res.Rejected, 2)
	assert.Contains(t, res.Rejected[0].Reason, "unknown action")
	assert.Equal(t, "ушёл домой", res.Rejected[0].Fragment)
	assert.Contains(t, res.Rejected[1].Reason, "below threshold")
	assert.False(t, res.Empty)
}

func TestParseEmptyMessage(t *testing.T) {
	inf := &stubInferencer{}
	res, err := newTestParser(inf).Parse(context.Background(), testMessage("   "))
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.False(t, res.OK())
	assert.Equal(t, 0, inf.calls, "empty message must not reach inference")
}

func TestParseRetriesHardFailures(t *testing.T) {
	inf := &stubInferencer{
		errs:      []error{ErrInferenceFailed, ErrInferenceFailed},
		responses: []string{"", "", `[{"action": "new_dialogue", "count": 1, "confidence": 0.9, "fragment": "диалог"}]`},
	}

	res, err := newTestParser(inf).Parse(context.Background(), testMessage("диалог"))
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, 3, inf.calls)
}

func TestParseRetryExhaustion(t *testing.T) {
	inf := &stubInferencer{errs: []error{
		ErrInferenceFailed, ErrInferenceFailed, ErrInferenceFailed, ErrInferenceFailed, ErrInferenceFailed,
	}}
	p := New(inf, testutil.TestLogger(), Options{MaxRetries: 2, BaseDelay: time.Millisecond})

	res, err := p.Parse(context.Background(), testMessage("диалог"))
	require.NoError(t, err, "exhaustion is reported to the sender, not as an error")
	assert.True(t, res.Empty)
	require.Len(t, res.Rejected, 1)
	assert.Contains(t, res.Rejected[0].Reason, "nothing was recorded")
	assert.Equal(t, 3, inf.calls, "initial attempt plus two retries")
}

func TestParseUndecodableResponse(t *testing.T) {
	inf := &stubInferencer{responses: []string{"к сожалению, я не понял сообщение"}}
	res, err := newTestParser(inf).Parse(context.Background(), testMessage("что-то"))
	require.NoError(t, err)
	assert.True(t, res.Empty)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, 1, inf.calls, "a decoded-but-useless response is never re-submitted")
}

func TestParseContextCancelledDuringBackoff(t *testing.T) {
	inf := &stubInferencer{errs: []error{errors.New("boom"), errors.New("boom")}}
	p := New(inf, testutil.TestLogger(), Options{MaxRetries: 3, BaseDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := p.Parse(ctx, testMessage("диалог"))
	require.NoError(t, err)
	assert.True(t, res.Empty)
}

func TestDecodeCandidates(t *testing.T) {
	t.Run("strict array", func(t *testing.T) {
		cands, err := decodeCandidates(`[{"action": "refusal"}]`)
		require.NoError(t, err)
		require.Len(t, cands, 1)
		assert.Equal(t, "refusal", cands[0].Action)
	})

	t.Run("single object", func(t *testing.T) {
		cands, err := decodeCandidates(`{"action": "renewal"}`)
		require.NoError(t, err)
		require.Len(t, cands, 1)
	})

	t.Run("fenced markdown array", func(t *testing.T) {
		cands, err := decodeCandidates("Вот результат:\n```json\n[{\"action\": \"new_client\"}]\n```\nГотово.")
		require.NoError(t, err)
		require.Len(t, cands, 1)
		assert.Equal(t, "new_client", cands[0].Action)
	})

	t.Run("empty array", func(t *testing.T) {
		cands, err := decodeCandidates(`[]`)
		require.NoError(t, err)
		assert.Empty(t, cands)
	})

	t.Run("no payload", func(t *testing.T) {
		_, err := decodeCandidates("ничего не нашёл")
		require.Error(t, err)
	})
}

func TestNormalizeProduct(t *testing.T) {
	tests := []struct {
		in   string
		want model.Product
		ok   bool
	}{
		{"mpstats", model.ProductMPStats, true},
		{"МПстатс", model.ProductMPStats, true},
		{"мпстатса", model.ProductMPStats, true}, // inflected form
		{"ВБ", model.ProductWildberries, true},
		{"вайлдберриса", model.ProductWildberries, true},
		{" marketguru ", model.ProductMarketGuru, true},
		{"маниплейс", model.ProductManiplace, true},
		{"ozon", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeProduct(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got, "input %q", tt.in)
		}
	}
}

func TestSystemPromptIsDeterministic(t *testing.T) {
	a, b := buildSystemPrompt(), buildSystemPrompt()
	assert.Equal(t, a, b)
	for _, k := range model.Kinds() {
		assert.Contains(t, a, string(k))
	}
}
