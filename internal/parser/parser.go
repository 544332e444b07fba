// Package parser turns one free-text manager message into zero or more
// typed sales events.
//
// Language understanding is delegated to an external inference call behind
// the Inferencer interface; this package owns the instruction template, the
// response schema, per-candidate validation, and the bounded retry policy
// for hard upstream failures.
package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/salemetry/salemetry/internal/model"
)

// ErrInferenceFailed is returned by Inferencer implementations for hard
// upstream failures (transport error, rate limit, non-2xx). The parser
// retries these; anything else is treated as a decoded response.
var ErrInferenceFailed = errors.New("parser: inference call failed")

// Inferencer submits a system prompt plus the raw message to a language
// model and returns its textual response. Implementations must be safe for
// concurrent use. Tests substitute a stub.
type Inferencer interface {
	Infer(ctx context.Context, system, user string) (string, error)
}

// Options bound the retry policy and the confidence gate.
type Options struct {
	MaxRetries    int           // retries after the first attempt
	BaseDelay     time.Duration // first backoff step, doubled per attempt
	MinConfidence float64       // candidates below this are rejected
}

// DefaultOptions match the production configuration.
func DefaultOptions() Options {
	return Options{
		MaxRetries:    3,
		BaseDelay:     500 * time.Millisecond,
		MinConfidence: 0.3,
	}
}

// Parser maps inbound messages to ParseResults.
type Parser struct {
	inf    Inferencer
	logger *slog.Logger
	opts   Options
	system string // instruction template, built once
}

// New creates a parser. The instruction template is constructed here and
// never varies between calls, so identical messages produce identical
// prompts.
func New(inf Inferencer, logger *slog.Logger, opts Options) *Parser {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	return &Parser{
		inf:    inf,
		logger: logger,
		opts:   opts,
		system: buildSystemPrompt(),
	}
}

// candidate mirrors one element of the model's JSON response array.
type candidate struct {
	Action     string   `json:"action"`
	ClientName *string  `json:"client_name"`
	NewClient  *bool    `json:"new_client"`
	Products   []string `json:"products"`
	Amount     *float64 `json:"amount"`
	Count      *int     `json:"count"`
	Confidence *float64 `json:"confidence"`
	Fragment   string   `json:"fragment"`
}

// Parse extracts events from one message. Upstream failures are retried
// with jittered exponential backoff; after exhaustion the result is empty
// with a single rejection describing the total failure, and the error is
// nil — callers reply to the sender instead of crashing.
func (p *Parser) Parse(ctx context.Context, msg model.InboundMessage) (*model.ParseResult, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return &model.ParseResult{
			Empty:    true,
			Rejected: []model.Rejection{{Fragment: msg.Text, Reason: "empty message"}},
		}, nil
	}

	raw, err := p.inferWithRetry(ctx, text)
	if err != nil {
		p.logger.Error("parser: inference exhausted retries", "message_id", msg.MessageID, "error", err)
		return &model.ParseResult{
			Empty:    true,
			Rejected: []model.Rejection{{Fragment: text, Reason: "could not reach the message parser, nothing was recorded"}},
		}, nil
	}

	cands, err := decodeCandidates(raw)
	if err != nil {
		p.logger.Warn("parser: undecodable response", "message_id", msg.MessageID, "error", err)
		return &model.ParseResult{
			Empty:    true,
			Rejected: []model.Rejection{{Fragment: text, Reason: "the parser returned an unreadable answer, nothing was recorded"}},
		}, nil
	}

	result := &model.ParseResult{}
	for i, c := range cands {
		ev, reason := p.buildEvent(msg, i, c)
		if reason != "" {
			result.Rejected = append(result.Rejected, model.Rejection{
				FragmentIndex: i,
				Fragment:      fragmentText(c, text),
				Reason:        reason,
			})
			continue
		}
		result.Events = append(result.Events, ev)
	}
	result.Empty = len(result.Events) == 0 && len(result.Rejected) == 0
	return result, nil
}

// inferWithRetry retries hard failures only. A response that decoded but
// scored poorly is never re-submitted: the first attempt may have been
// recorded upstream, and re-submission risks duplicate events.
func (p *Parser) inferWithRetry(ctx context.Context, text string) (string, error) {
	delay := p.opts.BaseDelay
	var err error
	for attempt := 0; attempt <= p.opts.MaxRetries; attempt++ {
		var raw string
		raw, err = p.inf.Infer(ctx, p.system, text)
		if err == nil {
			return raw, nil
		}
		if attempt == p.opts.MaxRetries {
			break
		}
		p.logger.Warn("parser: inference attempt failed", "attempt", attempt+1, "error", err)
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // backoff jitter
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return "", err
}

// buildEvent validates and converts one candidate. A non-empty reason
// demotes the candidate to the rejection list.
func (p *Parser) buildEvent(msg model.InboundMessage, idx int, c candidate) (model.Event, string) {
	kind := model.EventKind(strings.ToLower(strings.TrimSpace(c.Action)))
	if !kind.Valid() {
		return model.Event{}, fmt.Sprintf("unknown action %q", c.Action)
	}

	if c.Confidence != nil && *c.Confidence < p.opts.MinConfidence {
		return model.Event{}, fmt.Sprintf("parser confidence %.2f below threshold", *c.Confidence)
	}

	ev := model.Event{
		ID:            uuid.New(),
		MessageID:     msg.MessageID,
		FragmentIndex: idx,
		Kind:          kind,
		Actor:         msg.Sender,
		OccurredAt:    msg.ReceivedAt,
		Count:         1,
		RawText:       fragmentText(c, msg.Text),
	}
	if c.ClientName != nil {
		ev.ClientName = strings.TrimSpace(*c.ClientName)
	}
	if c.NewClient != nil {
		ev.NewClient = *c.NewClient
	}
	if c.Count != nil && *c.Count >= 1 {
		ev.Count = *c.Count
	}
	if c.Amount != nil && *c.Amount >= 0 {
		ev.Amount = decimal.NewFromFloat(*c.Amount)
		ev.HasAmount = true
	}
	for _, name := range c.Products {
		prod, ok := NormalizeProduct(name)
		if !ok {
			p.logger.Warn("parser: unknown product dropped", "product", name)
			continue
		}
		ev.Products = append(ev.Products, prod)
	}

	if err := ev.Validate(); err != nil {
		return model.Event{}, err.Error()
	}
	return ev, ""
}

func fragmentText(c candidate, whole string) string {
	if f := strings.TrimSpace(c.Fragment); f != "" {
		return f
	}
	return whole
}

// decodeCandidates accepts a strict JSON array, a single JSON object, or
// either of those embedded in fenced or chatty output.
func decodeCandidates(raw string) ([]candidate, error) {
	raw = strings.TrimSpace(raw)

	var arr []candidate
	if err := json.Unmarshal([]byte(raw), &arr); err == nil {
		return arr, nil
	}
	var single candidate
	if err := json.Unmarshal([]byte(raw), &single); err == nil && single.Action != "" {
		return []candidate{single}, nil
	}

	if extracted, ok := extractJSON(raw, '[', ']'); ok {
		if err := json.Unmarshal([]byte(extracted), &arr); err == nil {
			return arr, nil
		}
	}
	if extracted, ok := extractJSON(raw, '{', '}'); ok {
		if err := json.Unmarshal([]byte(extracted), &single); err == nil && single.Action != "" {
			return []candidate{single}, nil
		}
	}
	return nil, fmt.Errorf("parser: no JSON payload in response")
}

// extractJSON returns the outermost lb..rb span of raw.
func extractJSON(raw string, lb, rb byte) (string, bool) {
	start := strings.IndexByte(raw, lb)
	end := strings.LastIndexByte(raw, rb)
	if start == -1 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}
