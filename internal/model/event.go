// Package model defines the typed vocabulary of sales actions, the daily
// metrics catalog, and the mapping from actions to additive metric deltas.
//
// The event kind set is closed: downstream components switch exhaustively
// over EventKind and never inspect free text. Adding a trackable action
// means adding one kind here plus its schema and contribution mapping.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventKind is the category of a sales action extracted from a message.
type EventKind string

const (
	// KindNewDialogue is plain client communication with no transaction.
	KindNewDialogue EventKind = "new_dialogue"
	// KindNewClient is a first purchase by a brand-new client.
	KindNewClient EventKind = "new_client"
	// KindActiveClient is a touch with an existing paying client.
	KindActiveClient EventKind = "active_client"
	// KindNewcomerContact is outreach to a newcomer without a purchase.
	KindNewcomerContact EventKind = "newcomer_contact"
	// KindNewcomerPurchase is a purchase made by a newcomer after outreach.
	KindNewcomerPurchase EventKind = "newcomer_purchase"
	// KindRenewal is an existing client extending a subscription.
	KindRenewal EventKind = "renewal"
	// KindRenewalReminder is a renewal offer message sent to clients.
	KindRenewalReminder EventKind = "renewal_reminder"
	// KindRefusal is a client declining a purchase or renewal.
	KindRefusal EventKind = "refusal"
	// KindSilentClientSMS is an SMS nudge to a long-silent client.
	KindSilentClientSMS EventKind = "silent_client_sms"
	// KindBonusGiven is a bonus or discount handed to a client.
	KindBonusGiven EventKind = "bonus_given"
	// KindReviewReceived is a client review collected by the manager.
	KindReviewReceived EventKind = "review_received"
	// KindProductSale is a sale of one or more concrete products.
	KindProductSale EventKind = "product_sale"
)

// Kinds lists every event kind. Order is stable for prompt construction.
func Kinds() []EventKind {
	return []EventKind{
		KindNewDialogue,
		KindNewClient,
		KindActiveClient,
		KindNewcomerContact,
		KindNewcomerPurchase,
		KindRenewal,
		KindRenewalReminder,
		KindRefusal,
		KindSilentClientSMS,
		KindBonusGiven,
		KindReviewReceived,
		KindProductSale,
	}
}

// Valid reports whether k is a member of the closed kind set.
func (k EventKind) Valid() bool {
	switch k {
	case KindNewDialogue, KindNewClient, KindActiveClient, KindNewcomerContact,
		KindNewcomerPurchase, KindRenewal, KindRenewalReminder, KindRefusal,
		KindSilentClientSMS, KindBonusGiven, KindReviewReceived, KindProductSale:
		return true
	}
	return false
}

// Event is an immutable sales action extracted from one message fragment.
//
// MessageID plus FragmentIndex identify the source fragment and drive
// duplicate suppression in the aggregation engine: re-applying the same
// fragment is a no-op.
type Event struct {
	ID            uuid.UUID
	MessageID     string
	FragmentIndex int
	Kind          EventKind
	Actor         string // manager chat id, opaque and stable
	OccurredAt    time.Time
	Amount        decimal.Decimal // zero when the action carries no money
	HasAmount     bool
	Products      []Product // required non-empty for product sales
	Count         int       // positive multiplier, 1 when unspecified
	ClientName    string
	NewClient     bool // sale or renewal attributed to a newcomer
	RawText       string
}

// Validate checks the fixed required-field schema for the event's kind.
// An event that fails validation must never reach the aggregation engine.
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("model: unknown event kind %q", e.Kind)
	}
	if e.Actor == "" {
		return fmt.Errorf("model: event %s: actor is required", e.Kind)
	}
	if e.MessageID == "" {
		return fmt.Errorf("model: event %s: message id is required", e.Kind)
	}
	if e.FragmentIndex < 0 {
		return fmt.Errorf("model: event %s: fragment index must be non-negative", e.Kind)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("model: event %s: occurred_at is required", e.Kind)
	}
	if e.Count < 1 {
		return fmt.Errorf("model: event %s: count must be at least 1, got %d", e.Kind, e.Count)
	}
	if e.HasAmount && e.Amount.IsNegative() {
		return fmt.Errorf("model: event %s: amount must be non-negative, got %s", e.Kind, e.Amount)
	}
	for _, p := range e.Products {
		if !p.Valid() {
			return fmt.Errorf("model: event %s: unknown product %q", e.Kind, p)
		}
	}

	switch e.Kind {
	case KindProductSale:
		if len(e.Products) == 0 {
			return fmt.Errorf("model: product sale requires at least one product")
		}
		if !e.HasAmount {
			return fmt.Errorf("model: product sale requires an amount")
		}
	}
	return nil
}

// Day returns the calendar date of the event in loc, used as the
// aggregation bucket key.
func (e Event) Day(loc *time.Location) time.Time {
	t := e.OccurredAt.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
