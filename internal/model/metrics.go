package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MetricName identifies one column of the daily metrics record.
type MetricName string

const (
	MetricTotalDialogs        MetricName = "total_dialogs"
	MetricNewClients          MetricName = "new_clients"
	MetricActiveClients       MetricName = "active_clients"
	MetricNewcomersContacted  MetricName = "newcomers_contacted"
	MetricNewcomersPurchased  MetricName = "newcomers_purchased"
	MetricRenewalMessagesSent MetricName = "renewal_messages_sent"
	MetricClientsRenewed      MetricName = "clients_renewed"
	MetricRefusals            MetricName = "refusals"
	MetricSMSSilentClients    MetricName = "sms_silent_clients"
	MetricBonusesGiven        MetricName = "bonuses_given"
	MetricReviewsReceived     MetricName = "reviews_received"

	MetricTotalRevenue    MetricName = "total_revenue"
	MetricNewcomerRevenue MetricName = "newcomer_revenue"

	MetricMPStatsSold     MetricName = "mpstats_sold"
	MetricWildberriesSold MetricName = "wildberries_sold"
	MetricMarketGuruSold  MetricName = "marketguru_sold"
	MetricManiplaceSold   MetricName = "maniplace_sold"

	MetricMPStatsMarketGuruSold  MetricName = "mpstats_marketguru_sold"
	MetricMPStatsWildberriesSold MetricName = "mpstats_wildberries_sold"
	MetricMPStatsManiplaceSold   MetricName = "mpstats_maniplace_sold"
)

// MetricNames lists every metric column in export order.
func MetricNames() []MetricName {
	return []MetricName{
		MetricTotalDialogs,
		MetricNewClients,
		MetricActiveClients,
		MetricNewcomersContacted,
		MetricNewcomersPurchased,
		MetricRenewalMessagesSent,
		MetricClientsRenewed,
		MetricRefusals,
		MetricSMSSilentClients,
		MetricBonusesGiven,
		MetricReviewsReceived,
		MetricTotalRevenue,
		MetricNewcomerRevenue,
		MetricMPStatsSold,
		MetricWildberriesSold,
		MetricMarketGuruSold,
		MetricManiplaceSold,
		MetricMPStatsMarketGuruSold,
		MetricMPStatsWildberriesSold,
		MetricMPStatsManiplaceSold,
	}
}

// Monetary reports whether the metric holds a money total rather than a count.
func (m MetricName) Monetary() bool {
	return m == MetricTotalRevenue || m == MetricNewcomerRevenue
}

// Contribution is one additive delta an event applies to a metrics record.
type Contribution struct {
	Metric MetricName
	Delta  decimal.Decimal
}

// Contributions returns the per-metric deltas the event applies to its
// (manager, date) record. The switch is exhaustive over EventKind; events
// must pass Validate before the result is trusted.
func (e Event) Contributions() ([]Contribution, error) {
	count := decimal.NewFromInt(int64(e.Count))
	var out []Contribution
	add := func(m MetricName, d decimal.Decimal) {
		out = append(out, Contribution{Metric: m, Delta: d})
	}

	switch e.Kind {
	case KindNewDialogue:
		add(MetricTotalDialogs, count)

	case KindNewClient:
		add(MetricNewClients, count)
		if e.HasAmount {
			add(MetricTotalRevenue, e.Amount)
			add(MetricNewcomerRevenue, e.Amount)
		}

	case KindActiveClient:
		add(MetricActiveClients, count)

	case KindNewcomerContact:
		add(MetricNewcomersContacted, count)

	case KindNewcomerPurchase:
		add(MetricNewcomersPurchased, count)
		if e.HasAmount {
			add(MetricTotalRevenue, e.Amount)
			add(MetricNewcomerRevenue, e.Amount)
		}

	case KindRenewal:
		add(MetricActiveClients, count)
		add(MetricClientsRenewed, count)
		if e.HasAmount {
			add(MetricTotalRevenue, e.Amount)
		}

	case KindRenewalReminder:
		add(MetricRenewalMessagesSent, count)

	case KindRefusal:
		add(MetricRefusals, count)

	case KindSilentClientSMS:
		add(MetricSMSSilentClients, count)

	case KindBonusGiven:
		add(MetricBonusesGiven, count)

	case KindReviewReceived:
		add(MetricReviewsReceived, count)

	case KindProductSale:
		add(MetricTotalRevenue, e.Amount)
		if e.NewClient {
			add(MetricNewClients, count)
			add(MetricNewcomersPurchased, count)
			add(MetricNewcomerRevenue, e.Amount)
		}

	default:
		return nil, fmt.Errorf("model: no contribution mapping for kind %q", e.Kind)
	}

	// Product counters accrue on any event that names products, matching
	// how managers report sales and renewals interchangeably.
	if combo, ok := comboMetric(e.Products); ok {
		add(combo, count)
	}
	for _, p := range e.Products {
		if m, ok := productMetric(p); ok {
			add(m, count)
		}
	}
	return out, nil
}

// RecordKey identifies one metrics record: one manager, one calendar date.
type RecordKey struct {
	Actor string
	Date  time.Time // midnight in the configured business timezone
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%s@%s", k.Actor, k.Date.Format("2006-01-02"))
}

// MetricsRecord is the additive daily aggregate for one manager.
//
// Version is the optimistic-concurrency token: every successful mutation
// increments it, and writers retry when their read version went stale.
// ExportedAt is nil until the daily export succeeds; any later mutation
// clears it again so the record becomes eligible for re-export.
type MetricsRecord struct {
	Key         RecordKey
	ManagerName string
	Totals      map[MetricName]decimal.Decimal
	ExportedAt  *time.Time
	Version     int64
}

// NewMetricsRecord returns an empty record for key with all totals at zero.
func NewMetricsRecord(key RecordKey) *MetricsRecord {
	totals := make(map[MetricName]decimal.Decimal, len(MetricNames()))
	for _, m := range MetricNames() {
		totals[m] = decimal.Zero
	}
	return &MetricsRecord{Key: key, Totals: totals}
}

// Total returns the current value of one metric, zero when untouched.
func (r *MetricsRecord) Total(m MetricName) decimal.Decimal {
	if v, ok := r.Totals[m]; ok {
		return v
	}
	return decimal.Zero
}

// Dirty reports whether the record has mutations not yet exported.
func (r *MetricsRecord) Dirty() bool {
	return r.ExportedAt == nil
}

// Clone returns a deep copy, used for snapshots handed to the export sink.
func (r *MetricsRecord) Clone() *MetricsRecord {
	cp := *r
	cp.Totals = make(map[MetricName]decimal.Decimal, len(r.Totals))
	for m, v := range r.Totals {
		cp.Totals[m] = v
	}
	if r.ExportedAt != nil {
		t := *r.ExportedAt
		cp.ExportedAt = &t
	}
	return &cp
}
