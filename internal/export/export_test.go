package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salemetry/salemetry/internal/model"
	"github.com/salemetry/salemetry/internal/storage"
	"github.com/salemetry/salemetry/internal/testutil"
)

// fakeStore serves canned dirty records and records stamp calls.
type fakeStore struct {
	mu       sync.Mutex
	records  []*model.MetricsRecord
	readErr  error
	stampErr map[string]error // key.String() -> MarkExported error
	stamped  []model.RecordKey
	failures map[string]int
}

func newFakeStore(records ...*model.MetricsRecord) *fakeStore {
	return &fakeStore{
		records:  records,
		stampErr: make(map[string]error),
		failures: make(map[string]int),
	}
}

func (s *fakeStore) DirtyRecordsForDate(_ context.Context, _ time.Time) ([]*model.MetricsRecord, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.records, nil
}

func (s *fakeStore) MarkExported(_ context.Context, key model.RecordKey, _ int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.stampErr[key.String()]; err != nil {
		return err
	}
	s.stamped = append(s.stamped, key)
	return nil
}

func (s *fakeStore) IncrementExportFailure(_ context.Context, key model.RecordKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[key.String()]++
	return s.failures[key.String()], nil
}

// fakeSink fails for the chat ids in failFor.
type fakeSink struct {
	mu       sync.Mutex
	failFor  map[string]bool
	exported []Snapshot
}

func (s *fakeSink) Export(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[snap.Actor] {
		return errors.New("sink unavailable")
	}
	s.exported = append(s.exported, snap)
	return nil
}

func dirtyRecord(actor string, version int64) *model.MetricsRecord {
	key := model.RecordKey{Actor: actor, Date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)}
	rec := model.NewMetricsRecord(key)
	rec.ManagerName = "Manager " + actor
	rec.Version = version
	rec.Totals[model.MetricTotalRevenue] = decimal.NewFromInt(5000)
	rec.Totals[model.MetricNewClients] = decimal.NewFromInt(2)
	return rec
}

func newTestExporter(store Store, sink Sink, escalate Escalator) *Exporter {
	return New(store, sink, testutil.TestLogger(), Options{Parallel: 2, EscalateAfter: 2}, escalate)
}

func TestRunExportsDirtyRecords(t *testing.T) {
	store := newFakeStore(dirtyRecord("a", 3), dirtyRecord("b", 1))
	sink := &fakeSink{}

	res, err := newTestExporter(store, sink, nil).Run(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, Result{Exported: 2}, res)
	assert.True(t, res.Clean())
	assert.Len(t, store.stamped, 2)
	require.Len(t, sink.exported, 2)

	var snap Snapshot
	for _, s := range sink.exported {
		if s.Actor == "a" {
			snap = s
		}
	}
	assert.Equal(t, int64(3), snap.Version)
	assert.Equal(t, "5000", snap.Totals[model.MetricTotalRevenue])
	assert.Equal(t, "0", snap.Totals[model.MetricRefusals], "untouched metrics export as zero")
}

func TestRunNothingDirty(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	res, err := newTestExporter(store, sink, nil).Run(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, sink.exported)
}

func TestRunIsolatesSinkFailures(t *testing.T) {
	store := newFakeStore(dirtyRecord("a", 1), dirtyRecord("b", 1), dirtyRecord("c", 1))
	sink := &fakeSink{failFor: map[string]bool{"b": true}}

	res, err := newTestExporter(store, sink, nil).Run(context.Background(), time.Now())
	require.NoError(t, err, "sink failures are absorbed per record")
	assert.Equal(t, Result{Exported: 2, Failed: 1}, res)
	assert.False(t, res.Clean())
	assert.Len(t, store.stamped, 2, "the failed record must not be stamped")
	assert.Equal(t, 1, store.failures["b@2026-03-14"])
}

func TestRunSkipsRecordDirtiedMidExport(t *testing.T) {
	rec := dirtyRecord("a", 1)
	store := newFakeStore(rec)
	store.stampErr[rec.Key.String()] = storage.ErrVersionConflict
	sink := &fakeSink{}

	res, err := newTestExporter(store, sink, nil).Run(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Empty(t, store.stamped)
	assert.Equal(t, 0, store.failures[rec.Key.String()], "a mid-export conflict is not a sink failure")
}

func TestRunEscalatesAfterConsecutiveFailures(t *testing.T) {
	rec := dirtyRecord("a", 1)
	store := newFakeStore(rec)
	sink := &fakeSink{failFor: map[string]bool{"a": true}}

	var escalated []int
	exp := newTestExporter(store, sink, func(_ context.Context, key model.RecordKey, failures int) {
		assert.Equal(t, rec.Key, key)
		escalated = append(escalated, failures)
	})

	// EscalateAfter is 2: the first failed cycle stays quiet, the second
	// and every later one page the operator.
	for i := 0; i < 3; i++ {
		_, err := exp.Run(context.Background(), rec.Key.Date)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{2, 3}, escalated)
}

func TestRunPropagatesReadFailure(t *testing.T) {
	store := newFakeStore()
	store.readErr = errors.New("db down")
	_, err := newTestExporter(store, &fakeSink{}, nil).Run(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read dirty records")
}
