package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeSheet is an in-memory core.Sheet.
type fakeSheet struct {
	mu      sync.Mutex
	records []SheetRecord
	listErr error

	nextID  int
	created []map[string]Value
	updated map[string]map[string]Value
	deleted []string

	createErr error
	updateErr error
	deleteErr error
}

func newFakeSheet(records ...SheetRecord) *fakeSheet {
	return &fakeSheet{records: records, updated: make(map[string]map[string]Value)}
}

func (f *fakeSheet) ListRecords(_ context.Context, _, _ string) ([]SheetRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]SheetRecord(nil), f.records...), nil
}

func (f *fakeSheet) CreateRecord(_ context.Context, _, _ string, fields map[string]Value) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	f.created = append(f.created, fields)
	return fmt.Sprintf("rec-new-%d", f.nextID), nil
}

func (f *fakeSheet) UpdateRecord(_ context.Context, _, _, recordID string, fields map[string]Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated[recordID] = fields
	return nil
}

func (f *fakeSheet) DeleteRecord(_ context.Context, _, _, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, recordID)
	return nil
}

func (f *fakeSheet) QueryRecords(_ context.Context, _, _, field string, value Value) ([]SheetRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SheetRecord
	for _, rec := range f.records {
		if raw, ok := rec.Fields[field]; ok {
			if s, ok := raw.(string); ok && s == value.KeyString() {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// fakeApplier records DB writes.
type fakeApplier struct {
	upserts map[string]Record
	updates map[string]Record
	deletes []string

	upsertErr error
	updateErr error
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{upserts: make(map[string]Record), updates: make(map[string]Record)}
}

func (f *fakeApplier) Upsert(_ context.Context, _ *Pair, keyValue string, rec Record) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts[keyValue] = rec
	return nil
}

func (f *fakeApplier) Update(_ context.Context, _ *Pair, keyValue string, rec Record) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates[keyValue] = rec
	return nil
}

func (f *fakeApplier) Delete(_ context.Context, _ *Pair, keyValue string) error {
	f.deletes = append(f.deletes, keyValue)
	return nil
}

// fakeIDMap is an in-memory id_mapping.
type fakeIDMap struct {
	byKey map[string]string
	byExt map[string]string
}

func newFakeIDMap() *fakeIDMap {
	return &fakeIDMap{byKey: make(map[string]string), byExt: make(map[string]string)}
}

func (f *fakeIDMap) ExternalID(_ context.Context, pair, keyValue string) (string, bool, error) {
	id, ok := f.byKey[pair+"/"+keyValue]
	return id, ok, nil
}

func (f *fakeIDMap) KeyValue(_ context.Context, pair, externalID string) (string, bool, error) {
	key, ok := f.byExt[pair+"/"+externalID]
	return key, ok, nil
}

func (f *fakeIDMap) Save(_ context.Context, pair, keyValue, externalID string) error {
	f.byKey[pair+"/"+keyValue] = externalID
	f.byExt[pair+"/"+externalID] = keyValue
	return nil
}

func (f *fakeIDMap) Delete(_ context.Context, pair, keyValue string) error {
	if id, ok := f.byKey[pair+"/"+keyValue]; ok {
		delete(f.byExt, pair+"/"+id)
	}
	delete(f.byKey, pair+"/"+keyValue)
	return nil
}

// fakeQueue records queue state transitions.
type fakeQueue struct {
	completed map[int64]string
	requeued  map[int64]time.Time
	retries   map[int64]int
	failed    map[int64]string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		completed: make(map[int64]string),
		requeued:  make(map[int64]time.Time),
		retries:   make(map[int64]int),
		failed:    make(map[int64]string),
	}
}

func (f *fakeQueue) Claim(context.Context, int) ([]QueueRow, error) { return nil, nil }

func (f *fakeQueue) Complete(_ context.Context, id int64, reason string) error {
	f.completed[id] = reason
	return nil
}

func (f *fakeQueue) Requeue(_ context.Context, id int64, retryCount int, nextAttempt time.Time, _ string) error {
	f.requeued[id] = nextAttempt
	f.retries[id] = retryCount
	return nil
}

func (f *fakeQueue) Fail(_ context.Context, id int64, retryCount int, errMsg string) error {
	f.failed[id] = errMsg
	f.retries[id] = retryCount
	return nil
}

func (f *fakeQueue) Depth(context.Context) (int64, error) { return 0, nil }

// countingMetrics tallies metric calls by label.
type countingMetrics struct {
	mu       sync.Mutex
	success  map[Direction]int
	failure  map[string]int
	skips    map[string]int
	overruns int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		success: make(map[Direction]int),
		failure: make(map[string]int),
		skips:   make(map[string]int),
	}
}

func (m *countingMetrics) SyncSuccess(dir Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.success[dir]++
}

func (m *countingMetrics) SyncFailure(dir Direction, kind ErrKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure[string(dir)+"/"+kind.String()]++
}

func (m *countingMetrics) SyncSkip(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skips[reason]++
}

func (m *countingMetrics) PollOverrun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overruns++
}

func (m *countingMetrics) ObserveLatency(Direction, time.Duration) {}
