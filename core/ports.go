package core

import (
	"context"
	"time"
)

// Sheet is the capability set the engine needs from the collaborative
// table service. The feishu package implements it; tests use fakes.
type Sheet interface {
	// ListRecords reads every record of a table, paginating to
	// exhaustion.
	ListRecords(ctx context.Context, db, table string) ([]SheetRecord, error)
	CreateRecord(ctx context.Context, db, table string, fields map[string]Value) (string, error)
	UpdateRecord(ctx context.Context, db, table, recordID string, fields map[string]Value) error
	DeleteRecord(ctx context.Context, db, table, recordID string) error
	// QueryRecords returns records where field == value.
	QueryRecords(ctx context.Context, db, table, field string, value Value) ([]SheetRecord, error)
}

// DBApplier applies Sheet-originated changes to the relational side.
// Every statement carries _sync_source='feishu' so the triggers do not
// echo the write back into sync_queue.
type DBApplier interface {
	// Upsert inserts the record or, on a duplicate key, updates it.
	Upsert(ctx context.Context, pair *Pair, keyValue string, rec Record) error
	// Update modifies the row addressed by the pair's key column and
	// fails with KindNotFound when no row matches.
	Update(ctx context.Context, pair *Pair, keyValue string, rec Record) error
	// Delete removes the row addressed by the key column. Deleting an
	// absent row is not an error.
	Delete(ctx context.Context, pair *Pair, keyValue string) error
}

// IDMap persists the key_value <-> external record id association.
type IDMap interface {
	ExternalID(ctx context.Context, pair, keyValue string) (string, bool, error)
	KeyValue(ctx context.Context, pair, externalID string) (string, bool, error)
	Save(ctx context.Context, pair, keyValue, externalID string) error
	Delete(ctx context.Context, pair, keyValue string) error
}

// Queue drains the trigger-populated sync_queue.
type Queue interface {
	// Claim atomically flips up to batch pending rows (oldest first,
	// due for attempt) to processing and returns them.
	Claim(ctx context.Context, batch int) ([]QueueRow, error)
	Complete(ctx context.Context, id int64, reason string) error
	// Requeue returns a claimed row to pending for a later attempt.
	Requeue(ctx context.Context, id int64, retryCount int, nextAttempt time.Time, errMsg string) error
	Fail(ctx context.Context, id int64, retryCount int, errMsg string) error
	Depth(ctx context.Context) (int64, error)
}

// SnapshotHolder persists a pair's {external_id -> fingerprint} view so
// restarts do not force a full resync.
type SnapshotHolder interface {
	Load(pair string) (map[string]string, bool, error)
	Save(pair string, snap map[string]string) error
	Reset(pair string) error
}

// AuditEvent describes one applied sync for the optional audit stream.
type AuditEvent struct {
	Pair        string    `json:"pair"`
	Direction   Direction `json:"direction"`
	Action      Action    `json:"action"`
	KeyValue    string    `json:"keyValue"`
	ExternalID  string    `json:"externalId"`
	Fingerprint string    `json:"fingerprint"`
	AppliedAt   time.Time `json:"appliedAt"`
}

// AuditSink receives applied-sync events. Implementations must not feed
// back into the engine.
type AuditSink interface {
	Publish(ev AuditEvent) error
}

// Metrics is the health-counter surface the components report into.
type Metrics interface {
	SyncSuccess(dir Direction)
	SyncFailure(dir Direction, kind ErrKind)
	SyncSkip(reason string)
	PollOverrun()
	ObserveLatency(dir Direction, d time.Duration)
}

// NopMetrics discards everything; used by tests.
type NopMetrics struct{}

func (NopMetrics) SyncSuccess(Direction)                  {}
func (NopMetrics) SyncFailure(Direction, ErrKind)         {}
func (NopMetrics) SyncSkip(string)                        {}
func (NopMetrics) PollOverrun()                           {}
func (NopMetrics) ObserveLatency(Direction, time.Duration) {}
