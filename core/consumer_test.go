package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsumer(sheet *fakeSheet) (*Consumer, *fakeQueue, *fakeIDMap, *countingMetrics) {
	queue := newFakeQueue()
	ids := newFakeIDMap()
	metrics := newCountingMetrics()
	pair := testPair()
	c := &Consumer{
		Pairs:       map[string]*Pair{pair.DBTable: pair},
		Sheet:       sheet,
		Queue:       queue,
		IDs:         ids,
		Ledger:      NewLedger(10*time.Second, 1000, nil),
		Metrics:     metrics,
		RetryMax:    3,
		BackoffBase: 2 * time.Second,
		BackoffCap:  5 * time.Minute,
	}
	return c, queue, ids, metrics
}

func queueRow(id int64, action Action, payload map[string]interface{}) QueueRow {
	raw, _ := json.Marshal(payload)
	row := QueueRow{
		ID:        id,
		Table:     "users",
		RecordID:  "7",
		Action:    action,
		CreatedAt: time.Now(),
	}
	if action == ActionDelete {
		row.OldJSON = string(raw)
	} else {
		row.NewJSON = string(raw)
	}
	return row
}

func userPayload(age int) map[string]interface{} {
	return map[string]interface{}{
		"id": 7, "name": "a", "age": age, "user_key": "k1", "_sync_source": nil,
	}
}

func TestConsumerInsertCreatesSheetRecord(t *testing.T) {
	sheet := newFakeSheet()
	c, queue, ids, metrics := newTestConsumer(sheet)
	ctx := context.Background()

	c.Process(ctx, queueRow(1, ActionInsert, userPayload(1)))

	require.Len(t, sheet.created, 1)
	assert.Equal(t, String("a"), sheet.created[0]["Name"])
	assert.Equal(t, ReasonSynced, queue.completed[1])
	assert.Equal(t, 1, metrics.success[DBToSheet])

	id, ok, _ := ids.ExternalID(ctx, "MyDB:users", "k1")
	assert.True(t, ok)
	assert.Equal(t, "rec-new-1", id)

	// the write is on the ledger so the next poll won't echo it
	rec, err := c.Pairs["users"].RecordFromRaw(userPayload(1))
	require.NoError(t, err)
	assert.True(t, c.Ledger.ShouldSkip(ctx, Fingerprint(rec), DBToSheet))
}

func TestConsumerSuppressesLoop(t *testing.T) {
	sheet := newFakeSheet()
	c, queue, _, metrics := newTestConsumer(sheet)
	ctx := context.Background()

	// the poller just wrote this exact content to the DB; the trigger
	// fired anyway (race) and the consumer must not bounce it back
	rec, err := c.Pairs["users"].RecordFromRaw(userPayload(1))
	require.NoError(t, err)
	c.Ledger.Remember(ctx, Fingerprint(rec), SheetToDB)

	c.Process(ctx, queueRow(1, ActionUpdate, userPayload(1)))

	assert.Empty(t, sheet.created)
	assert.Empty(t, sheet.updated)
	assert.Equal(t, ReasonLoopSuppressed, queue.completed[1])
	assert.Equal(t, 1, metrics.skips[ReasonLoopSuppressed])
}

func TestConsumerUpdateResolvesByMapping(t *testing.T) {
	sheet := newFakeSheet()
	c, queue, ids, _ := newTestConsumer(sheet)
	ctx := context.Background()

	require.NoError(t, ids.Save(ctx, "MyDB:users", "k1", "recX"))
	c.Process(ctx, queueRow(2, ActionUpdate, userPayload(3)))

	require.Contains(t, sheet.updated, "recX")
	assert.Equal(t, Int(3), sheet.updated["recX"]["Age"])
	assert.Equal(t, ReasonSynced, queue.completed[2])
}

func TestConsumerUpdateFallsBackToQuery(t *testing.T) {
	sheet := newFakeSheet(SheetRecord{
		ExternalID: "recY",
		Fields:     map[string]interface{}{"Key": "k1"},
	})
	c, _, ids, _ := newTestConsumer(sheet)
	ctx := context.Background()

	c.Process(ctx, queueRow(3, ActionUpdate, userPayload(4)))

	require.Contains(t, sheet.updated, "recY")
	// the discovered mapping is persisted
	id, ok, _ := ids.ExternalID(ctx, "MyDB:users", "k1")
	assert.True(t, ok)
	assert.Equal(t, "recY", id)
}

func TestConsumerUpdateDegradesToInsert(t *testing.T) {
	sheet := newFakeSheet()
	c, queue, _, _ := newTestConsumer(sheet)

	c.Process(context.Background(), queueRow(4, ActionUpdate, userPayload(5)))

	require.Len(t, sheet.created, 1)
	assert.Equal(t, ReasonSynced, queue.completed[4])
}

func TestConsumerDeleteAbsentCompletes(t *testing.T) {
	sheet := newFakeSheet()
	c, queue, _, _ := newTestConsumer(sheet)

	c.Process(context.Background(), queueRow(5, ActionDelete, userPayload(1)))

	assert.Empty(t, sheet.deleted)
	assert.Equal(t, ReasonAlreadyAbsent, queue.completed[5])
}

func TestConsumerDeleteKnownRecord(t *testing.T) {
	sheet := newFakeSheet()
	c, queue, ids, _ := newTestConsumer(sheet)
	ctx := context.Background()

	require.NoError(t, ids.Save(ctx, "MyDB:users", "k1", "recZ"))
	c.Process(ctx, queueRow(6, ActionDelete, userPayload(1)))

	assert.Equal(t, []string{"recZ"}, sheet.deleted)
	assert.Equal(t, ReasonSynced, queue.completed[6])

	_, ok, _ := ids.ExternalID(ctx, "MyDB:users", "k1")
	assert.False(t, ok)
}

func TestConsumerTransientFailureRequeuesWithBackoff(t *testing.T) {
	sheet := newFakeSheet()
	sheet.createErr = Errorf(KindRateLimited, "feishu", "http 429")
	c, queue, _, _ := newTestConsumer(sheet)

	before := time.Now()
	c.Process(context.Background(), queueRow(7, ActionInsert, userPayload(1)))

	require.Contains(t, queue.requeued, int64(7))
	assert.Equal(t, 1, queue.retries[7])
	assert.True(t, queue.requeued[7].After(before))
}

func TestConsumerExhaustedRetriesFail(t *testing.T) {
	sheet := newFakeSheet()
	sheet.createErr = Errorf(KindTransientNetwork, "feishu", "http 503")
	c, queue, _, _ := newTestConsumer(sheet)

	row := queueRow(8, ActionInsert, userPayload(1))
	row.RetryCount = 2 // third attempt is the last
	c.Process(context.Background(), row)

	require.Contains(t, queue.failed, int64(8))
	assert.Equal(t, 3, queue.retries[8])
}

func TestConsumerMappingErrorFailsImmediately(t *testing.T) {
	sheet := newFakeSheet()
	c, queue, _, metrics := newTestConsumer(sheet)

	row := QueueRow{ID: 9, Table: "users", RecordID: "7", Action: ActionInsert, NewJSON: "not json"}
	c.Process(context.Background(), row)

	require.Contains(t, queue.failed, int64(9))
	assert.Empty(t, queue.requeued)
	assert.Equal(t, 1, metrics.failure["db_to_feishu/mapping_error"])
}

func TestConsumerMissingKeyColumnFails(t *testing.T) {
	sheet := newFakeSheet()
	c, queue, _, _ := newTestConsumer(sheet)

	c.Process(context.Background(), queueRow(10, ActionInsert, map[string]interface{}{
		"name": "a", "age": 1,
	}))

	require.Contains(t, queue.failed, int64(10))
}

func TestConsumerUnknownTableFails(t *testing.T) {
	sheet := newFakeSheet()
	c, queue, _, _ := newTestConsumer(sheet)

	row := queueRow(11, ActionInsert, userPayload(1))
	row.Table = "orders"
	c.Process(context.Background(), row)

	require.Contains(t, queue.failed, int64(11))
}

func TestConsumerAdvisoryHashMismatchProceeds(t *testing.T) {
	sheet := newFakeSheet()
	c, queue, _, _ := newTestConsumer(sheet)

	row := queueRow(12, ActionInsert, userPayload(1))
	row.SyncHash = "0000deadbeef0000"
	c.Process(context.Background(), row)

	require.Len(t, sheet.created, 1)
	assert.Equal(t, ReasonSynced, queue.completed[12])
}
