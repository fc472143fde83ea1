package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sheetRow(id, name string, age float64, key string) SheetRecord {
	return SheetRecord{
		ExternalID: id,
		Fields:     map[string]interface{}{"Name": name, "Age": age, "Key": key},
	}
}

func newTestPoller(sheet *fakeSheet) (*Poller, *fakeApplier, *fakeIDMap, *countingMetrics) {
	applier := newFakeApplier()
	ids := newFakeIDMap()
	metrics := newCountingMetrics()
	p := &Poller{
		Pair:    testPair(),
		Sheet:   sheet,
		DB:      applier,
		IDs:     ids,
		Ledger:  NewLedger(10*time.Second, 1000, nil),
		Metrics: metrics,
	}
	return p, applier, ids, metrics
}

func TestPollerColdStartEmitsNothing(t *testing.T) {
	sheet := newFakeSheet(sheetRow("rec1", "a", 1, "k1"))
	p, applier, ids, metrics := newTestPoller(sheet)

	p.Tick(context.Background())

	assert.Empty(t, applier.upserts)
	assert.Empty(t, applier.updates)
	assert.Equal(t, 1, p.SnapshotSize())
	assert.Equal(t, 1, metrics.skips[SkipColdStart])

	// identity learned for later deletes
	id, ok, _ := ids.ExternalID(context.Background(), p.Pair.Name(), "k1")
	assert.True(t, ok)
	assert.Equal(t, "rec1", id)

	// an unchanged second poll is a no-op
	p.Tick(context.Background())
	assert.Empty(t, applier.upserts)
	assert.Empty(t, applier.updates)
}

func TestPollerDetectsCreateUpdateDelete(t *testing.T) {
	sheet := newFakeSheet(sheetRow("rec1", "a", 1, "k1"))
	p, applier, _, _ := newTestPoller(sheet)
	ctx := context.Background()

	p.Tick(ctx) // cold start

	sheet.mu.Lock()
	sheet.records = []SheetRecord{
		sheetRow("rec1", "a", 2, "k1"), // update
		sheetRow("rec2", "b", 5, "k2"), // create
	}
	sheet.mu.Unlock()
	p.Tick(ctx)

	require.Contains(t, applier.updates, "k1")
	assert.Equal(t, Int(2), applier.updates["k1"]["age"])
	require.Contains(t, applier.upserts, "k2")
	assert.Equal(t, 2, p.SnapshotSize())

	// rec1 disappears
	sheet.mu.Lock()
	sheet.records = []SheetRecord{sheetRow("rec2", "b", 5, "k2")}
	sheet.mu.Unlock()
	p.Tick(ctx)

	assert.Equal(t, []string{"k1"}, applier.deletes)
	assert.Equal(t, 1, p.SnapshotSize())
}

func TestPollerSuppressesEcho(t *testing.T) {
	sheet := newFakeSheet(sheetRow("rec1", "a", 1, "k1"))
	p, applier, _, metrics := newTestPoller(sheet)
	ctx := context.Background()

	p.Tick(ctx) // cold start

	// the consumer just wrote age=2 to the sheet; the poller sees it
	// next tick and must not bounce it back to the DB
	changed := sheetRow("rec1", "a", 2, "k1")
	_, rec, err := p.Pair.SheetToDB(changed)
	require.NoError(t, err)
	p.Ledger.Remember(ctx, Fingerprint(rec), DBToSheet)

	sheet.mu.Lock()
	sheet.records = []SheetRecord{changed}
	sheet.mu.Unlock()
	p.Tick(ctx)

	assert.Empty(t, applier.updates)
	assert.Equal(t, 1, metrics.skips[SkipEcho])

	// snapshot still advanced: the next tick stays quiet
	p.Tick(ctx)
	assert.Empty(t, applier.updates)
}

func TestPollerTransientFailureRetriesNextTick(t *testing.T) {
	sheet := newFakeSheet(sheetRow("rec1", "a", 1, "k1"))
	p, applier, _, metrics := newTestPoller(sheet)
	ctx := context.Background()

	p.Tick(ctx)

	sheet.mu.Lock()
	sheet.records = []SheetRecord{sheetRow("rec1", "a", 2, "k1")}
	sheet.mu.Unlock()

	applier.updateErr = Errorf(KindTransientNetwork, "db", "connection reset")
	p.Tick(ctx)
	assert.Equal(t, 1, metrics.failure["feishu_to_db/transient_network"])

	// snapshot did not advance, so recovery re-applies the change
	applier.updateErr = nil
	p.Tick(ctx)
	require.Contains(t, applier.updates, "k1")
	assert.Equal(t, Int(2), applier.updates["k1"]["age"])
}

func TestPollerMappingErrorAdvancesSnapshot(t *testing.T) {
	sheet := newFakeSheet(sheetRow("rec1", "a", 1, "k1"))
	p, _, _, metrics := newTestPoller(sheet)
	ctx := context.Background()

	p.Tick(ctx)

	// key field vanishes from the record
	sheet.mu.Lock()
	sheet.records = []SheetRecord{{
		ExternalID: "rec1",
		Fields:     map[string]interface{}{"Name": "a", "Age": float64(2)},
	}}
	sheet.mu.Unlock()

	p.Tick(ctx)
	assert.Equal(t, 1, metrics.failure["feishu_to_db/mapping_error"])

	// reported once, not every tick
	p.Tick(ctx)
	assert.Equal(t, 1, metrics.failure["feishu_to_db/mapping_error"])
}

func TestPollerUpdateFallsBackToUpsert(t *testing.T) {
	sheet := newFakeSheet(sheetRow("rec1", "a", 1, "k1"))
	p, applier, _, _ := newTestPoller(sheet)
	ctx := context.Background()

	p.Tick(ctx)

	sheet.mu.Lock()
	sheet.records = []SheetRecord{sheetRow("rec1", "a", 2, "k1")}
	sheet.mu.Unlock()

	applier.updateErr = Errorf(KindNotFound, "db", "no row")
	p.Tick(ctx)

	require.Contains(t, applier.upserts, "k1")
	assert.Equal(t, Int(2), applier.upserts["k1"]["age"])
}

func TestPollerOverlappingTickSkipped(t *testing.T) {
	sheet := newFakeSheet(sheetRow("rec1", "a", 1, "k1"))
	p, _, _, metrics := newTestPoller(sheet)

	p.inFlight = 1
	p.Tick(context.Background())

	assert.Equal(t, 1, metrics.overruns)
	assert.Equal(t, 0, p.SnapshotSize())
}

func TestPollerListErrorLeavesSnapshotUntouched(t *testing.T) {
	sheet := newFakeSheet(sheetRow("rec1", "a", 1, "k1"))
	p, applier, _, _ := newTestPoller(sheet)
	ctx := context.Background()

	p.Tick(ctx)

	sheet.mu.Lock()
	sheet.listErr = Errorf(KindTransientNetwork, "feishu", "http 503")
	sheet.records = nil
	sheet.mu.Unlock()

	p.Tick(ctx)

	// a failed read must not look like a mass delete
	assert.Empty(t, applier.deletes)
	assert.Equal(t, 1, p.SnapshotSize())
}

func TestPollerResetSnapshotForcesResync(t *testing.T) {
	sheet := newFakeSheet(sheetRow("rec1", "a", 1, "k1"))
	p, applier, _, _ := newTestPoller(sheet)
	ctx := context.Background()

	p.Tick(ctx)
	require.NoError(t, p.ResetSnapshot())

	p.Tick(ctx)
	// not a cold start again: every row replays as a create
	require.Contains(t, applier.upserts, "k1")
}
