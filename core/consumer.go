package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pingcap/errors"
	"github.com/siddontang/go/sync2"
	log "github.com/sirupsen/logrus"
)

// Consumer drains trigger-captured sync_queue rows and applies them to
// the Sheet. One Consumer serves every pair; rows are routed by the
// pair's DB table name.
type Consumer struct {
	Pairs   map[string]*Pair // db table -> pair
	Sheet   Sheet
	Queue   Queue
	IDs     IDMap
	Ledger  *Ledger
	Metrics Metrics
	Audit   AuditSink

	RetryMax    int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	Succeeded sync2.AtomicInt64
	Failed    sync2.AtomicInt64
}

// Process handles one claimed queue row end to end: parse, recompute
// the hash, gate on the ledger, translate to a Sheet write, and mark
// the row completed, requeued or failed.
func (c *Consumer) Process(ctx context.Context, row QueueRow) {
	pair, ok := c.Pairs[row.Table]
	if !ok {
		c.fail(ctx, row, Errorf(KindMapping, "consumer", "no pair configured for table %q", row.Table))
		return
	}

	rec, err := c.parsePayload(pair, row)
	if err != nil {
		c.fail(ctx, row, err)
		return
	}

	// the trigger's hash is advisory; always recompute on the mapped
	// payload
	fp := Fingerprint(rec)
	if row.SyncHash != "" && row.SyncHash != fp {
		log.Warnf("consumer: queue row %d hash mismatch (trigger %s, recomputed %s)", row.ID, row.SyncHash, fp)
	}

	if c.Ledger.ShouldSkip(ctx, fp, SheetToDB) {
		c.Metrics.SyncSkip(ReasonLoopSuppressed)
		c.complete(ctx, row.ID, ReasonLoopSuppressed)
		return
	}

	key, kerr := c.keyValue(pair, rec, row)
	if kerr != nil {
		c.fail(ctx, row, kerr)
		return
	}

	start := time.Now()
	externalID, reason, err := c.apply(ctx, pair, row.Action, key, rec)
	if err != nil {
		c.retryOrFail(ctx, row, err)
		return
	}

	c.Ledger.Remember(ctx, fp, DBToSheet)
	c.complete(ctx, row.ID, reason)
	c.Succeeded.Add(1)
	c.Metrics.SyncSuccess(DBToSheet)
	c.Metrics.ObserveLatency(DBToSheet, time.Since(start))
	c.audit(pair, row.Action, key, externalID, fp)
	log.Infof("consumer: %s %s.%s key=%s applied", row.Action, pair.SheetDB, pair.SheetTable, key)
}

func (c *Consumer) parsePayload(pair *Pair, row QueueRow) (Record, error) {
	payload := row.NewJSON
	if row.Action == ActionDelete {
		payload = row.OldJSON
	}
	if payload == "" {
		return nil, Errorf(KindMapping, "consumer", "queue row %d has no payload", row.ID)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, NewError(KindMapping, "consumer",
			errors.Annotatef(err, "queue row %d payload", row.ID))
	}
	return pair.RecordFromRaw(raw)
}

func (c *Consumer) keyValue(pair *Pair, rec Record, row QueueRow) (string, error) {
	v, ok := rec[pair.KeyField]
	if !ok {
		return "", Errorf(KindMapping, "consumer",
			"queue row %d: key column %q missing from payload", row.ID, pair.KeyField)
	}
	if !v.IsScalar() {
		return "", Errorf(KindMapping, "consumer",
			"queue row %d: key column %q is not scalar", row.ID, pair.KeyField)
	}
	return v.KeyString(), nil
}

// apply translates one queue row into the corresponding Sheet write and
// returns the external id it touched plus the completion reason.
func (c *Consumer) apply(ctx context.Context, pair *Pair, action Action, key string, rec Record) (string, string, error) {
	switch action {
	case ActionInsert:
		id, err := c.createRecord(ctx, pair, key, rec)
		return id, ReasonSynced, err
	case ActionUpdate:
		externalID, found, err := c.resolve(ctx, pair, key)
		if err != nil {
			return "", "", err
		}
		if !found {
			// never seen on the Sheet side; degrade to create
			log.Warnf("consumer: %s key=%s unknown on sheet, degrading UPDATE to INSERT", pair.Name(), key)
			id, err := c.createRecord(ctx, pair, key, rec)
			return id, ReasonSynced, err
		}
		err = c.Sheet.UpdateRecord(ctx, pair.SheetDB, pair.SheetTable, externalID, pair.DBToSheet(rec))
		if err != nil && KindOf(err) == KindNotFound {
			id, err := c.createRecord(ctx, pair, key, rec)
			return id, ReasonSynced, err
		}
		return externalID, ReasonSynced, err
	case ActionDelete:
		externalID, found, err := c.resolve(ctx, pair, key)
		if err != nil {
			return "", "", err
		}
		if !found {
			return "", ReasonAlreadyAbsent, nil
		}
		err = c.Sheet.DeleteRecord(ctx, pair.SheetDB, pair.SheetTable, externalID)
		if err != nil {
			if KindOf(err) == KindNotFound {
				return externalID, ReasonAlreadyAbsent, nil
			}
			return "", "", err
		}
		if derr := c.IDs.Delete(ctx, pair.Name(), key); derr != nil {
			log.Errorf("consumer: delete id mapping %s err: %v", key, derr)
		}
		return externalID, ReasonSynced, nil
	}
	return "", "", Errorf(KindMapping, "consumer", "invalid action %q", action)
}

func (c *Consumer) createRecord(ctx context.Context, pair *Pair, key string, rec Record) (string, error) {
	externalID, err := c.Sheet.CreateRecord(ctx, pair.SheetDB, pair.SheetTable, pair.DBToSheet(rec))
	if err != nil {
		return "", err
	}
	if merr := c.IDs.Save(ctx, pair.Name(), key, externalID); merr != nil {
		log.Errorf("consumer: save id mapping %s err: %v", key, merr)
	}
	return externalID, nil
}

// resolve finds the Sheet record id for a key, first through id_mapping
// and then by querying the Sheet on the key field.
func (c *Consumer) resolve(ctx context.Context, pair *Pair, key string) (string, bool, error) {
	externalID, ok, err := c.IDs.ExternalID(ctx, pair.Name(), key)
	if err != nil {
		return "", false, err
	}
	if ok {
		return externalID, true, nil
	}

	sheetField, ok := pair.Fields.SheetField(pair.KeyField)
	if !ok {
		return "", false, Errorf(KindMapping, "consumer",
			"key column %q has no sheet field", pair.KeyField)
	}
	records, err := c.Sheet.QueryRecords(ctx, pair.SheetDB, pair.SheetTable, sheetField, String(key))
	if err != nil {
		return "", false, err
	}
	if len(records) == 0 {
		return "", false, nil
	}
	externalID = records[0].ExternalID
	if merr := c.IDs.Save(ctx, pair.Name(), key, externalID); merr != nil {
		log.Errorf("consumer: save id mapping %s err: %v", key, merr)
	}
	return externalID, true, nil
}

func (c *Consumer) complete(ctx context.Context, id int64, reason string) {
	if err := c.Queue.Complete(ctx, id, reason); err != nil {
		log.Errorf("consumer: mark queue row %d completed err: %v", id, err)
	}
}

// retryOrFail handles a failed apply per the error taxonomy: transient
// failures go back to pending with backoff until RetryMax, everything
// else is terminal.
func (c *Consumer) retryOrFail(ctx context.Context, row QueueRow, err error) {
	kind := KindOf(err)
	c.Failed.Add(1)
	c.Metrics.SyncFailure(DBToSheet, kind)
	log.Errorf("consumer: queue row %d %s err: %v", row.ID, row.Action, err)

	retry := row.RetryCount + 1
	if kind.Retryable() && retry < c.RetryMax {
		next := time.Now().Add(Backoff(retry, c.BackoffBase, c.BackoffCap))
		if qerr := c.Queue.Requeue(ctx, row.ID, retry, next, err.Error()); qerr != nil {
			log.Errorf("consumer: requeue row %d err: %v", row.ID, qerr)
		}
		return
	}
	if qerr := c.Queue.Fail(ctx, row.ID, retry, err.Error()); qerr != nil {
		log.Errorf("consumer: fail row %d err: %v", row.ID, qerr)
	}
}

func (c *Consumer) fail(ctx context.Context, row QueueRow, err error) {
	c.Failed.Add(1)
	c.Metrics.SyncFailure(DBToSheet, KindOf(err))
	log.Errorf("consumer: queue row %d rejected: %v", row.ID, err)
	if qerr := c.Queue.Fail(ctx, row.ID, row.RetryCount+1, err.Error()); qerr != nil {
		log.Errorf("consumer: fail row %d err: %v", row.ID, qerr)
	}
}

func (c *Consumer) audit(pair *Pair, action Action, key, externalID, fp string) {
	if c.Audit == nil {
		return
	}
	err := c.Audit.Publish(AuditEvent{
		Pair:        pair.Name(),
		Direction:   DBToSheet,
		Action:      action,
		KeyValue:    key,
		ExternalID:  externalID,
		Fingerprint: fp,
		AppliedAt:   time.Now(),
	})
	if err != nil {
		log.Errorf("consumer: audit publish err: %v", err)
	}
}
