package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/siddontang/go/sync2"
	log "github.com/sirupsen/logrus"
)

// Skip reasons reported by the poller.
const (
	SkipColdStart     = "cold_start_identical"
	SkipEcho          = "echo"
	SkipUnknownDelete = "unknown_delete"
)

// Poller owns one pair's Sheet side: it reads the full table every
// tick, diffs against the last snapshot and applies the changes to the
// DB. A poller is the single writer of its snapshot.
type Poller struct {
	Pair    *Pair
	Sheet   Sheet
	DB      DBApplier
	IDs     IDMap
	Ledger  *Ledger
	Holder  SnapshotHolder // nil means memory-only
	Metrics Metrics
	Audit   AuditSink // nil disables the audit stream

	Succeeded sync2.AtomicInt64
	Failed    sync2.AtomicInt64

	snapshot map[string]string
	loaded   bool
	inFlight int32
	resetReq int32
}

type polledRecord struct {
	externalID  string
	keyValue    string
	payload     Record
	fingerprint string
	mappingErr  error
}

// Tick runs one poll cycle. Overlapping ticks are skipped and counted
// as poll overruns.
func (p *Poller) Tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&p.inFlight, 0, 1) {
		p.Metrics.PollOverrun()
		log.Warnf("poller %s: previous poll still running, tick skipped", p.Pair.Name())
		return
	}
	defer atomic.StoreInt32(&p.inFlight, 0)

	if atomic.CompareAndSwapInt32(&p.resetReq, 1, 0) {
		if err := p.ResetSnapshot(); err != nil {
			log.Errorf("poller %s: reset snapshot err: %v", p.Pair.Name(), err)
		}
	}

	records, err := p.Sheet.ListRecords(ctx, p.Pair.SheetDB, p.Pair.SheetTable)
	if err != nil {
		p.Failed.Add(1)
		p.Metrics.SyncFailure(SheetToDB, KindOf(err))
		log.Errorf("poller %s: list records err: %v", p.Pair.Name(), err)
		return
	}

	polled := p.project(records)

	if !p.loaded {
		p.restore()
	}
	if p.snapshot == nil {
		p.coldStart(ctx, polled)
		return
	}

	p.diffAndApply(ctx, polled)
	p.persist()
}

// RequestReset asks the poller to clear its snapshot at the start of
// the next tick. Safe to call from any goroutine; the snapshot itself
// stays single-writer.
func (p *Poller) RequestReset() {
	atomic.StoreInt32(&p.resetReq, 1)
	log.Infof("poller %s: snapshot reset requested", p.Pair.Name())
}

// ResetSnapshot empties the in-memory and persisted snapshot. The next
// poll then replays every Sheet row as a create, which the upsert path
// turns into a full resync.
func (p *Poller) ResetSnapshot() error {
	p.snapshot = make(map[string]string)
	p.loaded = true
	if p.Holder == nil {
		return nil
	}
	return p.Holder.Reset(p.Pair.Name())
}

// SnapshotSize returns the number of tracked records.
func (p *Poller) SnapshotSize() int { return len(p.snapshot) }

func (p *Poller) project(records []SheetRecord) []polledRecord {
	out := make([]polledRecord, 0, len(records))
	for _, rec := range records {
		key, payload, err := p.Pair.SheetToDB(rec)
		pr := polledRecord{externalID: rec.ExternalID, keyValue: key, payload: payload, mappingErr: err}
		if payload != nil {
			pr.fingerprint = Fingerprint(payload)
		}
		out = append(out, pr)
	}
	return out
}

func (p *Poller) restore() {
	p.loaded = true
	if p.Holder == nil {
		return
	}
	snap, ok, err := p.Holder.Load(p.Pair.Name())
	if err != nil {
		log.Errorf("poller %s: load snapshot err: %v", p.Pair.Name(), err)
		return
	}
	if ok {
		p.snapshot = snap
		log.Infof("poller %s: restored snapshot with %d records", p.Pair.Name(), len(snap))
	}
}

// coldStart initializes the snapshot from the first successful read
// without emitting events. Operators force a full resync explicitly
// with --reset-snapshot.
func (p *Poller) coldStart(ctx context.Context, polled []polledRecord) {
	p.snapshot = make(map[string]string, len(polled))
	for _, pr := range polled {
		if pr.fingerprint == "" {
			continue
		}
		p.snapshot[pr.externalID] = pr.fingerprint
		p.Metrics.SyncSkip(SkipColdStart)
		if pr.mappingErr == nil {
			// learned identity; deletes later need the key
			if err := p.IDs.Save(ctx, p.Pair.Name(), pr.keyValue, pr.externalID); err != nil {
				log.Errorf("poller %s: save id mapping %s err: %v", p.Pair.Name(), pr.keyValue, err)
			}
		}
	}
	log.Infof("poller %s: snapshot initialized with %d records", p.Pair.Name(), len(p.snapshot))
	p.persist()
}

func (p *Poller) diffAndApply(ctx context.Context, polled []polledRecord) {
	seen := make(map[string]bool, len(polled))

	// CREATE/UPDATE in sheet order, DELETE after the traversal
	for _, pr := range polled {
		seen[pr.externalID] = true

		old, known := p.snapshot[pr.externalID]

		if pr.mappingErr != nil {
			if known && old == pr.fingerprint {
				// already reported this exact broken content
				continue
			}
			// permanent: advance the snapshot so the record does not
			// error every tick
			p.Failed.Add(1)
			p.Metrics.SyncFailure(SheetToDB, KindOf(pr.mappingErr))
			log.Errorf("poller %s: record %s: %v", p.Pair.Name(), pr.externalID, pr.mappingErr)
			if pr.fingerprint != "" {
				p.snapshot[pr.externalID] = pr.fingerprint
			}
			continue
		}

		if known && old == pr.fingerprint {
			continue
		}

		action := ActionUpdate
		if !known {
			action = ActionInsert
		}
		p.applyChange(ctx, ChangeEvent{
			Pair:        p.Pair,
			Action:      action,
			ExternalID:  pr.externalID,
			KeyValue:    pr.keyValue,
			Payload:     pr.payload,
			Fingerprint: pr.fingerprint,
			DetectedAt:  time.Now(),
		})
	}

	for externalID, fp := range p.snapshot {
		if seen[externalID] {
			continue
		}
		p.applyChange(ctx, ChangeEvent{
			Pair:        p.Pair,
			Action:      ActionDelete,
			ExternalID:  externalID,
			Fingerprint: fp,
			DetectedAt:  time.Now(),
		})
	}
}

func (p *Poller) applyChange(ctx context.Context, ev ChangeEvent) {
	// a change whose fingerprint the engine itself just wrote in the
	// other direction is an echo: keep the snapshot, skip the write
	if p.Ledger.ShouldSkip(ctx, ev.Fingerprint, DBToSheet) {
		p.Metrics.SyncSkip(SkipEcho)
		p.advance(ev)
		return
	}

	start := time.Now()
	err := p.apply(ctx, ev)
	if err == nil {
		p.Ledger.Remember(ctx, ev.Fingerprint, SheetToDB)
		p.advance(ev)
		p.Succeeded.Add(1)
		p.Metrics.SyncSuccess(SheetToDB)
		p.Metrics.ObserveLatency(SheetToDB, time.Since(start))
		p.audit(ev)
		log.Infof("poller %s: %s %s applied", p.Pair.Name(), ev.Action, ev.ExternalID)
		return
	}

	kind := KindOf(err)
	p.Failed.Add(1)
	p.Metrics.SyncFailure(SheetToDB, kind)
	log.Errorf("poller %s: %s %s err: %v", p.Pair.Name(), ev.Action, ev.ExternalID, err)
	if !kind.Retryable() {
		// permanent: do not retry the same content every tick
		p.advance(ev)
	}
}

func (p *Poller) apply(ctx context.Context, ev ChangeEvent) error {
	switch ev.Action {
	case ActionInsert:
		if err := p.DB.Upsert(ctx, p.Pair, ev.KeyValue, ev.Payload); err != nil {
			return err
		}
		if err := p.IDs.Save(ctx, p.Pair.Name(), ev.KeyValue, ev.ExternalID); err != nil {
			log.Errorf("poller %s: save id mapping %s err: %v", p.Pair.Name(), ev.KeyValue, err)
		}
		return nil
	case ActionUpdate:
		err := p.DB.Update(ctx, p.Pair, ev.KeyValue, ev.Payload)
		if err != nil && KindOf(err) == KindNotFound {
			// row vanished on the DB side; recreate it
			return p.apply(ctx, ChangeEvent{
				Pair: ev.Pair, Action: ActionInsert, ExternalID: ev.ExternalID,
				KeyValue: ev.KeyValue, Payload: ev.Payload, Fingerprint: ev.Fingerprint,
			})
		}
		return err
	case ActionDelete:
		key, ok, err := p.IDs.KeyValue(ctx, p.Pair.Name(), ev.ExternalID)
		if err != nil {
			return err
		}
		if !ok {
			p.Metrics.SyncSkip(SkipUnknownDelete)
			log.Warnf("poller %s: no key mapping for deleted record %s", p.Pair.Name(), ev.ExternalID)
			return nil
		}
		if err := p.DB.Delete(ctx, p.Pair, key); err != nil {
			return err
		}
		if err := p.IDs.Delete(ctx, p.Pair.Name(), key); err != nil {
			log.Errorf("poller %s: delete id mapping %s err: %v", p.Pair.Name(), key, err)
		}
		return nil
	}
	return Errorf(KindMapping, "poller", "invalid action %s", ev.Action)
}

// advance moves the snapshot past the event, whether applied or skipped.
func (p *Poller) advance(ev ChangeEvent) {
	if ev.Action == ActionDelete {
		delete(p.snapshot, ev.ExternalID)
		return
	}
	p.snapshot[ev.ExternalID] = ev.Fingerprint
}

func (p *Poller) persist() {
	if p.Holder == nil || p.snapshot == nil {
		return
	}
	if err := p.Holder.Save(p.Pair.Name(), p.snapshot); err != nil {
		log.Errorf("poller %s: save snapshot err: %v", p.Pair.Name(), err)
	}
}

func (p *Poller) audit(ev ChangeEvent) {
	if p.Audit == nil {
		return
	}
	err := p.Audit.Publish(AuditEvent{
		Pair:        p.Pair.Name(),
		Direction:   SheetToDB,
		Action:      ev.Action,
		KeyValue:    ev.KeyValue,
		ExternalID:  ev.ExternalID,
		Fingerprint: ev.Fingerprint,
		AppliedAt:   time.Now(),
	})
	if err != nil {
		log.Errorf("poller %s: audit publish err: %v", p.Pair.Name(), err)
	}
}
