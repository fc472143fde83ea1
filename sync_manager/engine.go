package sync_manager

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/siddontang/go/sync2"
	log "github.com/sirupsen/logrus"

	"go-feishu-sync/conf"
	"go-feishu-sync/core"
	"go-feishu-sync/db"
	"go-feishu-sync/feishu"
	"go-feishu-sync/gkafka"
	"go-feishu-sync/holder"
)

const (
	tickInterval   = time.Second
	monitorPeriod  = 10 * time.Second
	reapPeriod     = time.Hour
	alarmHold      = 60 * time.Second
	healthSamples  = 30 // 30 * monitorPeriod = 5 min failure window
	minRateSamples = 10 // don't judge a pair on a handful of events
)

type pauseState struct {
	until  time.Time
	since  time.Time
	reason string
}

type healthRing struct {
	lastSucc int64
	lastFail int64
	succ     [healthSamples]int64
	fail     [healthSamples]int64
	idx      int
}

// Engine owns every component and the task lifecycles: one poller per
// pair, the queue claimer with its worker pool, the ledger pruner, the
// metrics publisher and the health monitor.
type Engine struct {
	c *conf.ConfigSet

	Ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sheet    *feishu.Client
	database *db.DB
	queue    *db.Queue
	ledger   *core.Ledger
	audit    *gkafka.Kafka
	pollers  []*core.Poller
	consumer *core.Consumer

	workerChs []chan core.QueueRow
	batchSize sync2.AtomicInt64
	alarmedAt time.Time

	pauseMu     sync.Mutex
	pauses      map[string]*pauseState
	health      map[string]*healthRing
	tableToPair map[string]string

	startAt time.Time
}

// NewEngine wires every component from the validated config.
func NewEngine(c *conf.ConfigSet) (*Engine, error) {
	en := &Engine{
		c:           c,
		pauses:      make(map[string]*pauseState),
		health:      make(map[string]*healthRing),
		tableToPair: make(map[string]string),
		startAt:     time.Now(),
	}
	en.Ctx, en.cancel = context.WithCancel(context.Background())
	en.batchSize.Set(int64(c.Sync.BatchSize))

	var err error
	if en.database, err = db.New(c.DB); err != nil {
		return nil, errors.Trace(err)
	}

	en.sheet = feishu.NewClient(c.Feishu)
	en.queue = db.NewQueue(en.database, c.Sync.RetryMax)
	en.ledger = core.NewLedger(c.Sync.Window, c.Sync.LedgerEntries, db.NewLedgerStore(en.database))

	if en.audit, err = gkafka.NewKafka(c.Kafka); err != nil {
		en.database.Close()
		return nil, errors.Trace(err)
	}

	snapHolder, err := en.newSnapshotHolder()
	if err != nil {
		en.database.Close()
		return nil, errors.Trace(err)
	}

	ids := db.NewIDMap(en.database)
	applier := db.NewApplier(en.database)
	metrics := PromMetrics{}

	var audit core.AuditSink
	if en.audit != nil {
		audit = en.audit
	}

	pairs := c.BuildPairs()
	byTable := make(map[string]*core.Pair, len(pairs))
	for _, pair := range pairs {
		byTable[pair.DBTable] = pair
		en.tableToPair[pair.DBTable] = pair.Name()
		en.pollers = append(en.pollers, &core.Poller{
			Pair:    pair,
			Sheet:   en.sheet,
			DB:      applier,
			IDs:     ids,
			Ledger:  en.ledger,
			Holder:  snapHolder,
			Metrics: metrics,
			Audit:   audit,
		})
		en.health[pair.Name()] = &healthRing{}
	}

	en.consumer = &core.Consumer{
		Pairs:       byTable,
		Sheet:       en.sheet,
		Queue:       en.queue,
		IDs:         ids,
		Ledger:      en.ledger,
		Metrics:     metrics,
		Audit:       audit,
		RetryMax:    c.Sync.RetryMax,
		BackoffBase: c.Sync.BackoffBase,
		BackoffCap:  c.Sync.BackoffCap,
	}

	en.workerChs = make([]chan core.QueueRow, c.Sync.Workers)
	for i := range en.workerChs {
		en.workerChs[i] = make(chan core.QueueRow, c.Sync.BatchCap)
	}

	return en, nil
}

func (en *Engine) newSnapshotHolder() (core.SnapshotHolder, error) {
	switch en.c.Sync.SnapshotStore {
	case "file":
		return holder.NewFileHolder(en.c.Sync.DataDir)
	case "redis":
		return holder.NewRedisHolder(en.c.Redis.SnapshotPrefix, en.c.Env), nil
	}
	return nil, nil // memory-only
}

// TestConnections probes the Sheet, the DB and the trigger contract;
// used by --test and at daemon startup.
func (en *Engine) TestConnections(ctx context.Context) error {
	if err := en.sheet.TestConnection(ctx); err != nil {
		return errors.Annotate(err, "feishu connection")
	}
	if err := en.database.Ping(ctx); err != nil {
		return errors.Annotate(err, "mysql connection")
	}
	tables := make([]string, 0, len(en.pollers))
	for _, p := range en.pollers {
		tables = append(tables, p.Pair.DBTable)
	}
	return en.database.CheckTriggers(ctx, tables)
}

// Run starts every task. It returns once startup is done; Close tears
// everything down.
func (en *Engine) Run() error {
	// claims orphaned by the previous process go back to pending
	if err := en.queue.Recover(en.Ctx, en.c.Sync.StaleClaim); err != nil {
		return errors.Trace(err)
	}

	engineState.Set(1)

	for _, p := range en.pollers {
		en.spawn(func(p *core.Poller) func() {
			return func() { en.pollLoop(p) }
		}(p))
	}
	for i := range en.workerChs {
		en.spawn(func(i int) func() {
			return func() { en.workerLoop(i) }
		}(i))
	}
	en.spawn(en.claimLoop)
	en.spawn(en.prunerLoop)
	en.spawn(en.monitorLoop)
	en.spawn(en.reapLoop)

	log.Infof("engine running: %d pairs, %d consumer workers", len(en.pollers), len(en.workerChs))
	return nil
}

func (en *Engine) spawn(fn func()) {
	en.wg.Add(1)
	go func() {
		defer en.wg.Done()
		fn()
	}()
}

// Close cancels every task and waits up to the shutdown grace period.
func (en *Engine) Close() {
	log.Infof("closing sync engine")
	en.cancel()
	engineState.Set(0)

	done := make(chan struct{})
	go func() {
		en.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(en.c.Sync.ShutdownGrace):
		log.Errorf("engine tasks did not stop within %s", en.c.Sync.ShutdownGrace)
	}

	if en.audit != nil {
		en.audit.Close()
	}
	en.database.Close()
	log.Infof("sync engine stopped")
}

func (en *Engine) pollLoop(p *core.Poller) {
	ticker := time.NewTicker(p.Pair.PollInterval)
	defer ticker.Stop()

	// first poll immediately so a fresh start converges fast
	p.Tick(en.Ctx)
	for {
		select {
		case <-ticker.C:
			if en.isPaused(p.Pair.Name()) {
				continue
			}
			p.Tick(en.Ctx)
		case <-en.Ctx.Done():
			return
		}
	}
}

// claimLoop drains sync_queue and routes rows to the workers, sharded
// by record id so one record's changes stay in order.
func (en *Engine) claimLoop() {
	defer func() {
		for _, ch := range en.workerChs {
			close(ch)
		}
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			en.claimOnce()
		case <-en.Ctx.Done():
			return
		}
	}
}

func (en *Engine) claimOnce() {
	rows, err := en.queue.Claim(en.Ctx, int(en.batchSize.Get()))
	if err != nil {
		log.Errorf("claim queue rows err: %v", err)
		return
	}
	for _, row := range rows {
		if until, ok := en.pausedUntil(en.tableToPair[row.Table]); ok {
			if err := en.queue.Requeue(en.Ctx, row.ID, row.RetryCount, until, "pair paused"); err != nil {
				log.Errorf("requeue paused row %d err: %v", row.ID, err)
			}
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(row.Table))
		h.Write([]byte(row.RecordID))
		select {
		case en.workerChs[h.Sum32()%uint32(len(en.workerChs))] <- row:
		case <-en.Ctx.Done():
			return
		}
	}
}

func (en *Engine) workerLoop(i int) {
	for row := range en.workerChs[i] {
		en.consumer.Process(en.Ctx, row)
	}
}

func (en *Engine) prunerLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			en.ledger.Prune()
			ledgerEntries.Set(float64(en.ledger.Len()))
		case <-en.Ctx.Done():
			return
		}
	}
}

// monitorLoop publishes queue depth, widens the claim batch under
// sustained backlog and pauses pairs whose failure rate runs hot.
func (en *Engine) monitorLoop() {
	ticker := time.NewTicker(monitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			en.observeQueue()
			en.observeHealth()
		case <-en.Ctx.Done():
			return
		}
	}
}

func (en *Engine) observeQueue() {
	depth, err := en.queue.Depth(en.Ctx)
	if err != nil {
		log.Errorf("queue depth err: %v", err)
		return
	}
	queueDepth.Set(float64(depth))

	if depth <= en.c.Sync.QueueAlarm {
		en.alarmedAt = time.Time{}
		if en.batchSize.Get() != int64(en.c.Sync.BatchSize) {
			en.batchSize.Set(int64(en.c.Sync.BatchSize))
			log.Infof("queue backlog cleared, batch size back to %d", en.c.Sync.BatchSize)
		}
		return
	}

	if en.alarmedAt.IsZero() {
		en.alarmedAt = time.Now()
		return
	}
	if time.Since(en.alarmedAt) < alarmHold {
		return
	}

	batch := en.batchSize.Get() * 2
	if batch > int64(en.c.Sync.BatchCap) {
		batch = int64(en.c.Sync.BatchCap)
	}
	if batch != en.batchSize.Get() {
		en.batchSize.Set(batch)
		log.Warnf("ALERT: queue depth %d above %d for %s, widening claim batch to %d",
			depth, en.c.Sync.QueueAlarm, alarmHold, batch)
	}
}

func (en *Engine) observeHealth() {
	now := time.Now()
	for _, p := range en.pollers {
		name := p.Pair.Name()
		ring := en.health[name]

		succ, fail := p.Succeeded.Get(), p.Failed.Get()
		ring.succ[ring.idx] = succ - ring.lastSucc
		ring.fail[ring.idx] = fail - ring.lastFail
		ring.lastSucc, ring.lastFail = succ, fail
		ring.idx = (ring.idx + 1) % healthSamples

		var windowSucc, windowFail int64
		for i := 0; i < healthSamples; i++ {
			windowSucc += ring.succ[i]
			windowFail += ring.fail[i]
		}
		total := windowSucc + windowFail
		if total < minRateSamples {
			continue
		}
		rate := float64(windowFail) / float64(total)
		if rate <= en.c.Sync.PauseOnErrorRate {
			continue
		}

		en.pauseMu.Lock()
		if _, already := en.pauses[name]; !already {
			en.pauses[name] = &pauseState{
				until:  now.Add(en.c.Sync.PauseSeconds),
				since:  now,
				reason: "error_rate",
			}
			pairPaused.WithLabelValues(name).Set(1)
			log.Warnf("ALERT: pair %s failure rate %.0f%% over last 5m, paused for %s",
				name, rate*100, en.c.Sync.PauseSeconds)
		}
		en.pauseMu.Unlock()
	}
}

func (en *Engine) reapLoop() {
	ticker := time.NewTicker(reapPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			retention := time.Duration(en.c.Sync.ReapAfterDays) * 24 * time.Hour
			if err := en.queue.Reap(en.Ctx, retention); err != nil {
				log.Errorf("reap err: %v", err)
			}
		case <-en.Ctx.Done():
			return
		}
	}
}

func (en *Engine) isPaused(pair string) bool {
	_, ok := en.pausedUntil(pair)
	return ok
}

// pausedUntil reports an active pause for the named pair.
func (en *Engine) pausedUntil(key string) (time.Time, bool) {
	en.pauseMu.Lock()
	defer en.pauseMu.Unlock()
	ps, ok := en.pauses[key]
	if !ok {
		return time.Time{}, false
	}
	if time.Now().After(ps.until) {
		delete(en.pauses, key)
		pairPaused.WithLabelValues(key).Set(0)
		log.Infof("pair %s resumed", key)
		return time.Time{}, false
	}
	return ps.until, true
}

func (en *Engine) pauseInfo(pair string) (time.Time, string, bool) {
	en.pauseMu.Lock()
	defer en.pauseMu.Unlock()
	ps, ok := en.pauses[pair]
	if !ok || time.Now().After(ps.until) {
		return time.Time{}, "", false
	}
	return ps.since, ps.reason, true
}

// ResetSnapshot schedules a full resync of one pair: its poller clears
// the snapshot on its next tick and replays every Sheet row.
func (en *Engine) ResetSnapshot(pair string) error {
	for _, p := range en.pollers {
		if p.Pair.Name() == pair {
			p.RequestReset()
			return nil
		}
	}
	return errors.Errorf("unknown pair %q", pair)
}

func (en *Engine) pollerSucceeded() int64 {
	var n int64
	for _, p := range en.pollers {
		n += p.Succeeded.Get()
	}
	return n
}
