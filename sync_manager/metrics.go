package sync_manager

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"go-feishu-sync/conf"
	"go-feishu-sync/core"
)

var (
	engineState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feishu_sync_engine_state",
			Help: "The sync engine running state: 0=stopped, 1=ok",
		},
	)
	syncSuccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_success_total",
			Help: "The number of successfully applied syncs",
		}, []string{"direction"},
	)
	syncFailureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_failure_total",
			Help: "The number of failed sync attempts",
		}, []string{"direction", "kind"},
	)
	syncSkipTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_skip_total",
			Help: "The number of changes skipped without a write",
		}, []string{"reason"},
	)
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Pending rows in sync_queue",
		},
	)
	pollOverrunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poll_overruns_total",
			Help: "Poll ticks skipped because the previous poll was still running",
		},
	)
	ledgerEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_entries",
			Help: "In-memory anti-loop ledger entries",
		},
	)
	syncLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_latency_seconds",
			Help:    "Latency of applying one sync",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"},
	)
	pairPaused = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pair_paused",
			Help: "Whether a pair is paused after excessive failures",
		}, []string{"pair"},
	)
)

// PromMetrics is the core.Metrics implementation over the prometheus
// collectors.
type PromMetrics struct{}

func (PromMetrics) SyncSuccess(dir core.Direction) {
	syncSuccessTotal.WithLabelValues(string(dir)).Inc()
}

func (PromMetrics) SyncFailure(dir core.Direction, kind core.ErrKind) {
	syncFailureTotal.WithLabelValues(string(dir), kind.String()).Inc()
}

func (PromMetrics) SyncSkip(reason string) {
	syncSkipTotal.WithLabelValues(reason).Inc()
}

func (PromMetrics) PollOverrun() {
	pollOverrunsTotal.Inc()
}

func (PromMetrics) ObserveLatency(dir core.Direction, d time.Duration) {
	syncLatency.WithLabelValues(string(dir)).Observe(d.Seconds())
}

// Stat serves the prometheus endpoint plus a plain-text status page the
// --status command reads.
type Stat struct {
	C  *conf.ConfigSet
	En *Engine
	l  net.Listener
}

func (s *Stat) Run() {
	var err error
	s.l, err = net.Listen("tcp", s.C.Http.StatAddr)
	if err != nil {
		log.Errorf("listen stat addr %s err %v", s.C.Http.StatAddr, err)
		s.En.cancel()
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/stat", s)
	mux.HandleFunc("/reset-snapshot", s.handleReset)
	mux.Handle(s.C.Http.StatPath, promhttp.Handler())
	if s.C.Debug {
		mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		mux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		mux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		mux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	}
	srv := http.Server{
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	log.Infof("http listen : http://%s", s.C.Http.StatAddr)
	if err = srv.Serve(s.l); err != http.ErrServerClosed {
		log.Errorf("http listen err : %v", err)
		s.En.cancel()
	}
}

func (s *Stat) Close() {
	if s.l != nil {
		s.l.Close()
	}
}

func (s *Stat) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pair := r.URL.Query().Get("pair")
	if err := s.En.ResetSnapshot(pair); err != nil {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "%v\n", err)
		return
	}
	fmt.Fprintf(w, "snapshot reset scheduled for %s\n", pair)
}

func (s *Stat) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	en := s.En

	buf.WriteString(fmt.Sprintf("feishu-db sync engine (env: %s, debug: %v)\n", s.C.Env, s.C.Debug))
	buf.WriteString(fmt.Sprintf("uptime: %s\n", time.Since(en.startAt).Truncate(time.Second)))
	buf.WriteString(fmt.Sprintf("mysql: %s:%d/%s\n", s.C.DB.Host, s.C.DB.Port, s.C.DB.Database))
	buf.WriteString("-------------------------------------------------------------------------------\n")

	for _, p := range en.pollers {
		status := "running"
		if since, reason, paused := en.pauseInfo(p.Pair.Name()); paused {
			status = fmt.Sprintf("paused(since=%s, reason=%s)", since.Format(time.RFC3339), reason)
		}
		buf.WriteString(fmt.Sprintf("pair %s -> %s: %s, snapshot=%d, success=%d, failed=%d\n",
			p.Pair.Name(), p.Pair.DBTable, status,
			p.SnapshotSize(), p.Succeeded.Get(), p.Failed.Get()))
	}
	buf.WriteString("-------------------------------------------------------------------------------\n")
	buf.WriteString(fmt.Sprintf("feishu_to_db success: %d\n", en.pollerSucceeded()))
	buf.WriteString(fmt.Sprintf("db_to_feishu success: %d failed: %d\n",
		en.consumer.Succeeded.Get(), en.consumer.Failed.Get()))
	buf.WriteString(fmt.Sprintf("ledger entries: %d (window %s)\n", en.ledger.Len(), en.ledger.Window()))
	buf.WriteString(fmt.Sprintf("queue batch size: %d\n", en.batchSize.Get()))

	stats, err := en.queue.Stats(r.Context())
	if err != nil {
		buf.WriteString(fmt.Sprintf("queue stats err: %v\n", err))
	} else {
		buf.WriteString(fmt.Sprintf("queue total: %d", stats.Total))
		for status, n := range stats.ByStatus {
			buf.WriteString(fmt.Sprintf(" %s=%d", status, n))
		}
		buf.WriteString("\n")
		if stats.OldestPending != "" {
			buf.WriteString(fmt.Sprintf("oldest pending: %s\n", stats.OldestPending))
		}
	}

	w.Write(buf.Bytes())
}
