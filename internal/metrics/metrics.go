package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wpphub_http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wpphub_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Sessions
	SessionStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wpphub_session_starts_total", Help: "startSession outcomes."},
		[]string{"result"}, // ready | pairing | connecting | error
	)
	SessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wpphub_session_events_total", Help: "Provider lifecycle events handled."},
		[]string{"kind"},
	)
	PairingSaveRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wpphub_pairing_save_retries_total", Help: "Retried pairing-code persistence attempts."},
	)

	// Messaging
	InboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wpphub_inbound_messages_total", Help: "Inbound messages by outcome."},
		[]string{"result"}, // stored | duplicate | ignored | error
	)
	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wpphub_send_total", Help: "Outbound send outcomes."},
		[]string{"outcome"}, // sent | not_ready | unsupported | invalid | error
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wpphub_send_duration_seconds",
			Help:    "Provider send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	Recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wpphub_send_recoveries_total", Help: "Session recovery attempts triggered by send."},
		[]string{"result"}, // ready | timeout | error
	)

	// Sync
	SyncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wpphub_sync_runs_total", Help: "Bulk sync passes by outcome."},
		[]string{"result"}, // ok | not_ready | in_progress | error
	)
	SyncCreated = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wpphub_sync_conversations_created_total", Help: "Conversations created by bulk sync."},
	)
	SyncChatErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wpphub_sync_chat_errors_total", Help: "Per-chat failures during bulk sync."},
	)

	// Outbox
	OutboxProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wpphub_outbox_processed_total", Help: "Outbox entries processed."},
		[]string{"result"}, // sent | failed
	)
)

// Collectors returns every package-level collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequests, HTTPDuration,
		SessionStarts, SessionEvents, PairingSaveRetries,
		InboundMessages, SendTotal, SendDuration, Recoveries,
		SyncRuns, SyncCreated, SyncChatErrors,
		OutboxProcessed,
	}
}

// Register adds the runtime and package collectors to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	reg.MustRegister(Collectors()...)
}

// RegisterSessions exports the live handle count reported by count.
func RegisterSessions(reg prometheus.Registerer, count func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "wpphub_sessions_live", Help: "Connection handles in the registry."},
		func() float64 { return float64(count()) },
	))
}

// PoolStats exports pgxpool statistics.
type PoolStats struct {
	pool *pgxpool.Pool

	conns    prometheus.Gauge
	idle     prometheus.Gauge
	acquires prometheus.Gauge
	waitSecs prometheus.Gauge
}

// NewPoolStats registers pool gauges on reg.
func NewPoolStats(reg prometheus.Registerer, pool *pgxpool.Pool) *PoolStats {
	m := &PoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wpphub_db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wpphub_db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquires: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wpphub_db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		waitSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wpphub_db_pool_acquire_seconds", Help: "Cumulative time spent acquiring connections.",
		}),
	}
	reg.MustRegister(m.conns, m.idle, m.acquires, m.waitSecs)
	return m
}

// Start samples the pool every interval until stop is closed.
func (m *PoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.sample()
		}
	}
}

func (m *PoolStats) sample() {
	s := m.pool.Stat()
	m.conns.Set(float64(s.TotalConns()))
	m.idle.Set(float64(s.IdleConns()))
	m.acquires.Set(float64(s.AcquireCount()))
	m.waitSecs.Set(s.AcquireDuration().Seconds())
}
