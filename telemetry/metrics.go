// Package telemetry provides Prometheus metrics and correlation-id aware
// logging helpers for the bot core.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesReceived   prometheus.Counter
	CommandsDispatched *prometheus.CounterVec // by kind: native|template|script
	DispatchDropped    *prometheus.CounterVec // by reason: disabled|unauthorized|rate-limited|overloaded
	ScriptFaults       prometheus.Counter
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheCoalesced     prometheus.Counter
	CacheStaleServed   prometheus.Counter
	Reconnects         prometheus.Counter
	LinesSent          prometheus.Counter
	LinesDropped       prometheus.Counter

	// Histograms (seconds)
	HandlerDuration prometheus.Observer

	// Gauges
	SendQueueDepth  prometheus.Gauge
	SettingsVersion prometheus.Gauge
	ConnectionState prometheus.Gauge // numeric chat.State
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_messages_received_total", Help: "Chat messages read from the connection"})
		CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_commands_dispatched_total", Help: "Command invocations executed, by handler kind"}, []string{"kind"})
		DispatchDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_dispatch_dropped_total", Help: "Matched invocations dropped before execution, by reason"}, []string{"reason"})
		ScriptFaults = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_script_faults_total", Help: "Isolated script execution faults"})
		CacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_cache_hits_total", Help: "Cache lookups served from a live entry"})
		CacheMisses = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_cache_misses_total", Help: "Cache lookups that required a fetch"})
		CacheCoalesced = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_cache_coalesced_total", Help: "Cache lookups that joined an in-flight fetch"})
		CacheStaleServed = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_cache_stale_served_total", Help: "Expired values served after a fetch failure"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_reconnects_total", Help: "Chat connection attempts after the first"})
		LinesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_lines_sent_total", Help: "Outbound chat lines written to the connection"})
		LinesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_lines_dropped_total", Help: "Outbound chat lines dropped (queue full or disconnect)"})
		HandlerDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bot_handler_duration_seconds", Help: "Command handler duration seconds", Buckets: prometheus.DefBuckets})
		SendQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_send_queue_depth", Help: "Outbound lines waiting for the send bucket"})
		SettingsVersion = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_settings_version", Help: "Current settings store version"})
		ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_connection_state", Help: "Chat connection state (0=disconnected 1=backoff 2=connecting 3=authenticating 4=connected)"})
	})
}

// Dropped increments the drop counter for reason, tolerating pre-Init use
// in tests.
func Dropped(reason string) {
	if DispatchDropped != nil {
		DispatchDropped.WithLabelValues(reason).Inc()
	}
}

// Dispatched increments the dispatch counter for a handler kind.
func Dispatched(kind string) {
	if CommandsDispatched != nil {
		CommandsDispatched.WithLabelValues(kind).Inc()
	}
}

// Hit and friends tolerate pre-Init use so library tests need no registry.
func Hit(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}
