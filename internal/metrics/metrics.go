// Registers:
//
//	#tradesim_ticks_total
//	#tradesim_ticks_skipped_total{reason}
//	#tradesim_tick_latency_seconds
//	#tradesim_broadcasts_total
//	#tradesim_send_failures_total
//	#tradesim_active_subscribers
//	#tradesim_upstream_reconnects_total
//	#tradesim_upstream_frames_total{kind}
//	#tradesim_param_updates_total{field,result}
//	#go_* and process_* system metrics
//
// Served by the subscriber server at /metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradesim_ticks_total",
		Help: "Number of computed ticks handed to the broadcast hub",
	})
	ticksSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradesim_ticks_skipped_total",
			Help: "Number of order book updates that produced no tick",
		},
		[]string{"reason"},
	)
	tickLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradesim_tick_latency_seconds",
		Help:    "Time from frame receipt to result ready",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
	})
	broadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradesim_broadcasts_total",
		Help: "Number of results fanned out to subscribers",
	})
	sendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradesim_send_failures_total",
		Help: "Number of failed or timed out subscriber sends",
	})
	activeSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tradesim_active_subscribers",
		Help: "Number of registered subscribers",
	})
	reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradesim_upstream_reconnects_total",
		Help: "Number of upstream reconnect attempts",
	})
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradesim_upstream_frames_total",
			Help: "Number of upstream frames by classification",
		},
		[]string{"kind"},
	)
	paramUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradesim_param_updates_total",
			Help: "Number of subscriber parameter updates by field and result",
		},
		[]string{"field", "result"},
	)
)

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			ticks,
			ticksSkipped,
			tickLatency,
			broadcasts,
			sendFailures,
			activeSubscribers,
			reconnects,
			frames,
			paramUpdates,
		)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTick records one computed tick and its latency.
func ObserveTick(latency time.Duration) {
	ticks.Inc()
	tickLatency.Observe(latency.Seconds())
}

func IncSkippedTick(reason string) {
	ticksSkipped.WithLabelValues(reason).Inc()
}

func IncBroadcast() {
	broadcasts.Inc()
}

func IncSendFailure() {
	sendFailures.Inc()
}

func SetActiveSubscribers(n int) {
	activeSubscribers.Set(float64(n))
}

func IncReconnect() {
	reconnects.Inc()
}

// IncFrame counts an upstream frame by its classification (ping, data, ...).
func IncFrame(kind string) {
	frames.WithLabelValues(kind).Inc()
}

// IncParamUpdate counts a subscriber update of one field; result is
// "accepted" or "rejected".
func IncParamUpdate(field, result string) {
	paramUpdates.WithLabelValues(field, result).Inc()
}
