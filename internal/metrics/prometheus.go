// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "insight_engine"

// Collectors groups every collector the engine updates. A nil *Collectors
// is valid and records nothing, which keeps tests free of registries.
type Collectors struct {
	registry *prometheus.Registry

	messagesReceived *prometheus.CounterVec
	messagesAcked    *prometheus.CounterVec
	messagesDeduped  *prometheus.CounterVec
	deadLettered     *prometheus.CounterVec
	deadLetterErrors prometheus.Counter
	messageLatency   prometheus.Histogram

	insights        *prometheus.CounterVec
	heuristicErrors *prometheus.CounterVec

	flushes        *prometheus.CounterVec
	flushedMetrics *prometheus.CounterVec
	flushLatency   *prometheus.HistogramVec
	buffered       *prometheus.GaugeVec
	breakerState   prometheus.Gauge

	liveBuckets *prometheus.GaugeVec
	evicted     *prometheus.CounterVec

	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	broadcastDropped *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collectors{
		registry: reg,
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_received_total",
			Help: "Bus messages received, by topic.",
		}, []string{"topic"}),
		messagesAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_acked_total",
			Help: "Bus messages acknowledged, by topic.",
		}, []string{"topic"}),
		messagesDeduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_deduplicated_total",
			Help: "Redelivered messages skipped by the replay index, by topic.",
		}, []string{"topic"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_dead_lettered_total",
			Help: "Messages routed to a dead-letter topic, by source topic and failed stage.",
		}, []string{"topic", "stage"}),
		deadLetterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_letter_publish_errors_total",
			Help: "Dead-letter publishes that failed; the error record was lost.",
		}),
		messageLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "message_duration_seconds",
			Help:    "Time from receive to acknowledgment of a message.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		insights: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "insights_emitted_total",
			Help: "Insights emitted, by kind and rule.",
		}, []string{"kind", "rule"}),
		heuristicErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "heuristic_errors_total",
			Help: "Heuristics that could not complete, by rule.",
		}, []string{"rule"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "buffer_flushes_total",
			Help: "Buffer flush attempts, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		flushedMetrics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "buffer_flushed_metrics_total",
			Help: "Metrics written durably, by kind.",
		}, []string{"kind"}),
		flushLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "buffer_flush_duration_seconds",
			Help:    "Duration of buffer flush writes, by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		buffered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "buffer_pending_metrics",
			Help: "Metrics waiting in the buffer, by kind.",
		}, []string{"kind"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "store_circuit_state",
			Help: "Durable store circuit breaker state (0=closed, 1=open, 2=half-open).",
		}),
		liveBuckets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "window_live_buckets",
			Help: "Live in-memory buckets, by granularity.",
		}, []string{"granularity"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "window_evicted_buckets_total",
			Help: "Buckets evicted, by granularity.",
		}, []string{"granularity"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduler_job_runs_total",
			Help: "Scheduler job runs, by job and outcome.",
		}, []string{"job", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "scheduler_job_duration_seconds",
			Help:    "Scheduler job run time, by job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		broadcastDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcast_dropped_total",
			Help: "Broadcast payloads dropped because the sink queue was full or failed, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		c.messagesReceived, c.messagesAcked, c.messagesDeduped, c.deadLettered, c.deadLetterErrors,
		c.messageLatency, c.insights, c.heuristicErrors, c.flushes, c.flushedMetrics, c.flushLatency,
		c.buffered, c.breakerState, c.liveBuckets, c.evicted, c.jobRuns, c.jobDuration, c.broadcastDropped,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collectors) MessageReceived(topic string) {
	if c == nil {
		return
	}
	c.messagesReceived.WithLabelValues(topic).Inc()
}

func (c *Collectors) MessageAcked(topic string, since time.Time) {
	if c == nil {
		return
	}
	c.messagesAcked.WithLabelValues(topic).Inc()
	c.messageLatency.Observe(time.Since(since).Seconds())
}

func (c *Collectors) MessageDeduplicated(topic string) {
	if c == nil {
		return
	}
	c.messagesDeduped.WithLabelValues(topic).Inc()
}

func (c *Collectors) DeadLettered(topic, stage string) {
	if c == nil {
		return
	}
	c.deadLettered.WithLabelValues(topic, stage).Inc()
}

func (c *Collectors) DeadLetterFailed() {
	if c == nil {
		return
	}
	c.deadLetterErrors.Inc()
}

func (c *Collectors) InsightEmitted(kind, rule string) {
	if c == nil {
		return
	}
	c.insights.WithLabelValues(kind, rule).Inc()
}

func (c *Collectors) HeuristicFailed(rule string) {
	if c == nil {
		return
	}
	c.heuristicErrors.WithLabelValues(rule).Inc()
}

// Flushed records one flush attempt. n is the batch size.
func (c *Collectors) Flushed(kind string, n int, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	} else {
		c.flushedMetrics.WithLabelValues(kind).Add(float64(n))
	}
	c.flushes.WithLabelValues(kind, outcome).Inc()
	c.flushLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (c *Collectors) SetBuffered(kind string, n int) {
	if c == nil {
		return
	}
	c.buffered.WithLabelValues(kind).Set(float64(n))
}

func (c *Collectors) SetBreakerState(state int) {
	if c == nil {
		return
	}
	c.breakerState.Set(float64(state))
}

func (c *Collectors) SetLiveBuckets(granularity string, n int) {
	if c == nil {
		return
	}
	c.liveBuckets.WithLabelValues(granularity).Set(float64(n))
}

func (c *Collectors) Evicted(granularity string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.evicted.WithLabelValues(granularity).Add(float64(n))
}

func (c *Collectors) JobRan(job string, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.jobRuns.WithLabelValues(job, outcome).Inc()
	c.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (c *Collectors) BroadcastDropped(reason string) {
	if c == nil {
		return
	}
	c.broadcastDropped.WithLabelValues(reason).Inc()
}
