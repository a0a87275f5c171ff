// Package engine assembles the windowed analytics pipeline and exposes its
// query operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/broadcast"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/buffer"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/bus"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/cache"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/circuit"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/config"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/deadletter"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/ingest"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/insight"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/metrics"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/scheduler"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/store"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/window"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidRange is returned for historical queries whose end is not
// after their start.
var ErrInvalidRange = errors.New("end must be after start")

// DocumentStore is the durable document collection the engine writes
// flushed metrics, insights and reports to, and reads history from.
type DocumentStore interface {
	InsertMetrics(ctx context.Context, kind model.Kind, batch []model.Metric) error
	Archive(ctx context.Context, collection, key, subject string, ts int64, v interface{}) error
	QueryMetrics(ctx context.Context, q store.MetricQuery) ([]model.Metric, error)
	SummarizeMetrics(ctx context.Context, q store.MetricQuery) (model.AggregationResult, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// Deps are the external collaborators. The caller owns and closes them.
type Deps struct {
	Sources     []bus.Source
	DeadLetters bus.Publisher
	Documents   DocumentStore
	Rollups     buffer.RollupWriter
	Cache       cache.Store
	Sink        broadcast.Sink
	Stats       *metrics.Collectors
}

type Engine struct {
	cfg  *config.Config
	deps Deps

	windows     *window.Store
	breaker     *circuit.Breaker
	flusher     *buffer.Flusher
	generator   *insight.Generator
	insights    *insight.Pool
	async       *broadcast.Async
	broadcaster *broadcast.Broadcaster
	dedup       *ingest.DedupIndex
	loop        *ingest.Loop
	scheduler   *scheduler.Scheduler

	ready atomic.Bool

	jobsMu   sync.Mutex
	lastJobs map[string]scheduler.Result
}

// New wires the pipeline. Nothing runs until Run.
func New(cfg *config.Config, d Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.Documents == nil || d.Rollups == nil || d.Cache == nil || d.Sink == nil || d.DeadLetters == nil {
		return nil, fmt.Errorf("engine: documents, rollups, cache, sink and dead-letter publisher are required")
	}

	e := &Engine{cfg: cfg, deps: d, lastJobs: make(map[string]scheduler.Result)}

	var err error
	if e.windows, err = window.NewStore(cfg.Windows.Granularities, cfg.Windows.RetentionBuckets); err != nil {
		return nil, err
	}

	e.breaker = circuit.NewBreaker(circuit.Config{
		Name:         "durable-store",
		MaxFailures:  cfg.Buffer.BreakerMaxFailures,
		ResetTimeout: cfg.Buffer.BreakerResetTimeout,
		OnStateChange: func(_, to circuit.State) {
			d.Stats.SetBreakerState(int(to))
		},
	})

	e.flusher, err = buffer.New(buffer.Config{
		BatchSize:     cfg.Buffer.BatchSize,
		FlushInterval: cfg.Buffer.FlushInterval,
		StoreTimeout:  cfg.Buffer.StoreTimeout,
	}, model.Kinds, d.Documents, d.Rollups, e.breaker, d.Stats)
	if err != nil {
		return nil, err
	}

	insightCfg, err := insightConfig(cfg.Insights)
	if err != nil {
		return nil, err
	}
	e.generator = insight.NewGenerator(insightCfg, d.Cache, e.windows, d.Stats)

	e.async = broadcast.NewAsync(d.Sink, cfg.Insights.QueueSize, d.Stats)
	e.broadcaster = broadcast.NewBroadcaster(e.async)
	e.insights = insight.NewPool(e.generator, cfg.Insights.Workers, cfg.Insights.QueueSize, e.emitInsight, d.Stats)

	e.dedup = ingest.NewDedupIndex(cfg.Dedup.Window)
	pipeline := ingest.NewPipeline(ingest.Deps{
		Normalizer: ingest.Normalizer{DefaultCurrency: "USD"},
		Windows:    e.windows,
		Buffer:     e.flusher,
		Insights:   e.insights,
		Broadcast:  e.broadcaster,
		DeadLetter: deadletter.NewHandler(d.DeadLetters, cfg.Kafka.DLQSuffix, d.Stats),
		Dedup:      e.dedup,
		Stats:      d.Stats,
	})
	e.loop = ingest.NewLoop(d.Sources, pipeline, d.Stats)

	if err := e.buildScheduler(); err != nil {
		return nil, err
	}
	return e, nil
}

func insightConfig(c config.InsightsConfig) (insight.Config, error) {
	minimum, err := model.ParseDecimal(c.RoundAmountMinimum)
	if err != nil {
		return insight.Config{}, fmt.Errorf("round amount minimum: %w", err)
	}
	multiple, err := model.ParseDecimal(c.RoundAmountMultiple)
	if err != nil {
		return insight.Config{}, fmt.Errorf("round amount multiple: %w", err)
	}
	return insight.Config{
		VolumeSpikeRatio:       c.VolumeSpikeRatio,
		VelocityThreshold:      c.VelocityThreshold,
		VelocityWindow:         time.Duration(c.VelocityWindowSeconds) * time.Second,
		RepeatedAmountMinCount: c.RepeatedAmountMinCount,
		RepeatedAmountLookback: c.RepeatedAmountLookback,
		RoundAmountMinimum:     minimum,
		RoundAmountMultiple:    multiple,
		VolumeSpike:            c.VolumeSpike,
		Velocity:               c.Velocity,
		RoundAmount:            c.RoundAmount,
		RepeatedAmount:         c.RepeatedAmount,
	}, nil
}

func (e *Engine) buildScheduler() error {
	s := e.cfg.Scheduler
	velocityIdle := 2 * time.Duration(e.cfg.Insights.VelocityWindowSeconds) * time.Second

	e.scheduler = scheduler.New(e.deps.Stats)
	jobs := []scheduler.Job{
		scheduler.FlushJob(e.flusher, s.FlushTick),
		scheduler.RollupJob(&scheduler.Rollup{
			Windows:   e.windows,
			Publisher: e.broadcaster,
			Archive:   e.deps.Documents,
		}, s.RollupInterval),
		scheduler.RetentionJob(e.deps.Documents, e.deps.Cache, s.RetentionHorizon, s.RetentionInterval),
		scheduler.EvictionJob(e.windows, e.deps.Stats, s.EvictionInterval,
			e.dedup.Sweep,
			func(now time.Time) int { return e.generator.Sweep(now.Add(-velocityIdle)) },
		),
	}
	for _, job := range jobs {
		if err := e.scheduler.Add(job); err != nil {
			return err
		}
	}
	return nil
}

// emitInsight broadcasts an insight and archives it. Archive failures
// only cost the audit copy.
func (e *Engine) emitInsight(ctx context.Context, ins model.Insight) {
	e.broadcaster.Insight(ctx, ins)

	archiveCtx, cancel := context.WithTimeout(ctx, e.cfg.Buffer.StoreTimeout)
	defer cancel()
	if err := e.deps.Documents.Archive(archiveCtx, store.CollectionInsight, ins.ID, ins.SubjectID, ins.GeneratedAt.UnixMilli(), ins); err != nil {
		log.WithFields(log.Fields{"kind": ins.Kind, "subject": ins.SubjectID}).Warnf("Failed to archive insight: %v", err)
	}
}

// Run consumes until ctx is cancelled, then shuts down in order: stop
// polling and finish in-flight messages, drain insight workers, flush all
// buffers within the shutdown timeout, stop the scheduler and the
// broadcast queue.
func (e *Engine) Run(ctx context.Context) error {
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		e.flusher.Run(workCtx)
	}()
	e.insights.Start(workCtx)
	e.async.Start(workCtx)

	schedCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()
	e.scheduler.Start(schedCtx)
	workers.Add(1)
	go func() {
		defer workers.Done()
		e.watchJobs(schedCtx)
	}()

	e.ready.Store(true)
	log.WithField("sources", len(e.deps.Sources)).Info("Insight engine running")

	err := e.loop.Run(ctx)
	e.ready.Store(false)
	log.Info("Ingestion stopped, draining")

	e.insights.Close()
	e.flusher.Close()

	flushCtx, cancel := context.WithTimeout(context.Background(), e.cfg.HTTP.ShutdownTimeout)
	n, flushErr := e.flusher.FlushAll(flushCtx)
	cancel()
	if flushErr != nil {
		log.WithField("flushed", n).Errorf("Final flush incomplete, %v metrics left unwritten: %v", e.flusher.GetStats(), flushErr)
	} else {
		log.WithField("flushed", n).Info("Final flush complete")
	}

	stopScheduler()
	e.scheduler.Wait()
	e.async.Close()
	stopWork()
	workers.Wait()

	log.Info("Insight engine stopped")
	return errors.Join(err, flushErr)
}

func (e *Engine) watchJobs(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-e.scheduler.Results():
			e.jobsMu.Lock()
			e.lastJobs[res.Job] = res
			e.jobsMu.Unlock()
		}
	}
}

// GetRealtimeMetrics aggregates the realtime granularity, for one subject
// when subject is not empty.
func (e *Engine) GetRealtimeMetrics(subject string) (model.AggregationResult, error) {
	return e.GetWindowMetrics(window.Realtime, subject)
}

// GetWindowMetrics aggregates any configured granularity.
func (e *Engine) GetWindowMetrics(granularity, subject string) (model.AggregationResult, error) {
	if subject == "" {
		return e.windows.Aggregate(granularity)
	}
	return e.windows.AggregateForSubject(granularity, subject)
}

// HistoricalQuery selects stored metrics with Start <= timestamp < End.
type HistoricalQuery struct {
	Start   time.Time
	End     time.Time
	Subject string
	Limit   int
}

// Historical is the answer of GetHistoricalData.
type Historical struct {
	Records []model.Metric          `json:"records"`
	Summary model.AggregationResult `json:"summary"`
}

// GetHistoricalData reads flushed metrics from the document store. Records
// are capped by Limit; the summary covers the whole range. In-memory
// windows are not consulted.
func (e *Engine) GetHistoricalData(ctx context.Context, q HistoricalQuery) (Historical, error) {
	if !q.End.After(q.Start) {
		return Historical{}, ErrInvalidRange
	}
	mq := store.MetricQuery{
		Start:   q.Start,
		End:     q.End,
		Subject: q.Subject,
		Limit:   q.Limit,
	}
	records, err := e.deps.Documents.QueryMetrics(ctx, mq)
	if err != nil {
		return Historical{}, err
	}
	summary, err := e.deps.Documents.SummarizeMetrics(ctx, mq)
	if err != nil {
		return Historical{}, err
	}
	return Historical{Records: records, Summary: summary}, nil
}

// Granularities lists the configured window granularities.
func (e *Engine) Granularities() []window.Granularity {
	return e.windows.Granularities()
}

// Ready reports whether the engine is consuming and its stores respond.
func (e *Engine) Ready(ctx context.Context) error {
	if !e.ready.Load() {
		return errors.New("engine not running")
	}
	if err := e.deps.Documents.Ping(ctx); err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	if err := e.deps.Cache.Ping(ctx); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// GetStats returns a snapshot of internal counters.
func (e *Engine) GetStats() map[string]interface{} {
	e.jobsMu.Lock()
	jobs := make(map[string]interface{}, len(e.lastJobs))
	for name, res := range e.lastJobs {
		entry := map[string]interface{}{
			"started":     res.Started,
			"duration_ms": res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			entry["error"] = res.Err.Error()
		}
		jobs[name] = entry
	}
	e.jobsMu.Unlock()

	return map[string]interface{}{
		"windows":  e.windows.GetStats(),
		"buffered": e.flusher.GetStats(),
		"breaker":  e.breaker.GetMetrics(),
		"dedup":    e.dedup.GetStats(),
		"jobs":     jobs,
	}
}
