// Package buffer decouples high-frequency ingestion from durable writes.
// Each metric kind has its own append-only buffer that is swapped out
// whole and written as one batch.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/circuit"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/metrics"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrUnknownKind is returned by Add for a kind without a buffer.
	ErrUnknownKind = errors.New("no buffer for kind")
	// ErrBufferClosed is returned by Add after Close.
	ErrBufferClosed = errors.New("buffer closed")
)

// DocumentWriter bulk-inserts a batch into the collection named by kind.
// Inserts must be idempotent per metric DedupKey.
type DocumentWriter interface {
	InsertMetrics(ctx context.Context, kind model.Kind, batch []model.Metric) error
}

// RollupWriter merges a batch into the (bucketHour, subject, currency, kind)
// running aggregates. Replaying a batch must not double count.
type RollupWriter interface {
	UpsertRollups(ctx context.Context, batch []model.Metric) error
}

// Config tunes the flusher.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	StoreTimeout  time.Duration
}

// Flusher owns one buffer per kind.
type Flusher struct {
	cfg     Config
	docs    DocumentWriter
	rollups RollupWriter
	breaker *circuit.Breaker
	stats   *metrics.Collectors
	now     func() time.Time

	buffers map[model.Kind]*kindBuffer // fixed after New

	closeOnce sync.Once
	closed    chan struct{}
}

type kindBuffer struct {
	kind    model.Kind
	trigger chan struct{} // capacity 1: at most one pending flush request

	mu        sync.Mutex // guards items and lastFlush
	items     []model.Metric
	lastFlush time.Time

	writeMu sync.Mutex // one batch write per kind at a time
}

// New creates a flusher with a buffer per kind. breaker may be nil.
func New(cfg Config, kinds []model.Kind, docs DocumentWriter, rollups RollupWriter, breaker *circuit.Breaker, stats *metrics.Collectors) (*Flusher, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("flush interval must be positive, got %v", cfg.FlushInterval)
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	if docs == nil || rollups == nil {
		return nil, fmt.Errorf("document and rollup writers are required")
	}

	f := &Flusher{
		cfg:     cfg,
		docs:    docs,
		rollups: rollups,
		breaker: breaker,
		stats:   stats,
		now:     time.Now,
		buffers: make(map[model.Kind]*kindBuffer, len(kinds)),
		closed:  make(chan struct{}),
	}
	start := f.now()
	for _, k := range kinds {
		f.buffers[k] = &kindBuffer{
			kind:      k,
			trigger:   make(chan struct{}, 1),
			items:     make([]model.Metric, 0, cfg.BatchSize),
			lastFlush: start,
		}
	}
	return f, nil
}

// Add appends m to the kind's buffer. When the buffer reaches BatchSize or
// FlushInterval has elapsed since the last flush, a flush is requested from
// the kind's worker; Add itself never performs I/O.
func (f *Flusher) Add(kind model.Kind, m model.Metric) error {
	select {
	case <-f.closed:
		return ErrBufferClosed
	default:
	}

	kb, ok := f.buffers[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	kb.mu.Lock()
	kb.items = append(kb.items, m)
	n := len(kb.items)
	due := n >= f.cfg.BatchSize || f.now().Sub(kb.lastFlush) >= f.cfg.FlushInterval
	kb.mu.Unlock()

	f.stats.SetBuffered(string(kind), n)
	if due {
		select {
		case kb.trigger <- struct{}{}:
		default:
			// a flush is already pending
		}
	}
	return nil
}

// Run starts one flush worker per kind and blocks until ctx is done.
func (f *Flusher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, kb := range f.buffers {
		wg.Add(1)
		go func(kb *kindBuffer) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-kb.trigger:
					if _, err := f.Flush(ctx, kb.kind); err != nil {
						log.WithError(err).WithField("kind", kb.kind).Warn("Triggered flush failed, batch kept for retry")
					}
				}
			}
		}(kb)
	}
	wg.Wait()
}

// Flush swaps out the kind's buffer and writes it to both stores. On any
// failure the batch is put back in front of whatever arrived meanwhile and
// the error is returned; nothing is dropped. It returns the number of
// metrics written.
func (f *Flusher) Flush(ctx context.Context, kind model.Kind) (int, error) {
	kb, ok := f.buffers[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	kb.writeMu.Lock()
	defer kb.writeMu.Unlock()

	kb.mu.Lock()
	batch := kb.items
	kb.items = make([]model.Metric, 0, f.cfg.BatchSize)
	kb.lastFlush = f.now()
	kb.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	start := time.Now()
	err := f.write(ctx, kind, batch)
	f.stats.Flushed(string(kind), len(batch), time.Since(start), err)

	if err != nil {
		kb.mu.Lock()
		kb.items = append(batch, kb.items...)
		pending := len(kb.items)
		kb.mu.Unlock()
		f.stats.SetBuffered(string(kind), pending)

		log.WithFields(log.Fields{
			"kind":    kind,
			"batch":   len(batch),
			"pending": pending,
		}).WithError(err).Error("Flush failed, batch re-queued")
		return 0, fmt.Errorf("flush %s: %w", kind, err)
	}

	f.stats.SetBuffered(string(kind), f.Pending(kind))
	log.WithFields(log.Fields{
		"kind":     kind,
		"batch":    len(batch),
		"duration": time.Since(start),
	}).Debug("Flushed batch")
	return len(batch), nil
}

func (f *Flusher) write(ctx context.Context, kind model.Kind, batch []model.Metric) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.StoreTimeout)
	defer cancel()

	do := func() error {
		if err := f.docs.InsertMetrics(ctx, kind, batch); err != nil {
			return fmt.Errorf("document insert: %w", err)
		}
		if err := f.rollups.UpsertRollups(ctx, batch); err != nil {
			return fmt.Errorf("rollup upsert: %w", err)
		}
		return nil
	}
	if f.breaker == nil {
		return do()
	}
	return f.breaker.Call(do)
}

// FlushAll flushes every kind regardless of thresholds.
func (f *Flusher) FlushAll(ctx context.Context) (int, error) {
	var errs []error
	total := 0
	for k := range f.buffers {
		n, err := f.Flush(ctx, k)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Pending returns how many metrics wait in the kind's buffer.
func (f *Flusher) Pending(kind model.Kind) int {
	kb, ok := f.buffers[kind]
	if !ok {
		return 0
	}
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return len(kb.items)
}

// Close rejects further Adds. Buffered data stays for a final FlushAll.
func (f *Flusher) Close() {
	f.closeOnce.Do(func() { close(f.closed) })
}

// GetStats returns pending counts per kind.
func (f *Flusher) GetStats() map[string]int {
	stats := make(map[string]int, len(f.buffers))
	for k := range f.buffers {
		stats[string(k)] = f.Pending(k)
	}
	return stats
}
