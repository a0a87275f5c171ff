package insight

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/metrics"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	log "github.com/sirupsen/logrus"
)

// EmitFunc receives every insight produced by the pool.
type EmitFunc func(ctx context.Context, ins model.Insight)

// Pool evaluates metrics off the acknowledgment path. Metrics of one
// subject always land on the same worker and are evaluated in submission
// order.
type Pool struct {
	gen    *Generator
	emit   EmitFunc
	stats  *metrics.Collectors
	queues []chan model.Metric
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(gen *Generator, workers, queueSize int, emit EmitFunc, stats *metrics.Collectors) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	p := &Pool{
		gen:    gen,
		emit:   emit,
		stats:  stats,
		queues: make([]chan model.Metric, workers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan model.Metric, queueSize)
	}
	return p
}

// Start launches the workers. ctx bounds cache calls and emission; the
// workers themselves exit when Close drains the queues.
func (p *Pool) Start(ctx context.Context) {
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, i, q)
	}
}

func (p *Pool) worker(ctx context.Context, id int, queue <-chan model.Metric) {
	defer p.wg.Done()
	for m := range queue {
		for _, ins := range p.gen.Evaluate(ctx, m) {
			p.emit(ctx, ins)
		}
	}
	log.Debugf("Insight worker %d stopped", id)
}

// Submit queues m without blocking. It reports false when the subject's
// queue is full or the pool is closed; the metric then gets no insights.
func (p *Pool) Submit(m model.Metric) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	h := fnv.New32a()
	h.Write([]byte(m.SubjectID()))
	q := p.queues[h.Sum32()%uint32(len(p.queues))]

	select {
	case q <- m:
		return true
	default:
		p.stats.HeuristicFailed("queue-full")
		log.WithField("subject", m.SubjectID()).Warn("Insight queue full, skipping evaluation")
		return false
	}
}

// Close stops accepting metrics and waits until queued ones are evaluated.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
}
