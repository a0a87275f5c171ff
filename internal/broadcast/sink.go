// Package broadcast fans metrics, insights and rollup reports out to
// subscribers. Delivery is best-effort and never blocks ingestion.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/metrics"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	ChannelMetrics    = "analytics:metrics"
	ChannelInsights   = "analytics:insights"
	ChannelRollupHour = "analytics:rollup:hour"
)

// ErrQueueFull is returned when a non-blocking publish has no room.
var ErrQueueFull = errors.New("broadcast queue full")

// InsightChannel is the per-subject insight channel.
func InsightChannel(subject string) string {
	return ChannelInsights + ":" + subject
}

// Sink publishes a JSON payload on a named channel.
type Sink interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisSink publishes with Redis PUBLISH.
type RedisSink struct {
	client *redis.Client
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, channel string, payload []byte) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, channel, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type envelope struct {
	channel string
	payload []byte
}

// Async decouples callers from a slow sink through a bounded queue.
type Async struct {
	sink  Sink
	queue chan envelope
	stats *metrics.Collectors
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewAsync(sink Sink, size int, stats *metrics.Collectors) *Async {
	if size <= 0 {
		size = 1024
	}
	return &Async{sink: sink, queue: make(chan envelope, size), stats: stats}
}

// Start runs the delivery goroutine. ctx bounds each delivery.
func (a *Async) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for env := range a.queue {
			if err := a.sink.Publish(ctx, env.channel, env.payload); err != nil {
				a.stats.BroadcastDropped("sink-error")
				log.WithField("channel", env.channel).Warnf("Broadcast failed: %v", err)
			}
		}
	}()
}

// Publish enqueues without blocking.
func (a *Async) Publish(_ context.Context, channel string, payload []byte) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrQueueFull
	}
	select {
	case a.queue <- envelope{channel: channel, payload: payload}:
		return nil
	default:
		a.stats.BroadcastDropped("queue-full")
		return ErrQueueFull
	}
}

// Close stops accepting payloads and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}

// Broadcaster encodes engine output onto the well-known channels.
type Broadcaster struct {
	sink Sink
}

func NewBroadcaster(sink Sink) *Broadcaster {
	return &Broadcaster{sink: sink}
}

func (b *Broadcaster) publish(ctx context.Context, channel string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.WithField("channel", channel).Errorf("Failed to encode broadcast: %v", err)
		return
	}
	if err := b.sink.Publish(ctx, channel, payload); err != nil {
		log.WithField("channel", channel).Debugf("Broadcast not delivered: %v", err)
	}
}

func (b *Broadcaster) Metric(ctx context.Context, m model.Metric) {
	b.publish(ctx, ChannelMetrics, m)
}

// Insight publishes on the shared and the subject's insight channel.
func (b *Broadcaster) Insight(ctx context.Context, ins model.Insight) {
	b.publish(ctx, ChannelInsights, ins)
	if ins.SubjectID != "" {
		b.publish(ctx, InsightChannel(ins.SubjectID), ins)
	}
}

func (b *Broadcaster) Report(ctx context.Context, r model.Report) {
	b.publish(ctx, ChannelRollupHour, r)
}
