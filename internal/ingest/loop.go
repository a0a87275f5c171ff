package ingest

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/bus"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/metrics"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	minBackoff    = 100 * time.Millisecond
	maxBackoff    = 5 * time.Second
	commitTimeout = 10 * time.Second
)

// Loop pulls from every source on its own goroutine. Within a source,
// messages are handled and committed one at a time, in order.
type Loop struct {
	sources  []bus.Source
	pipeline *Pipeline
	stats    *metrics.Collectors
}

func NewLoop(sources []bus.Source, pipeline *Pipeline, stats *metrics.Collectors) *Loop {
	return &Loop{sources: sources, pipeline: pipeline, stats: stats}
}

// Run consumes until ctx is cancelled and returns once every in-flight
// message has been handled and committed.
func (l *Loop) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range l.sources {
		src := src
		g.Go(func() error {
			return l.consume(gctx, src)
		})
	}
	return g.Wait()
}

func (l *Loop) consume(ctx context.Context, src bus.Source) error {
	backoff := minBackoff
	for {
		msg, err := src.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			log.Warnf("Failed to fetch message: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff

		start := time.Now()
		if err := l.pipeline.Handle(ctx, msg); err != nil {
			// committing anything after msg would acknowledge it too
			log.WithFields(log.Fields{
				"topic":     msg.Topic,
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Warnf("Stopping consumption, message left unacknowledged: %v", err)
			return nil
		}

		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		err = src.CommitMessages(commitCtx, msg)
		cancel()
		if err != nil {
			log.WithFields(log.Fields{
				"topic":     msg.Topic,
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Errorf("Failed to commit message: %v", err)
			continue
		}
		l.stats.MessageAcked(msg.Topic, start)
	}
}
