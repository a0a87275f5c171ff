package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/buffer"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/metrics"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

// Windows folds a metric into every granularity.
type Windows interface {
	Add(m model.Metric) []model.WindowKey
}

// Buffer queues a metric for durable write-through.
type Buffer interface {
	Add(kind model.Kind, m model.Metric) error
}

// InsightSubmitter hands a metric to the insight workers without blocking.
type InsightSubmitter interface {
	Submit(m model.Metric) bool
}

// MetricPublisher broadcasts accepted metrics.
type MetricPublisher interface {
	Metric(ctx context.Context, m model.Metric)
}

// DeadLetterer records a failed message. It must not fail the caller.
type DeadLetterer interface {
	Send(ctx context.Context, msg kafka.Message, stage string, cause error)
}

// Deps wires a Pipeline. Insights, Broadcast and Dedup are optional.
type Deps struct {
	Normalizer Normalizer
	Windows    Windows
	Buffer     Buffer
	Insights   InsightSubmitter
	Broadcast  MetricPublisher
	DeadLetter DeadLetterer
	Dedup      *DedupIndex
	Stats      *metrics.Collectors
}

// Pipeline processes one message at a time; it is safe for concurrent use
// by several consuming goroutines.
type Pipeline struct {
	Deps
	now func() time.Time
}

func NewPipeline(d Deps) *Pipeline {
	if d.Dedup == nil {
		d.Dedup = NewDedupIndex(0)
	}
	return &Pipeline{Deps: d, now: time.Now}
}

// Handle runs msg through the pipeline. A nil result means msg may be
// acknowledged: it was accepted, recognized as a replay, or dead-lettered.
// An error means msg must stay unacknowledged so it is redelivered.
func (p *Pipeline) Handle(ctx context.Context, msg kafka.Message) error {
	p.Stats.MessageReceived(msg.Topic)

	m, err := p.Normalizer.Parse(OriginOf(msg), msg.Value)
	if err != nil {
		p.deadLetter(ctx, msg, err)
		return nil
	}

	fields := log.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
		"kind":      m.Kind(),
		"subject":   m.SubjectID(),
	}

	key := m.DedupKey()
	if p.Dedup.Check(key, p.now()) {
		p.Stats.MessageDeduplicated(msg.Topic)
		log.WithFields(fields).Debug("Skipping replayed metric")
		return nil
	}

	p.Windows.Add(m)

	if err := p.Buffer.Add(m.Kind(), m); err != nil {
		if errors.Is(err, buffer.ErrBufferClosed) {
			p.Dedup.Forget(key)
			return stageErr(StageBuffered, err)
		}
		p.deadLetter(ctx, msg, stageErr(StageBuffered, err))
		return nil
	}

	if p.Insights != nil {
		p.Insights.Submit(m)
	}
	if p.Broadcast != nil {
		p.Broadcast.Metric(ctx, m)
	}

	log.WithFields(fields).Debug("Metric accepted")
	return nil
}

func (p *Pipeline) deadLetter(ctx context.Context, msg kafka.Message, err error) {
	stage := StageClassified
	var se *StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	p.DeadLetter.Send(ctx, msg, stage, err)
}
