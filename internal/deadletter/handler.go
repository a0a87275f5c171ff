// Package deadletter republishes messages the pipeline could not process
// to <topic><suffix>, keeping the raw payload and adding failure metadata
// as headers.
package deadletter

import (
	"context"
	"strconv"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/bus"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/metrics"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

// Header keys added to dead-lettered messages.
const (
	HeaderOriginalTopic     = "originalTopic"
	HeaderErrorMessage      = "errorMessage"
	HeaderFailedAtTimestamp = "failedAtTimestamp"
	HeaderStage             = "stage"
	HeaderPartition         = "originalPartition"
	HeaderOffset            = "originalOffset"
)

type Handler struct {
	pub     bus.Publisher
	suffix  string
	timeout time.Duration
	stats   *metrics.Collectors
	now     func() time.Time
}

func NewHandler(pub bus.Publisher, suffix string, stats *metrics.Collectors) *Handler {
	return &Handler{
		pub:     pub,
		suffix:  suffix,
		timeout: 10 * time.Second,
		stats:   stats,
		now:     time.Now,
	}
}

// Topic names the dead-letter topic of topic.
func (h *Handler) Topic(topic string) string {
	return topic + h.suffix
}

// Send publishes msg to its dead-letter topic. It never fails the caller:
// a publish error is logged and counted and the record is lost.
func (h *Handler) Send(ctx context.Context, msg kafka.Message, stage string, cause error) {
	errMsg := "unknown error"
	if cause != nil {
		errMsg = cause.Error()
	}

	headers := make([]kafka.Header, 0, len(msg.Headers)+6)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderErrorMessage, Value: []byte(errMsg)},
		kafka.Header{Key: HeaderFailedAtTimestamp, Value: []byte(strconv.FormatInt(h.now().UnixMilli(), 10))},
		kafka.Header{Key: HeaderStage, Value: []byte(stage)},
		kafka.Header{Key: HeaderPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
	)

	dead := kafka.Message{
		Topic:   h.Topic(msg.Topic),
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}

	// the dead letter is still written when the poll context is being cancelled
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	defer cancel()

	fields := log.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
		"stage":     stage,
	}
	if err := h.pub.WriteMessages(writeCtx, dead); err != nil {
		h.stats.DeadLetterFailed()
		log.WithFields(fields).Errorf("Failed to dead-letter message (%s): %v", errMsg, err)
		return
	}

	h.stats.DeadLettered(msg.Topic, stage)
	log.WithFields(fields).Warnf("Dead-lettered message: %s", errMsg)
}

// Header returns the value of key in headers.
func Header(headers []kafka.Header, key string) (string, bool) {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}
