// Package bus builds the Kafka readers and writer the engine talks to.
// *kafka.Reader satisfies Source and *kafka.Writer satisfies Publisher.
package bus

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

// Source is a consumer-group reader of one topic.
type Source interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes messages to the topic named on each message.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers  []string
	GroupID  string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
	ClientID string
}

// NewReader creates a consumer-group reader for topic. Commits are
// synchronous so a committed offset always follows the processed ones.
func NewReader(cfg Config, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,

		QueueCapacity:         1000,
		ReadBatchTimeout:      10 * time.Millisecond,
		WatchPartitionChanges: true,
		ReadBackoffMin:        100 * time.Millisecond,
		ReadBackoffMax:        time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.WithField("topic", topic).Errorf(msg, args...)
		}),
	})
}

// NewReaders creates one reader per topic.
func NewReaders(cfg Config, topics []string) []*kafka.Reader {
	readers := make([]*kafka.Reader, 0, len(topics))
	for _, topic := range topics {
		readers = append(readers, NewReader(cfg, topic))
	}
	log.Infof("Kafka readers created for topics: %v", topics)
	return readers
}

// NewWriter creates the writer used for dead letters. The topic is taken
// from each message.
func NewWriter(cfg Config) *kafka.Writer {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "insight-engine"
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		MaxAttempts:            5,
		WriteBackoffMin:        50 * time.Millisecond,
		WriteBackoffMax:        2 * time.Second,
		Transport: &kafka.Transport{
			DialTimeout: 10 * time.Second,
			IdleTimeout: 30 * time.Second,
			MetadataTTL: 60 * time.Second,
			ClientID:    clientID,
		},
	}
}

// ReaderStats reports lag and throughput per topic.
func ReaderStats(readers []*kafka.Reader) map[string]interface{} {
	stats := make(map[string]interface{}, len(readers))
	for _, r := range readers {
		s := r.Stats()
		stats[s.Topic] = map[string]interface{}{
			"messages": s.Messages,
			"bytes":    s.Bytes,
			"errors":   s.Errors,
			"lag":      s.Lag,
			"offset":   s.Offset,
		}
	}
	return stats
}
