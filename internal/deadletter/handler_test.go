package deadletter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (p *fakePublisher) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func TestSendPublishesRawPayloadWithMetadata(t *testing.T) {
	pub := &fakePublisher{}
	h := NewHandler(pub, ".dlq", nil)
	h.now = func() time.Time { return time.UnixMilli(1700000000123) }

	raw := []byte(`{"kind":"refund","amount":5}`)
	h.Send(context.Background(), kafka.Message{
		Topic:     "transactions",
		Partition: 2,
		Offset:    41,
		Key:       []byte("U1"),
		Value:     raw,
		Headers:   []kafka.Header{{Key: "trace", Value: []byte("abc")}},
	}, "classified", errors.New("unknown kind \"refund\""))

	require.Len(t, pub.msgs, 1)
	got := pub.msgs[0]
	assert.Equal(t, "transactions.dlq", got.Topic)
	assert.Equal(t, raw, got.Value)
	assert.Equal(t, []byte("U1"), got.Key)

	for key, want := range map[string]string{
		"trace":                 "abc",
		HeaderOriginalTopic:     "transactions",
		HeaderErrorMessage:      `unknown kind "refund"`,
		HeaderFailedAtTimestamp: "1700000000123",
		HeaderStage:             "classified",
		HeaderPartition:         "2",
		HeaderOffset:            "41",
	} {
		v, ok := Header(got.Headers, key)
		assert.True(t, ok, key)
		assert.Equal(t, want, v, key)
	}
}

func TestSendSwallowsPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	h := NewHandler(pub, ".dlq", nil)

	assert.NotPanics(t, func() {
		h.Send(context.Background(), kafka.Message{Topic: "payments"}, "normalized", nil)
	})
	assert.Empty(t, pub.msgs)
}

func TestSendSurvivesCancelledContext(t *testing.T) {
	pub := &fakePublisher{}
	h := NewHandler(pub, ".dlq", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.Send(ctx, kafka.Message{Topic: "payments", Value: []byte("x")}, "normalized", errors.New("bad"))
	assert.Len(t, pub.msgs, 1)
}

func TestHeaderMissing(t *testing.T) {
	_, ok := Header(nil, HeaderStage)
	assert.False(t, ok)
}
