package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []envelope
	err  error
	gate chan struct{}
}

func (s *recordingSink) Publish(_ context.Context, channel string, payload []byte) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, envelope{channel: channel, payload: payload})
	return s.err
}

func (s *recordingSink) channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.got))
	for i, e := range s.got {
		out[i] = e.channel
	}
	return out
}

func TestBroadcasterChannels(t *testing.T) {
	sink := &recordingSink{}
	b := NewBroadcaster(sink)
	ctx := context.Background()

	m, err := model.NewMetric(model.MetricFields{
		Timestamp: 1, SubjectID: "U1", Amount: model.MustDecimal("1"), Currency: "USD", Kind: model.KindPayment,
	})
	require.NoError(t, err)

	b.Metric(ctx, m)
	b.Insight(ctx, model.Insight{ID: "i1", SubjectID: "U1", Kind: model.InsightHighVelocity})
	b.Report(ctx, model.Report{ID: "r1", Granularity: "hour"})

	assert.Equal(t, []string{
		ChannelMetrics,
		ChannelInsights,
		"analytics:insights:U1",
		ChannelRollupHour,
	}, sink.channels())

	var decoded model.Insight
	require.NoError(t, json.Unmarshal(sink.got[1].payload, &decoded))
	assert.Equal(t, "i1", decoded.ID)
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("down")}

	err := Multi{bad, ok}.Publish(context.Background(), "c", []byte("{}"))
	require.Error(t, err)
	assert.Len(t, ok.got, 1, "healthy sink still receives the payload")
}

func TestAsyncDeliversQueuedOnClose(t *testing.T) {
	sink := &recordingSink{}
	a := NewAsync(sink, 100, nil)
	a.Start(context.Background())

	for i := 0; i < 50; i++ {
		require.NoError(t, a.Publish(context.Background(), ChannelMetrics, []byte("{}")))
	}
	a.Close()

	assert.Len(t, sink.channels(), 50)
	assert.ErrorIs(t, a.Publish(context.Background(), ChannelMetrics, nil), ErrQueueFull)
}

func TestAsyncDropsWhenFull(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	a := NewAsync(sink, 1, nil)
	a.Start(context.Background())

	dropped := 0
	for i := 0; i < 10; i++ {
		if err := a.Publish(context.Background(), ChannelMetrics, []byte("{}")); errors.Is(err, ErrQueueFull) {
			dropped++
		}
	}
	assert.GreaterOrEqual(t, dropped, 8)

	close(sink.gate)
	a.Close()
}

func TestRedisSinkPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sub := client.Subscribe(context.Background(), ChannelInsights)
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	require.NoError(t, NewRedisSink(client).Publish(context.Background(), ChannelInsights, []byte(`{"id":"i1"}`)))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, ChannelInsights, msg.Channel)
		assert.Equal(t, `{"id":"i1"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHubFiltersByChannelPrefix(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	insightsOnly := dial(t, srv, "?channels=analytics:insights")
	everything := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, ChannelMetrics, []byte(`{"n":1}`)))
	require.NoError(t, hub.Publish(ctx, InsightChannel("U1"), []byte(`{"n":2}`)))

	f := readFrame(t, insightsOnly)
	assert.Equal(t, "analytics:insights:U1", f.Channel)
	assert.JSONEq(t, `{"n":2}`, string(f.Data))

	assert.Equal(t, ChannelMetrics, readFrame(t, everything).Channel)
	assert.Equal(t, "analytics:insights:U1", readFrame(t, everything).Channel)
}

func TestHubUnregistersClosedClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
