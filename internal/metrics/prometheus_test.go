package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilCollectorsAreNoOps(t *testing.T) {
	var c *Collectors
	assert.NotPanics(t, func() {
		c.MessageReceived("transactions")
		c.Flushed("payment", 3, time.Millisecond, nil)
		c.JobRan("flush", time.Millisecond, errors.New("x"))
		c.SetBuffered("payment", 1)
	})
	assert.Nil(t, c.Registry())
}

func TestFlushedSplitsOutcomes(t *testing.T) {
	c := New()
	c.Flushed("payment", 5, time.Millisecond, nil)
	c.Flushed("payment", 5, time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.flushes.WithLabelValues("payment", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.flushes.WithLabelValues("payment", "failure")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.flushedMetrics.WithLabelValues("payment")))
}

func TestHandlerExposesEngineMetrics(t *testing.T) {
	c := New()
	c.DeadLettered("payments", "classified")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `insight_engine_messages_dead_lettered_total{stage="classified",topic="payments"} 1`), body)
}
