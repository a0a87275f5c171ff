package window

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMetric(t *testing.T, ts int64, subject, amount, currency string, kind model.Kind) model.Metric {
	t.Helper()
	m, err := model.NewMetric(model.MetricFields{
		Timestamp: ts,
		SubjectID: subject,
		EntityID:  fmt.Sprintf("%s-%d-%s", subject, ts, amount),
		Amount:    model.MustDecimal(amount),
		Currency:  currency,
		Kind:      kind,
	})
	require.NoError(t, err)
	return m
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(DefaultGranularities, 100)
	require.NoError(t, err)
	return s
}

func TestNewStoreRejectsBadConfig(t *testing.T) {
	_, err := NewStore(nil, 100)
	assert.Error(t, err)

	_, err = NewStore(DefaultGranularities, 0)
	assert.Error(t, err)

	_, err = NewStore([]Granularity{{Name: "a", Interval: time.Second}, {Name: "a", Interval: time.Minute}}, 10)
	assert.Error(t, err)
}

func TestAddWritesOneBucketPerGranularity(t *testing.T) {
	s := newTestStore(t)
	ts := int64(1_700_000_123_456)

	keys := s.Add(newMetric(t, ts, "U1", "10", "USD", model.KindTransaction))

	require.Len(t, keys, 4)
	assert.Equal(t, model.WindowKey{Granularity: Realtime, BucketStart: 1_700_000_123_000}, keys[0])
	assert.Equal(t, model.WindowKey{Granularity: Minute, BucketStart: 1_700_000_100_000}, keys[1])
	assert.Equal(t, model.WindowKey{Granularity: Hour, BucketStart: 1_699_999_200_000}, keys[2])
	assert.Equal(t, Day, keys[3].Granularity)

	for _, g := range DefaultGranularities {
		assert.Equal(t, 1, s.LiveBuckets(g.Name), g.Name)
	}
}

func TestAggregateTotals(t *testing.T) {
	s := newTestStore(t)
	base := int64(1_700_000_000_000)

	s.Add(newMetric(t, base, "U1", "100", "USD", model.KindTransaction))
	s.Add(newMetric(t, base+1500, "U2", "50.5", "EUR", model.KindPayment))
	s.Add(newMetric(t, base+2500, "U1", "49.5", "USD", model.KindUserActivity))

	res, err := s.Aggregate(Realtime)
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.TotalCount)
	assert.True(t, res.TotalAmount.Equal(model.MustDecimal("200")), res.TotalAmount.String())
	assert.True(t, res.AverageAmount.Cmp(model.MustDecimal("66.66666666")) > 0)
	assert.Equal(t, int64(2), res.UniqueSubjectCount)
	assert.True(t, res.AmountByCurrency["USD"].Equal(model.MustDecimal("149.5")))
	assert.True(t, res.AmountByCurrency["EUR"].Equal(model.MustDecimal("50.5")))
	assert.Equal(t, int64(1), res.CountByKind[model.KindPayment])
	assert.Equal(t, model.TimeRange{Start: base, End: base + 2500}, res.TimeRange)
	assert.Equal(t, 3, s.LiveBuckets(Realtime))
	assert.Equal(t, 1, s.LiveBuckets(Minute))
}

func TestAggregateEmptyHasZeroAverage(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Aggregate(Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.TotalCount)
	assert.True(t, res.AverageAmount.IsZero())
}

func TestAggregateUnknownGranularity(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Aggregate("fortnight")
	assert.ErrorIs(t, err, ErrUnknownGranularity)
	_, err = s.EvictOlderThan("fortnight", 0)
	assert.ErrorIs(t, err, ErrUnknownGranularity)
}

func TestAggregateForSubject(t *testing.T) {
	s := newTestStore(t)
	base := int64(1_700_000_000_000)

	for i := 0; i < 3; i++ {
		s.Add(newMetric(t, base+int64(i)*1000, "U1", "100", "USD", model.KindTransaction))
	}
	s.Add(newMetric(t, base, "U2", "999", "USD", model.KindTransaction))

	res, err := s.AggregateForSubject(Minute, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.TotalCount)
	assert.True(t, res.TotalAmount.Equal(model.MustDecimal("300")))
	assert.True(t, res.AverageAmount.Equal(model.MustDecimal("100")))
	assert.Equal(t, int64(1), res.UniqueSubjectCount)

	none, err := s.AggregateForSubject(Minute, "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), none.TotalCount)
	assert.Equal(t, int64(0), none.UniqueSubjectCount)
}

func TestAggregateBucket(t *testing.T) {
	s := newTestStore(t)
	hour := int64(3_600_000)
	base := int64(1_699_999_200_000) // hour aligned

	s.Add(newMetric(t, base+10, "U1", "100", "USD", model.KindTransaction))
	s.Add(newMetric(t, base+hour+10, "U1", "175", "USD", model.KindTransaction))

	prev, err := s.AggregateBucket(Hour, base, "U1")
	require.NoError(t, err)
	cur, err := s.AggregateBucket(Hour, base+hour, "U1")
	require.NoError(t, err)
	missing, err := s.AggregateBucket(Hour, base-hour, "U1")
	require.NoError(t, err)

	assert.True(t, prev.TotalAmount.Equal(model.MustDecimal("100")))
	assert.True(t, cur.TotalAmount.Equal(model.MustDecimal("175")))
	assert.Equal(t, int64(0), missing.TotalCount)
}

func TestTotalCountMatchesMetricsAddedAcrossGranularities(t *testing.T) {
	s := newTestStore(t)
	base := int64(1_700_000_000_000)

	added := 0
	for i := 0; i < 250; i++ {
		s.Add(newMetric(t, base+int64(i)*7919, fmt.Sprintf("U%d", i%17), "1.25", "USD", model.KindTransaction))
		added++
	}

	for _, g := range DefaultGranularities {
		res, err := s.Aggregate(g.Name)
		require.NoError(t, err)
		assert.Equal(t, int64(added), res.TotalCount, g.Name)
		assert.Equal(t, int64(17), res.UniqueSubjectCount, g.Name)
	}
}

func TestConcurrentAdd(t *testing.T) {
	s := newTestStore(t)
	base := int64(1_700_000_000_000)

	const workers, perWorker = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.Add(newMetric(t, base+int64(i*10), fmt.Sprintf("U%d", w), "2", "USD", model.KindPayment))
			}
		}(w)
	}
	wg.Wait()

	res, err := s.Aggregate(Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), res.TotalCount)
	assert.True(t, res.TotalAmount.Equal(model.DecimalFromInt64(2*workers*perWorker)))
	assert.Equal(t, int64(workers), res.UniqueSubjectCount)
}

func TestEvictOlderThan(t *testing.T) {
	s := newTestStore(t)
	base := int64(1_700_000_000_000)

	s.Add(newMetric(t, base, "OLD", "5", "USD", model.KindTransaction))
	s.Add(newMetric(t, base+10_000, "NEW", "7", "USD", model.KindTransaction))

	removed, err := s.EvictOlderThan(Realtime, base+5_000)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	res, err := s.Aggregate(Realtime)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.TotalCount)
	assert.Equal(t, int64(1), res.UniqueSubjectCount)
	assert.True(t, res.TotalAmount.Equal(model.MustDecimal("7")))

	// other granularities are untouched
	minute, err := s.Aggregate(Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), minute.TotalCount)
}

func TestAddAfterEvictionLandsInLiveBucket(t *testing.T) {
	s := newTestStore(t)
	base := int64(1_700_000_000_000)
	m := newMetric(t, base, "U1", "5", "USD", model.KindTransaction)

	// a writer that looked the bucket up just before it was evicted
	w := s.windows[Realtime]
	stale := w.bucketFor(model.BucketStart(base, time.Second))
	_, err := s.EvictOlderThan(Realtime, base+1_000)
	require.NoError(t, err)
	assert.False(t, stale.add(m), "evicted bucket accepts no writes")

	s.Add(m)
	res, err := s.Aggregate(Realtime)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.TotalCount)
	assert.Equal(t, 1, s.LiveBuckets(Realtime))
}

func TestConcurrentAddAndEvict(t *testing.T) {
	s := newTestStore(t)
	base := int64(1_700_000_000_000)

	metrics := make([]model.Metric, 3)
	for i := range metrics {
		metrics[i] = newMetric(t, base+int64(i)*1000, "U1", "1", "USD", model.KindTransaction)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				s.Add(metrics[j%3])
			}
		}()
	}
	stop := make(chan struct{})
	evicted := make(chan struct{})
	go func() {
		defer close(evicted)
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = s.EvictOlderThan(Realtime, base+3_000)
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-evicted

	minute, err := s.Aggregate(Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), minute.TotalCount)
	_, err = s.EvictOlderThan(Realtime, base+3_000)
	require.NoError(t, err)
	assert.Equal(t, 0, s.LiveBuckets(Realtime))
}

func TestEvictExpiredUsesRetentionHorizon(t *testing.T) {
	s, err := NewStore([]Granularity{{Name: Realtime, Interval: time.Second}}, 100)
	require.NoError(t, err)

	now := time.UnixMilli(1_700_000_500_000)
	g, _ := s.Granularity(Realtime)
	cutoff := s.Cutoff(g, now)
	assert.Equal(t, now.UnixMilli()-100_000, cutoff)

	s.Add(newMetric(t, cutoff-1, "U1", "1", "USD", model.KindTransaction))
	s.Add(newMetric(t, cutoff, "U1", "1", "USD", model.KindTransaction))
	s.Add(newMetric(t, now.UnixMilli(), "U1", "1", "USD", model.KindTransaction))

	removed := s.EvictExpired(now)
	assert.Equal(t, 1, removed[Realtime])

	res, err := s.Aggregate(Realtime)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.TotalCount)
	assert.Equal(t, uint64(1), s.GetStats()["evictions"])
}

func TestBucketsSummary(t *testing.T) {
	s := newTestStore(t)
	base := int64(1_699_999_200_000)

	s.Add(newMetric(t, base+1, "U1", "10", "USD", model.KindTransaction))
	s.Add(newMetric(t, base+2, "U2", "20", "USD", model.KindTransaction))
	s.Add(newMetric(t, base+3_600_001, "U1", "30", "USD", model.KindTransaction))

	buckets, err := s.Buckets(Hour)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, base, buckets[0].BucketStart)
	assert.Equal(t, int64(2), buckets[0].Count)
	assert.Equal(t, int64(2), buckets[0].UniqueSubjects)
	assert.True(t, buckets[1].TotalAmount.Equal(model.MustDecimal("30")))
}
