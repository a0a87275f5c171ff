package insight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/cache"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = int64(1_700_000_000_000)

func newMetric(t *testing.T, subject string, ts int64, amount, currency string) model.Metric {
	t.Helper()
	m, err := model.NewMetric(model.MetricFields{
		Timestamp: ts,
		SubjectID: subject,
		EntityID:  fmt.Sprintf("%s-%d", subject, ts),
		Amount:    model.MustDecimal(amount),
		Currency:  currency,
		Kind:      model.KindTransaction,
	})
	require.NoError(t, err)
	return m
}

func only(cfg Config, rules ...string) Config {
	cfg.VolumeSpike, cfg.Velocity, cfg.RoundAmount, cfg.RepeatedAmount = false, false, false, false
	for _, r := range rules {
		switch r {
		case RuleVolumeSpike:
			cfg.VolumeSpike = true
		case RuleHighVelocity:
			cfg.Velocity = true
		case RuleRoundAmount:
			cfg.RoundAmount = true
		case RuleRepeatedAmount:
			cfg.RepeatedAmount = true
		}
	}
	return cfg
}

func newGenerator(cfg Config) *Generator {
	return NewGenerator(cfg, cache.NewMemoryStore(cache.Config{RecentLength: 100, TTL: time.Hour}), nil, nil)
}

func byRule(insights []model.Insight, rule string) []model.Insight {
	var out []model.Insight
	for _, ins := range insights {
		if ins.Rule == rule {
			out = append(out, ins)
		}
	}
	return out
}

func TestRepeatedAmountFiresOnThirdOccurrence(t *testing.T) {
	g := newGenerator(only(DefaultConfig(), RuleRepeatedAmount))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got := g.Evaluate(ctx, newMetric(t, "U1", base+int64(i)*1000, "1500", "USD"))
		assert.Empty(t, got, "occurrence %d", i+1)
	}

	got := g.Evaluate(ctx, newMetric(t, "U1", base+2000, "1500", "USD"))
	require.Len(t, got, 1)
	assert.Equal(t, model.InsightPatternDetected, got[0].Kind)
	assert.Equal(t, RuleRepeatedAmount, got[0].Rule)
	assert.Equal(t, model.SeverityMedium, got[0].Severity)
	assert.Equal(t, 3, got[0].Evidence["occurrences"])
	assert.NotEmpty(t, got[0].ID)
}

func TestRepeatedAmountWithEveryHeuristicEnabled(t *testing.T) {
	g := newGenerator(DefaultConfig())
	ctx := context.Background()

	var repeated [][]model.Insight
	for i := 0; i < 3; i++ {
		got := g.Evaluate(ctx, newMetric(t, "U1", base+int64(i)*1000, "1500", "USD"))
		repeated = append(repeated, byRule(got, RuleRepeatedAmount))
		// 1500 is also a round amount
		assert.Len(t, byRule(got, RuleRoundAmount), 1)
	}
	assert.Empty(t, repeated[0])
	assert.Empty(t, repeated[1])
	assert.Len(t, repeated[2], 1)
}

func TestRepeatedAmountRespectsLookbackAndCurrency(t *testing.T) {
	cfg := only(DefaultConfig(), RuleRepeatedAmount)
	cfg.RepeatedAmountLookback = 4
	g := newGenerator(cfg)
	ctx := context.Background()

	ts := base
	next := func(amount, currency string) []model.Insight {
		ts += 1000
		return g.Evaluate(ctx, newMetric(t, "U1", ts, amount, currency))
	}

	assert.Empty(t, next("50", "USD"))
	assert.Empty(t, next("50", "EUR"))
	assert.Empty(t, next("50", "USD"))
	assert.Empty(t, next("1", "USD"))
	assert.Empty(t, next("2", "USD"))
	// first 50 USD has left the last four
	assert.Empty(t, next("50", "USD"))
	assert.Empty(t, next("50", "USD"))
	assert.Len(t, next("50.00", "USD"), 1)
}

func TestRepeatedAmountIgnoresZeroAmountActivity(t *testing.T) {
	g := newGenerator(DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m, err := model.NewMetric(model.MetricFields{
			Timestamp: base + int64(i)*1000,
			SubjectID: "U1",
			Currency:  "USD",
			Kind:      model.KindUserActivity,
		})
		require.NoError(t, err)
		assert.Empty(t, byRule(g.Evaluate(ctx, m), RuleRepeatedAmount), "activity %d", i+1)
	}
}

func TestHighVelocityOncePerCrossing(t *testing.T) {
	g := newGenerator(only(DefaultConfig(), RuleHighVelocity))
	ctx := context.Background()

	var fired []int
	for i := 0; i < 15; i++ {
		if got := g.Evaluate(ctx, newMetric(t, "U1", base+int64(i)*1000, "5", "USD")); len(got) > 0 {
			require.Len(t, got, 1)
			assert.Equal(t, model.InsightHighVelocity, got[0].Kind)
			assert.Equal(t, model.SeverityHigh, got[0].Severity)
			assert.Equal(t, "U1 produced 11 events within 1m0s", got[0].Message)
			fired = append(fired, i)
		}
	}
	assert.Equal(t, []int{10}, fired, "only the 11th metric crosses the threshold")

	// a quiet period drops the count back under the threshold and re-arms
	later := base + 10*time.Minute.Milliseconds()
	assert.Empty(t, g.Evaluate(ctx, newMetric(t, "U1", later, "5", "USD")))

	fired = nil
	for i := 1; i <= 10; i++ {
		if got := g.Evaluate(ctx, newMetric(t, "U1", later+int64(i)*1000, "5", "USD")); len(got) > 0 {
			fired = append(fired, i)
		}
	}
	assert.Equal(t, []int{10}, fired)
}

func TestHighVelocityIgnoresOldEntries(t *testing.T) {
	g := newGenerator(only(DefaultConfig(), RuleHighVelocity))
	ctx := context.Background()

	// 11 metrics spread over 110 seconds never exceed 10 per minute
	for i := 0; i < 11; i++ {
		assert.Empty(t, g.Evaluate(ctx, newMetric(t, "U1", base+int64(i)*11000, "5", "USD")))
	}
}

func TestRoundAmount(t *testing.T) {
	g := newGenerator(only(DefaultConfig(), RuleRoundAmount))
	ctx := context.Background()

	cases := map[string]bool{
		"1000":    true,
		"2000.00": true,
		"950":     false,
		"1050":    false,
		"1000.5":  false,
	}
	i := int64(0)
	for amount, want := range cases {
		i++
		got := g.Evaluate(ctx, newMetric(t, "U1", base+i, amount, "USD"))
		if want {
			require.Len(t, got, 1, amount)
			assert.Equal(t, model.SeverityLow, got[0].Severity)
			assert.Equal(t, RuleRoundAmount, got[0].Rule)
		} else {
			assert.Empty(t, got, amount)
		}
	}
}

func TestVolumeSpike(t *testing.T) {
	g := newGenerator(only(DefaultConfig(), RuleVolumeSpike))
	ctx := context.Background()
	hour := time.Hour.Milliseconds()
	h0 := model.BucketStart(base, time.Hour)

	assert.Empty(t, g.Evaluate(ctx, newMetric(t, "U1", h0+1, "100", "USD")))
	assert.Empty(t, g.Evaluate(ctx, newMetric(t, "U1", h0+hour+1, "140", "USD")), "40% growth")
	assert.Empty(t, g.Evaluate(ctx, newMetric(t, "U1", h0+hour+2, "10", "USD")), "exactly 50% growth")

	got := g.Evaluate(ctx, newMetric(t, "U1", h0+hour+3, "20", "USD"))
	require.Len(t, got, 1)
	assert.Equal(t, model.InsightVolumeSpike, got[0].Kind)
	assert.Equal(t, model.SeverityMedium, got[0].Severity)
	assert.True(t, got[0].Evidence["previousHourTotal"].(model.Decimal).Equal(model.MustDecimal("100")))
}

func TestVolumeSpikeNeedsPreviousHour(t *testing.T) {
	g := newGenerator(only(DefaultConfig(), RuleVolumeSpike))
	assert.Empty(t, g.Evaluate(context.Background(), newMetric(t, "U1", base, "1000000", "USD")))
}

type brokenCache struct{}

func (brokenCache) PushRecent(context.Context, string, cache.Entry) ([]cache.Entry, error) {
	return nil, errors.New("connection refused")
}

func (brokenCache) AddHourlyVolume(context.Context, string, int64, model.Decimal) (model.Decimal, model.Decimal, error) {
	return model.Zero, model.Zero, errors.New("connection refused")
}

func (brokenCache) Sweep(context.Context, time.Time) (int, error) { return 0, nil }
func (brokenCache) Ping(context.Context) error                    { return nil }
func (brokenCache) Close() error                                  { return nil }

func TestCacheFailureYieldsNoInsight(t *testing.T) {
	g := NewGenerator(DefaultConfig(), brokenCache{}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		got := g.Evaluate(ctx, newMetric(t, "U1", base+int64(i), "100", "USD"))
		assert.Empty(t, got)
	}
}

func TestVolumeSpikeFallsBackToWindows(t *testing.T) {
	windows, err := window.NewStore(window.DefaultGranularities, 10)
	require.NoError(t, err)
	g := NewGenerator(only(DefaultConfig(), RuleVolumeSpike), brokenCache{}, windows, nil)

	h0 := model.BucketStart(base, time.Hour)
	prev := newMetric(t, "U1", h0+1, "100", "USD")
	cur := newMetric(t, "U1", h0+time.Hour.Milliseconds()+1, "200", "USD")
	windows.Add(prev)
	windows.Add(cur)

	got := g.Evaluate(context.Background(), cur)
	require.Len(t, got, 1)
	assert.Equal(t, RuleVolumeSpike, got[0].Rule)
}

func TestSweepForgetsIdleSubjects(t *testing.T) {
	g := newGenerator(only(DefaultConfig(), RuleHighVelocity))
	now := time.Unix(1000, 0)
	g.now = func() time.Time { return now }

	g.Evaluate(context.Background(), newMetric(t, "U1", base, "1", "USD"))
	assert.Equal(t, 0, g.Sweep(now.Add(-time.Minute)))
	assert.Equal(t, 1, g.Sweep(now.Add(time.Minute)))
}

func TestPoolKeepsSubjectOrderAndDrains(t *testing.T) {
	g := newGenerator(only(DefaultConfig(), RuleRepeatedAmount))

	var mu sync.Mutex
	var got []model.Insight
	p := NewPool(g, 4, 64, func(_ context.Context, ins model.Insight) {
		mu.Lock()
		got = append(got, ins)
		mu.Unlock()
	}, nil)
	p.Start(context.Background())

	for i := 0; i < 3; i++ {
		for _, subject := range []string{"A", "B", "C"} {
			require.True(t, p.Submit(newMetric(t, subject, base+int64(i)*1000, "42", "USD")))
		}
	}
	p.Close()

	assert.Len(t, got, 3)
	subjects := map[string]bool{}
	for _, ins := range got {
		subjects[ins.SubjectID] = true
		assert.Equal(t, fmt.Sprintf("%s-%d", ins.SubjectID, base+2000), ins.EntityID)
	}
	assert.Len(t, subjects, 3)

	assert.False(t, p.Submit(newMetric(t, "A", base+5000, "1", "USD")))
}
