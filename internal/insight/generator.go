// Package insight derives anomaly and pattern signals from each metric and
// the subject's recent history.
package insight

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/cache"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/metrics"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/window"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Rule names, reported in Insight.Rule.
const (
	RuleVolumeSpike    = "volume-spike"
	RuleHighVelocity   = "high-velocity"
	RuleRoundAmount    = "round-amount"
	RuleRepeatedAmount = "repeated-amount"
)

type Config struct {
	VolumeSpikeRatio       float64
	VelocityThreshold      int
	VelocityWindow         time.Duration
	RepeatedAmountMinCount int
	RepeatedAmountLookback int
	RoundAmountMinimum     model.Decimal
	RoundAmountMultiple    model.Decimal

	VolumeSpike    bool
	Velocity       bool
	RoundAmount    bool
	RepeatedAmount bool
}

// DefaultConfig enables every heuristic with the standard thresholds.
func DefaultConfig() Config {
	return Config{
		VolumeSpikeRatio:       0.5,
		VelocityThreshold:      10,
		VelocityWindow:         60 * time.Second,
		RepeatedAmountMinCount: 3,
		RepeatedAmountLookback: 10,
		RoundAmountMinimum:     model.DecimalFromInt64(1000),
		RoundAmountMultiple:    model.DecimalFromInt64(100),
		VolumeSpike:            true,
		Velocity:               true,
		RoundAmount:            true,
		RepeatedAmount:         true,
	}
}

// velocityState tracks whether a subject is above the velocity threshold,
// so an insight is emitted once per crossing.
type velocityState struct {
	tripped  bool
	lastSeen time.Time
}

type Generator struct {
	cfg     Config
	cache   cache.Store
	windows *window.Store
	stats   *metrics.Collectors

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	velocity map[string]*velocityState
}

// NewGenerator builds a generator. windows may be nil; it is only used to
// answer hour-over-hour volume when the cache fails.
func NewGenerator(cfg Config, c cache.Store, windows *window.Store, stats *metrics.Collectors) *Generator {
	return &Generator{
		cfg:      cfg,
		cache:    c,
		windows:  windows,
		stats:    stats,
		now:      time.Now,
		newID:    uuid.NewString,
		velocity: make(map[string]*velocityState),
	}
}

// Evaluate runs the enabled heuristics for m. Failures are logged and
// yield no insight.
func (g *Generator) Evaluate(ctx context.Context, m model.Metric) []model.Insight {
	var out []model.Insight

	var recent []cache.Entry
	if g.cfg.Velocity || g.cfg.RepeatedAmount {
		entries, err := g.cache.PushRecent(ctx, m.SubjectID(), cache.EntryFor(m))
		if err != nil {
			g.fail("recent-history", m, err)
		} else {
			recent = entries
		}
	}

	if g.cfg.VolumeSpike {
		g.guard(RuleVolumeSpike, m, func() {
			if ins, ok := g.volumeSpike(ctx, m); ok {
				out = append(out, ins)
			}
		})
	}
	if g.cfg.Velocity && recent != nil {
		g.guard(RuleHighVelocity, m, func() {
			if ins, ok := g.highVelocity(m, recent); ok {
				out = append(out, ins)
			}
		})
	}
	if g.cfg.RoundAmount {
		g.guard(RuleRoundAmount, m, func() {
			if ins, ok := g.roundAmount(m); ok {
				out = append(out, ins)
			}
		})
	}
	if g.cfg.RepeatedAmount && recent != nil {
		g.guard(RuleRepeatedAmount, m, func() {
			if ins, ok := g.repeatedAmount(m, recent); ok {
				out = append(out, ins)
			}
		})
	}

	for _, ins := range out {
		g.stats.InsightEmitted(string(ins.Kind), ins.Rule)
	}
	return out
}

func (g *Generator) guard(rule string, m model.Metric, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.fail(rule, m, fmt.Errorf("panic: %v", r))
		}
	}()
	fn()
}

func (g *Generator) fail(rule string, m model.Metric, err error) {
	g.stats.HeuristicFailed(rule)
	log.WithFields(log.Fields{
		"rule":    rule,
		"subject": m.SubjectID(),
		"entity":  m.EntityID(),
	}).Warnf("Heuristic skipped: %v", err)
}

func (g *Generator) insight(kind model.InsightKind, rule string, sev model.Severity, m model.Metric, msg string, evidence map[string]interface{}) model.Insight {
	return model.Insight{
		ID:          g.newID(),
		Kind:        kind,
		Rule:        rule,
		Severity:    sev,
		SubjectID:   m.SubjectID(),
		EntityID:    m.EntityID(),
		Message:     msg,
		Evidence:    evidence,
		GeneratedAt: g.now().UTC(),
	}
}

func (g *Generator) volumeSpike(ctx context.Context, m model.Metric) (model.Insight, bool) {
	hourStart := model.BucketStart(m.Timestamp(), time.Hour)

	current, previous, err := g.cache.AddHourlyVolume(ctx, m.SubjectID(), hourStart, m.Amount())
	if err != nil {
		var ok bool
		if current, previous, ok = g.volumeFromWindows(m.SubjectID(), hourStart); !ok {
			g.fail(RuleVolumeSpike, m, err)
			return model.Insight{}, false
		}
	}

	if previous.IsZero() || previous.IsNegative() {
		return model.Insight{}, false
	}
	growth := current.Sub(previous).Div(previous)
	threshold, err := model.DecimalFromFloat(g.cfg.VolumeSpikeRatio)
	if err != nil || growth.Cmp(threshold) <= 0 {
		return model.Insight{}, false
	}

	return g.insight(model.InsightVolumeSpike, RuleVolumeSpike, model.SeverityMedium, m,
		fmt.Sprintf("Hourly volume of %s is up %.1f%% over the previous hour", m.SubjectID(), growth.Float64()*100),
		map[string]interface{}{
			"currentHourTotal":  current,
			"previousHourTotal": previous,
			"growth":            growth,
			"hourStart":         hourStart,
		}), true
}

func (g *Generator) volumeFromWindows(subject string, hourStart int64) (model.Decimal, model.Decimal, bool) {
	if g.windows == nil {
		return model.Zero, model.Zero, false
	}
	cur, err := g.windows.AggregateBucket(window.Hour, hourStart, subject)
	if err != nil {
		return model.Zero, model.Zero, false
	}
	prev, err := g.windows.AggregateBucket(window.Hour, hourStart-int64(time.Hour/time.Millisecond), subject)
	if err != nil {
		return model.Zero, model.Zero, false
	}
	return cur.TotalAmount, prev.TotalAmount, true
}

func (g *Generator) highVelocity(m model.Metric, recent []cache.Entry) (model.Insight, bool) {
	since := m.Timestamp() - g.cfg.VelocityWindow.Milliseconds()
	count := 0
	for _, e := range recent {
		if e.Timestamp > since && e.Timestamp <= m.Timestamp() {
			count++
		}
	}
	above := count > g.cfg.VelocityThreshold

	g.mu.Lock()
	st, ok := g.velocity[m.SubjectID()]
	if !ok {
		st = &velocityState{}
		g.velocity[m.SubjectID()] = st
	}
	st.lastSeen = g.now()
	crossed := above && !st.tripped
	st.tripped = above
	g.mu.Unlock()

	if !crossed {
		return model.Insight{}, false
	}
	return g.insight(model.InsightHighVelocity, RuleHighVelocity, model.SeverityHigh, m,
		fmt.Sprintf("%s produced %d events within %v", m.SubjectID(), count, g.cfg.VelocityWindow),
		map[string]interface{}{
			"count":         count,
			"threshold":     g.cfg.VelocityThreshold,
			"windowSeconds": int64(g.cfg.VelocityWindow / time.Second),
		}), true
}

func (g *Generator) roundAmount(m model.Metric) (model.Insight, bool) {
	amt := m.Amount()
	if amt.Cmp(g.cfg.RoundAmountMinimum) < 0 || !amt.IsMultipleOf(g.cfg.RoundAmountMultiple) {
		return model.Insight{}, false
	}
	return g.insight(model.InsightPatternDetected, RuleRoundAmount, model.SeverityLow, m,
		fmt.Sprintf("Round amount %s %s", amt, m.Currency()),
		map[string]interface{}{
			"amount":   amt,
			"currency": m.Currency(),
		}), true
}

func (g *Generator) repeatedAmount(m model.Metric, recent []cache.Entry) (model.Insight, bool) {
	// activity events carry no amount; only monetary values can repeat
	if m.Amount().IsZero() {
		return model.Insight{}, false
	}
	lookback := recent
	if len(lookback) > g.cfg.RepeatedAmountLookback {
		lookback = lookback[:g.cfg.RepeatedAmountLookback]
	}

	count := 0
	for _, e := range lookback {
		if e.Currency == m.Currency() && e.Amount.Equal(m.Amount()) {
			count++
		}
	}
	if count < g.cfg.RepeatedAmountMinCount {
		return model.Insight{}, false
	}
	return g.insight(model.InsightPatternDetected, RuleRepeatedAmount, model.SeverityMedium, m,
		fmt.Sprintf("Amount %s %s repeated %d times in the last %d events", m.Amount(), m.Currency(), count, len(lookback)),
		map[string]interface{}{
			"amount":      m.Amount(),
			"currency":    m.Currency(),
			"occurrences": count,
			"lookback":    len(lookback),
		}), true
}

// Sweep forgets velocity state of subjects idle since before cutoff.
func (g *Generator) Sweep(cutoff time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for subject, st := range g.velocity {
		if st.lastSeen.Before(cutoff) {
			delete(g.velocity, subject)
			removed++
		}
	}
	return removed
}
