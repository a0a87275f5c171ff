package window

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	log "github.com/sirupsen/logrus"
)

// ErrUnknownGranularity is returned for a granularity the store was not built with.
var ErrUnknownGranularity = errors.New("unknown granularity")

// Store keeps one set of time buckets per granularity. Every granularity
// receives every metric.
type Store struct {
	granularities []Granularity
	windows       map[string]*window // fixed after NewStore, read without locking

	retentionBuckets int64

	// Stats
	writes    atomic.Uint64
	evictions atomic.Uint64
}

// window holds the live buckets of one granularity.
type window struct {
	gran Granularity

	mu      sync.RWMutex // guards the buckets map, never held while folding
	buckets map[int64]*bucket
}

// bucket aggregates every metric with an event time in [start, start+interval).
type bucket struct {
	start int64

	mu      sync.Mutex
	evicted bool // set once the bucket leaves the window map
	total   *group
	groups  map[string]*group // per subject
}

// add folds m into the bucket unless it has been evicted.
func (b *bucket) add(m model.Metric) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.evicted {
		return false
	}
	b.total.apply(m)
	sg, ok := b.groups[m.SubjectID()]
	if !ok {
		sg = newGroup()
		b.groups[m.SubjectID()] = sg
	}
	sg.apply(m)
	return true
}

// group is a running accumulator. It never holds raw metrics.
type group struct {
	count      int64
	amount     model.Decimal
	byCurrency map[string]model.Decimal
	byKind     map[model.Kind]int64
	minTs      int64
	maxTs      int64
}

func newGroup() *group {
	return &group{
		byCurrency: make(map[string]model.Decimal),
		byKind:     make(map[model.Kind]int64),
	}
}

func (g *group) apply(m model.Metric) {
	g.count++
	g.amount = g.amount.Add(m.Amount())
	g.byCurrency[m.Currency()] = g.byCurrency[m.Currency()].Add(m.Amount())
	g.byKind[m.Kind()]++
	ts := m.Timestamp()
	if g.minTs == 0 || ts < g.minTs {
		g.minTs = ts
	}
	if ts > g.maxTs {
		g.maxTs = ts
	}
}

// NewStore builds a store for the given granularities. retentionBuckets is
// the number of bucket widths kept per granularity by EvictExpired.
func NewStore(granularities []Granularity, retentionBuckets int) (*Store, error) {
	if len(granularities) == 0 {
		return nil, fmt.Errorf("window store needs at least one granularity")
	}
	if retentionBuckets <= 0 {
		return nil, fmt.Errorf("retention buckets must be positive, got %d", retentionBuckets)
	}

	s := &Store{
		granularities:    make([]Granularity, 0, len(granularities)),
		windows:          make(map[string]*window, len(granularities)),
		retentionBuckets: int64(retentionBuckets),
	}
	for _, g := range granularities {
		if err := g.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.windows[g.Name]; dup {
			return nil, fmt.Errorf("duplicate granularity %q", g.Name)
		}
		s.windows[g.Name] = &window{gran: g, buckets: make(map[int64]*bucket)}
		s.granularities = append(s.granularities, g)
	}

	log.Infof("Window store initialized with granularities %v, retention %d buckets",
		s.granularities, retentionBuckets)

	return s, nil
}

// Granularities returns the configured granularities in configuration order.
func (s *Store) Granularities() []Granularity {
	out := make([]Granularity, len(s.granularities))
	copy(out, s.granularities)
	return out
}

// Granularity looks up a configured granularity by name.
func (s *Store) Granularity(name string) (Granularity, bool) {
	w, ok := s.windows[name]
	if !ok {
		return Granularity{}, false
	}
	return w.gran, true
}

// Add folds m into exactly one bucket per granularity and returns the keys
// it was assigned to. Safe for concurrent use.
func (s *Store) Add(m model.Metric) []model.WindowKey {
	keys := make([]model.WindowKey, 0, len(s.granularities))
	for _, g := range s.granularities {
		w := s.windows[g.Name]
		start := model.BucketStart(m.Timestamp(), g.Interval)
		// an eviction between lookup and fold leaves b unreachable; look again
		for !w.bucketFor(start).add(m) {
		}

		keys = append(keys, model.WindowKey{Granularity: g.Name, BucketStart: start})
	}
	s.writes.Add(1)
	return keys
}

// bucketFor returns the bucket starting at start, creating it on first use.
func (w *window) bucketFor(start int64) *bucket {
	w.mu.RLock()
	b, ok := w.buckets[start]
	w.mu.RUnlock()
	if ok {
		return b
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if b, ok = w.buckets[start]; ok {
		return b
	}
	b = &bucket{start: start, total: newGroup(), groups: make(map[string]*group)}
	w.buckets[start] = b
	return b
}

// snapshot returns the live buckets ordered by start time.
func (w *window) snapshot() []*bucket {
	w.mu.RLock()
	out := make([]*bucket, 0, len(w.buckets))
	for _, b := range w.buckets {
		out = append(out, b)
	}
	w.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

// Aggregate folds every live bucket of the granularity.
func (s *Store) Aggregate(granularity string) (model.AggregationResult, error) {
	return s.fold(granularity, "", nil)
}

// AggregateForSubject folds the live buckets of the granularity for one subject.
func (s *Store) AggregateForSubject(granularity, subjectID string) (model.AggregationResult, error) {
	return s.fold(granularity, subjectID, nil)
}

// AggregateBucket folds the single bucket of the granularity that starts at
// bucketStart, optionally limited to one subject. A missing bucket folds to
// an empty result.
func (s *Store) AggregateBucket(granularity string, bucketStart int64, subjectID string) (model.AggregationResult, error) {
	return s.fold(granularity, subjectID, func(start int64) bool { return start == bucketStart })
}

func (s *Store) fold(granularity, subjectID string, keep func(start int64) bool) (model.AggregationResult, error) {
	w, ok := s.windows[granularity]
	if !ok {
		return model.AggregationResult{}, fmt.Errorf("%w: %s", ErrUnknownGranularity, granularity)
	}

	res := model.NewAggregationResult()
	subjects := make(map[string]struct{})

	for _, b := range w.snapshot() {
		if keep != nil && !keep(b.start) {
			continue
		}

		b.mu.Lock()
		if subjectID == "" {
			mergeGroup(&res, b.total)
			for subj := range b.groups {
				subjects[subj] = struct{}{}
			}
		} else if g, ok := b.groups[subjectID]; ok {
			mergeGroup(&res, g)
			subjects[subjectID] = struct{}{}
		}
		b.mu.Unlock()
	}

	res.UniqueSubjectCount = int64(len(subjects))
	res.Finalize()
	return res, nil
}

func mergeGroup(res *model.AggregationResult, g *group) {
	if g.count == 0 {
		return
	}
	res.TotalCount += g.count
	res.TotalAmount = res.TotalAmount.Add(g.amount)
	for cur, amt := range g.byCurrency {
		res.AmountByCurrency[cur] = res.AmountByCurrency[cur].Add(amt)
	}
	for k, c := range g.byKind {
		res.CountByKind[k] += c
	}
	if res.TimeRange.Start == 0 || g.minTs < res.TimeRange.Start {
		res.TimeRange.Start = g.minTs
	}
	if g.maxTs > res.TimeRange.End {
		res.TimeRange.End = g.maxTs
	}
}

// Buckets summarizes each live bucket of the granularity, oldest first.
func (s *Store) Buckets(granularity string) ([]model.BucketSummary, error) {
	w, ok := s.windows[granularity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGranularity, granularity)
	}

	buckets := w.snapshot()
	out := make([]model.BucketSummary, 0, len(buckets))
	for _, b := range buckets {
		b.mu.Lock()
		out = append(out, model.BucketSummary{
			BucketStart:    b.start,
			Count:          b.total.count,
			TotalAmount:    b.total.amount,
			UniqueSubjects: int64(len(b.groups)),
		})
		b.mu.Unlock()
	}
	return out, nil
}

// LiveBuckets returns how many buckets the granularity currently holds.
func (s *Store) LiveBuckets(granularity string) int {
	w, ok := s.windows[granularity]
	if !ok {
		return 0
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.buckets)
}

// EvictOlderThan drops buckets of the granularity whose start is before
// cutoff (unix ms) and returns how many were removed.
func (s *Store) EvictOlderThan(granularity string, cutoff int64) (int, error) {
	w, ok := s.windows[granularity]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownGranularity, granularity)
	}

	w.mu.Lock()
	removed := 0
	for start, b := range w.buckets {
		if start < cutoff {
			b.mu.Lock()
			b.evicted = true
			b.mu.Unlock()
			delete(w.buckets, start)
			removed++
		}
	}
	w.mu.Unlock()

	if removed > 0 {
		s.evictions.Add(uint64(removed))
		log.Debugf("Evicted %d %s buckets older than %d", removed, granularity, cutoff)
	}
	return removed, nil
}

// Cutoff is the oldest bucket start retained for the granularity at now.
func (s *Store) Cutoff(g Granularity, now time.Time) int64 {
	horizon := g.Interval.Milliseconds() * s.retentionBuckets
	return model.BucketStart(now.UnixMilli(), g.Interval) - horizon
}

// EvictExpired applies the retention horizon to every granularity.
func (s *Store) EvictExpired(now time.Time) map[string]int {
	removed := make(map[string]int, len(s.granularities))
	for _, g := range s.granularities {
		n, _ := s.EvictOlderThan(g.Name, s.Cutoff(g, now))
		removed[g.Name] = n
	}
	return removed
}

// GetStats returns store statistics.
func (s *Store) GetStats() map[string]uint64 {
	stats := map[string]uint64{
		"writes":    s.writes.Load(),
		"evictions": s.evictions.Load(),
	}
	for _, g := range s.granularities {
		stats["buckets_"+g.Name] = uint64(s.LiveBuckets(g.Name))
	}
	return stats
}
