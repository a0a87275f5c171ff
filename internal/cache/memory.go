package cache

import (
	"context"
	"sync"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
)

// MemoryStore is the in-process Store used when Redis is disabled or
// unreachable. History is then local to this process.
type MemoryStore struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	recent  map[string]*recentList
	volumes map[string]*volumeCounter
}

type recentList struct {
	entries []Entry // newest first
	expires time.Time
}

type volumeCounter struct {
	total   model.Decimal
	expires time.Time
}

func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		recent:  make(map[string]*recentList),
		volumes: make(map[string]*volumeCounter),
	}
}

func (s *MemoryStore) PushRecent(_ context.Context, subject string, e Entry) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	l, ok := s.recent[subject]
	if !ok || now.After(l.expires) {
		l = &recentList{}
		s.recent[subject] = l
	}

	entries := make([]Entry, 0, s.cfg.RecentLength)
	entries = append(entries, e)
	for _, old := range l.entries {
		if len(entries) == s.cfg.RecentLength {
			break
		}
		entries = append(entries, old)
	}
	l.entries = entries
	l.expires = now.Add(s.cfg.TTL)

	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) AddHourlyVolume(_ context.Context, subject string, hourStart int64, amount model.Decimal) (model.Decimal, model.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	curKey := volumeKey(subject, hourStart)
	cur, ok := s.volumes[curKey]
	if !ok || now.After(cur.expires) {
		cur = &volumeCounter{}
		s.volumes[curKey] = cur
	}
	cur.total = cur.total.Add(amount)
	cur.expires = now.Add(2 * time.Hour)

	previous := model.Zero
	if prev, ok := s.volumes[volumeKey(subject, hourStart-hourMs)]; ok && !now.After(prev.expires) {
		previous = prev.total
	}
	return cur.total, previous, nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, l := range s.recent {
		if now.After(l.expires) {
			delete(s.recent, k)
			removed++
		}
	}
	for k, v := range s.volumes {
		if now.After(v.expires) {
			delete(s.volumes, k)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
