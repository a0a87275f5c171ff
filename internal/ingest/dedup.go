package ingest

import (
	"sync"
	"sync/atomic"
	"time"
)

// DedupIndex remembers metric keys seen within a replay window so that
// messages redelivered after a crash are not folded twice.
type DedupIndex struct {
	window  time.Duration
	entries sync.Map // map[string]time.Time

	seen         atomic.Uint64
	deduplicated atomic.Uint64
}

// NewDedupIndex returns an index; a zero window disables deduplication.
func NewDedupIndex(window time.Duration) *DedupIndex {
	return &DedupIndex{window: window}
}

// Check records key at now and reports whether it was already recorded
// within the window.
func (d *DedupIndex) Check(key string, now time.Time) bool {
	if d.window <= 0 {
		return false
	}
	d.seen.Add(1)

	prev, loaded := d.entries.LoadOrStore(key, now)
	if !loaded {
		return false
	}
	if now.Sub(prev.(time.Time)) < d.window {
		d.deduplicated.Add(1)
		return true
	}
	d.entries.Store(key, now)
	return false
}

// Forget removes key, so a message whose processing failed can be
// accepted when redelivered.
func (d *DedupIndex) Forget(key string) {
	d.entries.Delete(key)
}

// Sweep drops entries older than the window.
func (d *DedupIndex) Sweep(now time.Time) int {
	cutoff := now.Add(-d.window)
	removed := 0
	d.entries.Range(func(key, value interface{}) bool {
		if value.(time.Time).Before(cutoff) {
			d.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

func (d *DedupIndex) GetStats() map[string]uint64 {
	return map[string]uint64{
		"seen":         d.seen.Load(),
		"deduplicated": d.deduplicated.Load(),
	}
}
