// Package cache keeps short-lived per-subject history for the insight
// heuristics: the last N metrics of each subject and hour-over-hour volume
// counters.
package cache

import (
	"context"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
)

// Entry is the compact form of a metric kept in a subject's recent list.
type Entry struct {
	EntityID  string        `json:"e,omitempty"`
	Amount    model.Decimal `json:"a"`
	Currency  string        `json:"c"`
	Timestamp int64         `json:"t"`
}

// EntryFor builds the recent-list entry of a metric.
func EntryFor(m model.Metric) Entry {
	return Entry{
		EntityID:  m.EntityID(),
		Amount:    m.Amount(),
		Currency:  m.Currency(),
		Timestamp: m.Timestamp(),
	}
}

// Store is the cache contract the insight generator depends on.
type Store interface {
	// PushRecent records e for subject and returns the subject's recent
	// entries newest first, e included, capped at the configured length.
	PushRecent(ctx context.Context, subject string, e Entry) ([]Entry, error)

	// AddHourlyVolume adds amount to subject's counter for the hour starting
	// at hourStart (unix ms) and returns that hour's total together with
	// the previous hour's total.
	AddHourlyVolume(ctx context.Context, subject string, hourStart int64, amount model.Decimal) (current, previous model.Decimal, err error)

	// Sweep removes entries that outlived their TTL or were left without one.
	Sweep(ctx context.Context, now time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config is shared by the Redis and in-memory stores.
type Config struct {
	RecentLength int
	TTL          time.Duration
}

func (c Config) withDefaults() Config {
	if c.RecentLength <= 0 {
		c.RecentLength = 100
	}
	if c.TTL <= 0 || c.TTL > 24*time.Hour {
		c.TTL = 24 * time.Hour
	}
	return c
}

const hourMs = int64(time.Hour / time.Millisecond)
