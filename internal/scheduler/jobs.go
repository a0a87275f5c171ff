package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/metrics"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/model"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/store"
	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/window"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	JobFlush     = "buffer-flush"
	JobRollup    = "hourly-rollup"
	JobRetention = "daily-retention"
	JobEviction  = "window-eviction"
)

// Flusher force-flushes every buffer.
type Flusher interface {
	FlushAll(ctx context.Context) (int, error)
}

// FlushJob bounds buffer staleness regardless of batch thresholds.
func FlushJob(f Flusher, interval time.Duration) Job {
	return Job{
		Name:     JobFlush,
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := f.FlushAll(ctx)
			if n > 0 {
				log.WithField("job", JobFlush).Infof("Flushed %d metrics", n)
			}
			return err
		},
	}
}

// ReportPublisher broadcasts a rollup report.
type ReportPublisher interface {
	Report(ctx context.Context, r model.Report)
}

// Archiver keeps a copy of a document.
type Archiver interface {
	Archive(ctx context.Context, collection, key, subject string, ts int64, v interface{}) error
}

// Rollup folds the hour granularity into reports.
type Rollup struct {
	Windows   *window.Store
	Publisher ReportPublisher
	Archive   Archiver // optional

	now   func() time.Time
	newID func() string
}

// BuildReport summarizes the live hour buckets.
func (r *Rollup) BuildReport() (model.Report, error) {
	summary, err := r.Windows.Aggregate(window.Hour)
	if err != nil {
		return model.Report{}, err
	}
	buckets, err := r.Windows.Buckets(window.Hour)
	if err != nil {
		return model.Report{}, err
	}
	return model.Report{
		ID:          r.id(),
		Granularity: window.Hour,
		GeneratedAt: r.clock().UTC(),
		Summary:     summary,
		Buckets:     buckets,
	}, nil
}

// Run publishes and archives the report, then evicts hour buckets that
// ended before the previous hour began.
func (r *Rollup) Run(ctx context.Context) error {
	report, err := r.BuildReport()
	if err != nil {
		return err
	}

	r.Publisher.Report(ctx, report)

	var errs []error
	if r.Archive != nil {
		if err := r.Archive.Archive(ctx, store.CollectionRollup, report.ID, "", report.GeneratedAt.UnixMilli(), report); err != nil {
			errs = append(errs, err)
		}
	}

	cutoff := model.BucketStart(r.clock().UnixMilli(), time.Hour) - time.Hour.Milliseconds()
	evicted, err := r.Windows.EvictOlderThan(window.Hour, cutoff)
	if err != nil {
		errs = append(errs, err)
	}

	log.WithFields(log.Fields{
		"job":     JobRollup,
		"buckets": len(report.Buckets),
		"count":   report.Summary.TotalCount,
		"evicted": evicted,
	}).Info("Hourly rollup published")
	return errors.Join(errs...)
}

func (r *Rollup) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Rollup) id() string {
	if r.newID != nil {
		return r.newID()
	}
	return uuid.NewString()
}

func RollupJob(r *Rollup, interval time.Duration) Job {
	return Job{Name: JobRollup, Interval: interval, Run: r.Run}
}

// Retainer deletes durable records older than a cutoff.
type Retainer interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CacheSweeper expires unused cache entries.
type CacheSweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// RetentionJob deletes durable records older than horizon and sweeps the
// cache. Either step failing does not skip the other.
func RetentionJob(docs Retainer, cache CacheSweeper, horizon, interval time.Duration) Job {
	return Job{
		Name:     JobRetention,
		Interval: interval,
		Run: func(ctx context.Context) error {
			now := time.Now()
			var errs []error

			deleted, err := docs.DeleteOlderThan(ctx, now.Add(-horizon))
			if err != nil {
				errs = append(errs, fmt.Errorf("document retention: %w", err))
			}
			swept := 0
			if cache != nil {
				if swept, err = cache.Sweep(ctx, now); err != nil {
					errs = append(errs, fmt.Errorf("cache sweep: %w", err))
				}
			}

			log.WithFields(log.Fields{
				"job":     JobRetention,
				"deleted": deleted,
				"swept":   swept,
			}).Info("Retention cleanup finished")
			return errors.Join(errs...)
		},
	}
}

// EvictionJob applies the window retention horizon and runs sweepers for
// other time-bounded state, such as the dedup index.
func EvictionJob(windows *window.Store, stats *metrics.Collectors, interval time.Duration, sweepers ...func(now time.Time) int) Job {
	return Job{
		Name:     JobEviction,
		Interval: interval,
		Run: func(ctx context.Context) error {
			now := time.Now()
			for name, n := range windows.EvictExpired(now) {
				stats.Evicted(name, n)
				stats.SetLiveBuckets(name, windows.LiveBuckets(name))
			}
			swept := 0
			for _, sweep := range sweepers {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				swept += sweep(now)
			}
			if swept > 0 {
				log.WithField("job", JobEviction).Debugf("Swept %d expired entries", swept)
			}
			return nil
		},
	}
}
