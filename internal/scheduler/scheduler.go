// Package scheduler runs the engine's periodic jobs, each on its own
// goroutine and ticker, independently of message arrival.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// Job is one periodic task. Runs of the same job never overlap.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Result reports one completed run.
type Result struct {
	Job      string
	Started  time.Time
	Duration time.Duration
	Err      error
}

type Scheduler struct {
	jobs    []Job
	results chan Result
	stats   *metrics.Collectors
	wg      sync.WaitGroup
}

func New(stats *metrics.Collectors) *Scheduler {
	return &Scheduler{
		results: make(chan Result, 64),
		stats:   stats,
	}
}

// Add registers a job. It must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("scheduler: job %s: interval must be positive", job.Name)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Results delivers run outcomes. Results are dropped when nobody reads
// them fast enough.
func (s *Scheduler) Results() <-chan Result {
	return s.results
}

// Start launches every job. Cancelling ctx stops the tickers and cancels
// running jobs; Wait blocks until they have returned.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	log.Infof("Scheduler started %d jobs", len(s.jobs))
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, job)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	started := time.Now()
	err := job.Run(ctx)
	d := time.Since(started)

	s.stats.JobRan(job.Name, d, err)
	entry := log.WithFields(log.Fields{"job": job.Name, "duration": d})
	if err != nil {
		entry.Errorf("Scheduled job failed: %v", err)
	} else {
		entry.Debug("Scheduled job finished")
	}

	select {
	case s.results <- Result{Job: job.Name, Started: started, Duration: d, Err: err}:
	default:
	}
}

// RunNow runs the named job once on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, job := range s.jobs {
		if job.Name == name {
			return job.Run(ctx)
		}
	}
	return fmt.Errorf("scheduler: no job %q", name)
}

// Wait blocks until every job loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
	log.Info("Scheduler stopped")
}
