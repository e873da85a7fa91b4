package polling

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryan-buckman/microsub/internal/metrics"
	"github.com/bryan-buckman/microsub/internal/model"
)

// DefaultInterval is how often the scheduler looks for due feeds.
const DefaultInterval = time.Minute

// DueFeedSource lists the feeds whose next fetch time has passed.
type DueFeedSource interface {
	DueFeeds(ctx context.Context, now time.Time) ([]model.Feed, error)
}

// BatchProcessor processes a set of feeds.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batch []model.Feed, concurrency int) BatchSummary
}

// SchedulerConfig tunes the scheduler.
type SchedulerConfig struct {
	Interval    time.Duration
	Concurrency int
}

// Scheduler periodically processes every due feed.
//
// Stopping prevents future ticks; a tick that is already running completes.
type Scheduler struct {
	source      DueFeedSource
	processor   BatchProcessor
	interval    time.Duration
	concurrency int
	log         zerolog.Logger
	now         func() time.Time

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewScheduler creates an idle scheduler.
func NewScheduler(source DueFeedSource, processor BatchProcessor, cfg SchedulerConfig, log zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Scheduler{
		source:      source,
		processor:   processor,
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
		log:         log,
		now:         time.Now,
	}
}

// Start runs a tick immediately and then one per interval. Calling Start on
// a running scheduler does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(s.stop, s.done)
	s.log.Info().Dur("interval", s.interval).Int("concurrency", s.concurrency).Msg("scheduler started")
}

// Stop halts the scheduler and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.log.Info().Msg("scheduler stopped")
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		// Ticks are not cancelled by Stop.
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("scheduler tick failed")
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// RunOnce processes the feeds that are due now.
func (s *Scheduler) RunOnce(ctx context.Context) (BatchSummary, error) {
	due, err := s.source.DueFeeds(ctx, s.now())
	if err != nil {
		return BatchSummary{}, err
	}
	metrics.DueFeeds.Set(float64(len(due)))
	if len(due) == 0 {
		return BatchSummary{}, nil
	}

	summary := s.processor.ProcessBatch(ctx, due, s.concurrency)
	s.log.Info().
		Int("feeds", summary.Total).
		Int("successful", summary.Successful).
		Int("failed", summary.Failed).
		Int("items_added", summary.ItemsAdded).
		Msg("polled due feeds")
	return summary, nil
}
