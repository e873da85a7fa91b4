package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bryan-buckman/microsub/internal/model"
)

// FeedLoader loads a feed by id.
type FeedLoader interface {
	GetFeed(ctx context.Context, id string) (*model.Feed, error)
}

// FeedProcessor processes a single feed.
type FeedProcessor interface {
	ProcessFeed(ctx context.Context, feed model.Feed) Result
}

// RefreshError reports a failed out-of-band refresh.
type RefreshError struct {
	FeedID string
	Err    error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh feed %s: %v", e.FeedID, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Refresher processes feeds outside the schedule, for example right after a
// follow or when a hub notifies a change. Work is queued and handled by a
// fixed pool of workers.
type Refresher struct {
	feeds     FeedLoader
	processor FeedProcessor
	workers   int
	log       zerolog.Logger

	queue chan string
	errs  chan error
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRefresher creates a refresher with the given number of workers.
func NewRefresher(feeds FeedLoader, processor FeedProcessor, workers int, log zerolog.Logger) *Refresher {
	if workers < 1 {
		workers = 1
	}
	return &Refresher{
		feeds:     feeds,
		processor: processor,
		workers:   workers,
		log:       log,
		queue:     make(chan string, 256),
		errs:      make(chan error, 64),
	}
}

// Start launches the workers. They stop when ctx ends or Close is called.
func (r *Refresher) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.work(ctx)
		}()
	}
}

func (r *Refresher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-r.queue:
			if !ok {
				return
			}
			if err := r.refresh(ctx, id); err != nil {
				r.report(&RefreshError{FeedID: id, Err: err})
			}
		}
	}
}

func (r *Refresher) refresh(ctx context.Context, id string) error {
	feed, err := r.feeds.GetFeed(ctx, id)
	if err != nil {
		return err
	}
	res := r.processor.ProcessFeed(ctx, *feed)
	if !res.Success {
		return errors.New(res.Error)
	}
	r.log.Debug().Str("feed", id).Int("items_added", res.ItemsAdded).Msg("feed refreshed")
	return nil
}

func (r *Refresher) report(err error) {
	select {
	case r.errs <- err:
	default:
		r.log.Warn().Err(err).Msg("refresh error dropped")
	}
}

// Submit queues a feed for refresh. It reports false when the queue is full
// or the refresher is closed.
func (r *Refresher) Submit(feedID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- feedID:
		return true
	default:
		return false
	}
}

// Errors streams refresh failures. The channel is closed by Close.
func (r *Refresher) Errors() <-chan error {
	return r.errs
}

// Close stops accepting work, drains the queue and waits for the workers.
func (r *Refresher) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	close(r.errs)
}
