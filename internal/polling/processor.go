// Package polling fetches due feeds, ingests their items and advances their
// polling tiers.
package polling

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/microsub/internal/cache"
	"github.com/bryan-buckman/microsub/internal/feeds"
	"github.com/bryan-buckman/microsub/internal/fetcher"
	"github.com/bryan-buckman/microsub/internal/filter"
	"github.com/bryan-buckman/microsub/internal/metrics"
	"github.com/bryan-buckman/microsub/internal/model"
	"github.com/bryan-buckman/microsub/internal/tier"
)

// DefaultConcurrency is the number of feeds processed in parallel per wave.
const DefaultConcurrency = 5

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is the storage the processor writes through.
type Store interface {
	GetChannelByID(ctx context.Context, id string) (*model.Channel, error)
	AddItem(ctx context.Context, item *model.Item) (bool, error)
	UpdateFeedAfterFetch(ctx context.Context, id string, u model.FeedUpdate) error
	UpdateFeedWebSub(ctx context.Context, id string, ws *model.WebSub) error
}

// Fetcher retrieves feed documents.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts fetcher.Options) (*fetcher.Result, error)
}

// Result is the outcome of processing one feed.
type Result struct {
	FeedID      string        `json:"feedId"`
	URL         string        `json:"url"`
	Success     bool          `json:"success"`
	NotModified bool          `json:"notModified,omitempty"`
	ItemsAdded  int           `json:"itemsAdded"`
	Tier        int           `json:"tier"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// BatchSummary aggregates the results of a batch.
type BatchSummary struct {
	Total      int      `json:"total"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	ItemsAdded int      `json:"itemsAdded"`
	Results    []Result `json:"results"`
}

// Event is published on a channel topic for each newly stored item.
type Event struct {
	Type      string      `json:"type"`
	ChannelID string      `json:"channelId"`
	FeedID    string      `json:"feedId,omitempty"`
	Item      *model.Item `json:"item,omitempty"`
}

// EventNewItem is the type of Event sent for a newly stored item.
const EventNewItem = "new-item"

// Processor runs the fetch, normalize, filter, store and reschedule
// pipeline for one feed.
type Processor struct {
	store   Store
	fetcher Fetcher
	cache   cache.Cache
	log     zerolog.Logger
	now     func() time.Time
}

// NewProcessor creates a Processor. A nil cache disables event fan-out.
func NewProcessor(store Store, f Fetcher, c cache.Cache, log zerolog.Logger) *Processor {
	if c == nil {
		c = cache.Noop{}
	}
	return &Processor{store: store, fetcher: f, cache: c, log: log, now: time.Now}
}

// ProcessFeed processes one feed. Failures never escape: they are recorded on
// the feed, which is rescheduled one tier slower than an unchanged fetch.
func (p *Processor) ProcessFeed(ctx context.Context, feed model.Feed) (res Result) {
	start := p.now()
	res = Result{FeedID: feed.ID, URL: feed.URL, Tier: feed.Tier}

	defer func() {
		if r := recover(); r != nil {
			res = p.fail(ctx, feed, start, fmt.Errorf("panic: %v", r))
		}
		res.Duration = time.Since(start)
		label := metrics.ResultUpdated
		switch {
		case !res.Success:
			label = metrics.ResultError
		case res.NotModified:
			label = metrics.ResultNotModified
		}
		metrics.ObserveFeed(label, res.ItemsAdded, res.Duration)
	}()

	fetched, err := p.fetcher.Fetch(ctx, feed.URL, fetcher.Options{
		ETag:         feed.ETag,
		LastModified: feed.LastModified,
	})
	if err != nil {
		return p.fail(ctx, feed, start, err)
	}

	if fetched.NotModified {
		state := tier.Advance(start, feed.Tier, false, feed.Unmodified)
		if err := p.store.UpdateFeedAfterFetch(ctx, feed.ID, model.FeedUpdate{
			Tier:         state.Tier,
			Unmodified:   state.Unmodified,
			NextFetchAt:  state.NextFetchAt,
			FetchedAt:    start,
			ETag:         fetched.ETag,
			LastModified: fetched.LastModified,
		}); err != nil {
			return p.fail(ctx, feed, start, fmt.Errorf("update feed: %w", err))
		}
		res.Success = true
		res.NotModified = true
		res.Tier = state.Tier
		return res
	}

	parsed, err := feeds.ParseAt(fetched.Content, feed.URL, fetched.ContentType, start)
	if err != nil {
		return p.fail(ctx, feed, start, err)
	}

	channel, err := p.store.GetChannelByID(ctx, feed.ChannelID)
	if err != nil {
		return p.fail(ctx, feed, start, fmt.Errorf("load channel: %w", err))
	}
	added := p.ingest(ctx, feed, channel, parsed)

	p.recordHub(ctx, feed, fetched, parsed)

	state := tier.Advance(start, feed.Tier, added > 0, feed.Unmodified)
	update := model.FeedUpdate{
		Tier:         state.Tier,
		Unmodified:   state.Unmodified,
		NextFetchAt:  state.NextFetchAt,
		FetchedAt:    start,
		ETag:         fetched.ETag,
		LastModified: fetched.LastModified,
		Title:        parsed.Name,
		Photo:        parsed.Photo,
	}
	if err := p.store.UpdateFeedAfterFetch(ctx, feed.ID, update); err != nil {
		return p.fail(ctx, feed, start, fmt.Errorf("update feed: %w", err))
	}

	res.Success = true
	res.ItemsAdded = added
	res.Tier = state.Tier
	return res
}

// ingest stores the items that pass the channel's filters and returns how
// many were new.
func (p *Processor) ingest(ctx context.Context, feed model.Feed, channel *model.Channel, parsed *model.CanonicalFeed) int {
	f := filter.Compile(channel.Settings)
	source := &model.Source{URL: feed.URL, Name: feed.Title}
	if source.Name == "" {
		source.Name = parsed.Name
	}

	added := 0
	for i := range parsed.Items {
		item := &parsed.Items[i]
		if !f.Passes(item) {
			continue
		}
		item.ChannelID = feed.ChannelID
		item.FeedID = feed.ID
		item.Source = source

		isNew, err := p.store.AddItem(ctx, item)
		if err != nil {
			p.log.Warn().Err(err).Str("feed", feed.ID).Str("uid", item.UID).Msg("store item")
			continue
		}
		if !isNew {
			continue
		}
		added++
		p.publish(ctx, Event{Type: EventNewItem, ChannelID: feed.ChannelID, FeedID: feed.ID, Item: item})
	}
	return added
}

func (p *Processor) publish(ctx context.Context, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := p.cache.Publish(ctx, cache.ChannelTopic(evt.ChannelID), payload); err != nil {
		p.log.Debug().Err(err).Str("channel", evt.ChannelID).Msg("publish event")
	}
}

// recordHub stores a newly advertised WebSub hub for later subscription.
func (p *Processor) recordHub(ctx context.Context, feed model.Feed, fetched *fetcher.Result, parsed *model.CanonicalFeed) {
	hub := fetched.Hub
	if hub == "" {
		hub = parsed.Hub
	}
	if hub == "" || (feed.WebSub != nil && feed.WebSub.Hub == hub) {
		return
	}
	topic := fetched.Self
	if topic == "" {
		topic = parsed.Self
	}
	if topic == "" {
		topic = feed.URL
	}
	if err := p.store.UpdateFeedWebSub(ctx, feed.ID, &model.WebSub{Hub: hub, Topic: topic}); err != nil {
		p.log.Warn().Err(err).Str("feed", feed.ID).Msg("record websub hub")
	}
}

// fail persists the failure and biases the next fetch one tier slower.
func (p *Processor) fail(ctx context.Context, feed model.Feed, start time.Time, cause error) Result {
	state := tier.Advance(start, feed.Tier, false, feed.Unmodified)
	biased := min(state.Tier+1, tier.MaxTier)

	p.log.Warn().Err(cause).Str("feed", feed.ID).Str("url", feed.URL).Int("tier", biased).Msg("feed fetch failed")

	if err := p.store.UpdateFeedAfterFetch(ctx, feed.ID, model.FeedUpdate{
		Tier:        biased,
		Unmodified:  state.Unmodified,
		NextFetchAt: tier.NextFetchTime(start, biased),
		LastError:   cause.Error(),
		LastErrorAt: start,
	}); err != nil {
		p.log.Error().Err(err).Str("feed", feed.ID).Msg("record feed failure")
	}

	return Result{
		FeedID: feed.ID,
		URL:    feed.URL,
		Tier:   biased,
		Error:  cause.Error(),
	}
}

// ProcessBatch processes feeds in waves of concurrency feeds. Each wave runs
// in parallel and completes before the next one starts. Results keep the
// order of feeds.
func (p *Processor) ProcessBatch(ctx context.Context, batch []model.Feed, concurrency int) BatchSummary {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	summary := BatchSummary{Total: len(batch), Results: make([]Result, len(batch))}

	for start := 0; start < len(batch); start += concurrency {
		end := min(start+concurrency, len(batch))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				summary.Results[i] = p.ProcessFeed(ctx, batch[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, r := range summary.Results {
		if r.Success {
			summary.Successful++
		} else {
			summary.Failed++
		}
		summary.ItemsAdded += r.ItemsAdded
	}
	return summary
}
