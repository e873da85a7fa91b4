package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/microsub/internal/cache"
	"github.com/bryan-buckman/microsub/internal/database"
	"github.com/bryan-buckman/microsub/internal/fetcher"
	"github.com/bryan-buckman/microsub/internal/model"
)

const feedURL = "https://example.com/feed.xml"

const rssFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example Blog</title>
    <link>https://example.com/</link>
    <item>
      <title>First post</title>
      <link>https://example.com/1</link>
      <guid>post-1</guid>
      <pubDate>Mon, 15 Jan 2024 10:00:00 GMT</pubDate>
      <description>Hello world</description>
    </item>
    <item>
      <title>Skip this one</title>
      <link>https://example.com/2</link>
      <guid>post-2</guid>
      <pubDate>Tue, 16 Jan 2024 10:00:00 GMT</pubDate>
      <description>Sponsored</description>
    </item>
  </channel>
</rss>`

type fetchFunc func(ctx context.Context, url string, opts fetcher.Options) (*fetcher.Result, error)

func (f fetchFunc) Fetch(ctx context.Context, url string, opts fetcher.Options) (*fetcher.Result, error) {
	return f(ctx, url, opts)
}

func rssResult() fetchFunc {
	return func(context.Context, string, fetcher.Options) (*fetcher.Result, error) {
		return &fetcher.Result{
			Content:     rssFeed,
			ContentType: "application/rss+xml",
			ETag:        `"v1"`,
			Status:      200,
		}, nil
	}
}

type fixture struct {
	db      *database.DB
	channel *model.Channel
	feed    *model.Feed
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ch, err := db.CreateChannel(ctx, "me", "News")
	require.NoError(t, err)
	feed, _, err := db.CreateFeed(ctx, ch.ID, feedURL)
	require.NoError(t, err)
	return fixture{db: db, channel: ch, feed: feed}
}

func (fx fixture) reload(t *testing.T) *model.Feed {
	t.Helper()
	feed, err := fx.db.GetFeed(context.Background(), fx.feed.ID)
	require.NoError(t, err)
	return feed
}

func TestProcessFeedIngestsItems(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	p := NewProcessor(fx.db, rssResult(), nil, zerolog.Nop())

	res := p.ProcessFeed(ctx, *fx.feed)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.ItemsAdded)
	assert.Equal(t, 0, res.Tier)

	feed := fx.reload(t)
	assert.Equal(t, "Example Blog", feed.Title)
	assert.Equal(t, `"v1"`, feed.ETag)
	assert.Empty(t, feed.LastError)

	page, err := fx.db.Timeline(ctx, fx.channel.ID, database.PageQuery{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "Skip this one", page.Items[0].Name)
	require.NotNil(t, page.Items[0].Source)
	assert.Equal(t, feedURL, page.Items[0].Source.URL)

	// A second pass over the same document stores nothing new.
	again := p.ProcessFeed(ctx, *feed)
	require.True(t, again.Success)
	assert.Zero(t, again.ItemsAdded)
	assert.Equal(t, 1, fx.reload(t).Unmodified)
}

func TestProcessFeedAppliesChannelFilters(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	require.NoError(t, fx.db.UpdateChannelSettings(ctx, "me", fx.channel.ID, model.ChannelSettings{ExcludeRegex: "sponsored"}))

	p := NewProcessor(fx.db, rssResult(), nil, zerolog.Nop())
	res := p.ProcessFeed(ctx, *fx.feed)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.ItemsAdded)

	page, err := fx.db.Timeline(ctx, fx.channel.ID, database.PageQuery{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "First post", page.Items[0].Name)
}

func TestProcessFeedNotModified(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	now := time.Now()
	require.NoError(t, fx.db.UpdateFeedAfterFetch(ctx, fx.feed.ID, model.FeedUpdate{
		Tier:        3,
		Unmodified:  1,
		NextFetchAt: now,
		FetchedAt:   now,
		ETag:        `"abc"`,
	}))
	feed := fx.reload(t)

	var sent fetcher.Options
	p := NewProcessor(fx.db, fetchFunc(func(_ context.Context, _ string, opts fetcher.Options) (*fetcher.Result, error) {
		sent = opts
		return &fetcher.Result{Status: 304, NotModified: true, ETag: opts.ETag}, nil
	}), nil, zerolog.Nop())

	res := p.ProcessFeed(ctx, *feed)
	require.True(t, res.Success)
	assert.True(t, res.NotModified)
	assert.Zero(t, res.ItemsAdded)
	assert.Equal(t, `"abc"`, sent.ETag)

	got := fx.reload(t)
	assert.Equal(t, 3, got.Tier)
	assert.Equal(t, 2, got.Unmodified)
	assert.Equal(t, `"abc"`, got.ETag)
}

func TestProcessFeedFailureBiasesTier(t *testing.T) {
	tests := []struct {
		name       string
		tier       int
		unmodified int
		wantTier   int
	}{
		{"below threshold", 3, 0, 4},
		{"at threshold", 3, 2, 5},
		{"ceiling", 10, 0, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			fx := newFixture(t)
			require.NoError(t, fx.db.UpdateFeedAfterFetch(ctx, fx.feed.ID, model.FeedUpdate{
				Tier:        tt.tier,
				Unmodified:  tt.unmodified,
				NextFetchAt: time.Now(),
				FetchedAt:   time.Now(),
			}))
			feed := fx.reload(t)

			p := NewProcessor(fx.db, fetchFunc(func(context.Context, string, fetcher.Options) (*fetcher.Result, error) {
				return nil, &fetcher.HTTPError{URL: feedURL, Status: 500}
			}), nil, zerolog.Nop())

			res := p.ProcessFeed(ctx, *feed)
			assert.False(t, res.Success)
			assert.Equal(t, tt.wantTier, res.Tier)
			assert.Contains(t, res.Error, "HTTP 500")

			got := fx.reload(t)
			assert.Equal(t, tt.wantTier, got.Tier)
			assert.Contains(t, got.LastError, "HTTP 500")
			assert.False(t, got.LastErrorAt.IsZero())
		})
	}
}

func TestProcessFeedParseFailure(t *testing.T) {
	fx := newFixture(t)
	p := NewProcessor(fx.db, fetchFunc(func(context.Context, string, fetcher.Options) (*fetcher.Result, error) {
		return &fetcher.Result{Content: `{"items": []}`, ContentType: "application/feed+json", Status: 200}, nil
	}), nil, zerolog.Nop())

	res := p.ProcessFeed(context.Background(), *fx.feed)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "missing or invalid version")
}

func TestProcessFeedRecoversPanic(t *testing.T) {
	fx := newFixture(t)
	p := NewProcessor(fx.db, fetchFunc(func(context.Context, string, fetcher.Options) (*fetcher.Result, error) {
		panic("boom")
	}), nil, zerolog.Nop())

	res := p.ProcessFeed(context.Background(), *fx.feed)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "boom")
}

func TestProcessFeedRecordsHub(t *testing.T) {
	fx := newFixture(t)
	p := NewProcessor(fx.db, fetchFunc(func(ctx context.Context, url string, opts fetcher.Options) (*fetcher.Result, error) {
		r, err := rssResult()(ctx, url, opts)
		r.Hub = "https://hub.example.com/"
		r.Self = "https://example.com/self.xml"
		return r, err
	}), nil, zerolog.Nop())

	res := p.ProcessFeed(context.Background(), *fx.feed)
	require.True(t, res.Success)

	got := fx.reload(t)
	require.NotNil(t, got.WebSub)
	assert.Equal(t, "https://hub.example.com/", got.WebSub.Hub)
	assert.Equal(t, "https://example.com/self.xml", got.WebSub.Topic)
}

func TestProcessFeedPublishesEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx := newFixture(t)
	broker := cache.NewMemory()

	events, unsubscribe, err := broker.Subscribe(ctx, cache.ChannelTopic(fx.channel.ID))
	require.NoError(t, err)
	defer unsubscribe()

	p := NewProcessor(fx.db, rssResult(), broker, zerolog.Nop())
	res := p.ProcessFeed(ctx, *fx.feed)
	require.True(t, res.Success)

	for i := 0; i < 2; i++ {
		select {
		case payload := <-events:
			var evt Event
			require.NoError(t, json.Unmarshal(payload, &evt))
			assert.Equal(t, EventNewItem, evt.Type)
			assert.Equal(t, fx.channel.ID, evt.ChannelID)
			require.NotNil(t, evt.Item)
			assert.NotEmpty(t, evt.Item.ID)
		case <-time.After(time.Second):
			t.Fatalf("expected event %d", i+1)
		}
	}
}

type nopStore struct{}

func (nopStore) GetChannelByID(_ context.Context, id string) (*model.Channel, error) {
	return &model.Channel{ID: id}, nil
}
func (nopStore) AddItem(context.Context, *model.Item) (bool, error)                   { return true, nil }
func (nopStore) UpdateFeedAfterFetch(context.Context, string, model.FeedUpdate) error { return nil }
func (nopStore) UpdateFeedWebSub(context.Context, string, *model.WebSub) error        { return nil }

func TestProcessBatchRunsInWaves(t *testing.T) {
	var (
		mu       sync.Mutex
		seq      int
		started  = map[string]int{}
		finished = map[string]int{}
		inflight atomic.Int32
		peak     atomic.Int32
	)

	f := fetchFunc(func(_ context.Context, url string, _ fetcher.Options) (*fetcher.Result, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		mu.Lock()
		seq++
		started[url] = seq
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		seq++
		finished[url] = seq
		mu.Unlock()
		inflight.Add(-1)

		if url == "https://example.com/7" {
			return nil, errors.New("connection refused")
		}
		return &fetcher.Result{Status: 304, NotModified: true}, nil
	})

	batch := make([]model.Feed, 12)
	for i := range batch {
		batch[i] = model.Feed{ID: fmt.Sprint(i), ChannelID: "c", URL: fmt.Sprintf("https://example.com/%d", i)}
	}

	p := NewProcessor(nopStore{}, f, nil, zerolog.Nop())
	summary := p.ProcessBatch(context.Background(), batch, 5)

	assert.Equal(t, 12, summary.Total)
	assert.Len(t, summary.Results, 12)
	assert.Equal(t, 11, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.LessOrEqual(t, peak.Load(), int32(5))
	for i, r := range summary.Results {
		assert.Equal(t, batch[i].ID, r.FeedID)
	}

	// Every feed of a wave starts after the previous wave has finished.
	for i := 5; i < 12; i++ {
		waveStart := (i/5 - 1) * 5
		for j := waveStart; j < waveStart+5; j++ {
			assert.Greater(t, started[batch[i].URL], finished[batch[j].URL])
		}
	}
}
