package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bryan-buckman/microsub/internal/model"
	"github.com/bryan-buckman/microsub/internal/tier"
)

var feedColumns = []string{
	"id", "channel_id", "url", "title", "photo", "etag", "last_modified",
	"tier", "unmodified", "next_fetch_at", "last_fetched_at", "last_error", "last_error_at",
	"websub_hub", "websub_topic", "websub_secret", "websub_expires_at",
	"created_at", "updated_at",
}

// --- Feed Methods ---

// CreateFeed subscribes channelID to url. Following a URL the channel already
// follows returns the existing record with created=false.
func (db *DB) CreateFeed(ctx context.Context, channelID, url string) (*model.Feed, bool, error) {
	now := db.now()
	state := tier.Initial(now)
	ib := db.flavor.NewInsertBuilder()
	ib.InsertInto("feeds").
		Cols("id", "channel_id", "url", "tier", "unmodified", "next_fetch_at", "created_at", "updated_at").
		Values(uuid.Must(uuid.NewV7()).String(), channelID, url, state.Tier, state.Unmodified,
			state.NextFetchAt.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	ib.SQL("ON CONFLICT (channel_id, url) DO NOTHING")
	query, args := ib.Build()
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("insert feed: %w", err)
	}
	affected, _ := res.RowsAffected()

	feed, err := db.GetFeedByURL(ctx, channelID, url)
	if err != nil {
		return nil, false, err
	}
	return feed, affected > 0, nil
}

// GetFeed returns a feed by id.
func (db *DB) GetFeed(ctx context.Context, id string) (*model.Feed, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(feedColumns...).From("feeds").Where(sb.Equal("id", id))
	query, args := sb.Build()
	return db.queryFeed(ctx, query, args)
}

// GetFeedByURL returns the channel's subscription to url.
func (db *DB) GetFeedByURL(ctx context.Context, channelID, url string) (*model.Feed, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(feedColumns...).From("feeds").Where(sb.Equal("channel_id", channelID), sb.Equal("url", url))
	query, args := sb.Build()
	return db.queryFeed(ctx, query, args)
}

// ListFeeds returns a channel's feeds in subscription order.
func (db *DB) ListFeeds(ctx context.Context, channelID string) ([]model.Feed, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(feedColumns...).From("feeds").Where(sb.Equal("channel_id", channelID)).
		OrderBy("created_at ASC", "id ASC")
	query, args := sb.Build()
	return db.queryFeeds(ctx, query, args)
}

// DueFeeds returns feeds never scheduled or scheduled at or before now.
func (db *DB) DueFeeds(ctx context.Context, now time.Time) ([]model.Feed, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(feedColumns...).From("feeds").
		Where(sb.Or(sb.IsNull("next_fetch_at"), sb.LessEqualThan("next_fetch_at", now.UnixMilli()))).
		OrderBy("next_fetch_at ASC", "id ASC")
	query, args := sb.Build()
	return db.queryFeeds(ctx, query, args)
}

// DeleteFeed unsubscribes channelID from url. Items already ingested stay.
func (db *DB) DeleteFeed(ctx context.Context, channelID, url string) error {
	dlb := db.flavor.NewDeleteBuilder()
	dlb.DeleteFrom("feeds").Where(dlb.Equal("channel_id", channelID), dlb.Equal("url", url))
	query, args := dlb.Build()
	return db.execOne(ctx, "feed", query, args)
}

// UpdateFeedAfterFetch persists the polling state of one fetch attempt.
// Successful attempts store the refreshed conditional headers, clear the last
// error and fill title and photo only where they are still empty. Failed
// attempts record the error and leave everything else untouched.
func (db *DB) UpdateFeedAfterFetch(ctx context.Context, id string, u model.FeedUpdate) error {
	ub := db.flavor.NewUpdateBuilder()
	ub.Update("feeds")
	assignments := []string{
		ub.Assign("tier", tier.Clamp(u.Tier)),
		ub.Assign("unmodified", u.Unmodified),
		ub.Assign("next_fetch_at", millis(u.NextFetchAt)),
		ub.Assign("updated_at", db.now().UnixMilli()),
	}
	if u.Failed() {
		assignments = append(assignments,
			ub.Assign("last_error", u.LastError),
			ub.Assign("last_error_at", millis(u.LastErrorAt)),
		)
	} else {
		assignments = append(assignments,
			ub.Assign("last_fetched_at", millis(u.FetchedAt)),
			ub.Assign("etag", u.ETag),
			ub.Assign("last_modified", u.LastModified),
			ub.Assign("last_error", ""),
			ub.Assign("last_error_at", nil),
		)
		if u.Title != "" {
			assignments = append(assignments,
				fmt.Sprintf("title = CASE WHEN title = '' THEN %s ELSE title END", ub.Var(u.Title)))
		}
		if u.Photo != "" {
			assignments = append(assignments,
				fmt.Sprintf("photo = CASE WHEN photo = '' THEN %s ELSE photo END", ub.Var(u.Photo)))
		}
	}
	ub.Set(assignments...).Where(ub.Equal("id", id))
	query, args := ub.Build()
	return db.execOne(ctx, "feed", query, args)
}

// UpdateFeedWebSub records the hub subscription discovered for a feed.
func (db *DB) UpdateFeedWebSub(ctx context.Context, id string, ws *model.WebSub) error {
	if ws == nil {
		ws = &model.WebSub{}
	}
	ub := db.flavor.NewUpdateBuilder()
	ub.Update("feeds").
		Set(
			ub.Assign("websub_hub", ws.Hub),
			ub.Assign("websub_topic", ws.Topic),
			ub.Assign("websub_secret", ws.Secret),
			ub.Assign("websub_expires_at", millis(ws.ExpiresAt)),
			ub.Assign("updated_at", db.now().UnixMilli()),
		).
		Where(ub.Equal("id", id))
	query, args := ub.Build()
	return db.execOne(ctx, "feed", query, args)
}

func (db *DB) queryFeed(ctx context.Context, query string, args []interface{}) (*model.Feed, error) {
	feed, err := scanFeed(db.conn.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFound("feed")
	}
	return feed, err
}

func (db *DB) queryFeeds(ctx context.Context, query string, args []interface{}) ([]model.Feed, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer rows.Close()
	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

func scanFeed(row scanner) (*model.Feed, error) {
	var (
		f                                   model.Feed
		nextFetch, lastFetched, lastErrorAt sql.NullInt64
		hub, topic, secret                  string
		wsExpires                           sql.NullInt64
		createdAt, updatedAt                int64
	)
	err := row.Scan(&f.ID, &f.ChannelID, &f.URL, &f.Title, &f.Photo, &f.ETag, &f.LastModified,
		&f.Tier, &f.Unmodified, &nextFetch, &lastFetched, &f.LastError, &lastErrorAt,
		&hub, &topic, &secret, &wsExpires, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	f.NextFetchAt = fromMillis(nextFetch)
	f.LastFetchedAt = fromMillis(lastFetched)
	f.LastErrorAt = fromMillis(lastErrorAt)
	f.CreatedAt = time.UnixMilli(createdAt).UTC()
	f.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if hub != "" {
		f.WebSub = &model.WebSub{Hub: hub, Topic: topic, Secret: secret, ExpiresAt: fromMillis(wsExpires)}
	}
	return &f, nil
}
