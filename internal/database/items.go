package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/bryan-buckman/microsub/internal/model"
)

var itemColumns = []string{"id", "channel_id", "feed_id", "is_read", "data", "created_at"}

// --- Item Methods ---

// AddItem inserts item unless (channel, uid) is already stored.
// Returns whether it was new; on insert item.ID is set.
// The unique constraint does the deduplication so concurrent ingestion of
// the same feed cannot produce duplicates.
func (db *DB) AddItem(ctx context.Context, item *model.Item) (bool, error) {
	if item.ChannelID == "" || item.UID == "" {
		return false, model.Invalid("item requires channel and uid")
	}
	id := uuid.Must(uuid.NewV7()).String()
	now := db.now()
	item.Published = item.Published.UTC().Truncate(time.Millisecond)
	stored := *item
	stored.ID = ""
	stored.IsRead = false
	data, err := json.Marshal(&stored)
	if err != nil {
		return false, fmt.Errorf("encode item: %w", err)
	}

	ib := db.flavor.NewInsertBuilder()
	ib.InsertInto("items").
		Cols("id", "channel_id", "feed_id", "uid", "published", "is_read", "search_text", "data", "created_at").
		Values(id, item.ChannelID, item.FeedID, item.UID, item.Published.UnixMilli(), false,
			searchText(item), string(data), now.UnixMilli())
	ib.SQL("ON CONFLICT (channel_id, uid) DO NOTHING")
	query, args := ib.Build()
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, nil
	}
	item.ID = id
	item.IsRead = false
	item.CreatedAt = now.UTC()
	return true, nil
}

// Timeline returns one page of a channel's items, newest first.
func (db *DB) Timeline(ctx context.Context, channelID string, q PageQuery) (*Page, error) {
	limit := ClampLimit(q.Limit)
	sb := db.flavor.NewSelectBuilder()
	sb.Select(itemColumns...).From("items").Where(sb.Equal("channel_id", channelID))
	if q.UnreadOnly {
		sb.Where(sb.Equal("is_read", false))
	}
	ascending := BuildPaginationQuery(sb, q)
	BuildPaginationSort(sb, ascending)
	sb.Limit(limit + 1)

	query, args := sb.Build()
	items, err := db.queryItems(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return finishPage(items, limit, ascending), nil
}

// GetItem returns one item of a channel.
func (db *DB) GetItem(ctx context.Context, channelID, id string) (*model.Item, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(itemColumns...).From("items").Where(sb.Equal("channel_id", channelID), sb.Equal("id", id))
	query, args := sb.Build()
	it, err := scanItem(db.conn.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFound("item")
	}
	return it, err
}

// MarkRead sets the read flag of the given items and returns how many changed.
func (db *DB) MarkRead(ctx context.Context, channelID string, ids []string, read bool) (int64, error) {
	ids = lo.Uniq(lo.Compact(ids))
	if len(ids) == 0 {
		return 0, nil
	}
	ub := db.flavor.NewUpdateBuilder()
	ub.Update("items").
		Set(ub.Assign("is_read", read)).
		Where(ub.Equal("channel_id", channelID), ub.In("id", lo.ToAnySlice(ids)...))
	query, args := ub.Build()
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.RowsAffected()
}

// UnreadCount returns the number of unread items in a channel.
func (db *DB) UnreadCount(ctx context.Context, channelID string) (int, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select("COUNT(*)").From("items").Where(sb.Equal("channel_id", channelID), sb.Equal("is_read", false))
	query, args := sb.Build()
	var n int
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

// SearchItems finds items of a channel whose text contains query
// (case-insensitive), newest first.
func (db *DB) SearchItems(ctx context.Context, channelID, query string, limit int) ([]model.Item, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return []model.Item{}, nil
	}
	sb := db.flavor.NewSelectBuilder()
	sb.Select(itemColumns...).From("items").
		Where(sb.Equal("channel_id", channelID), sb.Like("search_text", "%"+escapeLike(query)+"%")+" ESCAPE '\\'")
	BuildPaginationSort(sb, false)
	sb.Limit(ClampLimit(limit))
	q, args := sb.Build()
	items, err := db.queryItems(ctx, q, args)
	if items == nil && err == nil {
		items = []model.Item{}
	}
	return items, err
}

func (db *DB) queryItems(ctx context.Context, query string, args []interface{}) ([]model.Item, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()
	var items []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func scanItem(row scanner) (*model.Item, error) {
	var (
		it        model.Item
		id        string
		channelID string
		feedID    string
		isRead    bool
		data      string
		createdAt int64
	)
	if err := row.Scan(&id, &channelID, &feedID, &isRead, &data, &createdAt); err != nil {
		return nil, err
	}
	if err := json.UnmarshalFromString(data, &it); err != nil {
		return nil, fmt.Errorf("decode item %s: %w", id, err)
	}
	it.ID = id
	it.ChannelID = channelID
	it.FeedID = feedID
	it.IsRead = isRead
	it.CreatedAt = time.UnixMilli(createdAt).UTC()
	it.Published = it.Published.UTC()
	return &it, nil
}

func searchText(item *model.Item) string {
	parts := []string{item.Name, item.Summary, item.URL}
	if item.Content != nil {
		parts = append(parts, item.Content.Text)
	}
	if item.Author != nil {
		parts = append(parts, item.Author.Name)
	}
	return strings.ToLower(strings.Join(lo.Compact(parts), " "))
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
