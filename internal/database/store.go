// Package database provides storage backends for channels, feeds and items.
package database

import (
	"context"
	"time"

	"github.com/bryan-buckman/microsub/internal/model"
)

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL backends satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	// SQLite returns false due to write locking limitations.
	SupportsHighConcurrency() bool

	// Channel operations
	CreateChannel(ctx context.Context, owner, name string) (*model.Channel, error)
	GetChannel(ctx context.Context, owner, id string) (*model.Channel, error)
	GetChannelByID(ctx context.Context, id string) (*model.Channel, error)
	ListChannels(ctx context.Context, owner string) ([]model.Channel, error)
	EnsureNotificationsChannel(ctx context.Context, owner string) (*model.Channel, error)
	RenameChannel(ctx context.Context, owner, id, name string) error
	UpdateChannelSettings(ctx context.Context, owner, id string, settings model.ChannelSettings) error
	DeleteChannel(ctx context.Context, owner, id string) error

	// Feed operations
	CreateFeed(ctx context.Context, channelID, url string) (*model.Feed, bool, error)
	GetFeed(ctx context.Context, id string) (*model.Feed, error)
	GetFeedByURL(ctx context.Context, channelID, url string) (*model.Feed, error)
	ListFeeds(ctx context.Context, channelID string) ([]model.Feed, error)
	DeleteFeed(ctx context.Context, channelID, url string) error
	DueFeeds(ctx context.Context, now time.Time) ([]model.Feed, error)
	UpdateFeedAfterFetch(ctx context.Context, id string, u model.FeedUpdate) error
	UpdateFeedWebSub(ctx context.Context, id string, ws *model.WebSub) error

	// Item operations
	AddItem(ctx context.Context, item *model.Item) (bool, error)
	Timeline(ctx context.Context, channelID string, q PageQuery) (*Page, error)
	GetItem(ctx context.Context, channelID, id string) (*model.Item, error)
	MarkRead(ctx context.Context, channelID string, ids []string, read bool) (int64, error)
	UnreadCount(ctx context.Context, channelID string) (int, error)
	SearchItems(ctx context.Context, channelID, query string, limit int) ([]model.Item, error)
}
