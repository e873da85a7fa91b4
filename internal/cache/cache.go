// Package cache provides the optional key-value cache and pub/sub broker.
//
// Every operation is individually fallible; callers treat errors as a miss or
// a no-op and never fail a request because of them.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = errors.New("cache: miss")

// Cache is the capability injected into the fetcher and processor.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe streams payloads published on topic until the returned
	// cancel func is called or ctx ends.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)
}

// Noop satisfies Cache when no broker is configured.
type Noop struct{}

var _ Cache = Noop{}

func (Noop) Get(context.Context, string) ([]byte, error)              { return nil, ErrMiss }
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Noop) Delete(context.Context, string) error                     { return nil }
func (Noop) Publish(context.Context, string, []byte) error            { return nil }
func (Noop) Subscribe(context.Context, string) (<-chan []byte, func(), error) {
	return nil, func() {}, nil
}

// FeedKey is the cache key of a fetched feed payload.
func FeedKey(url string) string {
	return "feed:" + url
}

// ChannelTopic is the pub/sub topic carrying events for one channel.
func ChannelTopic(channelID string) string {
	return "microsub:" + channelID
}
