// Package model defines shared data structures.
package model

import "time"

// InteractionType classifies an item by the first interaction marker it carries.
type InteractionType string

const (
	TypePost     InteractionType = "post"
	TypeLike     InteractionType = "like"
	TypeRepost   InteractionType = "repost"
	TypeBookmark InteractionType = "bookmark"
	TypeReply    InteractionType = "reply"
	TypeRSVP     InteractionType = "rsvp"
	TypeCheckin  InteractionType = "checkin"
)

// InteractionTypes lists every type a channel may exclude.
var InteractionTypes = []InteractionType{
	TypeLike, TypeRepost, TypeBookmark, TypeReply, TypeRSVP, TypeCheckin, TypePost,
}

// NotificationsName is the display name of the implicit per-owner notifications channel.
const NotificationsName = "Notifications"

// ChannelSettings holds per-channel ingestion filters.
type ChannelSettings struct {
	ExcludeTypes []InteractionType `json:"excludeTypes,omitempty"`
	ExcludeRegex string            `json:"excludeRegex,omitempty"`
}

// Channel is a subscriber's named collection of feeds.
type Channel struct {
	ID            string // opaque uid, immutable
	Owner         string
	Name          string
	Notifications bool
	Settings      ChannelSettings
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WebSub records a discovered (or active) hub subscription for a feed.
type WebSub struct {
	Hub       string    `json:"hub"`
	Topic     string    `json:"topic"`
	Secret    string    `json:"secret,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Feed is a subscription to one external URL on behalf of one channel.
type Feed struct {
	ID           string
	ChannelID    string
	URL          string
	Title        string
	Photo        string
	ETag         string
	LastModified string

	Tier        int
	Unmodified  int
	NextFetchAt time.Time // zero means never scheduled

	LastFetchedAt time.Time
	LastError     string
	LastErrorAt   time.Time

	WebSub    *WebSub
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FeedUpdate is the state persisted after every fetch attempt.
// A non-zero LastErrorAt marks a failed attempt; headers and discovered
// metadata are then left untouched.
type FeedUpdate struct {
	Tier        int
	Unmodified  int
	NextFetchAt time.Time

	FetchedAt    time.Time
	ETag         string
	LastModified string
	Title        string // only fills an empty title
	Photo        string // only fills an empty photo

	LastError   string
	LastErrorAt time.Time
}

// Failed reports whether the update describes a failed fetch.
func (u FeedUpdate) Failed() bool {
	return !u.LastErrorAt.IsZero()
}

// Card is an h-card style author or venue.
type Card struct {
	Type  string `json:"type,omitempty"`
	Name  string `json:"name,omitempty"`
	URL   string `json:"url,omitempty"`
	Photo string `json:"photo,omitempty"`
}

// Content carries both renditions of an item body.
type Content struct {
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

// Source identifies the feed an item came from.
type Source struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// Item is one canonical piece of content, serialized in jf2 shape.
type Item struct {
	ID        string    `json:"_id,omitempty"`
	ChannelID string    `json:"-"`
	FeedID    string    `json:"-"`
	IsRead    bool      `json:"_is_read"`
	Source    *Source   `json:"_source,omitempty"`
	CreatedAt time.Time `json:"-"`

	Type      string    `json:"type"`
	UID       string    `json:"uid"`
	URL       string    `json:"url,omitempty"`
	Published time.Time `json:"published"`
	Name      string    `json:"name,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Content   *Content  `json:"content,omitempty"`
	Author    *Card     `json:"author,omitempty"`
	Category  []string  `json:"category,omitempty"`
	Photo     []string  `json:"photo"`
	Video     []string  `json:"video"`
	Audio     []string  `json:"audio"`

	LikeOf     []string `json:"like-of,omitempty"`
	RepostOf   []string `json:"repost-of,omitempty"`
	BookmarkOf []string `json:"bookmark-of,omitempty"`
	InReplyTo  []string `json:"in-reply-to,omitempty"`
	RSVP       string   `json:"rsvp,omitempty"`
	Checkin    *Card    `json:"checkin,omitempty"`
}

// InteractionType returns the first interaction marker present, in priority
// order like, repost, bookmark, reply, rsvp, checkin. Items with none are posts.
func (it *Item) InteractionType() InteractionType {
	switch {
	case len(it.LikeOf) > 0:
		return TypeLike
	case len(it.RepostOf) > 0:
		return TypeRepost
	case len(it.BookmarkOf) > 0:
		return TypeBookmark
	case len(it.InReplyTo) > 0:
		return TypeReply
	case it.RSVP != "":
		return TypeRSVP
	case it.Checkin != nil:
		return TypeCheckin
	}
	return TypePost
}

// CanonicalFeed is the normalized form of any supported feed format.
type CanonicalFeed struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Summary string `json:"summary,omitempty"`
	URL     string `json:"url,omitempty"`
	Photo   string `json:"photo,omitempty"`
	Hub     string `json:"-"`
	Self    string `json:"-"`
	Items   []Item `json:"items"`
}
