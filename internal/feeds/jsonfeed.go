package feeds

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/bryan-buckman/microsub/internal/model"
)

const jsonFeedVersionPrefix = "https://jsonfeed.org/version/"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type jsonFeedAuthor struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Avatar string `json:"avatar"`
}

type jsonFeedDocument struct {
	Version     any                 `json:"version"`
	Title       string              `json:"title"`
	HomePageURL string              `json:"home_page_url"`
	FeedURL     string              `json:"feed_url"`
	Description string              `json:"description"`
	Icon        string              `json:"icon"`
	Favicon     string              `json:"favicon"`
	Author      *jsonFeedAuthor     `json:"author"`
	Authors     []jsonFeedAuthor    `json:"authors"`
	Hubs        []jsonFeedHub       `json:"hubs"`
	Items       jsoniter.RawMessage `json:"items"`
}

type jsonFeedHub struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type jsonFeedItem struct {
	ID            any              `json:"id"`
	URL           string           `json:"url"`
	ExternalURL   string           `json:"external_url"`
	Title         string           `json:"title"`
	ContentHTML   string           `json:"content_html"`
	ContentText   string           `json:"content_text"`
	Summary       string           `json:"summary"`
	Image         string           `json:"image"`
	BannerImage   string           `json:"banner_image"`
	DatePublished string           `json:"date_published"`
	DateModified  string           `json:"date_modified"`
	Author        *jsonFeedAuthor  `json:"author"`
	Authors       []jsonFeedAuthor `json:"authors"`
	Tags          []string         `json:"tags"`
	Attachments   []struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	} `json:"attachments"`
}

func parseJSONFeed(content, sourceURL string, now time.Time) (*model.CanonicalFeed, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &ParseError{Format: FormatJSONFeed, Err: errors.New("empty content")}
	}
	var doc jsonFeedDocument
	if err := json.UnmarshalFromString(content, &doc); err != nil {
		return nil, &ParseError{Format: FormatJSONFeed, Err: err}
	}
	if v, ok := doc.Version.(string); !ok || !strings.HasPrefix(v, jsonFeedVersionPrefix) {
		return nil, &JSONFeedError{Reason: "version"}
	}
	rawItems := bytes.TrimSpace(doc.Items)
	if len(rawItems) == 0 || rawItems[0] != '[' {
		return nil, &JSONFeedError{Reason: "items"}
	}
	var entries []jsonFeedItem
	if err := json.Unmarshal(rawItems, &entries); err != nil {
		return nil, &ParseError{Format: FormatJSONFeed, Err: err}
	}

	base, _ := url.Parse(sourceURL)
	feed := &model.CanonicalFeed{
		Type:    "feed",
		Name:    strings.TrimSpace(doc.Title),
		Summary: doc.Description,
		URL:     resolveURL(base, doc.HomePageURL),
		Photo:   resolveURL(base, nativeID(doc.Icon, doc.Favicon)),
		Self:    doc.FeedURL,
		Items:   make([]model.Item, 0, len(entries)),
	}
	if feed.URL == "" {
		feed.URL = sourceURL
	}
	for _, hub := range doc.Hubs {
		if strings.EqualFold(hub.Type, "websub") {
			feed.Hub = hub.URL
			break
		}
	}
	feedAuthor := firstAuthor(doc.Author, doc.Authors)

	for _, entry := range entries {
		link := resolveURL(base, nativeID(entry.URL, entry.ExternalURL))
		id := ""
		if entry.ID != nil {
			id = fmt.Sprint(entry.ID)
		}
		native := nativeID(id, link, entry.Title)
		if native == "" {
			continue
		}

		published := now
		if t, ok := parseTime(entry.DatePublished); ok {
			published = t
		} else if t, ok := parseTime(entry.DateModified); ok {
			published = t
		}

		item := newItem(sourceURL, native, published)
		item.URL = link
		item.Name = strings.TrimSpace(entry.Title)
		item.Summary = entry.Summary
		item.Content = NewContent(entry.ContentText, entry.ContentHTML)
		item.Category = append(item.Category, entry.Tags...)
		if author := firstAuthor(entry.Author, entry.Authors); author != nil {
			item.Author = author
		} else if feedAuthor != nil {
			item.Author = feedAuthor
		}
		item.Photo = appendUnique(item.Photo, resolveURL(base, entry.Image))
		for _, att := range entry.Attachments {
			sortMedia(&item, strings.ToLower(att.MimeType), resolveURL(base, att.URL))
		}
		feed.Items = append(feed.Items, item)
	}
	return feed, nil
}

func firstAuthor(author *jsonFeedAuthor, authors []jsonFeedAuthor) *model.Card {
	if author == nil && len(authors) > 0 {
		author = &authors[0]
	}
	if author == nil || (author.Name == "" && author.URL == "") {
		return nil
	}
	return &model.Card{Type: "card", Name: author.Name, URL: author.URL, Photo: author.Avatar}
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
