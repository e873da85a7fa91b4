// Package feeds normalizes RSS, Atom, JSON Feed and h-feed documents into
// the canonical item model.
package feeds

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/bryan-buckman/microsub/internal/model"
)

// Format names used in parse errors.
const (
	FormatRSS      = "RSS"
	FormatJSONFeed = "JSON Feed"
	FormatHFeed    = "h-feed"
)

// ParseError reports malformed or empty feed content.
type ParseError struct {
	Format string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s parse error: %v", e.Format, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// JSONFeedError reports a JSON document that is not a valid JSON Feed.
type JSONFeedError struct {
	Reason string // "version" or "items"
}

func (e *JSONFeedError) Error() string {
	if e.Reason == "items" {
		return "Invalid JSON Feed: items must be an array"
	}
	return "Invalid JSON Feed: missing or invalid version"
}

// Parse detects the format of content and normalizes it.
// sourceURL is the URL the content was fetched from; it seeds item uids and
// resolves relative links.
func Parse(content, sourceURL, contentType string) (*model.CanonicalFeed, error) {
	return ParseAt(content, sourceURL, contentType, time.Now())
}

// ParseAt is Parse with an explicit fallback publication time.
func ParseAt(content, sourceURL, contentType string, now time.Time) (*model.CanonicalFeed, error) {
	switch detectFormat(content, contentType) {
	case FormatJSONFeed:
		return parseJSONFeed(content, sourceURL, now)
	case FormatHFeed:
		return parseHFeed(content, sourceURL, now)
	default:
		return parseRSS(content, sourceURL, now)
	}
}

func detectFormat(content, contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return FormatJSONFeed
	case strings.Contains(ct, "html"):
		return FormatHFeed
	case strings.Contains(ct, "xml"), strings.Contains(ct, "rss"), strings.Contains(ct, "atom"):
		return FormatRSS
	}

	trimmed := strings.TrimSpace(content)
	head := strings.ToLower(trimmed[:min(len(trimmed), 512)])
	switch {
	case strings.HasPrefix(trimmed, "{"):
		return FormatJSONFeed
	case strings.Contains(head, "<!doctype html"), strings.Contains(head, "<html"):
		return FormatHFeed
	}
	return FormatRSS
}

// ItemUID derives the stable item id from the feed URL and the item's
// native id: the first 24 hex characters of a SHA-256 digest.
func ItemUID(feedURL, nativeID string) string {
	sum := sha256.Sum256([]byte(feedURL + "::" + nativeID))
	return hex.EncodeToString(sum[:])[:24]
}

// StripHTML returns the text content of an HTML fragment, trimmed.
func StripHTML(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.TrimSpace(html)
	}
	return strings.TrimSpace(doc.Text())
}

// NewContent builds an item body. Plain text is derived from html when only
// html is given. Returns nil when both are empty.
func NewContent(text, html string) *model.Content {
	text = strings.TrimSpace(text)
	html = strings.TrimSpace(html)
	if text == "" && html == "" {
		return nil
	}
	if text == "" {
		text = StripHTML(html)
	}
	return &model.Content{Text: text, HTML: html}
}

// nativeID picks the first non-empty candidate.
func nativeID(candidates ...string) string {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}

func newItem(sourceURL string, native string, published time.Time) model.Item {
	return model.Item{
		Type:      "entry",
		UID:       ItemUID(sourceURL, native),
		Published: published.UTC(),
		Photo:     []string{},
		Video:     []string{},
		Audio:     []string{},
	}
}

func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		dup := false
		for _, existing := range list {
			if existing == v {
				dup = true
				break
			}
		}
		if !dup {
			list = append(list, v)
		}
	}
	return list
}

func sortMedia(item *model.Item, mimeType, u string) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		item.Photo = appendUnique(item.Photo, u)
	case strings.HasPrefix(mimeType, "video/"):
		item.Video = appendUnique(item.Video, u)
	case strings.HasPrefix(mimeType, "audio/"):
		item.Audio = appendUnique(item.Audio, u)
	}
}
