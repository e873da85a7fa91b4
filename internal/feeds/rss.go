package feeds

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/bryan-buckman/microsub/internal/model"
)

// parseRSS handles RSS 1.0/2.0 and Atom through gofeed.
func parseRSS(content, sourceURL string, now time.Time) (*model.CanonicalFeed, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &ParseError{Format: FormatRSS, Err: errors.New("empty content")}
	}
	parsed, err := gofeed.NewParser().ParseString(content)
	if err != nil {
		return nil, &ParseError{Format: FormatRSS, Err: err}
	}

	base, _ := url.Parse(sourceURL)
	feed := &model.CanonicalFeed{
		Type:    "feed",
		Name:    strings.TrimSpace(parsed.Title),
		Summary: StripHTML(parsed.Description),
		URL:     resolveURL(base, parsed.Link),
		Items:   make([]model.Item, 0, len(parsed.Items)),
	}
	if feed.URL == "" {
		feed.URL = sourceURL
	}
	if parsed.Image != nil {
		feed.Photo = resolveURL(base, parsed.Image.URL)
	}
	feed.Hub, feed.Self = atomLinks(parsed.Extensions)

	for _, entry := range parsed.Items {
		link := resolveURL(base, entry.Link)
		native := nativeID(entry.GUID, link, entry.Title)
		if native == "" {
			continue
		}

		published := now
		switch {
		case entry.PublishedParsed != nil:
			published = *entry.PublishedParsed
		case entry.UpdatedParsed != nil:
			published = *entry.UpdatedParsed
		}

		item := newItem(sourceURL, native, published)
		item.URL = link
		item.Name = strings.TrimSpace(entry.Title)
		item.Category = append(item.Category, entry.Categories...)

		html := entry.Content
		if html == "" {
			html = entry.Description
		} else if entry.Description != "" {
			item.Summary = StripHTML(entry.Description)
		}
		item.Content = NewContent("", html)

		if author := entryAuthor(entry, parsed); author != nil {
			item.Author = author
		}
		if entry.Image != nil {
			item.Photo = appendUnique(item.Photo, resolveURL(base, entry.Image.URL))
		}
		for _, enc := range entry.Enclosures {
			sortMedia(&item, strings.ToLower(enc.Type), resolveURL(base, enc.URL))
		}
		feed.Items = append(feed.Items, item)
	}
	return feed, nil
}

func entryAuthor(entry *gofeed.Item, parsed *gofeed.Feed) *model.Card {
	person := entry.Author
	if person == nil && len(entry.Authors) > 0 {
		person = entry.Authors[0]
	}
	if person == nil {
		person = parsed.Author
	}
	if person == nil || (person.Name == "" && person.Email == "") {
		return nil
	}
	name := person.Name
	if name == "" {
		name = person.Email
	}
	return &model.Card{Type: "card", Name: name}
}

// atomLinks reads atom:link rel=hub/self elements embedded in an RSS channel.
func atomLinks(extensions ext.Extensions) (hub, self string) {
	for _, link := range extensions["atom"]["link"] {
		switch link.Attrs["rel"] {
		case "hub":
			if hub == "" {
				hub = link.Attrs["href"]
			}
		case "self":
			if self == "" {
				self = link.Attrs["href"]
			}
		}
	}
	return hub, self
}
