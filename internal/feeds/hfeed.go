package feeds

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/bryan-buckman/microsub/internal/model"
)

// parseHFeed reads microformats2 h-entry markup from an HTML page.
func parseHFeed(content, sourceURL string, now time.Time) (*model.CanonicalFeed, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &ParseError{Format: FormatHFeed, Err: errors.New("empty content")}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, &ParseError{Format: FormatHFeed, Err: err}
	}

	base, _ := url.Parse(sourceURL)
	root := doc.Find(".h-feed").First()
	if root.Length() == 0 {
		root = doc.Selection
	}
	entries := root.Find(".h-entry").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.ParentsFiltered(".h-entry").Length() == 0
	})
	if entries.Length() == 0 {
		return nil, &ParseError{Format: FormatHFeed, Err: errors.New("no h-entry found")}
	}

	feed := &model.CanonicalFeed{
		Type:  "feed",
		URL:   sourceURL,
		Items: make([]model.Item, 0, entries.Length()),
	}
	feed.Name = strings.TrimSpace(outsideEntries(root.Find(".p-name")).First().Text())
	if feed.Name == "" {
		feed.Name = strings.TrimSpace(doc.Find("title").First().Text())
	}
	feed.Summary = strings.TrimSpace(outsideEntries(root.Find(".p-summary")).First().Text())
	if photo := outsideEntries(root.Find(".u-photo")).First(); photo.Length() > 0 {
		feed.Photo = resolveURL(base, urlValue(photo))
	}
	doc.Find("link[rel]").Each(func(_ int, s *goquery.Selection) {
		rels := strings.Fields(strings.ToLower(s.AttrOr("rel", "")))
		href := resolveURL(base, s.AttrOr("href", ""))
		for _, rel := range rels {
			if rel == "hub" && feed.Hub == "" {
				feed.Hub = href
			}
			if rel == "self" && feed.Self == "" {
				feed.Self = href
			}
		}
	})

	entries.Each(func(_ int, entry *goquery.Selection) {
		if item, ok := parseHEntry(entry, base, sourceURL, now); ok {
			feed.Items = append(feed.Items, item)
		}
	})
	return feed, nil
}

func parseHEntry(entry *goquery.Selection, base *url.URL, sourceURL string, now time.Time) (model.Item, bool) {
	prop := func(selector string) *goquery.Selection {
		return entry.Find(selector).FilterFunction(func(_ int, s *goquery.Selection) bool {
			return s.ParentsFiltered(".h-entry").First().IsSelection(entry) &&
				s.ParentsFiltered(".h-card").Length() == entry.ParentsFiltered(".h-card").Length()
		})
	}
	urls := func(selector string) []string {
		var out []string
		prop(selector).Each(func(_ int, s *goquery.Selection) {
			out = appendUnique(out, resolveURL(base, urlValue(s)))
		})
		return out
	}

	link := ""
	if u := urls(".u-url"); len(u) > 0 {
		link = u[0]
	}
	uid := ""
	if u := prop(".u-uid").First(); u.Length() > 0 {
		uid = urlValue(u)
	}
	contentEl := prop(".e-content").First()
	name := strings.TrimSpace(prop(".p-name").First().Text())
	if name != "" && contentEl.Length() > 0 && name == strings.TrimSpace(contentEl.Text()) {
		name = ""
	}

	native := nativeID(uid, link, name)
	if native == "" {
		return model.Item{}, false
	}

	published := now
	if t, ok := parseTime(dateValue(prop(".dt-published").First())); ok {
		published = t
	} else if t, ok := parseTime(dateValue(prop(".dt-updated").First())); ok {
		published = t
	}

	item := newItem(sourceURL, native, published)
	item.URL = link
	item.Name = name
	item.Summary = strings.TrimSpace(prop(".p-summary").First().Text())
	if contentEl.Length() > 0 {
		html, _ := contentEl.Html()
		item.Content = NewContent(contentEl.Text(), html)
	}
	prop(".p-category").Each(func(_ int, s *goquery.Selection) {
		item.Category = appendUnique(item.Category, strings.TrimSpace(s.Text()))
	})
	item.Photo = appendUnique(item.Photo, urls(".u-photo")...)
	item.Video = appendUnique(item.Video, urls(".u-video")...)
	item.Audio = appendUnique(item.Audio, urls(".u-audio")...)

	if author := entry.Find(".p-author").First(); author.Length() > 0 {
		item.Author = card(author, base)
	}

	item.LikeOf = urls(".u-like-of")
	item.RepostOf = urls(".u-repost-of")
	item.BookmarkOf = urls(".u-bookmark-of")
	item.InReplyTo = urls(".u-in-reply-to")
	if rsvp := prop(".p-rsvp").First(); rsvp.Length() > 0 {
		item.RSVP = strings.ToLower(strings.TrimSpace(rsvp.AttrOr("value", rsvp.Text())))
	}
	if checkin := entry.Find(".u-checkin, .p-checkin").First(); checkin.Length() > 0 {
		item.Checkin = card(checkin, base)
	}
	return item, true
}

// card reads an h-card (or a plain link standing in for one).
func card(s *goquery.Selection, base *url.URL) *model.Card {
	c := &model.Card{Type: "card"}
	if s.HasClass("h-card") {
		c.Name = strings.TrimSpace(s.Find(".p-name").First().Text())
		if u := s.Find(".u-url").First(); u.Length() > 0 {
			c.URL = resolveURL(base, urlValue(u))
		}
		if p := s.Find(".u-photo").First(); p.Length() > 0 {
			c.Photo = resolveURL(base, urlValue(p))
		}
	}
	if c.Name == "" {
		c.Name = strings.TrimSpace(s.Text())
	}
	if c.URL == "" {
		if href, ok := s.Attr("href"); ok {
			c.URL = resolveURL(base, href)
		}
	}
	return c
}

// urlValue follows the microformats2 u-* parsing rules for common elements.
func urlValue(s *goquery.Selection) string {
	for _, attr := range []string{"href", "src", "data", "poster", "value"} {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return strings.TrimSpace(s.Text())
}

func dateValue(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	for _, attr := range []string{"datetime", "value", "title"} {
		if v, ok := s.Attr(attr); ok && v != "" {
			return v
		}
	}
	return strings.TrimSpace(s.Text())
}

func outsideEntries(s *goquery.Selection) *goquery.Selection {
	return s.FilterFunction(func(_ int, el *goquery.Selection) bool {
		return el.ParentsFiltered(".h-entry").Length() == 0
	})
}
