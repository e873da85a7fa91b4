package feeds

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/samber/lo"
)

// Discovered feed types.
const (
	TypeRSS      = "rss"
	TypeAtom     = "atom"
	TypeJSONFeed = "jsonfeed"
	TypeHFeed    = "h-feed"
	TypeXML      = "xml"
)

// DiscoveredFeed is a feed advertised by, or embedded in, a page.
type DiscoveredFeed struct {
	URL   string `json:"url"`
	Type  string `json:"type"`
	Title string `json:"name,omitempty"`
	Rel   string `json:"rel,omitempty"`
}

var alternateTypes = map[string]string{
	"application/rss+xml":      TypeRSS,
	"application/atom+xml":     TypeAtom,
	"application/feed+json":    TypeJSONFeed,
	"application/json":         TypeJSONFeed,
	"application/jf2feed+json": TypeJSONFeed,
	"text/xml":                 TypeXML,
	"application/xml":          TypeXML,
}

// DiscoverContent returns the feeds reachable from a fetched document. A
// document that is itself a feed yields just its own URL.
func DiscoverContent(content, pageURL, contentType string) []DiscoveredFeed {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return []DiscoveredFeed{{URL: pageURL, Type: TypeJSONFeed, Rel: "self"}}
	case strings.Contains(ct, "xml"), strings.Contains(ct, "rss"), strings.Contains(ct, "atom"):
		return []DiscoveredFeed{{URL: pageURL, Type: TypeXML, Rel: "self"}}
	}
	return Discover(content, pageURL)
}

// Discover finds rel=alternate feed links in an HTML page, plus the page
// itself when it carries h-feed or h-entry markup.
func Discover(html, pageURL string) []DiscoveredFeed {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	base, _ := url.Parse(pageURL)

	var found []DiscoveredFeed
	doc.Find("link[rel][href], a[rel][href]").Each(func(_ int, s *goquery.Selection) {
		rels := strings.Fields(strings.ToLower(s.AttrOr("rel", "")))
		if !lo.Contains(rels, "alternate") && !lo.Contains(rels, "feed") {
			return
		}
		mime := strings.ToLower(strings.TrimSpace(strings.Split(s.AttrOr("type", ""), ";")[0]))
		kind, ok := alternateTypes[mime]
		if !ok {
			if !lo.Contains(rels, "feed") {
				return
			}
			kind = TypeHFeed
		}
		found = append(found, DiscoveredFeed{
			URL:   resolveURL(base, s.AttrOr("href", "")),
			Type:  kind,
			Title: strings.TrimSpace(s.AttrOr("title", "")),
			Rel:   "alternate",
		})
	})
	if doc.Find(".h-feed, .h-entry").Length() > 0 {
		found = append(found, DiscoveredFeed{
			URL:   pageURL,
			Type:  TypeHFeed,
			Title: strings.TrimSpace(doc.Find("title").First().Text()),
			Rel:   "self",
		})
	}
	return lo.UniqBy(found, func(f DiscoveredFeed) string { return f.URL })
}
