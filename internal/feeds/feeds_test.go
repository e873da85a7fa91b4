package feeds

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/microsub/internal/model"
)

var fetchedAt = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

const rssFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:content="http://purl.org/rss/1.0/modules/content/" xmlns:dc="http://purl.org/dc/elements/1.1/">
<channel>
  <title>Example Blog</title>
  <link>https://example.com/</link>
  <description>An &lt;em&gt;example&lt;/em&gt; blog</description>
  <image><url>https://example.com/icon.png</url><title>Example Blog</title><link>https://example.com/</link></image>
  <item>
    <title>First Post</title>
    <link>https://example.com/first</link>
    <guid>https://example.com/?p=1</guid>
    <pubDate>Mon, 15 Jan 2024 10:00:00 GMT</pubDate>
    <category>tech</category>
    <category>news</category>
    <dc:creator>Jane Doe</dc:creator>
    <description>Short teaser</description>
    <content:encoded><![CDATA[<p>Hello <strong>world</strong></p>]]></content:encoded>
    <enclosure url="https://example.com/episode.mp3" type="audio/mpeg" length="1234"/>
  </item>
  <item>
    <title>Second Post</title>
    <link>/second</link>
    <description><![CDATA[<p>Only html</p>]]></description>
  </item>
</channel>
</rss>`

const jsonFeedFixture = `{
  "version": "https://jsonfeed.org/version/1.1",
  "title": "Example JSON Feed",
  "home_page_url": "https://example.com/",
  "feed_url": "https://example.com/feed.json",
  "description": "A JSON feed",
  "icon": "https://example.com/icon.png",
  "hubs": [{"type": "WebSub", "url": "https://hub.example.com/"}],
  "authors": [{"name": "Feed Author"}],
  "items": [
    {
      "id": "1",
      "url": "https://example.com/json/first",
      "title": "JSON Feed Post One",
      "content_html": "<p>One</p>",
      "content_text": "One",
      "date_published": "2024-01-15T10:00:00Z",
      "tags": ["json", "feeds"],
      "image": "https://example.com/one.jpg"
    },
    {
      "id": 2,
      "url": "https://example.com/json/second",
      "content_html": "<p>Two <b>bold</b></p>",
      "attachments": [{"url": "https://example.com/clip.mp4", "mime_type": "video/mp4"}]
    },
    {
      "id": "3",
      "content_text": "Three",
      "authors": [{"name": "Guest", "url": "https://guest.example"}]
    }
  ]
}`

const hFeedFixture = `<!DOCTYPE html>
<html><head><title>Jane's notes</title>
<link rel="hub" href="https://hub.example.com/">
</head><body>
<div class="h-feed">
  <h1 class="p-name">Notes</h1>
  <article class="h-entry">
    <a class="u-url" href="/notes/1"><time class="dt-published" datetime="2024-01-15T10:00:00Z">Jan 15</time></a>
    <a class="p-author h-card" href="https://jane.example"><img class="u-photo" src="/me.jpg"><span class="p-name">Jane</span></a>
    <div class="e-content">Hello <em>there</em></div>
    <img class="u-photo" src="/photo.jpg">
    <span class="p-category">indieweb</span>
  </article>
  <article class="h-entry">
    <a class="u-url" href="/likes/2"></a>
    Liked <a class="u-like-of" href="https://other.example/post">a post</a>
    <time class="dt-published" datetime="2024-01-14T09:00:00Z"></time>
  </article>
</div>
</body></html>`

var hexUID = regexp.MustCompile(`^[a-f0-9]{24}$`)

func TestParseRSS(t *testing.T) {
	feed, err := ParseAt(rssFixture, "https://example.com/feed.xml", "application/rss+xml", fetchedAt)
	require.NoError(t, err)

	assert.Equal(t, "feed", feed.Type)
	assert.Equal(t, "Example Blog", feed.Name)
	assert.Equal(t, "An example blog", feed.Summary)
	assert.Equal(t, "https://example.com/", feed.URL)
	assert.Equal(t, "https://example.com/icon.png", feed.Photo)
	require.Len(t, feed.Items, 2)

	first := feed.Items[0]
	assert.Equal(t, "entry", first.Type)
	assert.Regexp(t, hexUID, first.UID)
	assert.Equal(t, ItemUID("https://example.com/feed.xml", "https://example.com/?p=1"), first.UID)
	assert.Equal(t, "First Post", first.Name)
	assert.Equal(t, "https://example.com/first", first.URL)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), first.Published)
	assert.Equal(t, []string{"tech", "news"}, first.Category)
	assert.Equal(t, "Short teaser", first.Summary)
	require.NotNil(t, first.Content)
	assert.Equal(t, "Hello world", first.Content.Text)
	assert.Equal(t, "<p>Hello <strong>world</strong></p>", first.Content.HTML)
	require.NotNil(t, first.Author)
	assert.Equal(t, "Jane Doe", first.Author.Name)
	assert.Equal(t, []string{"https://example.com/episode.mp3"}, first.Audio)
	assert.Equal(t, model.TypePost, first.InteractionType())

	second := feed.Items[1]
	assert.Equal(t, "https://example.com/second", second.URL)
	assert.Equal(t, ItemUID("https://example.com/feed.xml", "https://example.com/second"), second.UID)
	assert.Equal(t, fetchedAt, second.Published)
	assert.Equal(t, "Only html", second.Content.Text)
	assert.NotNil(t, second.Photo)
	assert.Empty(t, second.Photo)
}

func TestParseRSSRejectsInvalid(t *testing.T) {
	for _, content := range []string{"not valid xml", "", "   "} {
		_, err := Parse(content, "https://example.com/feed.xml", "application/rss+xml")
		var parseErr *ParseError
		require.True(t, errors.As(err, &parseErr), "content %q", content)
		assert.Contains(t, err.Error(), "RSS parse error")
	}
}

func TestParseJSONFeed(t *testing.T) {
	feed, err := ParseAt(jsonFeedFixture, "https://example.com/feed.json", "application/feed+json", fetchedAt)
	require.NoError(t, err)

	assert.Equal(t, "Example JSON Feed", feed.Name)
	assert.Equal(t, "A JSON feed", feed.Summary)
	assert.Equal(t, "https://example.com/", feed.URL)
	assert.Equal(t, "https://example.com/icon.png", feed.Photo)
	assert.Equal(t, "https://hub.example.com/", feed.Hub)
	assert.Equal(t, "https://example.com/feed.json", feed.Self)
	require.Len(t, feed.Items, 3)

	first := feed.Items[0]
	assert.Equal(t, "https://example.com/json/first", first.URL)
	assert.Equal(t, "JSON Feed Post One", first.Name)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), first.Published)
	assert.Contains(t, first.Category, "json")
	assert.Equal(t, &model.Content{Text: "One", HTML: "<p>One</p>"}, first.Content)
	assert.Equal(t, []string{"https://example.com/one.jpg"}, first.Photo)
	assert.Equal(t, "Feed Author", first.Author.Name)

	second := feed.Items[1]
	assert.Equal(t, ItemUID("https://example.com/feed.json", "2"), second.UID)
	assert.Equal(t, "Two bold", second.Content.Text)
	assert.Equal(t, []string{"https://example.com/clip.mp4"}, second.Video)

	third := feed.Items[2]
	assert.Equal(t, "Guest", third.Author.Name)
	assert.Equal(t, fetchedAt, third.Published)
}

func TestParseJSONFeedValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{"missing version", `{"items": []}`, "Invalid JSON Feed: missing or invalid version"},
		{"invalid version", `{"version": "1.0", "items": []}`, "Invalid JSON Feed: missing or invalid version"},
		{"numeric version", `{"version": 1, "items": []}`, "Invalid JSON Feed: missing or invalid version"},
		{"items not array", `{"version": "https://jsonfeed.org/version/1.1", "items": "x"}`, "Invalid JSON Feed: items must be an array"},
		{"items missing", `{"version": "https://jsonfeed.org/version/1"}`, "Invalid JSON Feed: items must be an array"},
		{"not json", `not json`, "JSON Feed parse error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content, "https://example.com/feed.json", "application/json")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}

	_, err := Parse(`{"items": []}`, "https://example.com/feed.json", "application/json")
	var jfErr *JSONFeedError
	require.True(t, errors.As(err, &jfErr))
	assert.Equal(t, "version", jfErr.Reason)
}

func TestParseHFeed(t *testing.T) {
	feed, err := ParseAt(hFeedFixture, "https://jane.example/notes", "text/html; charset=utf-8", fetchedAt)
	require.NoError(t, err)

	assert.Equal(t, "Notes", feed.Name)
	assert.Equal(t, "https://hub.example.com/", feed.Hub)
	require.Len(t, feed.Items, 2)

	note := feed.Items[0]
	assert.Equal(t, "https://jane.example/notes/1", note.URL)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), note.Published)
	assert.Equal(t, "Hello there", note.Content.Text)
	assert.Equal(t, []string{"https://jane.example/photo.jpg"}, note.Photo)
	assert.Equal(t, []string{"indieweb"}, note.Category)
	require.NotNil(t, note.Author)
	assert.Equal(t, "Jane", note.Author.Name)
	assert.Equal(t, "https://jane.example/me.jpg", note.Author.Photo)
	assert.Equal(t, model.TypePost, note.InteractionType())

	like := feed.Items[1]
	assert.Equal(t, []string{"https://other.example/post"}, like.LikeOf)
	assert.Equal(t, model.TypeLike, like.InteractionType())
}

func TestParseHFeedWithoutEntries(t *testing.T) {
	_, err := Parse("<html><body><p>nothing</p></body></html>", "https://example.com/", "text/html")
	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, FormatHFeed, parseErr.Format)
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatJSONFeed, detectFormat("", "application/feed+json"))
	assert.Equal(t, FormatHFeed, detectFormat("", "text/html"))
	assert.Equal(t, FormatRSS, detectFormat("", "application/atom+xml"))
	assert.Equal(t, FormatJSONFeed, detectFormat(` {"version":"x"}`, ""))
	assert.Equal(t, FormatHFeed, detectFormat("<!DOCTYPE html><html>", "application/octet-stream"))
	assert.Equal(t, FormatRSS, detectFormat("<rss></rss>", ""))
}

func TestItemUID(t *testing.T) {
	a := ItemUID("https://example.com/feed", "item-123")
	assert.Equal(t, a, ItemUID("https://example.com/feed", "item-123"))
	assert.NotEqual(t, a, ItemUID("https://example.com/feed", "item-456"))
	assert.NotEqual(t, a, ItemUID("https://example.org/feed", "item-123"))
	assert.Regexp(t, hexUID, a)
}

func TestStripHTML(t *testing.T) {
	tests := map[string]string{
		"<p>Hello <strong>world</strong></p>":   "Hello world",
		"":                                      "",
		"  <p>Hello</p>  ":                      "Hello",
		"<div><p><span>Nested</span></p></div>": "Nested",
		"plain text":                            "plain text",
	}
	for in, want := range tests {
		assert.Equal(t, want, StripHTML(in), "input %q", in)
	}
}

func TestNewContent(t *testing.T) {
	assert.Nil(t, NewContent("", ""))
	assert.Equal(t, &model.Content{Text: "Hello world", HTML: "<p>Hello <b>world</b></p>"},
		NewContent("", "<p>Hello <b>world</b></p>"))
	assert.Equal(t, &model.Content{Text: "plain"}, NewContent("plain", ""))
}

func TestDiscover(t *testing.T) {
	page := `<html><head>
<title>Blog</title>
<link rel="alternate" type="application/rss+xml" title="RSS" href="/feed.xml">
<link rel="alternate" type="application/feed+json" href="https://example.com/feed.json">
<link rel="alternate" type="application/atom+xml" href="/feed.xml">
<link rel="stylesheet" href="/style.css">
</head><body><div class="h-feed"></div></body></html>`

	found := Discover(page, "https://example.com/blog")
	require.Len(t, found, 3)
	assert.Equal(t, DiscoveredFeed{URL: "https://example.com/feed.xml", Type: TypeRSS, Title: "RSS", Rel: "alternate"}, found[0])
	assert.Equal(t, TypeJSONFeed, found[1].Type)
	assert.Equal(t, "https://example.com/blog", found[2].URL)
	assert.Equal(t, TypeHFeed, found[2].Type)

	self := DiscoverContent("<rss/>", "https://example.com/feed.xml", "application/rss+xml")
	assert.Equal(t, []DiscoveredFeed{{URL: "https://example.com/feed.xml", Type: TypeXML, Rel: "self"}}, self)
}
