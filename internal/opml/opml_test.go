package opml

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/microsub/internal/model"
)

const sample = `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <head><title>Subscriptions</title></head>
  <body>
    <outline text="Loose" type="rss" xmlUrl="https://loose.example/feed"/>
    <outline text="Tech">
      <outline text="Go Blog" title="The Go Blog" type="rss" xmlUrl="https://go.dev/blog/feed.atom"/>
      <outline text="Google">
        <outline text="Android" type="rss" xmlUrl="https://android.example/rss"/>
      </outline>
      <outline text="Duplicate" type="rss" xmlUrl="https://loose.example/feed"/>
    </outline>
    <outline text="Empty folder"/>
  </body>
</opml>`

func TestParse(t *testing.T) {
	entries, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, []Entry{
		{Folder: "", Title: "Loose", URL: "https://loose.example/feed"},
		{Folder: "Tech", Title: "The Go Blog", URL: "https://go.dev/blog/feed.atom"},
		{Folder: "Tech/Google", Title: "Android", URL: "https://android.example/rss"},
	}, entries)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse(strings.NewReader("<opml><body>"))
	assert.Error(t, err)
}

func TestExportRoundTrip(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	out, err := Export("Microsub subscriptions", []Group{
		{Name: "News", Feeds: []model.Feed{
			{URL: "https://example.com/feed.xml", Title: "Example"},
			{URL: "https://untitled.example/rss"},
		}},
	}, now)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("<?xml")))
	assert.Contains(t, string(out), "Mon, 15 Jan 2024 10:00:00 +0000")

	entries, err := Parse(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Folder: "News", Title: "Example", URL: "https://example.com/feed.xml"},
		{Folder: "News", Title: "https://untitled.example/rss", URL: "https://untitled.example/rss"},
	}, entries)
}
