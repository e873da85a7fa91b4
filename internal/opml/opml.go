// Package opml imports and exports channel subscriptions as OPML.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/bryan-buckman/microsub/internal/model"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a folder or a feed.
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Entry is one subscription found in a document, with the folders that
// enclose it.
type Entry struct {
	Folder string // e.g. "Tech/Google"
	Title  string
	URL    string
}

// Group is a named set of feeds, exported as one folder.
type Group struct {
	Name  string
	Feeds []model.Feed
}

// Parse reads an OPML document and returns its subscriptions in document
// order, without duplicate URLs.
func Parse(r io.Reader) ([]Entry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}

	var entries []Entry
	var walk func(outlines []Outline, path []string)
	walk = func(outlines []Outline, path []string) {
		for _, o := range outlines {
			if u := strings.TrimSpace(o.XMLURL); u != "" {
				title := o.Title
				if title == "" {
					title = o.Text
				}
				entries = append(entries, Entry{
					Folder: strings.Join(path, "/"),
					Title:  title,
					URL:    u,
				})
				continue
			}
			if len(o.Outlines) > 0 {
				name := o.Text
				if name == "" {
					name = o.Title
				}
				walk(o.Outlines, append(path[:len(path):len(path)], name))
			}
		}
	}
	walk(doc.Body.Outlines, nil)

	return lo.UniqBy(entries, func(e Entry) string { return e.URL }), nil
}

// Export renders groups as an OPML 2.0 document, one folder per group.
func Export(title string, groups []Group, now time.Time) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: now.UTC().Format(time.RFC1123Z),
		},
	}

	for _, g := range groups {
		folder := Outline{Text: g.Name, Title: g.Name}
		for _, f := range g.Feeds {
			text := f.Title
			if text == "" {
				text = f.URL
			}
			folder.Outlines = append(folder.Outlines, Outline{
				Text:   text,
				Title:  f.Title,
				Type:   "rss",
				XMLURL: f.URL,
			})
		}
		doc.Body.Outlines = append(doc.Body.Outlines, folder)
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}
