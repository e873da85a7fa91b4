package database

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/huandu/go-sqlbuilder"
	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"

	"github.com/bryan-buckman/microsub/internal/model"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Cursor is a decoded keyset position.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

type cursorPayload struct {
	T string `json:"t"`
	I string `json:"i"`
}

// PageQuery selects one page of a timeline. Before takes precedence over After.
type PageQuery struct {
	Before     string
	After      string
	Limit      int
	UnreadOnly bool
}

// Paging holds the cursors of neighbouring pages.
type Paging struct {
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// Page is a timeline page, newest first.
type Page struct {
	Items  []model.Item `json:"items"`
	Paging Paging       `json:"paging"`
}

// EncodeCursor packs (ts, id) into an opaque base64url token.
func EncodeCursor(ts time.Time, id string) string {
	b, _ := json.Marshal(cursorPayload{T: ts.UTC().Format(time.RFC3339Nano), I: id})
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor unpacks a token. Any malformed token reports ok=false.
func DecodeCursor(token string) (Cursor, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return Cursor{}, false
	}
	var p cursorPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.T == "" || p.I == "" {
		return Cursor{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, p.T)
	if err != nil {
		return Cursor{}, false
	}
	return Cursor{Timestamp: ts, ID: p.I}, true
}

// BuildPaginationQuery adds the keyset condition for q to sb and reports
// whether the page must be read in ascending order (a before cursor).
func BuildPaginationQuery(sb *sqlbuilder.SelectBuilder, q PageQuery) (ascending bool) {
	if c, ok := DecodeCursor(q.Before); ok {
		ts := c.Timestamp.UnixMilli()
		sb.Where(sb.Or(
			sb.GreaterThan("published", ts),
			sb.And(sb.Equal("published", ts), sb.GreaterThan("id", c.ID)),
		))
		return true
	}
	if c, ok := DecodeCursor(q.After); ok {
		ts := c.Timestamp.UnixMilli()
		sb.Where(sb.Or(
			sb.LessThan("published", ts),
			sb.And(sb.Equal("published", ts), sb.LessThan("id", c.ID)),
		))
	}
	return false
}

// BuildPaginationSort orders by (published, id), descending unless ascending.
func BuildPaginationSort(sb *sqlbuilder.SelectBuilder, ascending bool) {
	if ascending {
		sb.OrderBy("published ASC", "id ASC")
		return
	}
	sb.OrderBy("published DESC", "id DESC")
}

// PagingCursors derives neighbour cursors from a newest-first page.
// After is only set when more rows exist past the page.
func PagingCursors(items []model.Item, hasMore bool) Paging {
	if len(items) == 0 {
		return Paging{}
	}
	first := items[0]
	p := Paging{Before: EncodeCursor(first.Published, first.ID)}
	if hasMore {
		last := items[len(items)-1]
		p.After = EncodeCursor(last.Published, last.ID)
	}
	return p
}

// ParseLimit clamps a limit parameter into [1, MaxLimit]. Anything that is not
// a positive integer yields DefaultLimit.
func ParseLimit(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	return ClampLimit(n)
}

// ClampLimit is ParseLimit for an already numeric value.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

// finishPage trims the look-ahead row and restores newest-first order.
func finishPage(items []model.Item, limit int, ascending bool) *Page {
	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	if ascending {
		items = lo.Reverse(items)
	}
	if items == nil {
		items = []model.Item{}
	}
	return &Page{Items: items, Paging: PagingCursors(items, hasMore)}
}
