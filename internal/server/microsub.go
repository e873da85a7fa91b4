package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/lo"

	"github.com/bryan-buckman/microsub/internal/database"
	"github.com/bryan-buckman/microsub/internal/feeds"
	"github.com/bryan-buckman/microsub/internal/fetcher"
	"github.com/bryan-buckman/microsub/internal/model"
)

const (
	previewLimit = 20
	searchLimit  = 20
)

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	values, err := params(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	action := values.Get("action")
	if err := validateAction(action); err != nil {
		s.fail(w, r, err)
		return
	}

	switch action {
	case actionChannels:
		s.listChannels(w, r)
	case actionTimeline:
		s.timeline(w, r, values)
	case actionFollow:
		s.listFollowing(w, r, values)
	case actionSearch:
		s.discover(w, r, values.Get("query"))
	case actionPreview:
		s.preview(w, r, values.Get("url"))
	case actionEvents:
		s.events(w, r, values)
	default:
		s.fail(w, r, model.Invalid("Action %s requires POST", action))
	}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	values, err := params(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	action := values.Get("action")
	if err := validateAction(action); err != nil {
		s.fail(w, r, err)
		return
	}

	switch action {
	case actionChannels:
		s.updateChannels(w, r, values)
	case actionTimeline:
		s.updateTimeline(w, r, values)
	case actionFollow:
		s.follow(w, r, values)
	case actionUnfollow:
		s.unfollow(w, r, values)
	case actionSearch:
		s.search(w, r, values)
	case actionPreview:
		s.preview(w, r, values.Get("url"))
	default:
		s.fail(w, r, model.Invalid("Action %s requires GET", action))
	}
}

// --- Channels ---

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := s.userID(r)
	if _, err := s.store.EnsureNotificationsChannel(ctx, owner); err != nil {
		s.fail(w, r, err)
		return
	}
	channels, err := s.store.ListChannels(ctx, owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out := make([]channelResponse, 0, len(channels))
	for _, ch := range channels {
		unread, err := s.store.UnreadCount(ctx, ch.ID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out = append(out, newChannelResponse(ch, unread))
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

func (s *Server) updateChannels(w http.ResponseWriter, r *http.Request, values url.Values) {
	ctx := r.Context()
	owner := s.userID(r)
	uid := values.Get("channel")
	name := strings.TrimSpace(values.Get("name"))

	switch {
	case values.Get("method") == "delete":
		if err := validateChannel(uid); err != nil {
			s.fail(w, r, err)
			return
		}
		if err := s.store.DeleteChannel(ctx, owner, uid); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, okResult)

	case uid != "":
		if err := validateChannelName(name); err != nil {
			s.fail(w, r, err)
			return
		}
		if err := s.store.RenameChannel(ctx, owner, uid, name); err != nil {
			s.fail(w, r, err)
			return
		}
		ch, err := s.store.GetChannel(ctx, owner, uid)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.writeChannel(w, r, http.StatusOK, *ch)

	default:
		if err := validateChannelName(name); err != nil {
			s.fail(w, r, err)
			return
		}
		ch, err := s.store.CreateChannel(ctx, owner, name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.writeChannel(w, r, http.StatusCreated, *ch)
	}
}

func (s *Server) writeChannel(w http.ResponseWriter, r *http.Request, status int, ch model.Channel) {
	unread, err := s.store.UnreadCount(r.Context(), ch.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, newChannelResponse(ch, unread))
}

// channel loads the caller's channel named by the channel parameter.
func (s *Server) channel(r *http.Request, uid string) (*model.Channel, error) {
	if err := validateChannel(uid); err != nil {
		return nil, err
	}
	return s.store.GetChannel(r.Context(), s.userID(r), uid)
}

// --- Timeline ---

func (s *Server) timeline(w http.ResponseWriter, r *http.Request, values url.Values) {
	ch, err := s.channel(r, values.Get("channel"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	page, err := s.store.Timeline(r.Context(), ch.ID, database.PageQuery{
		Before:     values.Get("before"),
		After:      values.Get("after"),
		Limit:      database.ParseLimit(values.Get("limit")),
		UnreadOnly: values.Get("is_read") == "false",
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page.Items = s.presentItems(page.Items)
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) updateTimeline(w http.ResponseWriter, r *http.Request, values url.Values) {
	ch, err := s.channel(r, values.Get("channel"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var read bool
	switch method := values.Get("method"); method {
	case "mark_read":
		read = true
	case "mark_unread":
		read = false
	case "":
		s.fail(w, r, model.Invalid("Missing required parameter: method"))
		return
	default:
		s.fail(w, r, model.Invalid("Invalid method: %s", method))
		return
	}

	entries := parseArrayParameter(values, "entry")
	if err := validateEntries(entries); err != nil {
		s.fail(w, r, err)
		return
	}
	updated, err := s.store.MarkRead(r.Context(), ch.ID, entries, read)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": "ok", "updated": updated})
}

// presentItems applies response-time rewrites to stored items.
func (s *Server) presentItems(items []model.Item) []model.Item {
	if items == nil {
		return []model.Item{}
	}
	if !s.proxyMedia() {
		return items
	}
	return lo.Map(items, func(it model.Item, _ int) model.Item {
		return s.media.ProxyItemImages(it, s.mediaBaseURL)
	})
}

// --- Follow ---

func (s *Server) listFollowing(w http.ResponseWriter, r *http.Request, values url.Values) {
	ch, err := s.channel(r, values.Get("channel"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.store.ListFeeds(r.Context(), ch.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": lo.Map(list, func(f model.Feed, _ int) feedResponse {
		return newFeedResponse(f)
	})})
}

func (s *Server) follow(w http.ResponseWriter, r *http.Request, values url.Values) {
	ch, err := s.channel(r, values.Get("channel"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	feedURL := values.Get("url")
	if err := validateURL(feedURL, "url"); err != nil {
		s.fail(w, r, err)
		return
	}

	feed, _, err := s.store.CreateFeed(r.Context(), ch.ID, feedURL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.refresh(feed.ID)
	writeJSON(w, http.StatusCreated, newFeedResponse(*feed))
}

func (s *Server) unfollow(w http.ResponseWriter, r *http.Request, values url.Values) {
	ch, err := s.channel(r, values.Get("channel"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	feedURL := values.Get("url")
	if err := validateURL(feedURL, "url"); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.DeleteFeed(r.Context(), ch.ID, feedURL); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResult)
}

// refresh queues an immediate fetch. The caller's response never depends
// on its outcome.
func (s *Server) refresh(feedID string) {
	if s.refresher == nil {
		return
	}
	if !s.refresher.Submit(feedID) {
		s.log.Warn().Str("feed", feedID).Msg("refresh queue full")
	}
}

// --- Search, discovery and preview ---

func (s *Server) search(w http.ResponseWriter, r *http.Request, values url.Values) {
	query := strings.TrimSpace(values.Get("query"))
	if query == "" {
		s.fail(w, r, model.Invalid("Missing required parameter: query"))
		return
	}
	if values.Get("channel") == "" {
		s.discover(w, r, query)
		return
	}

	ch, err := s.channel(r, values.Get("channel"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items, err := s.store.SearchItems(r.Context(), ch.ID, query, searchLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.presentItems(items)})
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request, query string) {
	query = strings.TrimSpace(query)
	if query == "" {
		s.fail(w, r, model.Invalid("Missing required parameter: query"))
		return
	}

	target := query
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}
	results := []feedResponse{}
	if validateURL(target, "query") != nil {
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}

	res, err := s.fetch(r.Context(), target)
	if err != nil {
		s.log.Debug().Err(err).Str("url", target).Msg("discovery fetch failed")
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}
	for _, d := range feeds.DiscoverContent(res.Content, target, res.ContentType) {
		results = append(results, newDiscoveredResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request, feedURL string) {
	if err := validateURL(feedURL, "url"); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.fetch(r.Context(), feedURL)
	if err != nil {
		writeError(w, http.StatusBadGateway, "fetch_failed", err.Error())
		return
	}
	parsed, err := feeds.Parse(res.Content, feedURL, res.ContentType)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "parse_failed", err.Error())
		return
	}

	items := parsed.Items
	if len(items) > previewLimit {
		items = items[:previewLimit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":  "feed",
		"url":   parsed.URL,
		"name":  parsed.Name,
		"photo": parsed.Photo,
		"items": s.presentItems(items),
	})
}

func (s *Server) fetch(ctx context.Context, target string) (*fetcher.Result, error) {
	return s.fetcher.Fetch(ctx, target, fetcher.Options{})
}
