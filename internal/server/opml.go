package server

import (
	"fmt"
	"net/http"

	"github.com/bryan-buckman/microsub/internal/model"
	"github.com/bryan-buckman/microsub/internal/opml"
)

const maxOPMLSize = 5 << 20

// handleImportOPML follows every feed of an uploaded OPML file in one channel.
func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ch, err := s.channel(r, r.URL.Query().Get("channel"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxOPMLSize)
	file, _, err := r.FormFile("opml")
	if err != nil {
		s.fail(w, r, model.Invalid("No file provided"))
		return
	}
	defer file.Close()

	entries, err := opml.Parse(file)
	if err != nil {
		s.fail(w, r, model.Invalid("Failed to parse OPML: %v", err))
		return
	}

	imported := 0
	for _, entry := range entries {
		if validateURL(entry.URL, "xmlUrl") != nil {
			s.log.Debug().Str("url", entry.URL).Msg("skipping invalid opml entry")
			continue
		}
		feed, created, err := s.store.CreateFeed(ctx, ch.ID, entry.URL)
		if err != nil {
			s.log.Warn().Err(err).Str("url", entry.URL).Msg("import feed")
			continue
		}
		if created {
			imported++
			s.refresh(feed.ID)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"result":   "ok",
		"imported": imported,
		"total":    len(entries),
	})
}

// handleExportOPML exports one channel, or every channel of the caller when
// no channel is given.
func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := s.userID(r)

	var channels []model.Channel
	if uid := r.URL.Query().Get("channel"); uid != "" {
		ch, err := s.channel(r, uid)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		channels = []model.Channel{*ch}
	} else {
		list, err := s.store.ListChannels(ctx, owner)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		channels = list
	}

	groups := make([]opml.Group, 0, len(channels))
	for _, ch := range channels {
		list, err := s.store.ListFeeds(ctx, ch.ID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if len(list) == 0 {
			continue
		}
		groups = append(groups, opml.Group{Name: ch.Name, Feeds: list})
	}

	data, err := opml.Export("Microsub subscriptions", groups, s.now())
	if err != nil {
		s.fail(w, r, fmt.Errorf("export opml: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=microsub-subscriptions.opml")
	_, _ = w.Write(data)
}
