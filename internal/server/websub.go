package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bryan-buckman/microsub/internal/model"
)

// handleWebSubVerify answers a hub's verification of intent by echoing the
// challenge when the topic matches the subscribed feed.
func (s *Server) handleWebSubVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge := q.Get("hub.challenge")
	if challenge == "" {
		http.Error(w, "Missing hub.challenge", http.StatusBadRequest)
		return
	}

	feed, err := s.store.GetFeed(r.Context(), chi.URLParam(r, "id"))
	if model.IsNotFound(err) {
		http.Error(w, "Subscription not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	topic := q.Get("hub.topic")
	if topic != feed.URL && (feed.WebSub == nil || topic != feed.WebSub.Topic) {
		http.Error(w, "Topic mismatch", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(challenge))
}

// handleWebSubReceive accepts a content notification and refetches the feed.
func (s *Server) handleWebSubReceive(w http.ResponseWriter, r *http.Request) {
	feed, err := s.store.GetFeed(r.Context(), chi.URLParam(r, "id"))
	if model.IsNotFound(err) {
		http.Error(w, "Subscription not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.refresh(feed.ID)
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK"))
}

// handleWebmention validates and accepts a webmention for later processing.
func (s *Server) handleWebmention(w http.ResponseWriter, r *http.Request) {
	values, err := params(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	source, target := values.Get("source"), values.Get("target")
	if source == "" || target == "" {
		s.fail(w, r, model.Invalid("Missing source or target parameter"))
		return
	}
	if validateURL(source, "source") != nil || validateURL(target, "target") != nil {
		s.fail(w, r, model.Invalid("Invalid source or target URL"))
		return
	}

	if _, err := s.store.EnsureNotificationsChannel(r.Context(), s.userID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info().Str("source", source).Str("target", target).Msg("webmention accepted")

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "Webmention queued for processing",
	})
}
