package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bryan-buckman/microsub/internal/filter"
	"github.com/bryan-buckman/microsub/internal/model"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ch, err := s.channel(r, chi.URLParam(r, "uid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newChannelSettingsResponse(*ch))
}

// handleSaveSettings replaces the channel's filters. Unknown exclude types
// are ignored and an invalid regex is dropped.
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ch, err := s.channel(r, chi.URLParam(r, "uid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	values, err := params(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	settings := model.ChannelSettings{
		ExcludeTypes: filter.ValidateExcludeTypes(parseArrayParameter(values, "exclude_types")),
		ExcludeRegex: filter.ValidateExcludeRegex(values.Get("exclude_regex")),
	}
	owner := s.userID(r)
	if err := s.store.UpdateChannelSettings(ctx, owner, ch.ID, settings); err != nil {
		s.fail(w, r, err)
		return
	}
	updated, err := s.store.GetChannel(ctx, owner, ch.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newChannelSettingsResponse(*updated))
}
