package server

import (
	"github.com/bryan-buckman/microsub/internal/feeds"
	"github.com/bryan-buckman/microsub/internal/model"
)

type channelResponse struct {
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Unread any    `json:"unread"`
}

func newChannelResponse(ch model.Channel, unread int) channelResponse {
	resp := channelResponse{UID: ch.ID, Name: ch.Name, Unread: false}
	if unread > 0 {
		resp.Unread = unread
	}
	return resp
}

type feedResponse struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Name  string `json:"name,omitempty"`
	Photo string `json:"photo,omitempty"`
}

func newFeedResponse(f model.Feed) feedResponse {
	return feedResponse{Type: "feed", URL: f.URL, Name: f.Title, Photo: f.Photo}
}

func newDiscoveredResponse(d feeds.DiscoveredFeed) feedResponse {
	return feedResponse{Type: "feed", URL: d.URL, Name: d.Title}
}

type channelSettingsResponse struct {
	UID          string                  `json:"uid"`
	Name         string                  `json:"name"`
	ExcludeTypes []model.InteractionType `json:"exclude_types"`
	ExcludeRegex string                  `json:"exclude_regex"`
}

func newChannelSettingsResponse(ch model.Channel) channelSettingsResponse {
	types := ch.Settings.ExcludeTypes
	if types == nil {
		types = []model.InteractionType{}
	}
	return channelSettingsResponse{
		UID:          ch.ID,
		Name:         ch.Name,
		ExcludeTypes: types,
		ExcludeRegex: ch.Settings.ExcludeRegex,
	}
}

type resultResponse struct {
	Result string `json:"result"`
}

var okResult = resultResponse{Result: "ok"}
