package server

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bryan-buckman/microsub/internal/cache"
	"github.com/bryan-buckman/microsub/internal/polling"
)

// events streams channel events as Server-Sent Events. Without a channel
// parameter only the started and ping events are sent.
func (s *Server) events(w http.ResponseWriter, r *http.Request, values url.Values) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	ctx := r.Context()
	var messages <-chan []byte
	if uid := values.Get("channel"); uid != "" {
		ch, err := s.channel(r, uid)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		msgs, unsubscribe, err := s.cache.Subscribe(ctx, cache.ChannelTopic(ch.ID))
		if err != nil {
			s.log.Debug().Err(err).Str("channel", ch.ID).Msg("subscribe events")
		} else {
			defer unsubscribe()
			messages = msgs
		}
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(event string, data []byte) {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}
	send("started", []byte(`{"version":"1.0.0"}`))

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ping.C:
			data, _ := json.Marshal(map[string]string{"timestamp": t.UTC().Format(time.RFC3339Nano)})
			send("ping", data)
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			send(polling.EventNewItem, msg)
		}
	}
}
