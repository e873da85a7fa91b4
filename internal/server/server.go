// Package server provides the HTTP surface of the reader.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bryan-buckman/microsub/internal/auth"
	"github.com/bryan-buckman/microsub/internal/cache"
	"github.com/bryan-buckman/microsub/internal/database"
	"github.com/bryan-buckman/microsub/internal/fetcher"
	"github.com/bryan-buckman/microsub/internal/media"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Fetcher retrieves remote documents for discovery and preview.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts fetcher.Options) (*fetcher.Result, error)
}

// Refresher queues a feed for an immediate out-of-band fetch.
type Refresher interface {
	Submit(feedID string) bool
}

// Options wires the server's collaborators. Store and Fetcher are required.
type Options struct {
	Store         database.Store
	Fetcher       Fetcher
	Cache         cache.Cache
	Refresher     Refresher
	Media         *media.Proxy
	MediaBaseURL  string
	PublicationMe string
	Sessions      auth.SessionLoader
	Gatherer      prometheus.Gatherer
	PingInterval  time.Duration
	Log           zerolog.Logger
}

// Server is the main HTTP server.
type Server struct {
	store         database.Store
	fetcher       Fetcher
	cache         cache.Cache
	refresher     Refresher
	media         *media.Proxy
	mediaBaseURL  string
	publicationMe string
	sessions      auth.SessionLoader
	gatherer      prometheus.Gatherer
	pingInterval  time.Duration
	log           zerolog.Logger
	now           func() time.Time
	router        chi.Router
}

// New creates a server and its routes.
func New(opts Options) *Server {
	s := &Server{
		store:         opts.Store,
		fetcher:       opts.Fetcher,
		cache:         opts.Cache,
		refresher:     opts.Refresher,
		media:         opts.Media,
		mediaBaseURL:  opts.MediaBaseURL,
		publicationMe: opts.PublicationMe,
		sessions:      opts.Sessions,
		gatherer:      opts.Gatherer,
		pingInterval:  opts.PingInterval,
		log:           opts.Log,
		now:           time.Now,
	}
	if s.cache == nil {
		s.cache = cache.Noop{}
	}
	if s.sessions == nil {
		s.sessions = auth.HeaderLoader
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.pingInterval <= 0 {
		s.pingInterval = 10 * time.Second
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/microsub", func(r chi.Router) {
		r.Use(auth.Middleware(s.sessions))

		r.Get("/", s.handleGet)
		r.Post("/", s.handlePost)

		r.Get("/channels/{uid}/settings", s.handleGetSettings)
		r.Post("/channels/{uid}/settings", s.handleSaveSettings)

		r.Get("/opml", s.handleExportOPML)
		r.Post("/opml", s.handleImportOPML)

		r.Get("/websub/{id}", s.handleWebSubVerify)
		r.Post("/websub/{id}", s.handleWebSubReceive)
		r.Post("/webmention", s.handleWebmention)

		if s.media != nil {
			r.Get("/media/{hash}", s.media.ServeHTTP)
		}
	})

	s.router = r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) userID(r *http.Request) string {
	return auth.UserID(r.Context(), s.publicationMe)
}

func (s *Server) proxyMedia() bool {
	return s.media != nil && s.mediaBaseURL != ""
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
