// Package fetcher retrieves feed documents over HTTP with conditional
// revalidation, a hard per-request timeout and an optional read-through cache.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/tomnomnom/linkheader"

	"github.com/bryan-buckman/microsub/internal/cache"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultCacheTTL  = 5 * time.Minute
	DefaultUserAgent = "Microsub/1.0"

	// MaxConcurrencyPerHost limits parallel requests to any single host.
	MaxConcurrencyPerHost = 2
	// DelayBetweenHostRequests is the minimum gap between requests to the same host.
	DelayBetweenHostRequests = 500 * time.Millisecond

	maxBodySize = 10 << 20
)

const acceptHeader = "application/atom+xml, application/rss+xml, application/json, " +
	"application/feed+json, text/xml, text/html;q=0.9, */*;q=0.8"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Options carries the conditional headers stored from the previous fetch.
type Options struct {
	ETag         string
	LastModified string
	Timeout      time.Duration
	// NoCache skips the read-through cache lookup (the response is still stored).
	NoCache bool
}

// Result is the outcome of a successful or not-modified fetch.
type Result struct {
	Content      string `json:"content"`
	ContentType  string `json:"contentType"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
	Hub          string `json:"hub,omitempty"`
	Self         string `json:"self,omitempty"`
	Status       int    `json:"-"`
	NotModified  bool   `json:"-"`
	FromCache    bool   `json:"-"`
}

// Config tunes a Fetcher. Zero values select the defaults.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	CacheTTL      time.Duration
	PerHostLimit  int
	PerHostDelay  time.Duration
	HTTPClient    *http.Client
	DisableLimits bool
}

// Fetcher performs conditional GETs.
type Fetcher struct {
	client    *http.Client
	cache     cache.Cache
	cacheTTL  time.Duration
	timeout   time.Duration
	userAgent string
	limiter   *hostLimiter
	log       zerolog.Logger
}

// New creates a Fetcher. A nil cache behaves as cache.Noop.
func New(c cache.Cache, log zerolog.Logger, cfg Config) *Fetcher {
	if c == nil {
		c = cache.Noop{}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.PerHostLimit <= 0 {
		cfg.PerHostLimit = MaxConcurrencyPerHost
	}
	if cfg.PerHostDelay == 0 && !cfg.DisableLimits {
		cfg.PerHostDelay = DelayBetweenHostRequests
	}
	if cfg.DisableLimits {
		cfg.PerHostDelay = 0
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{
		client:    client,
		cache:     c,
		cacheTTL:  cfg.CacheTTL,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		limiter:   newHostLimiter(cfg.PerHostLimit, cfg.PerHostDelay),
		log:       log,
	}
}

// Fetch retrieves rawURL. Redirects are followed by the underlying client.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	key := cache.FeedKey(rawURL)
	if !opts.NoCache {
		if res, ok := f.fromCache(ctx, key); ok {
			return res, nil
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}

	host := hostOf(rawURL)
	if err := f.limiter.acquire(ctx, host); err != nil {
		return nil, fmt.Errorf("rate limit cancelled for %s: %w", rawURL, err)
	}
	defer f.limiter.release(host)

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", f.userAgent)
	if opts.ETag != "" {
		req.Header.Set("If-None-Match", opts.ETag)
	}
	if opts.LastModified != "" {
		req.Header.Set("If-Modified-Since", opts.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{URL: rawURL, Timeout: timeout}
		}
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Result{
			ETag:         opts.ETag,
			LastModified: opts.LastModified,
			Status:       resp.StatusCode,
			NotModified:  true,
		}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{URL: rawURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{URL: rawURL, Timeout: timeout}
		}
		return nil, fmt.Errorf("read body %s: %w", rawURL, err)
	}

	res := &Result{
		Content:      string(body),
		ContentType:  resp.Header.Get("Content-Type"),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Status:       resp.StatusCode,
	}
	for _, link := range resp.Header.Values("Link") {
		hub, self := ParseLinkHeader(link)
		if res.Hub == "" {
			res.Hub = hub
		}
		if res.Self == "" {
			res.Self = self
		}
	}

	f.store(ctx, key, res)
	return res, nil
}

func (f *Fetcher) fromCache(ctx context.Context, key string) (*Result, bool) {
	b, err := f.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			f.log.Debug().Err(err).Str("key", key).Msg("feed cache get failed")
		}
		return nil, false
	}
	var res Result
	if err := json.Unmarshal(b, &res); err != nil {
		f.log.Debug().Err(err).Str("key", key).Msg("feed cache payload invalid")
		return nil, false
	}
	res.Status = http.StatusOK
	res.FromCache = true
	return &res, true
}

func (f *Fetcher) store(ctx context.Context, key string, res *Result) {
	b, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := f.cache.Set(ctx, key, b, f.cacheTTL); err != nil {
		f.log.Debug().Err(err).Str("key", key).Msg("feed cache set failed")
	}
}

// ParseLinkHeader extracts the rel=hub and rel=self targets of a Link header.
func ParseLinkHeader(header string) (hub, self string) {
	for _, link := range linkheader.Parse(maskLinkSeparators(header)) {
		target := unmaskLinkSeparators.Replace(link.URL)
		for _, rel := range strings.Fields(strings.Trim(link.Rel, `"'`)) {
			switch strings.ToLower(rel) {
			case "hub":
				if hub == "" {
					hub = target
				}
			case "self":
				if self == "" {
					self = target
				}
			}
		}
	}
	return hub, self
}

const (
	maskedComma     = '\x1f'
	maskedSemicolon = '\x1e'
)

var unmaskLinkSeparators = strings.NewReplacer(string(maskedComma), ",", string(maskedSemicolon), ";")

// maskLinkSeparators hides commas and semicolons inside quoted parameters
// and <targets>; linkheader.Parse splits on them wherever they appear.
func maskLinkSeparators(header string) string {
	var b strings.Builder
	b.Grow(len(header))
	quoted, bracketed := false, false
	for _, c := range header {
		switch {
		case c == '"' && !bracketed:
			quoted = !quoted
		case c == '<' && !quoted:
			bracketed = true
		case c == '>' && !quoted:
			bracketed = false
		case c == ',' && (quoted || bracketed):
			c = maskedComma
		case c == ';' && (quoted || bracketed):
			c = maskedSemicolon
		}
		b.WriteRune(c)
	}
	return b.String()
}
