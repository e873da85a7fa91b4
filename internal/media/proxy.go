package media

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryan-buckman/microsub/internal/cache"
	"github.com/bryan-buckman/microsub/internal/model"
)

const (
	maxImageSize = 5 * 1024 * 1024
	cacheTTL     = 24 * time.Hour
	fetchTimeout = 15 * time.Second
)

var errBlockedAddress = errors.New("destination address not allowed")

// Proxy serves remote images referenced by proxied URLs.
type Proxy struct {
	client    *http.Client
	cache     cache.Cache
	key       []byte
	log       zerolog.Logger
	userAgent string
}

// NewProxy creates a Proxy whose URLs are signed with key. A nil client
// uses a client with a 15s timeout that refuses to dial loopback, private
// and link-local addresses.
func NewProxy(client *http.Client, c cache.Cache, key []byte, userAgent string, log zerolog.Logger) *Proxy {
	if client == nil {
		client = publicClient()
	}
	if c == nil {
		c = cache.Noop{}
	}
	return &Proxy{client: client, cache: c, key: key, log: log, userAgent: userAgent}
}

// ProxyItemImages rewrites item's images to signed proxy URLs under base.
func (p *Proxy) ProxyItemImages(item model.Item, base string) model.Item {
	return ProxyItemImages(p.key, item, base)
}

func publicClient() *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, Control: publicOnly}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return &http.Client{Timeout: fetchTimeout, Transport: transport}
}

// publicOnly runs after name resolution, so it also covers redirects and
// hostnames that resolve to internal addresses.
func publicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return fmt.Errorf("%w: %s", errBlockedAddress, ip)
	}
	return nil
}

func cacheKey(hash string) string { return "media:" + hash }

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	hash := path.Base(r.URL.Path)
	if target == "" || !hmac.Equal([]byte(HashURL(p.key, target)), []byte(hash)) {
		http.Error(w, "invalid media url", http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		http.Error(w, "invalid media url", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if cached, err := p.cache.Get(ctx, cacheKey(hash)); err == nil {
		if ct, body, ok := splitCached(cached); ok {
			writeImage(w, ct, body)
			return
		}
	}

	ct, body, err := p.fetch(ctx, target)
	if err != nil {
		p.log.Debug().Err(err).Str("url", target).Msg("media fetch failed")
		http.Error(w, "media unavailable", http.StatusBadGateway)
		return
	}
	if err := p.cache.Set(ctx, cacheKey(hash), joinCached(ct, body), cacheTTL); err != nil {
		p.log.Debug().Err(err).Msg("media cache write failed")
	}
	writeImage(w, ct, body)
}

func (p *Proxy) fetch(ctx context.Context, target string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", nil, err
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "image/") {
		return "", nil, fmt.Errorf("unexpected content type %q", ct)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return "", nil, err
	}
	if len(body) > maxImageSize {
		return "", nil, fmt.Errorf("image exceeds %d bytes", maxImageSize)
	}
	return ct, body, nil
}

func writeImage(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(body)
}

// Cached entries are stored as "<content-type>\n<bytes>".
func joinCached(contentType string, body []byte) []byte {
	out := make([]byte, 0, len(contentType)+1+len(body))
	out = append(out, contentType...)
	out = append(out, '\n')
	return append(out, body...)
}

func splitCached(b []byte) (string, []byte, bool) {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i]), b[i+1:], true
		}
	}
	return "", nil, false
}
