package media

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/microsub/internal/cache"
	"github.com/bryan-buckman/microsub/internal/model"
)

const base = "https://reader.example.com"

var key = []byte("test-secret")

func TestHashURL(t *testing.T) {
	a := HashURL(key, "https://example.com/image1.jpg")
	assert.Equal(t, a, HashURL(key, "https://example.com/image1.jpg"))
	assert.NotEqual(t, a, HashURL(key, "https://example.com/image2.jpg"))
	assert.Regexp(t, `^[0-9a-f]{16}$`, a)

	// Another key yields another identifier, and neither is the bare digest.
	assert.NotEqual(t, a, HashURL([]byte("other"), "https://example.com/image1.jpg"))
	sum := sha256.Sum256([]byte("https://example.com/image1.jpg"))
	assert.NotEqual(t, hex.EncodeToString(sum[:])[:16], a)
}

func TestProxiedURL(t *testing.T) {
	img := "https://external.com/photo.jpg"

	tests := []struct {
		name string
		base string
		url  string
		want string
	}{
		{"external image", base, img, base + "/microsub/media/" + HashURL(key, img) + "?url=" + url.QueryEscape(img)},
		{"trailing slash on base", base + "/", img, base + "/microsub/media/" + HashURL(key, img) + "?url=" + url.QueryEscape(img)},
		{"data url", base, "data:image/png;base64,abc123", "data:image/png;base64,abc123"},
		{"no base", "", img, img},
		{"already proxied", base, "https://example.com/microsub/media/abc123?url=test", "https://example.com/microsub/media/abc123?url=test"},
		{"empty url", base, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ProxiedURL(key, tt.base, tt.url))
		})
	}
}

func TestProxyItemImages(t *testing.T) {
	item := model.Item{
		Photo:  []string{"https://external.com/1.jpg", "https://external.com/2.jpg"},
		Author: &model.Card{Name: "Test Author", Photo: "https://external.com/avatar.jpg"},
	}

	got := ProxyItemImages(key, item, base)
	require.Len(t, got.Photo, 2)
	assert.Contains(t, got.Photo[0], PathPrefix)
	assert.Contains(t, got.Photo[1], PathPrefix)
	assert.Contains(t, got.Author.Photo, PathPrefix)
	assert.Equal(t, "Test Author", got.Author.Name)

	// The input is left untouched.
	assert.Equal(t, "https://external.com/1.jpg", item.Photo[0])
	assert.Equal(t, "https://external.com/avatar.jpg", item.Author.Photo)

	unchanged := ProxyItemImages(key, item, "")
	assert.Equal(t, item.Photo, unchanged.Photo)
}

func TestProxyServeHTTP(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if strings.HasSuffix(r.URL.Path, ".txt") {
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("nope"))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG\r\n"))
	}))
	defer origin.Close()

	proxy := NewProxy(origin.Client(), cache.NewMemory(), key, "test", zerolog.Nop())

	serve := func(proxied string) *httptest.ResponseRecorder {
		u, err := url.Parse(proxied)
		require.NoError(t, err)
		rec := httptest.NewRecorder()
		proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
		return rec
	}

	img := origin.URL + "/a.png"
	rec := serve(ProxiedURL(key, base, img))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "\x89PNG\r\n", rec.Body.String())

	rec = serve(ProxiedURL(key, base, img))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), hits.Load())

	rec = serve(ProxiedURL(key, base, origin.URL+"/a.txt"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = serve(base + PathPrefix + "0000000000000000?url=" + url.QueryEscape(img))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A URL signed with another key, or with the unkeyed digest, is rejected.
	rec = serve(ProxiedURL([]byte("forged"), base, origin.URL+"/b.png"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	sum := sha256.Sum256([]byte(img))
	rec = serve(base + PathPrefix + hex.EncodeToString(sum[:])[:16] + "?url=" + url.QueryEscape(img))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int32(1), hits.Load())
}

func TestProxyRefusesInternalAddresses(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG\r\n"))
	}))
	defer origin.Close()

	// The default client dials only public addresses.
	proxy := NewProxy(nil, nil, key, "test", zerolog.Nop())
	u, err := url.Parse(ProxiedURL(key, base, origin.URL+"/internal.png"))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Zero(t, hits.Load())
}

func TestPublicOnly(t *testing.T) {
	tests := []struct {
		address string
		allowed bool
	}{
		{"93.184.216.34:443", true},
		{"[2606:2800:220:1:248:1893:25c8:1946]:443", true},
		{"127.0.0.1:80", false},
		{"[::1]:80", false},
		{"10.0.0.5:80", false},
		{"192.168.1.1:80", false},
		{"172.16.0.1:80", false},
		{"169.254.169.254:80", false},
		{"0.0.0.0:80", false},
		{"[::ffff:127.0.0.1]:80", false},
		{"[fd00::1]:80", false},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			err := publicOnly("tcp", tt.address, nil)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errBlockedAddress)
			}
		})
	}
}
