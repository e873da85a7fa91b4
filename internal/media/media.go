// Package media rewrites remote image URLs to go through the local media
// proxy and serves the proxied images.
package media

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/samber/lo"

	"github.com/bryan-buckman/microsub/internal/model"
)

// PathPrefix is the route under which proxied media is served.
const PathPrefix = "/microsub/media/"

// HashURL returns a short identifier for rawURL keyed by the server secret.
// Without the key a client cannot mint a valid proxy URL.
func HashURL(key []byte, rawURL string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(rawURL))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// ProxiedURL rewrites rawURL to go through the proxy at base. Data URLs,
// already proxied URLs and an empty base leave rawURL unchanged.
func ProxiedURL(key []byte, base, rawURL string) string {
	switch {
	case base == "", rawURL == "":
		return rawURL
	case strings.HasPrefix(rawURL, "data:"):
		return rawURL
	case strings.Contains(rawURL, PathPrefix):
		return rawURL
	}
	return strings.TrimSuffix(base, "/") + PathPrefix + HashURL(key, rawURL) + "?url=" + url.QueryEscape(rawURL)
}

// ProxyItemImages returns a copy of item whose photos and author photo go
// through the proxy.
func ProxyItemImages(key []byte, item model.Item, base string) model.Item {
	if base == "" {
		return item
	}
	item.Photo = lo.Map(item.Photo, func(u string, _ int) string {
		return ProxiedURL(key, base, u)
	})
	if item.Author != nil && item.Author.Photo != "" {
		author := *item.Author
		author.Photo = ProxiedURL(key, base, author.Photo)
		item.Author = &author
	}
	return item
}
