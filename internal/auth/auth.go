// Package auth resolves the identity that owns channels for a request.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// DefaultUserID is used when no other identity is available.
const DefaultUserID = "default"

// Session is the caller identity attached to a request.
type Session struct {
	UserID string
	Me     string
}

type sessionKey struct{}

// WithSession returns a context carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session stored in ctx, if any.
func SessionFrom(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}

// UserID resolves the owner id for ctx: the session user id, then the
// identity the session declares, then the publication owner, then
// DefaultUserID. The result is never empty.
func UserID(ctx context.Context, publicationMe string) string {
	if s, ok := SessionFrom(ctx); ok {
		if id := strings.TrimSpace(s.UserID); id != "" {
			return id
		}
		if me := strings.TrimSpace(s.Me); me != "" {
			return me
		}
	}
	if me := strings.TrimSpace(publicationMe); me != "" {
		return me
	}
	return DefaultUserID
}

// SessionLoader extracts a session from a request. It returns nil when the
// request carries none.
type SessionLoader func(r *http.Request) *Session

// Header names read by HeaderLoader. They are expected to be set by an
// authenticating proxy in front of the server.
const (
	HeaderUserID = "X-Microsub-User"
	HeaderMe     = "X-Microsub-Me"
)

// HeaderLoader reads the session from HeaderUserID and HeaderMe.
func HeaderLoader(r *http.Request) *Session {
	s := &Session{
		UserID: r.Header.Get(HeaderUserID),
		Me:     r.Header.Get(HeaderMe),
	}
	if s.UserID == "" && s.Me == "" {
		return nil
	}
	return s
}

// Middleware attaches the session produced by load to each request context.
func Middleware(load SessionLoader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s := load(r); s != nil {
				r = r.WithContext(WithSession(r.Context(), s))
			}
			next.ServeHTTP(w, r)
		})
	}
}
