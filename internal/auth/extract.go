package auth

import (
	"net/http"
	"net/url"
	"strings"
)

// HandshakeContext is the transport-neutral view of a connection attempt.
type HandshakeContext struct {
	Path       string
	Query      url.Values
	Header     http.Header
	RemoteAddr string
}

// FromRequest builds a HandshakeContext from an HTTP upgrade request.
func FromRequest(r *http.Request) HandshakeContext {
	return HandshakeContext{
		Path:       r.URL.Path,
		Query:      r.URL.Query(),
		Header:     r.Header.Clone(),
		RemoteAddr: r.RemoteAddr,
	}
}

// ExtractToken returns the raw credential. The token query parameter wins
// over an Authorization bearer header.
func ExtractToken(hc HandshakeContext) (string, error) {
	if token := strings.TrimSpace(hc.Query.Get("token")); token != "" {
		return token, nil
	}
	if token, ok := parseBearer(hc.Header); ok {
		return token, nil
	}
	return "", ErrMissing
}

func parseBearer(h http.Header) (string, bool) {
	authz := strings.TrimSpace(h.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(authz) < len(prefix) || !strings.EqualFold(authz[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authz[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}
