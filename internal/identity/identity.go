// internal/identity/identity.go
// Package identity resolves the caller identity used to bucket requests for
// rate limiting. A bearer token subject is preferred, then a caller-supplied
// uploader hint, then the remote host. Tokens are never verified here; the
// subject only groups requests from the same caller.
package identity

import (
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// FromRequest returns the rate-limit identity for a request.
// Parameters:
//   - r: The incoming HTTP request
//   - uploaderHint: Optional uploader identity from the request body
// Returns:
//   - string: A non-empty identity key
func FromRequest(r *http.Request, uploaderHint string) string {
	if sub := bearerSubject(r); sub != "" {
		return sub
	}
	if uploaderHint != "" {
		return uploaderHint
	}
	return remoteHost(r)
}

// bearerSubject extracts the subject claim from a bearer token, if any.
// The signature is deliberately not checked; a forged subject only moves
// the caller into a different throttling bucket.
func bearerSubject(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	raw := strings.TrimPrefix(auth, "Bearer ")

	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		return ""
	}

	return claims.Subject
}

// remoteHost returns the originating host for a request, honoring the first
// hop of X-Forwarded-For when a proxy set it.
func remoteHost(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
