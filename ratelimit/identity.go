package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AnonymousIdentity is the quota principal for requests with no resolvable
// identity at all.
const AnonymousIdentity = "anonymous"

type principalKey struct{}

// WithPrincipal records the authenticated session identity on the context.
// Upstream auth middleware calls this; the limiter prefers it over every
// other identity source.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext returns the authenticated identity, if any
func PrincipalFromContext(ctx context.Context) (string, bool) {
	principal, ok := ctx.Value(principalKey{}).(string)
	return principal, ok && principal != ""
}

// ResolveIdentity picks the quota principal for a request. Precedence:
// authenticated session identity, then the bearer token's subject claim,
// then the remote address, then "anonymous". A signed-in user is limited as
// that user even when rotating IPs.
//
// The bearer token is parsed without signature verification: quota identity
// only needs a stable principal, and real authentication happens upstream.
func ResolveIdentity(r *http.Request, trustProxy bool) string {
	if principal, ok := PrincipalFromContext(r.Context()); ok {
		return principal
	}

	if subject := bearerSubject(r.Header.Get("Authorization")); subject != "" {
		return subject
	}

	if addr := remoteAddress(r, trustProxy); addr != "" {
		return addr
	}

	return AnonymousIdentity
}

func bearerSubject(authorization string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return ""
	}
	tokenString := strings.TrimSpace(authorization[len(prefix):])
	if tokenString == "" {
		return ""
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return ""
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return subject
}

func remoteAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
			if first != "" {
				return first
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
