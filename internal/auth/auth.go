package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

// KeyPrefix starts every Guardian API key.
const KeyPrefix = "gdn_"

// Roles.
const (
	RoleAnalyze = "analyze"
	RoleAdmin   = "admin"
)

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("authentication backend unavailable")
	ErrForbidden       = errors.New("API key lacks the required role")
)

// Principal is the authenticated caller.
type Principal struct {
	KeyID string
	Name  string
	Role  string
}

// Allows reports whether p may act with role. Admin keys may do everything.
func (p *Principal) Allows(role string) bool {
	return p != nil && (p.Role == RoleAdmin || p.Role == role)
}

// Authenticator validates incoming requests and returns the caller.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Principal, error)
}

// Revoker is implemented by authenticators that cache verified keys and must
// forget a key once it is revoked.
type Revoker interface {
	Revoke(keyID string)
}

type authorizationKey struct{}

// WithAuthorization attaches a raw Authorization header value to ctx for
// transports that do not carry gRPC metadata.
func WithAuthorization(ctx context.Context, header string) context.Context {
	return context.WithValue(ctx, authorizationKey{}, header)
}

// extractAPIKey returns the bearer token from ctx, checking the HTTP
// authorization value first and gRPC metadata second.
func extractAPIKey(ctx context.Context) (string, error) {
	header, _ := ctx.Value(authorizationKey{}).(string)
	if header == "" {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get("authorization"); len(vals) > 0 {
				header = vals[0]
			}
		}
	}
	if header == "" {
		return "", ErrMissingAPIKey
	}

	token := header
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	token = strings.TrimSpace(token)

	if !strings.HasPrefix(token, KeyPrefix) || len(token) < len(KeyPrefix)+4 {
		return "", ErrInvalidAPIKey
	}
	return token, nil
}

// StaticAuthenticator checks keys against a fixed set from configuration.
// Used when no Postgres DSN is configured.
type StaticAuthenticator struct {
	keys []staticKey
}

type staticKey struct {
	digest    [32]byte
	principal *Principal
}

// NewStaticAuthenticator accepts one admin key and any number of analyze-only
// keys. Empty strings are ignored.
func NewStaticAuthenticator(adminKey string, analyzeKeys ...string) *StaticAuthenticator {
	a := &StaticAuthenticator{}
	add := func(key, name, role string) {
		if key == "" {
			return
		}
		a.keys = append(a.keys, staticKey{
			digest:    sha256.Sum256([]byte(key)),
			principal: &Principal{KeyID: key[:min(len(key), 8)], Name: name, Role: role},
		})
	}
	add(adminKey, "static-admin", RoleAdmin)
	for _, k := range analyzeKeys {
		add(k, "static", RoleAnalyze)
	}
	return a
}

// Len returns the number of configured keys.
func (a *StaticAuthenticator) Len() int { return len(a.keys) }

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token, err := extractAPIKey(ctx)
	if err != nil {
		return nil, err
	}
	d := sha256.Sum256([]byte(token))
	var found *Principal
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(d[:], k.digest[:]) == 1 {
			found = k.principal
		}
	}
	if found == nil {
		return nil, ErrInvalidAPIKey
	}
	return found, nil
}
