package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingKey = errors.New("missing api key")
	ErrInvalidKey = errors.New("invalid api key")
)

type Principal struct {
	APIKey string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// Authenticate resolves the caller's key against keys. With allowQuery the
// api_key query parameter is accepted as a fallback, which is the only
// option browser WebSocket clients have.
func Authenticate(r *http.Request, keys map[string]struct{}, allowQuery bool) (*Principal, error) {
	token, ok := ParseBearer(r)
	if !ok && allowQuery {
		token = strings.TrimSpace(r.URL.Query().Get("api_key"))
		ok = token != ""
	}
	if !ok {
		return nil, ErrMissingKey
	}
	if _, known := keys[token]; !known {
		return nil, ErrInvalidKey
	}
	return &Principal{APIKey: token}, nil
}
