// Package principal decides whose budget a request spends. A known API key
// wins; otherwise the client address is used.
package principal

import (
	"net"
	"net/http"
	"strings"

	"github.com/vango-go/vai-sonic/pkg/gateway/auth"
	"github.com/vango-go/vai-sonic/pkg/gateway/config"
	"github.com/vango-go/vai-sonic/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindIP     Kind = "ip"
	KindAnon   Kind = "anonymous"
)

// Resolved identifies a caller. Key is hashed and safe to log.
type Resolved struct {
	Kind Kind
	Key  string
}

func (p Resolved) String() string {
	return string(p.Kind) + ":" + p.Key
}

var anonymous = Resolved{Kind: KindAnon, Key: "anonymous"}

// proxyHeaders are consulted in order when proxy headers are trusted.
var proxyHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

// Resolve keys r by the authenticated principal, then by a configured key the
// request presents, then by client address. Rate limiting runs before the
// live handler authenticates, so a key in the Authorization header or, on a
// WebSocket upgrade, in ?api_key= counts here too. Unknown keys fall back to
// the address so they cannot mint fresh buckets.
func Resolve(r *http.Request, cfg config.Config) Resolved {
	if r == nil {
		return anonymous
	}
	if p, ok := auth.PrincipalFrom(r.Context()); ok && strings.TrimSpace(p.APIKey) != "" {
		return Resolved{Kind: KindAPIKey, Key: ratelimit.PrincipalKeyFromAPIKey(p.APIKey)}
	}
	if len(cfg.APIKeys) > 0 {
		if p, err := auth.Authenticate(r, cfg.APIKeys, isUpgrade(r)); err == nil {
			return Resolved{Kind: KindAPIKey, Key: ratelimit.PrincipalKeyFromAPIKey(p.APIKey)}
		}
	}
	ip := clientIP(r, cfg.TrustProxyHeaders)
	if ip == "" {
		return anonymous
	}
	return Resolved{Kind: KindIP, Key: ratelimit.PrincipalKeyFromIP(ip)}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func clientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		for _, name := range proxyHeaders {
			raw := r.Header.Get(name)
			// X-Forwarded-For lists the client first.
			first, _, _ := strings.Cut(raw, ",")
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
	}
	return parseIP(r.RemoteAddr)
}

// parseIP normalizes an address that may carry a port.
func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
