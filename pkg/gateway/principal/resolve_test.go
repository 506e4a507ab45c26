package principal

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-sonic/pkg/gateway/auth"
	"github.com/vango-go/vai-sonic/pkg/gateway/config"
	"github.com/vango-go/vai-sonic/pkg/gateway/ratelimit"
)

func keyedConfig() config.Config {
	return config.Config{APIKeys: map[string]struct{}{"sk_live": {}}}
}

func TestResolve_PrefersAuthenticatedKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/live", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{APIKey: "sk_test"}))

	got := Resolve(req, config.Config{})
	if got.Kind != KindAPIKey || got.Key != ratelimit.PrincipalKeyFromAPIKey("sk_test") {
		t.Fatalf("resolved=%+v", got)
	}
}

func TestResolve_PresentedKeyBeforeAuth(t *testing.T) {
	want := ratelimit.PrincipalKeyFromAPIKey("sk_live")

	bearer := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	bearer.Header.Set("Authorization", "Bearer sk_live")
	if got := Resolve(bearer, keyedConfig()); got.Kind != KindAPIKey || got.Key != want {
		t.Fatalf("bearer resolved=%+v", got)
	}

	upgrade := httptest.NewRequest(http.MethodGet, "/v1/live?api_key=sk_live", nil)
	upgrade.Header.Set("Connection", "Upgrade")
	upgrade.Header.Set("Upgrade", "websocket")
	if got := Resolve(upgrade, keyedConfig()); got.Kind != KindAPIKey || got.Key != want {
		t.Fatalf("upgrade resolved=%+v", got)
	}
}

func TestResolve_QueryKeyOnlyCountsOnUpgrade(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions?api_key=sk_live", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	if got := Resolve(req, keyedConfig()); got.Kind != KindIP {
		t.Fatalf("resolved=%+v, want the client address", got)
	}
}

func TestResolve_UnknownKeyFallsBackToAddress(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("Authorization", "Bearer sk_made_up")

	got := Resolve(req, keyedConfig())
	if got.Kind != KindIP || got.Key != ratelimit.PrincipalKeyFromIP("10.1.2.3") {
		t.Fatalf("resolved=%+v", got)
	}
	if got.String() != "ip:"+got.Key {
		t.Fatalf("String()=%q", got.String())
	}
}

func TestResolve_IgnoresProxyHeadersUnlessTrusted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/live", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := Resolve(req, config.Config{}); got.Key != ratelimit.PrincipalKeyFromIP("10.1.2.3") {
		t.Fatalf("untrusted resolved=%+v", got)
	}
	if got := Resolve(req, config.Config{TrustProxyHeaders: true}); got.Kind != KindIP || got.Key != ratelimit.PrincipalKeyFromIP("203.0.113.9") {
		t.Fatalf("trusted resolved=%+v", got)
	}
}

func TestResolve_UnparseableAddressIsAnonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/live", nil)
	req.RemoteAddr = "pipe"
	if got := Resolve(req, config.Config{}); got.Kind != KindAnon || got.Key != "anonymous" {
		t.Fatalf("resolved=%+v", got)
	}
	if got := Resolve(nil, config.Config{}); got.Kind != KindAnon {
		t.Fatalf("nil request resolved=%+v", got)
	}
}
