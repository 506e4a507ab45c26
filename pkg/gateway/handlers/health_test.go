package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-sonic/pkg/gateway/config"
	"github.com/vango-go/vai-sonic/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-sonic/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-sonic/pkg/gateway/upstream"
)

func readyConfig() config.Config {
	return config.Config{
		AuthMode:             config.AuthModeDisabled,
		Upstream:             config.UpstreamBedrock,
		PlaybackBlock:        20 * time.Millisecond,
		ToolTimeout:          time.Second,
		ToolCacheTTL:         time.Minute,
		LiveHandshakeTimeout: time.Second,
		LiveWSWriteTimeout:   time.Second,
	}
}

var noopDialer = upstream.DialerFunc(func(context.Context) (upstream.Transport, error) {
	return nil, upstream.ErrClosed
})

func serveReady(t *testing.T, h ReadyHandler) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v body=%q", err, rr.Body.String())
	}
	return rr.Code, resp
}

func TestHealthHandler_OK(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	tracker := sessions.NewTracker()
	unregister := tracker.Register("s_1", sessions.Handle{})
	defer unregister()

	code, resp := serveReady(t, ReadyHandler{
		Config:       readyConfig(),
		Dialer:       noopDialer,
		Lifecycle:    lifecycle.New(time.Now().Add(-time.Minute)),
		LiveSessions: tracker,
		Tools:        []string{"getWeather"},
	})
	if code != http.StatusOK {
		t.Fatalf("status=%d resp=%v", code, resp)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("ok=false issues=%v", resp["issues"])
	}
	if n, _ := resp["live_sessions"].(float64); n != 1 {
		t.Fatalf("live_sessions=%v, want 1", resp["live_sessions"])
	}
	if up, _ := resp["uptime_ms"].(float64); up < 60000 {
		t.Fatalf("uptime_ms=%v, want >= 60000", resp["uptime_ms"])
	}
	if resp["upstream"] != "bedrock" {
		t.Fatalf("upstream=%v", resp["upstream"])
	}
}

func TestReadyHandler_RequiredAuthEmptyKeys_NotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.AuthMode = config.AuthModeRequired
	cfg.APIKeys = map[string]struct{}{}

	code, resp := serveReady(t, ReadyHandler{Config: cfg, Dialer: noopDialer})
	if code != http.StatusInternalServerError {
		t.Fatalf("status=%d resp=%v", code, resp)
	}
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatalf("expected ok=false")
	}
}

func TestReadyHandler_MissingDialer_NotReady(t *testing.T) {
	code, resp := serveReady(t, ReadyHandler{Config: readyConfig()})
	if code != http.StatusInternalServerError {
		t.Fatalf("status=%d resp=%v", code, resp)
	}
	issues, _ := resp["issues"].([]any)
	found := false
	for _, issue := range issues {
		if s, _ := issue.(string); strings.Contains(s, "upstream") {
			found = true
		}
	}
	if !found {
		t.Fatalf("issues=%v, want an upstream issue", issues)
	}
}

func TestReadyHandler_Draining_503(t *testing.T) {
	lc := lifecycle.New(time.Now())
	lc.SetDraining(true)

	code, resp := serveReady(t, ReadyHandler{Config: readyConfig(), Dialer: noopDialer, Lifecycle: lc})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d resp=%v", code, resp)
	}
	if d, _ := resp["draining"].(bool); !d {
		t.Fatalf("draining=%v", resp["draining"])
	}
}
