package handlers

import (
	"net/http"
	"time"

	"github.com/vango-go/vai-sonic/pkg/gateway/config"
	"github.com/vango-go/vai-sonic/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-sonic/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-sonic/pkg/gateway/upstream"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the gateway should receive new sessions.
type ReadyHandler struct {
	Config       config.Config
	Dialer       upstream.Dialer
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
	Tools        []string
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK           bool     `json:"ok"`
		Draining     bool     `json:"draining"`
		Upstream     string   `json:"upstream"`
		AuthMode     string   `json:"auth_mode"`
		LiveSessions int      `json:"live_sessions"`
		Tools        []string `json:"tools"`
		UptimeMS     int64    `json:"uptime_ms"`
		Issues       []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Dialer == nil {
		issues = append(issues, "speech model upstream is not configured")
	}
	if h.Config.Upstream == config.UpstreamWebSocket && h.Config.UpstreamURL == "" {
		issues = append(issues, "websocket upstream requires a url")
	}
	if h.Config.PlaybackBlock <= 0 {
		issues = append(issues, "playback block must be > 0")
	}
	if h.Config.ToolTimeout <= 0 || h.Config.ToolCacheTTL <= 0 {
		issues = append(issues, "tool timeout and cache ttl must be > 0")
	}
	if h.Config.LiveHandshakeTimeout <= 0 || h.Config.LiveWSWriteTimeout <= 0 {
		issues = append(issues, "live socket timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, readyResp{
		OK:           ok,
		Draining:     draining,
		Upstream:     h.Config.Upstream,
		AuthMode:     string(h.Config.AuthMode),
		LiveSessions: h.LiveSessions.Count(),
		Tools:        h.Tools,
		UptimeMS:     h.Lifecycle.Uptime(time.Now()).Milliseconds(),
		Issues:       issues,
	})
}
