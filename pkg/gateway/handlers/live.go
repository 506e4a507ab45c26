package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-sonic/pkg/gateway/apierror"
	"github.com/vango-go/vai-sonic/pkg/gateway/auth"
	"github.com/vango-go/vai-sonic/pkg/gateway/config"
	"github.com/vango-go/vai-sonic/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-sonic/pkg/gateway/live/session"
	"github.com/vango-go/vai-sonic/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-sonic/pkg/gateway/mw"
	"github.com/vango-go/vai-sonic/pkg/gateway/principal"
	"github.com/vango-go/vai-sonic/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/servertools"
	"github.com/vango-go/vai-sonic/pkg/gateway/upstream"
)

// LiveHandler handles /v1/live websocket sessions.
type LiveHandler struct {
	Config       config.Config
	Dialer       upstream.Dialer
	Tools        *servertools.Registry
	Logger       *slog.Logger
	Limiter      *ratelimit.Limiter
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodGet {
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		w.Header().Set("Retry-After", "5")
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrOverloaded, Message: "gateway is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrPermission, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}
	if h.Dialer == nil {
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrAPI, Message: "speech model upstream is not configured"}, http.StatusServiceUnavailable)
		return
	}

	r, ok := h.authenticate(w, r, reqID)
	if !ok {
		return
	}

	p := principal.Resolve(r, h.Config)
	logger := h.logger().With("request_id", reqID, "principal", p.String())

	if h.Limiter != nil && h.Config.LiveMaxSessionsPerPrincipal > 0 {
		dec := h.Limiter.AcquireWSSession(p.Key, time.Now())
		if !dec.Allowed {
			w.Header().Set("Retry-After", "1")
			writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrRateLimit, Message: "too many active live sessions"}, http.StatusTooManyRequests)
			return
		}
		defer dec.Permit.Release()
	}

	// Origin was checked above.
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("live upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	hello, ok := h.readHello(conn)
	if !ok {
		return
	}
	logger.Info("live hello", "hello", hello.RedactedForLog())

	ls, err := session.NewLive(session.LiveDependencies{
		Conn:       conn,
		Logger:     logger,
		Dialer:     h.Dialer,
		Tools:      h.Tools,
		ToolConfig: h.toolConfig(logger),
		Hello:      hello,
		RequestID:  reqID,
		Session:    h.sessionConfig(),
		Config:     h.liveConfig(),
	})
	if err != nil {
		code := "internal"
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			code = decodeErr.Code
		}
		logger.Warn("live session rejected", "err", err)
		writeWSError(conn, code, err.Error())
		return
	}

	unregister := h.LiveSessions.Register(ls.ID(), sessions.Handle{
		Cancel: ls.Cancel,
		Warn:   ls.SendWarning,
		Sweep:  ls.Sweep,
		State:  func() string { return ls.Session().State().String() },
	})
	defer unregister()

	started := time.Now()
	if err := ls.Run(); err != nil {
		logger.Warn("live session ended with error", "session_id", ls.ID(), "err", err)
	}
	logger.Info("live session closed",
		"session_id", ls.ID(),
		"duration_ms", time.Since(started).Milliseconds(),
		"dropped_audio", ls.Session().DroppedAudio(),
	)
}

// authenticate returns the request carrying the caller's principal, or
// writes a 401 and reports false.
func (h LiveHandler) authenticate(w http.ResponseWriter, r *http.Request, reqID string) (*http.Request, bool) {
	if h.Config.AuthMode == config.AuthModeDisabled {
		return r, true
	}
	p, err := auth.Authenticate(r, h.Config.APIKeys, true)
	switch {
	case err == nil:
		return r.WithContext(auth.WithPrincipal(r.Context(), p)), true
	case errors.Is(err, auth.ErrMissingKey) && h.Config.AuthMode == config.AuthModeOptional:
		return r, true
	default:
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrAuthentication, Message: err.Error()}, http.StatusUnauthorized)
		return nil, false
	}
}

// readHello waits for the first frame within the handshake timeout.
func (h LiveHandler) readHello(conn *websocket.Conn) (protocol.ClientHello, bool) {
	if h.Config.LiveMaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LiveMaxJSONMessageBytes)
	}
	handshakeTimeout := h.Config.LiveHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		writeWSError(conn, "bad_request", "failed to read hello")
		return protocol.ClientHello{}, false
	}
	if messageType != websocket.TextMessage {
		writeWSError(conn, "bad_request", "first frame must be hello")
		return protocol.ClientHello{}, false
	}
	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			writeWSErrorParam(conn, decodeErr.Code, decodeErr.Message, decodeErr.Param)
		} else {
			writeWSError(conn, "bad_request", "invalid hello frame")
		}
		return protocol.ClientHello{}, false
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		writeWSError(conn, "bad_request", "first frame must be hello")
		return protocol.ClientHello{}, false
	}
	_ = conn.SetReadDeadline(time.Time{})
	return hello, true
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	return mw.OriginAllowed(h.Config, origin)
}

func (h LiveHandler) sessionConfig() session.Config {
	return session.Config{
		Voice:              h.Config.Voice,
		SystemPrompt:       h.Config.SystemPrompt,
		OutputSampleRateHz: h.Config.OutputSampleRateHz,
		Inference: protocol.InferenceConfiguration{
			MaxTokens:   h.Config.MaxTokens,
			TopP:        h.Config.TopP,
			Temperature: h.Config.Temperature,
		},
	}
}

func (h LiveHandler) liveConfig() session.LiveConfig {
	return session.LiveConfig{
		MaxJSONMessageBytes:        h.Config.LiveMaxJSONMessageBytes,
		MaxAudioFrameBytes:         h.Config.LiveMaxAudioFrameBytes,
		LiveMaxAudioFPS:            h.Config.LiveMaxAudioFPS,
		LiveMaxAudioBytesPerSecond: h.Config.LiveMaxAudioBytesPerSecond,
		LiveInboundBurstSeconds:    h.Config.LiveInboundBurstSeconds,
		PingInterval:               h.Config.LiveWSPingInterval,
		WriteTimeout:               h.Config.LiveWSWriteTimeout,
		ReadTimeout:                h.Config.LiveWSReadTimeout,
		OutboundQueueSize:          h.Config.LiveOutboundQueueSize,
		PlaybackBlock:              h.Config.PlaybackBlock,
		Preroll:                    h.Config.PrerollDuration,
	}
}

func (h LiveHandler) toolConfig(logger *slog.Logger) servertools.DispatcherConfig {
	return servertools.DispatcherConfig{
		Timeout:         h.Config.ToolTimeout,
		CacheTTL:        h.Config.ToolCacheTTL,
		CacheMaxEntries: h.Config.ToolCacheMaxEntries,
		Logger:          logger,
	}
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeWSError(conn *websocket.Conn, code, message string) {
	writeWSErrorParam(conn, code, message, "")
}

func writeWSErrorParam(conn *websocket.Conn, code, message, param string) {
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Code: code, Message: message, Param: param, Close: true})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
}
