package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-sonic/pkg/gateway/apierror"
	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
)

// apiVersionHeader pins the live protocol version before the socket opens.
// It carries the same value a client later sends as hello.protocol_version.
const apiVersionHeader = "X-Sonic-Version"

// APIVersion checks a pinned protocol version on /v1 routes and echoes the
// version this gateway speaks. An unpinned request is served as the current
// version; browsers cannot set the header on a WebSocket handshake, so for
// them hello is the only negotiation.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !isV1Path(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set(apiVersionHeader, protocol.ProtocolVersion1)

		if pinned, ok := pinnedVersion(r.Header); ok && pinned != protocol.ProtocolVersion1 {
			reqID, _ := RequestIDFrom(r.Context())
			msg := "unsupported protocol version " + pinned
			if isWebSocketUpgrade(r) {
				msg += "; live sessions speak protocol_version " + protocol.ProtocolVersion1
			}
			writeJSONError(w, http.StatusBadRequest, &apierror.Error{
				Type:      apierror.ErrInvalidRequest,
				Message:   msg,
				Param:     apiVersionHeader,
				Code:      "unsupported_version",
				RequestID: reqID,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// pinnedVersion reads the header, which may repeat or hold a list. Every
// entry must agree; a disagreement is reported as the first odd entry.
func pinnedVersion(h http.Header) (string, bool) {
	var pinned string
	for _, value := range h.Values(apiVersionHeader) {
		for _, part := range strings.Split(value, ",") {
			v := strings.TrimSpace(part)
			switch {
			case v == "":
			case pinned == "":
				pinned = v
			case v != pinned:
				if pinned == protocol.ProtocolVersion1 {
					return v, true
				}
				return pinned, true
			}
		}
	}
	return pinned, pinned != ""
}

func isV1Path(path string) bool {
	return path == "/v1" || strings.HasPrefix(path, "/v1/")
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
