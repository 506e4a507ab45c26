package mw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
)

func serveVersioned(method, path string, header http.Header) *httptest.ResponseRecorder {
	h := APIVersion(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(method, path, nil).WithContext(WithRequestID(context.Background(), "req_abc123"))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAPIVersion_UnpinnedServedAndEchoed(t *testing.T) {
	rr := serveVersioned(http.MethodGet, "/v1/sessions", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get(apiVersionHeader); got != protocol.ProtocolVersion1 {
		t.Fatalf("%s=%q, want %q", apiVersionHeader, got, protocol.ProtocolVersion1)
	}
}

func TestAPIVersion_RepeatedCurrentVersionAccepted(t *testing.T) {
	rr := serveVersioned(http.MethodGet, "/v1/sessions", http.Header{apiVersionHeader: {" 1 ", "1, 1"}})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAPIVersion_UnsupportedVersionRejected(t *testing.T) {
	for _, pinned := range []string{"2", "1,2", "2, 1"} {
		rr := serveVersioned(http.MethodGet, "/v1/sessions", http.Header{apiVersionHeader: {pinned}})
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("pinned %q status=%d body=%q", pinned, rr.Code, rr.Body.String())
		}
		body := rr.Body.String()
		for _, want := range []string{
			`"type":"invalid_request_error"`,
			`"code":"unsupported_version"`,
			`"param":"X-Sonic-Version"`,
			`"request_id":"req_abc123"`,
			`unsupported protocol version 2`,
		} {
			if !strings.Contains(body, want) {
				t.Fatalf("pinned %q body=%q, missing %s", pinned, body, want)
			}
		}
	}
}

func TestAPIVersion_LiveUpgradeRejectedBeforeHello(t *testing.T) {
	rr := serveVersioned(http.MethodGet, "/v1/live", http.Header{
		apiVersionHeader: {"2"},
		"Connection":     {"keep-alive, Upgrade"},
		"Upgrade":        {"websocket"},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "live sessions speak protocol_version 1") {
		t.Fatalf("body=%q", rr.Body.String())
	}

	rr = serveVersioned(http.MethodGet, "/v1/live", http.Header{
		apiVersionHeader: {protocol.ProtocolVersion1},
		"Connection":     {"Upgrade"},
		"Upgrade":        {"websocket"},
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("pinned current version status=%d", rr.Code)
	}
}

func TestAPIVersion_HealthChecksAndPreflightBypass(t *testing.T) {
	if rr := serveVersioned(http.MethodGet, "/healthz", http.Header{apiVersionHeader: {"2"}}); rr.Code != http.StatusNoContent {
		t.Fatalf("healthz status=%d", rr.Code)
	} else if rr.Header().Get(apiVersionHeader) != "" {
		t.Fatalf("non-v1 path should not echo the version")
	}
	if rr := serveVersioned(http.MethodOptions, "/v1/sessions", http.Header{apiVersionHeader: {"2"}}); rr.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS status=%d", rr.Code)
	}
}
