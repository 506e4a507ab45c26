package upstream

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	KindBedrock   = "bedrock"
	KindWebSocket = "websocket"
)

type Factory struct {
	Region       string
	ModelID      string
	URL          string
	Header       http.Header
	WriteTimeout time.Duration
}

// New returns a Dialer for the named upstream kind.
func (f Factory) New(ctx context.Context, kind string) (Dialer, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindBedrock:
		return NewBedrockDialer(ctx, f.Region, f.ModelID)
	case KindWebSocket:
		if strings.TrimSpace(f.URL) == "" {
			return nil, fmt.Errorf("websocket upstream requires a url")
		}
		return &WebSocketDialer{URL: f.URL, Header: f.Header, WriteTimeout: f.WriteTimeout}, nil
	default:
		return nil, fmt.Errorf("unknown upstream %q", kind)
	}
}
