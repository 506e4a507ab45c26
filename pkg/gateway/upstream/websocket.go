package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer connects to a relay that speaks the model event protocol
// as JSON text frames.
type WebSocketDialer struct {
	URL          string
	Header       http.Header
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	if d == nil || strings.TrimSpace(d.URL) == "" {
		return nil, errors.New("websocket upstream url is not configured")
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial upstream websocket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial upstream websocket: %w", err)
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return newWebSocketTransport(conn, writeTimeout), nil
}

type wsRead struct {
	data []byte
	err  error
}

type webSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	reads   chan wsRead
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newWebSocketTransport(conn *websocket.Conn, writeTimeout time.Duration) *webSocketTransport {
	t := &webSocketTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		reads:        make(chan wsRead, 16),
		done:         make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *webSocketTransport) readLoop() {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case t.reads <- wsRead{err: err}:
			case <-t.done:
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		select {
		case t.reads <- wsRead{data: data}:
		case <-t.done:
			return
		}
	}
}

func (t *webSocketTransport) Send(ctx context.Context, payload []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		select {
		case <-t.done:
			return ErrClosed
		default:
		}
		return fmt.Errorf("upstream websocket write: %w", err)
	}
	return nil
}

func (t *webSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrClosed
	case r := <-t.reads:
		if r.err != nil {
			if websocket.IsCloseError(r.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("upstream websocket read: %w", r.err)
		}
		return r.data, nil
	}
}

func (t *webSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
