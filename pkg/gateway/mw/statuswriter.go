package mw

import (
	"bufio"
	"net"
	"net/http"
)

// statusRecorder is the view AccessLog needs of a wrapped writer.
type statusRecorder interface {
	http.ResponseWriter
	Status() int
	Hijacked() bool
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	hijacked    bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Status() int {
	if w.hijacked && !w.wroteHeader {
		return http.StatusSwitchingProtocols
	}
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Hijacked() bool { return w.hijacked }

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) flush() {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	w.ResponseWriter.(http.Flusher).Flush()
}

func (w *statusWriter) hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := w.ResponseWriter.(http.Hijacker).Hijack()
	if err == nil {
		w.hijacked = true
	}
	return conn, rw, err
}

type flushStatusWriter struct{ *statusWriter }

func (w flushStatusWriter) Flush() { w.flush() }

type hijackStatusWriter struct{ *statusWriter }

func (w hijackStatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) { return w.hijack() }

type flushHijackStatusWriter struct{ *statusWriter }

func (w flushHijackStatusWriter) Flush() { w.flush() }

func (w flushHijackStatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) { return w.hijack() }

// wrapStatusWriter advertises exactly the optional interfaces the
// underlying writer supports; the WebSocket upgrade needs Hijacker.
func wrapStatusWriter(w http.ResponseWriter) statusRecorder {
	sw := &statusWriter{ResponseWriter: w}
	_, canFlush := w.(http.Flusher)
	_, canHijack := w.(http.Hijacker)
	switch {
	case canFlush && canHijack:
		return flushHijackStatusWriter{sw}
	case canFlush:
		return flushStatusWriter{sw}
	case canHijack:
		return hijackStatusWriter{sw}
	default:
		return sw
	}
}
