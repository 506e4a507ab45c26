package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-sonic/pkg/gateway/live/playback"
	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/servertools"
	"github.com/vango-go/vai-sonic/pkg/gateway/upstream"
)

const outboundPriorityQueueSize = 8

var errBackpressure = errors.New("live outbound backpressure")

// LiveConfig holds the client socket limits.
type LiveConfig struct {
	MaxJSONMessageBytes        int64
	MaxAudioFrameBytes         int
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	PingInterval               time.Duration
	WriteTimeout               time.Duration
	ReadTimeout                time.Duration
	OutboundQueueSize          int
	PlaybackBlock              time.Duration
	// Preroll is buffered before playback starts; zero selects one second.
	Preroll time.Duration
}

type LiveDependencies struct {
	Conn       *websocket.Conn
	Logger     *slog.Logger
	Dialer     upstream.Dialer
	Tools      *servertools.Registry
	ToolConfig servertools.DispatcherConfig
	Hello      protocol.ClientHello
	SessionID  string
	RequestID  string
	// Session carries the operator defaults; the hello overrides voice,
	// system prompt and output rate.
	Session Config
	Config  LiveConfig
	Now     func() time.Time
}

// LiveSession binds one Session to a client WebSocket.
type LiveSession struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	hello     protocol.ClientHello
	sessionID string
	requestID string
	cfg       LiveConfig
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	session  *Session
	renderer *playback.Renderer

	rateLimitWarned atomic.Bool
	droppedOutbound atomic.Int64
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func NewLive(deps LiveDependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	sessCfg := deps.Session
	if v := strings.TrimSpace(deps.Hello.Voice); v != "" {
		sessCfg.Voice = v
	}
	if p := strings.TrimSpace(deps.Hello.SystemPrompt); p != "" {
		sessCfg.SystemPrompt = p
	}
	if deps.Hello.OutputSampleRateHz != 0 {
		sessCfg.OutputSampleRateHz = deps.Hello.OutputSampleRateHz
	}
	if sessCfg.OutputSampleRateHz == 0 {
		sessCfg.OutputSampleRateHz = 24000
	}

	ctx, cancel := context.WithCancel(context.Background())
	ls := &LiveSession{
		conn:             deps.Conn,
		logger:           deps.Logger,
		hello:            deps.Hello,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, max(1, min(deps.Config.OutboundQueueSize, outboundPriorityQueueSize))),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}
	ls.renderer = playback.NewRenderer(&wsDevice{ls: ls}, playback.RendererConfig{
		SampleRateHz:   sessCfg.OutputSampleRateHz,
		BlockPeriod:    deps.Config.PlaybackBlock,
		PrerollSamples: prerollSamples(deps.Config.Preroll, sessCfg.OutputSampleRateHz),
	}, deps.Logger.With("session_id", deps.SessionID))

	sess, err := New(Dependencies{
		SessionID:  deps.SessionID,
		Dialer:     deps.Dialer,
		Renderer:   ls.renderer,
		Sink:       &wsSink{ls: ls},
		Tools:      deps.Tools,
		ToolConfig: deps.ToolConfig,
		Config:     sessCfg,
		Logger:     deps.Logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	ls.session = sess
	ls.sessionID = sess.ID()
	return ls, nil
}

func prerollSamples(d time.Duration, sampleRateHz int) int {
	if d <= 0 {
		return -1
	}
	return int(d.Milliseconds()) * sampleRateHz / 1000
}

func (s *LiveSession) ID() string { return s.sessionID }

// Session exposes the protocol actor.
func (s *LiveSession) Session() *Session { return s.session }

// HelloAck describes the negotiated session to the client.
func (s *LiveSession) HelloAck() protocol.ServerHelloAck {
	return protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       s.sessionID,
		AudioIn: protocol.AudioFormat{
			Encoding:     protocol.EncodingPCMS16LE,
			SampleRateHz: protocol.InputSampleRateHz,
			Channels:     1,
		},
		AudioOut: protocol.AudioFormat{
			Encoding:     protocol.EncodingPCMS16LE,
			SampleRateHz: s.session.OutputSampleRateHz(),
			Channels:     1,
		},
		Voice: s.session.Voice(),
		Tools: s.session.ToolNames(),
	}
}

func (s *LiveSession) Run() error {
	defer s.cancel()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	if err := s.sendJSONPriority(s.HelloAck()); err != nil {
		return err
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	sessionErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()
	go func() {
		sessionErrCh <- s.session.Run(s.ctx)
	}()

	flushAndClose := func() {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
	}

	limiter := newInboundAudioLimiter(s.now, s.cfg.LiveMaxAudioFPS, s.cfg.LiveMaxAudioBytesPerSecond, s.cfg.LiveInboundBurstSeconds)

	for {
		select {
		case err := <-sessionErrCh:
			flushAndClose()
			return err
		case err, ok := <-writerErrCh:
			if ok && err != nil {
				s.logger.Debug("live writer stopped", "err", err)
			}
			writerErrCh = nil
			s.session.Stop()
		case frame, ok := <-readCh:
			if !ok {
				readCh = nil
				continue
			}
			if frame.err != nil {
				if !websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("live read ended", "err", frame.err)
				}
				readCh = nil
				s.session.Stop()
				continue
			}
			s.handleInbound(frame, limiter)
		}
	}
}

func (s *LiveSession) handleInbound(frame inboundFrame, limiter *inboundAudioLimiter) {
	if frame.messageType == websocket.BinaryMessage {
		s.acceptAudio(frame.data, limiter)
		return
	}
	msg, err := protocol.DecodeClientMessage(frame.data)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			_ = s.sendJSON(protocol.ServerError{Type: "error", Code: de.Code, Message: de.Message, Param: de.Param})
			return
		}
		_ = s.sendJSON(protocol.ServerError{Type: "error", Code: "bad_request", Message: err.Error()})
		return
	}
	switch m := msg.(type) {
	case protocol.ClientHello:
		_ = s.sendJSON(protocol.ServerError{Type: "error", Code: "bad_request", Message: "hello already received", Param: "type"})
	case protocol.ClientAudioInput:
		pcm, err := base64.StdEncoding.DecodeString(m.DataB64)
		if err != nil {
			_ = s.sendJSON(protocol.ServerError{Type: "error", Code: "bad_request", Message: "audio_input.data_b64 is not valid base64", Param: "data_b64"})
			return
		}
		s.acceptAudio(pcm, limiter)
	case protocol.ClientTextInput:
		if !s.session.SendText(m.Text) {
			_ = s.sendWarning("not_ready", "text input was dropped because the session is not active")
		}
	case protocol.ClientScreenshotData:
		s.session.DeliverScreenshot(m)
	case protocol.ClientControl:
		switch m.Op {
		case protocol.ControlStop:
			s.session.Stop()
		case protocol.ControlInterrupt:
			s.renderer.BargeIn()
			_ = s.sendJSONPriority(protocol.ServerBargeIn{Type: "barge_in"})
		case protocol.ControlClearToolCache:
			n := s.session.ClearToolCache(m.Tool)
			s.logger.Info("tool cache cleared", "tool", m.Tool, "removed", n)
		}
	}
}

func (s *LiveSession) acceptAudio(pcm []byte, limiter *inboundAudioLimiter) {
	if len(pcm) == 0 {
		return
	}
	if s.cfg.MaxAudioFrameBytes > 0 && len(pcm) > s.cfg.MaxAudioFrameBytes {
		_ = s.sendJSON(protocol.ServerError{Type: "error", Code: "bad_request", Message: "audio frame too large", Param: "data_b64"})
		return
	}
	if !limiter.Allow(len(pcm)) {
		if s.rateLimitWarned.CompareAndSwap(false, true) {
			_ = s.sendWarning("audio_rate_limited", "inbound audio exceeds the allowed rate; excess frames are dropped")
		}
		return
	}
	s.session.SendAudio(pcm)
}

// Cancel ends the session without waiting.
func (s *LiveSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

func (s *LiveSession) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendWarning(code, message)
}

// Sweep drops expired tool results for this session.
func (s *LiveSession) Sweep(now time.Time) int {
	if s == nil || s.session == nil {
		return 0
	}
	return s.session.Sweep(now)
}

func (s *LiveSession) sendWarning(code, message string) error {
	return s.sendJSON(protocol.ServerWarning{Type: "warning", Code: code, Message: message})
}

func (s *LiveSession) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{textPayload: payload})
}

func (s *LiveSession) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueuePriority(outboundFrame{textPayload: payload})
}

func (s *LiveSession) enqueueNormal(frame outboundFrame) error {
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
		s.droppedOutbound.Add(1)
		return errBackpressure
	}
}

// enqueuePriority drops the oldest queued priority frame when full.
func (s *LiveSession) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// wsSink renders session output as client frames.
type wsSink struct {
	ls *LiveSession
}

func (k *wsSink) Transcript(role, text, stage string) {
	_ = k.ls.sendJSON(protocol.ServerTranscript{Type: "transcript", Role: role, Text: text, Stage: stage})
}

func (k *wsSink) TurnEnd(role string) {
	_ = k.ls.sendJSON(protocol.ServerTurnEnd{Type: "turn_end", Role: role})
}

func (k *wsSink) BargeIn() {
	_ = k.ls.sendJSONPriority(protocol.ServerBargeIn{Type: "barge_in"})
}

func (k *wsSink) ToolUse(toolName, toolUseID, status string) {
	_ = k.ls.sendJSON(protocol.ServerToolUse{Type: "tool_use", ToolName: toolName, ToolUseID: toolUseID, Status: status})
}

func (k *wsSink) Custom(ev protocol.CustomEvent) error {
	return k.ls.sendJSONPriority(ev)
}

func (k *wsSink) Warning(code, message string) {
	_ = k.ls.sendWarning(code, message)
}

func (k *wsSink) Ended(fatal bool, message string) {
	_ = k.ls.sendJSONPriority(protocol.ServerSessionEnded{Type: "session_ended", Fatal: fatal, Message: message})
}

// wsDevice streams rendered blocks to the client as binary PCM16 frames.
// All-silent blocks are not sent.
type wsDevice struct {
	ls *LiveSession
}

func (d *wsDevice) Open(int) error { return nil }

func (d *wsDevice) Write(block []float32) error {
	if playback.IsSilent(block) {
		return nil
	}
	return d.ls.enqueueNormal(outboundFrame{binaryPayload: playback.EncodePCM16(block)})
}

func (d *wsDevice) Close() error { return nil }
