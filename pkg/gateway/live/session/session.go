package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/servertools"
	"github.com/vango-go/vai-sonic/pkg/gateway/upstream"
)

const (
	DefaultVoice        = "matthew"
	DefaultSystemPrompt = "You are a friend. The user and you will engage in a spoken dialog exchanging the transcripts of a natural real-time conversation. Keep your responses short, generally two or three sentences for chatty scenarios."

	defaultAudioQueueSize = 64
	defaultTextQueueSize  = 8
	defaultSendTimeout    = 5 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	errSessionClosed  = errors.New("session closed")
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Renderer plays model audio. playback.Renderer satisfies it.
type Renderer interface {
	Start(ctx context.Context) error
	Enqueue(pcm []byte)
	BargeIn()
	Stop() error
	Initialized() bool
}

// Sink receives everything the session surfaces to the user. Custom may be
// called from tool goroutines and must be safe for concurrent use.
type Sink interface {
	Transcript(role, text, stage string)
	TurnEnd(role string)
	BargeIn()
	ToolUse(toolName, toolUseID, status string)
	Custom(ev protocol.CustomEvent) error
	Warning(code, message string)
	Ended(fatal bool, message string)
}

type Config struct {
	Voice              string
	SystemPrompt       string
	OutputSampleRateHz int
	Inference          protocol.InferenceConfiguration
	AudioQueueSize     int
	SendTimeout        time.Duration
}

type Dependencies struct {
	SessionID  string
	Dialer     upstream.Dialer
	Renderer   Renderer
	Sink       Sink
	Tools      *servertools.Registry
	ToolConfig servertools.DispatcherConfig
	Config     Config
	Logger     *slog.Logger
	NewID      func() string
}

// Session drives one Nova Sonic conversation. A single actor goroutine,
// started by Run, owns the prompt and content ids, tool capture, and every
// write to the transport.
type Session struct {
	id         string
	dialer     upstream.Dialer
	renderer   Renderer
	sink       Sink
	dispatcher *servertools.Dispatcher
	cfg        Config
	logger     *slog.Logger
	newID      func() string

	state        atomic.Int32
	droppedAudio atomic.Int64

	audioCh chan []byte
	textCh  chan string

	stopOnce     sync.Once
	stopCh       chan struct{}
	teardownOnce sync.Once
	done         chan struct{}

	shotMu sync.Mutex
	shots  map[string]chan protocol.ClientScreenshotData

	// Owned by the actor goroutine.
	transport     upstream.Transport
	transportDown bool
	promptName    string
	audioContent  string
	completionID  string
	textRole      string
	textStage     string
	outputFormat  *protocol.AudioOutputConfiguration
	pendingTool   *protocol.ToolUseEvent
	toolResults   chan servertools.Result
}

func New(deps Dependencies) (*Session, error) {
	if deps.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if deps.Tools == nil {
		deps.Tools = servertools.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		deps.SessionID = "s_" + deps.NewID()
	}
	cfg := deps.Config
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = DefaultVoice
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.OutputSampleRateHz == 0 {
		cfg.OutputSampleRateHz = 24000
	}
	if !protocol.SupportedOutputRate(cfg.OutputSampleRateHz) {
		return nil, fmt.Errorf("unsupported output sample rate %d", cfg.OutputSampleRateHz)
	}
	if cfg.Inference.MaxTokens <= 0 {
		cfg.Inference.MaxTokens = 1024
	}
	if cfg.Inference.TopP <= 0 {
		cfg.Inference.TopP = 0.9
	}
	if cfg.Inference.Temperature <= 0 {
		cfg.Inference.Temperature = 0.7
	}
	if cfg.AudioQueueSize <= 0 {
		cfg.AudioQueueSize = defaultAudioQueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	logger := deps.Logger.With("session_id", deps.SessionID)
	toolCfg := deps.ToolConfig
	if toolCfg.Logger == nil {
		toolCfg.Logger = logger
	}

	return &Session{
		id:          deps.SessionID,
		dialer:      deps.Dialer,
		renderer:    deps.Renderer,
		sink:        deps.Sink,
		dispatcher:  servertools.NewDispatcher(deps.Tools, toolCfg),
		cfg:         cfg,
		logger:      logger,
		newID:       deps.NewID,
		audioCh:     make(chan []byte, cfg.AudioQueueSize),
		textCh:      make(chan string, defaultTextQueueSize),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		shots:       make(map[string]chan protocol.ClientScreenshotData),
		toolResults: make(chan servertools.Result, 4),
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// DroppedAudio counts input chunks discarded because the session was not
// ready or the queue was full.
func (s *Session) DroppedAudio() int64 { return s.droppedAudio.Load() }

// ToolNames lists the tools advertised in promptStart.
func (s *Session) ToolNames() []string { return s.dispatcher.Registry().Names() }

// OutputSampleRateHz is the rate requested from the model.
func (s *Session) OutputSampleRateHz() int { return s.cfg.OutputSampleRateHz }

func (s *Session) Voice() string { return s.cfg.Voice }

type recvItem struct {
	ev  protocol.ServerEvent
	err error
}

// Run connects, performs the startup sequence, and processes events until
// the session ends. It returns nil on a normal end.
func (s *Session) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	dialDone := make(chan struct{})
	go func() {
		select {
		case <-s.stopCh:
			if s.State() == StateConnecting {
				cancel()
			}
		case <-dialDone:
		}
	}()
	transport, err := s.dialer.Dial(runCtx)
	close(dialDone)
	if err != nil {
		select {
		case <-s.stopCh:
			s.teardown(false, "")
			return nil
		default:
		}
		var se *upstream.StreamError
		if errors.As(err, &se) && se.Fatal {
			s.teardown(true, se.Message)
		} else {
			s.teardown(false, "Could not connect to the speech model.")
		}
		return fmt.Errorf("dial upstream: %w", err)
	}
	s.transport = transport

	select {
	case <-s.stopCh:
		s.teardown(false, "")
		return nil
	default:
	}

	if err := s.startup(runCtx); err != nil {
		s.transportDown = true
		s.teardown(false, "Could not start the conversation.")
		return fmt.Errorf("session startup: %w", err)
	}
	s.setState(StateActive)
	s.logger.Info("live session active", "prompt", s.promptName, "voice", s.cfg.Voice, "tools", len(s.ToolNames()))

	recvCh := make(chan recvItem, 16)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.receiveLoop(runCtx, recvCh)
	}()

	return s.loop(runCtx, recvCh)
}

func (s *Session) startup(ctx context.Context) error {
	s.promptName = s.newID()
	audioOut := protocol.AudioOutputConfiguration{
		MediaType:       protocol.MediaTypeLPCM,
		SampleRateHertz: s.cfg.OutputSampleRateHz,
		SampleSizeBits:  protocol.SampleSizeBits,
		ChannelCount:    1,
		VoiceID:         s.cfg.Voice,
		Encoding:        protocol.EncodingBase64,
		AudioType:       protocol.AudioTypeSpeech,
	}
	systemContent := s.newID()
	audioContent := s.newID()
	events := []protocol.InputEvent{
		protocol.NewSessionStart(s.cfg.Inference),
		protocol.NewPromptStart(s.promptName, audioOut, s.dispatcher.Registry().Specs()),
		protocol.NewTextContentStart(s.promptName, systemContent, protocol.RoleSystem),
		protocol.NewTextInput(s.promptName, systemContent, s.cfg.SystemPrompt),
		protocol.NewContentEnd(s.promptName, systemContent),
		protocol.NewAudioContentStart(s.promptName, audioContent),
	}
	for _, ev := range events {
		if err := s.send(ctx, ev); err != nil {
			return fmt.Errorf("send %s: %w", ev.Kind(), err)
		}
	}
	s.audioContent = audioContent
	return nil
}

func (s *Session) receiveLoop(ctx context.Context, out chan<- recvItem) {
	for {
		data, err := s.transport.Receive(ctx)
		if err != nil {
			select {
			case out <- recvItem{err: err}:
			case <-s.done:
			case <-ctx.Done():
			}
			return
		}
		ev, err := protocol.DecodeServerEvent(data)
		if err != nil {
			s.logger.Warn("dropping malformed model event", "err", err, "bytes", len(data))
			continue
		}
		select {
		case out <- recvItem{ev: ev}:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) loop(ctx context.Context, recvCh <-chan recvItem) error {
	completions := s.dispatcher.Completions()
	for {
		select {
		case <-ctx.Done():
			s.teardown(false, "")
			return nil
		case <-s.stopCh:
			s.teardown(false, "")
			return nil
		case pcm := <-s.audioCh:
			s.forwardAudio(ctx, pcm)
		case text := <-s.textCh:
			s.forwardText(ctx, text)
		case item := <-recvCh:
			if item.err != nil {
				return s.handleReceiveError(item.err)
			}
			if stop := s.handleEvent(ctx, item.ev); stop {
				return nil
			}
		case res := <-s.toolResults:
			s.sendToolResult(ctx, res)
		case c := <-completions:
			n, ok := s.dispatcher.Complete(c)
			if !ok {
				continue
			}
			s.logger.Info("tool completed", "tool", n.ToolName, "tool_use_id", n.ToolUseID, "status", n.Status)
			if err := s.sink.Custom(protocol.NewToolCompletionEvent(n)); err != nil {
				s.logger.Warn("tool completion notification failed", "tool", n.ToolName, "err", err)
			}
		}
		if s.transportDown {
			s.teardown(false, "Connection to the speech model was lost.")
			return nil
		}
	}
}

func (s *Session) handleReceiveError(err error) error {
	var se *upstream.StreamError
	switch {
	case errors.Is(err, context.Canceled):
		s.teardown(false, "")
		return nil
	case errors.As(err, &se) && se.Fatal:
		s.transportDown = true
		s.logger.Error("model stream failed", "code", se.Code, "err", se.Message)
		s.teardown(true, se.Message)
		return err
	case errors.Is(err, upstream.ErrClosed):
		s.transportDown = true
		s.teardown(false, "")
		return nil
	default:
		s.transportDown = true
		s.logger.Warn("model stream ended", "err", err)
		s.teardown(false, "Connection to the speech model was lost.")
		return nil
	}
}

// handleEvent applies one model event. It reports true once the session has
// been torn down.
func (s *Session) handleEvent(ctx context.Context, ev protocol.ServerEvent) bool {
	switch ev := ev.(type) {
	case protocol.CompletionStartEvent:
		s.completionID = ev.CompletionID
		s.logger.Debug("completion started", "completion_id", ev.CompletionID)
	case protocol.ContentStartEvent:
		s.onContentStart(ctx, ev)
	case protocol.TextOutputEvent:
		if ev.Interrupted() {
			s.bargeIn()
			return false
		}
		role := ev.Role
		if role == "" {
			role = s.textRole
		}
		s.sink.Transcript(role, ev.Content, s.textStage)
	case protocol.AudioOutputEvent:
		if s.outputFormat == nil || s.renderer == nil || !s.renderer.Initialized() {
			return false
		}
		s.renderer.Enqueue(ev.PCM)
	case protocol.ToolUseEvent:
		captured := ev
		s.pendingTool = &captured
		s.sink.ToolUse(ev.ToolName, ev.ToolUseID, "requested")
	case protocol.ContentEndEvent:
		s.onContentEnd(ctx, ev)
	case protocol.CompletionEndEvent:
		s.logger.Debug("completion ended", "completion_id", ev.CompletionID, "stop_reason", ev.StopReason)
	case protocol.UsageEvent:
		s.logger.Debug("usage", "input_tokens", ev.TotalInputTokens, "output_tokens", ev.TotalOutputTokens, "total_tokens", ev.TotalTokens)
	case protocol.ErrorEvent:
		if ev.Fatal {
			s.logger.Error("model reported fatal error", "type", ev.Type, "err", ev.Message)
			s.teardown(true, ev.Message)
			return true
		}
		s.logger.Warn("model reported error", "type", ev.Type, "err", ev.Message)
		s.sink.Warning("model_error", ev.Message)
	case protocol.UnknownEvent:
		s.logger.Debug("ignoring unknown model event", "key", ev.Key)
	}
	return false
}

func (s *Session) onContentStart(ctx context.Context, ev protocol.ContentStartEvent) {
	switch ev.Type {
	case protocol.ContentTypeAudio:
		if ev.AudioOutputConfiguration == nil {
			return
		}
		format := *ev.AudioOutputConfiguration
		if format.SampleRateHertz != s.cfg.OutputSampleRateHz {
			s.logger.Warn("model audio rate differs from renderer", "model_hz", format.SampleRateHertz, "renderer_hz", s.cfg.OutputSampleRateHz)
		}
		s.outputFormat = &format
		if s.renderer != nil && !s.renderer.Initialized() {
			if err := s.renderer.Start(ctx); err != nil {
				s.logger.Error("audio renderer failed to start", "err", err)
			}
		}
	case protocol.ContentTypeText:
		s.textRole = ev.Role
		s.textStage = ev.GenerationStage()
	}
}

func (s *Session) onContentEnd(ctx context.Context, ev protocol.ContentEndEvent) {
	if ev.StopReason == protocol.StopReasonInterrupted {
		s.bargeIn()
	}
	switch ev.Type {
	case protocol.ContentTypeTool:
		if s.pendingTool == nil {
			s.logger.Warn("tool content ended without a tool use")
			return
		}
		call := *s.pendingTool
		s.pendingTool = nil
		s.dispatchTool(ctx, call)
	case protocol.ContentTypeText:
		if ev.StopReason == protocol.StopReasonEndTurn {
			s.sink.TurnEnd(s.textRole)
		}
	}
}

func (s *Session) bargeIn() {
	if s.renderer != nil {
		s.renderer.BargeIn()
	}
	s.sink.BargeIn()
}

func (s *Session) forwardAudio(ctx context.Context, pcm []byte) {
	if s.audioContent == "" || s.transportDown {
		s.droppedAudio.Add(1)
		return
	}
	if err := s.send(ctx, protocol.NewAudioInput(s.promptName, s.audioContent, pcm)); err != nil {
		s.droppedAudio.Add(1)
		s.noteSendError("audioInput", err)
	}
}

func (s *Session) forwardText(ctx context.Context, text string) {
	if s.promptName == "" || s.transportDown {
		return
	}
	contentName := s.newID()
	for _, ev := range []protocol.InputEvent{
		protocol.NewTextContentStart(s.promptName, contentName, protocol.RoleUser),
		protocol.NewTextInput(s.promptName, contentName, text),
		protocol.NewContentEnd(s.promptName, contentName),
	} {
		if err := s.send(ctx, ev); err != nil {
			s.noteSendError(ev.Kind(), err)
			return
		}
	}
}

func (s *Session) send(ctx context.Context, ev protocol.InputEvent) error {
	payload, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return s.transport.Send(sendCtx, payload)
}

func (s *Session) noteSendError(kind string, err error) {
	s.logger.Warn("send to model failed", "event", kind, "err", err)
	s.transportDown = true
}

// SendAudio queues one PCM16 16 kHz mono chunk. It never blocks; chunks are
// dropped while the session is not active or the queue is full.
func (s *Session) SendAudio(pcm []byte) bool {
	if len(pcm) == 0 {
		return false
	}
	if s.State() != StateActive {
		s.droppedAudio.Add(1)
		return false
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	select {
	case s.audioCh <- buf:
		return true
	default:
		s.droppedAudio.Add(1)
		return false
	}
}

// SendText adds a typed user turn alongside the audio stream.
func (s *Session) SendText(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || s.State() != StateActive {
		return false
	}
	select {
	case s.textCh <- text:
		return true
	default:
		return false
	}
}

// Stop ends the session normally. It is safe to call from any goroutine and
// more than once.
func (s *Session) Stop() {
	if s.state.CompareAndSwap(int32(StateIdle), int32(StateClosing)) {
		s.stopOnce.Do(func() { close(s.stopCh) })
		s.teardown(false, "")
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Close stops the session and waits for teardown.
func (s *Session) Close() error {
	s.Stop()
	<-s.done
	return nil
}

// ClearToolCache forgets cached async results for toolName, or for every
// tool when toolName is empty, so the next invocation runs again.
func (s *Session) ClearToolCache(toolName string) int {
	return s.dispatcher.Forget(toolName)
}

// Sweep drops expired tool results.
func (s *Session) Sweep(now time.Time) int {
	return s.dispatcher.Sweep(now)
}

// teardown runs exactly once. Each step runs even when an earlier one fails.
func (s *Session) teardown(fatal bool, message string) {
	s.teardownOnce.Do(func() {
		s.setState(StateClosing)
		if s.transport != nil {
			if !s.transportDown {
				ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
				var closing []protocol.InputEvent
				if s.audioContent != "" {
					closing = append(closing, protocol.NewContentEnd(s.promptName, s.audioContent))
				}
				if s.promptName != "" {
					closing = append(closing, protocol.NewPromptEnd(s.promptName))
				}
				closing = append(closing, protocol.NewSessionEnd())
				for _, ev := range closing {
					if err := s.send(ctx, ev); err != nil {
						s.logger.Debug("teardown send failed", "event", ev.Kind(), "err", err)
						if errors.Is(err, upstream.ErrClosed) {
							break
						}
					}
				}
				cancel()
			}
			if err := s.transport.Close(); err != nil {
				s.logger.Debug("transport close failed", "err", err)
			}
		}
		s.audioContent = ""
		s.promptName = ""
		if s.renderer != nil {
			if err := s.renderer.Stop(); err != nil {
				s.logger.Debug("renderer stop failed", "err", err)
			}
		}
		s.dispatcher.Close()

		if fatal {
			s.setState(StateFaulted)
		} else {
			s.setState(StateClosed)
		}
		close(s.done)
		s.logger.Info("live session ended", "fatal", fatal, "dropped_audio", s.droppedAudio.Load())
		s.sink.Ended(fatal, message)
	})
}
