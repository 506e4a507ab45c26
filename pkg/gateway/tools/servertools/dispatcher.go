package servertools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
)

const (
	DefaultToolTimeout     = 60 * time.Second
	DefaultCacheTTL        = 30 * time.Minute
	DefaultCacheMaxEntries = 64

	completionQueueSize = 16
)

type DispatcherConfig struct {
	Timeout         time.Duration
	CacheTTL        time.Duration
	CacheMaxEntries int
	Now             func() time.Time
	Logger          *slog.Logger
}

// Result is the immediate outcome of a dispatch.
type Result struct {
	ToolName  string
	ToolUseID string
	Payload   map[string]any
	Status    string
	Async     bool
	Launched  bool
	CacheHit  bool
}

// Content is the JSON document sent back to the model as the tool result.
func (r Result) Content() (string, error) {
	body, err := json.Marshal(r.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s result: %w", r.ToolName, err)
	}
	return string(body), nil
}

// Completion reports the end of a background task. It carries no session
// state; the session applies it with Complete.
type Completion struct {
	ToolName  string
	ToolUseID string
	Payload   map[string]any
	Err       error
	Elapsed   time.Duration
}

type inflightTask struct {
	toolName  string
	startedAt time.Time
	cancel    context.CancelFunc
}

// Dispatcher routes tool calls for one session.
type Dispatcher struct {
	registry *Registry
	cfg      DispatcherConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cache    *resultCache
	inflight map[string]inflightTask
	closed   bool

	completions chan Completion
}

func NewDispatcher(registry *Registry, cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultToolTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry:    registry,
		cfg:         cfg,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		cache:       newResultCache(cfg.CacheTTL, cfg.CacheMaxEntries),
		inflight:    make(map[string]inflightTask),
		completions: make(chan Completion, completionQueueSize),
	}
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Completions delivers background task results. It is never closed.
func (d *Dispatcher) Completions() <-chan Completion {
	return d.completions
}

func (d *Dispatcher) Dispatch(ctx context.Context, name, rawInput, toolUseID string, bridge Bridge) Result {
	res := Result{ToolName: name, ToolUseID: toolUseID}
	ex, ok := d.registry.Lookup(name)
	if !ok {
		res.Status = protocol.StatusError
		res.Payload = errorPayload(fmt.Sprintf("Tool %s is not implemented or recognized. Please check the tool name and try again.", name))
		return res
	}
	res.ToolName = ex.Name()
	args, err := decodeArgs(rawInput)
	if err != nil {
		res.Status = protocol.StatusError
		res.Payload = errorPayload(fmt.Sprintf("Invalid input format for %s tool.", ex.Name()))
		return res
	}
	call := Call{
		ToolName:     ex.Name(),
		ToolUseID:    toolUseID,
		Raw:          rawInput,
		Args:         args,
		Bridge:       bridge,
		DispatchedAt: d.cfg.Now(),
	}
	if v, ok := ex.(Validator); ok {
		if err := v.Validate(call); err != nil {
			res.Status = protocol.StatusError
			res.Payload = errorPayload(err.Error())
			return res
		}
	}
	if ex.Async() {
		return d.dispatchAsync(ex, call, res)
	}

	payload, err := d.runSync(ctx, ex, call)
	if err != nil {
		res.Status = protocol.StatusError
		res.Payload = errorPayload(err.Error())
		return res
	}
	res.Status = protocol.StatusSuccess
	res.Payload = withStatus(payload, protocol.StatusSuccess)
	return res
}

func (d *Dispatcher) runSync(ctx context.Context, ex Executor, call Call) (map[string]any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	return d.execute(ctx, ex, call)
}

func (d *Dispatcher) dispatchAsync(ex Executor, call Call, res Result) Result {
	res.Async = true
	key := cacheKey(ex.Name())

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		res.Status = protocol.StatusError
		res.Payload = errorPayload(fmt.Sprintf("The %s tool is unavailable because the session is ending.", ex.Name()))
		return res
	}
	if cached, ok := d.cache.get(key, d.cfg.Now()); ok {
		res.CacheHit = true
		res.Status = cached.Status
		res.Payload = clonePayload(cached.Payload)
		return res
	}
	if _, running := d.inflight[call.ToolUseID]; running {
		res.Status = protocol.StatusProcessing
		res.Payload = processingPayload(stillRunningMessage(ex, call))
		return res
	}

	taskCtx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
	d.inflight[call.ToolUseID] = inflightTask{toolName: ex.Name(), startedAt: call.DispatchedAt, cancel: cancel}
	go d.runBackground(taskCtx, cancel, ex, call)

	d.logger.Info("tool task started", "tool", ex.Name(), "tool_use_id", call.ToolUseID)
	res.Launched = true
	res.Status = protocol.StatusProcessing
	res.Payload = processingPayload(placeholderMessage(ex, call))
	return res
}

func (d *Dispatcher) runBackground(ctx context.Context, cancel context.CancelFunc, ex Executor, call Call) {
	defer cancel()

	payload, err := d.execute(ctx, ex, call)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%s timed out after %s", ex.Name(), d.cfg.Timeout)
	}
	c := Completion{
		ToolName:  ex.Name(),
		ToolUseID: call.ToolUseID,
		Payload:   payload,
		Err:       err,
		Elapsed:   d.cfg.Now().Sub(call.DispatchedAt),
	}
	select {
	case d.completions <- c:
	case <-d.ctx.Done():
		d.logger.Debug("tool completion discarded", "tool", ex.Name(), "tool_use_id", call.ToolUseID)
	}
}

func (d *Dispatcher) execute(ctx context.Context, ex Executor, call Call) (payload map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panic", "tool", ex.Name(), "tool_use_id", call.ToolUseID, "panic", r, "stack", string(debug.Stack()))
			payload = nil
			err = fmt.Errorf("%s failed unexpectedly", ex.Name())
		}
	}()
	return ex.Execute(ctx, call)
}

// Complete applies a background completion: the payload is cached under the
// tool name, the in-flight record is removed, and the notification for the
// client is returned. ok is false once the dispatcher is closed.
func (d *Dispatcher) Complete(c Completion) (protocol.ToolCompletionNotification, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return protocol.ToolCompletionNotification{}, false
	}
	delete(d.inflight, c.ToolUseID)

	n := protocol.ToolCompletionNotification{ToolName: c.ToolName, ToolUseID: c.ToolUseID}
	now := d.cfg.Now()
	if c.Err != nil {
		n.Status = protocol.StatusError
		n.Message = fmt.Sprintf("An error occurred in the background while processing %s (ID: %s): %s", c.ToolName, c.ToolUseID, c.Err)
		d.cache.put(cacheKey(c.ToolName), errorPayload(c.Err.Error()), protocol.StatusError, now)
		d.logger.Warn("tool task failed", "tool", c.ToolName, "tool_use_id", c.ToolUseID, "err", c.Err)
		return n, true
	}
	n.Status = protocol.StatusSuccess
	n.Message = fmt.Sprintf("The %s operation (ID: %s) has completed. You can now ask for the results.", c.ToolName, c.ToolUseID)
	d.cache.put(cacheKey(c.ToolName), withStatus(c.Payload, protocol.StatusSuccess), protocol.StatusSuccess, now)
	d.logger.Info("tool task completed", "tool", c.ToolName, "tool_use_id", c.ToolUseID, "elapsed_ms", c.Elapsed.Milliseconds())
	return n, true
}

// Sweep drops expired cache entries and returns how many were removed.
func (d *Dispatcher) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.sweep(now)
}

// Forget drops the cached result for a tool so the next call runs it again.
// An empty name clears every cached result. It returns how many were removed.
func (d *Dispatcher) Forget(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		return d.cache.clear()
	}
	if d.cache.delete(cacheKey(name)) {
		return 1
	}
	return 0
}

func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

func (d *Dispatcher) CacheLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.len()
}

// Close cancels in-flight tasks without waiting for them. A task that
// returns later has its completion discarded.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for id, task := range d.inflight {
		task.cancel()
		delete(d.inflight, id)
	}
	d.mu.Unlock()

	d.cancel()
}

func withStatus(payload map[string]any, status string) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	if _, ok := out["status"]; !ok {
		out["status"] = status
	}
	return out
}

func placeholderMessage(ex Executor, call Call) string {
	if p, ok := ex.(Placeholderer); ok {
		if msg := p.Placeholder(call); msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("Okay, I'm starting the %s. This might take a moment. I'll notify you in the chat when it's complete.", ex.Name())
}

func stillRunningMessage(ex Executor, call Call) string {
	if p, ok := ex.(Placeholderer); ok {
		if msg := p.StillRunning(call); msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("I am still working on the %s. I will notify you when it's done.", ex.Name())
}
