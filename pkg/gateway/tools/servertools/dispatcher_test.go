package servertools

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
)

func waitCompletion(t *testing.T, d *Dispatcher) Completion {
	t.Helper()
	select {
	case c := <-d.Completions():
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	return Completion{}
}

func TestDispatch_UnknownTool(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(NewRegistry(), DispatcherConfig{})
	defer d.Close()

	res := d.Dispatch(context.Background(), "teleport", "{}", "t1", nil)
	if res.Status != protocol.StatusError {
		t.Fatalf("status=%q", res.Status)
	}
	msg, _ := res.Payload["message"].(string)
	if !strings.Contains(msg, "Tool teleport is not implemented or recognized") {
		t.Fatalf("message=%q", msg)
	}
}

func TestDispatch_InvalidJSONInput(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(NewRegistry(&fakeExecutor{name: ToolNumberRace}), DispatcherConfig{})
	defer d.Close()

	res := d.Dispatch(context.Background(), ToolNumberRace, "{not json", "t1", nil)
	if res.Status != protocol.StatusError {
		t.Fatalf("status=%q", res.Status)
	}
	if res.Payload["message"] != "Invalid input format for numberRace tool." {
		t.Fatalf("message=%v", res.Payload["message"])
	}
}

func TestDispatch_SyncSuccessAddsStatus(t *testing.T) {
	t.Parallel()

	ex := &fakeExecutor{name: ToolGetWeather, run: func(ctx context.Context, call Call) (map[string]any, error) {
		return map[string]any{"result": "72F"}, nil
	}}
	d := NewDispatcher(NewRegistry(ex), DispatcherConfig{})
	defer d.Close()

	res := d.Dispatch(context.Background(), "getweather", `{"location":"Austin"}`, "t1", nil)
	if res.Async || res.Launched {
		t.Fatalf("sync dispatch reported async: %+v", res)
	}
	if res.Payload["result"] != "72F" || res.Payload["status"] != protocol.StatusSuccess {
		t.Fatalf("payload=%v", res.Payload)
	}
	content, err := res.Content()
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if content != `{"result":"72F","status":"success"}` {
		t.Fatalf("content=%s", content)
	}
}

func TestDispatch_SyncErrorAndPanicBecomeErrorResults(t *testing.T) {
	t.Parallel()

	failing := &fakeExecutor{name: "fails", run: func(ctx context.Context, call Call) (map[string]any, error) {
		return nil, errors.New("upstream unavailable")
	}}
	panicking := &fakeExecutor{name: "panics", run: func(ctx context.Context, call Call) (map[string]any, error) {
		panic("boom")
	}}
	d := NewDispatcher(NewRegistry(failing, panicking), DispatcherConfig{})
	defer d.Close()

	res := d.Dispatch(context.Background(), "fails", "", "t1", nil)
	if res.Status != protocol.StatusError || res.Payload["message"] != "upstream unavailable" {
		t.Fatalf("fails result=%+v", res)
	}
	res = d.Dispatch(context.Background(), "panics", "", "t2", nil)
	if res.Status != protocol.StatusError {
		t.Fatalf("panics status=%q", res.Status)
	}
}

func TestDispatch_SyncTimeout(t *testing.T) {
	t.Parallel()

	ex := &fakeExecutor{name: ToolNumberRace, run: func(ctx context.Context, call Call) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d := NewDispatcher(NewRegistry(ex), DispatcherConfig{Timeout: 20 * time.Millisecond})
	defer d.Close()

	start := time.Now()
	res := d.Dispatch(context.Background(), ToolNumberRace, `{"number":100}`, "t1", nil)
	if res.Status != protocol.StatusError {
		t.Fatalf("status=%q", res.Status)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout not applied, elapsed=%s", elapsed)
	}
}

func TestDispatch_AsyncCachesResultAndDoesNotRerun(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	release := make(chan struct{})
	ex := &fakeExecutor{name: ToolAgentSearch, async: true, run: func(ctx context.Context, call Call) (map[string]any, error) {
		runs.Add(1)
		<-release
		return map[string]any{"summary": "found it"}, nil
	}}
	d := NewDispatcher(NewRegistry(ex), DispatcherConfig{})
	defer d.Close()

	first := d.Dispatch(context.Background(), ToolAgentSearch, `{"query":"go"}`, "t1", nil)
	if !first.Async || !first.Launched || first.Status != protocol.StatusProcessing {
		t.Fatalf("first=%+v", first)
	}
	if d.InFlight() != 1 {
		t.Fatalf("inflight=%d, want 1", d.InFlight())
	}

	again := d.Dispatch(context.Background(), ToolAgentSearch, `{"query":"go"}`, "t1", nil)
	if again.Launched || again.Status != protocol.StatusProcessing {
		t.Fatalf("duplicate toolUseId launched a task: %+v", again)
	}
	msg, _ := again.Payload["message"].(string)
	if !strings.Contains(msg, "still working") {
		t.Fatalf("still-running message=%q", msg)
	}

	close(release)
	c := waitCompletion(t, d)
	n, ok := d.Complete(c)
	if !ok {
		t.Fatal("Complete returned ok=false")
	}
	if n.Status != protocol.StatusSuccess || n.ToolUseID != "t1" || n.ToolName != ToolAgentSearch {
		t.Fatalf("notification=%+v", n)
	}
	if !strings.Contains(n.Message, "(ID: t1) has completed") {
		t.Fatalf("notification message=%q", n.Message)
	}
	if d.InFlight() != 0 {
		t.Fatalf("inflight=%d after completion", d.InFlight())
	}

	second := d.Dispatch(context.Background(), "AGENTSEARCH", `{"query":"go"}`, "t2", nil)
	if !second.CacheHit || second.Launched {
		t.Fatalf("second=%+v", second)
	}
	if second.Payload["summary"] != "found it" || second.Status != protocol.StatusSuccess {
		t.Fatalf("second payload=%v", second.Payload)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs=%d, want 1", got)
	}

	select {
	case extra := <-d.Completions():
		t.Fatalf("unexpected second completion %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatch_AsyncFailureIsCached(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	ex := &fakeExecutor{name: ToolImageAnalyzer, async: true, run: func(ctx context.Context, call Call) (map[string]any, error) {
		runs.Add(1)
		return nil, errors.New("no screenshot")
	}}
	d := NewDispatcher(NewRegistry(ex), DispatcherConfig{})
	defer d.Close()

	d.Dispatch(context.Background(), ToolImageAnalyzer, "{}", "t1", nil)
	n, _ := d.Complete(waitCompletion(t, d))
	if n.Status != protocol.StatusError {
		t.Fatalf("status=%q", n.Status)
	}
	if !strings.Contains(n.Message, "An error occurred in the background while processing imageAnalyzer (ID: t1): no screenshot") {
		t.Fatalf("message=%q", n.Message)
	}

	res := d.Dispatch(context.Background(), ToolImageAnalyzer, "{}", "t2", nil)
	if !res.CacheHit || res.Status != protocol.StatusError || res.Payload["message"] != "no screenshot" {
		t.Fatalf("res=%+v", res)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs=%d, want 1", runs.Load())
	}
}

func TestDispatch_AsyncTimeoutCompletesWithError(t *testing.T) {
	t.Parallel()

	ex := &fakeExecutor{name: ToolAgentSearch, async: true, run: func(ctx context.Context, call Call) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d := NewDispatcher(NewRegistry(ex), DispatcherConfig{Timeout: 20 * time.Millisecond})
	defer d.Close()

	d.Dispatch(context.Background(), ToolAgentSearch, "{}", "t1", nil)
	c := waitCompletion(t, d)
	if c.Err == nil || !strings.Contains(c.Err.Error(), "timed out") {
		t.Fatalf("err=%v", c.Err)
	}
	d.Complete(c)
	if d.InFlight() != 0 {
		t.Fatalf("inflight=%d", d.InFlight())
	}
}

func TestDispatch_CacheExpiresAndSweeps(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	var runs atomic.Int32
	ex := &fakeExecutor{name: ToolAgentSearch, async: true, run: func(ctx context.Context, call Call) (map[string]any, error) {
		runs.Add(1)
		return map[string]any{"summary": "s"}, nil
	}}
	d := NewDispatcher(NewRegistry(ex), DispatcherConfig{
		CacheTTL: time.Minute,
		Now:      func() time.Time { return now },
	})
	defer d.Close()

	d.Dispatch(context.Background(), ToolAgentSearch, "{}", "t1", nil)
	d.Complete(waitCompletion(t, d))
	if d.CacheLen() != 1 {
		t.Fatalf("cache len=%d", d.CacheLen())
	}
	if removed := d.Sweep(now.Add(30 * time.Second)); removed != 0 {
		t.Fatalf("removed=%d before ttl", removed)
	}
	if removed := d.Sweep(now.Add(2 * time.Minute)); removed != 1 {
		t.Fatalf("removed=%d after ttl", removed)
	}

	res := d.Dispatch(context.Background(), ToolAgentSearch, "{}", "t2", nil)
	if !res.Launched {
		t.Fatalf("expected a fresh task after expiry: %+v", res)
	}
	d.Complete(waitCompletion(t, d))
	if runs.Load() != 2 {
		t.Fatalf("runs=%d, want 2", runs.Load())
	}
}

func TestResultCache_EvictsOldest(t *testing.T) {
	t.Parallel()

	c := newResultCache(0, 2)
	base := time.Unix(0, 0)
	c.put("a", nil, protocol.StatusSuccess, base)
	c.put("b", nil, protocol.StatusSuccess, base.Add(time.Second))
	c.put("c", nil, protocol.StatusSuccess, base.Add(2*time.Second))
	if c.len() != 2 {
		t.Fatalf("len=%d", c.len())
	}
	if _, ok := c.get("a", base); ok {
		t.Fatal("expected oldest entry to be evicted")
	}
}

func TestDispatcher_CloseCancelsInFlight(t *testing.T) {
	t.Parallel()

	cancelled := make(chan struct{})
	ex := &fakeExecutor{name: ToolAgentSearch, async: true, run: func(ctx context.Context, call Call) (map[string]any, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}}
	d := NewDispatcher(NewRegistry(ex), DispatcherConfig{})
	d.Dispatch(context.Background(), ToolAgentSearch, "{}", "t1", nil)

	d.Close()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight task was not cancelled")
	}
	if d.InFlight() != 0 {
		t.Fatalf("inflight=%d", d.InFlight())
	}
	if _, ok := d.Complete(Completion{ToolName: ToolAgentSearch, ToolUseID: "t1"}); ok {
		t.Fatal("Complete after Close should be ignored")
	}
	res := d.Dispatch(context.Background(), ToolAgentSearch, "{}", "t2", nil)
	if res.Status != protocol.StatusError || res.Launched {
		t.Fatalf("dispatch after close=%+v", res)
	}
	d.Close()
}

type validatingExecutor struct {
	fakeExecutor
}

func (v *validatingExecutor) Validate(call Call) error {
	if call.String("query") == "" {
		return errors.New("Please provide a query for agentSearch.")
	}
	return nil
}

func TestDispatch_ValidatorRejectsBeforeLaunch(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	ex := &validatingExecutor{fakeExecutor{name: ToolAgentSearch, async: true, run: func(ctx context.Context, call Call) (map[string]any, error) {
		runs.Add(1)
		return map[string]any{}, nil
	}}}
	d := NewDispatcher(NewRegistry(ex), DispatcherConfig{})
	defer d.Close()

	res := d.Dispatch(context.Background(), ToolAgentSearch, `{"query":""}`, "t1", nil)
	if res.Status != protocol.StatusError || res.Launched {
		t.Fatalf("res=%+v", res)
	}
	if d.InFlight() != 0 || runs.Load() != 0 {
		t.Fatalf("inflight=%d runs=%d", d.InFlight(), runs.Load())
	}
}

func TestDispatcher_CloseDoesNotWaitForStuckTask(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	ex := &fakeExecutor{name: ToolAgentSearch, async: true, run: func(ctx context.Context, call Call) (map[string]any, error) {
		<-release
		return map[string]any{"summary": "late"}, nil
	}}
	d := NewDispatcher(NewRegistry(ex), DispatcherConfig{})
	if res := d.Dispatch(context.Background(), ToolAgentSearch, "{}", "t1", nil); !res.Launched {
		t.Fatalf("res=%+v", res)
	}

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a task that ignores cancellation")
	}
	if d.InFlight() != 0 {
		t.Fatalf("inflight=%d", d.InFlight())
	}
}

func TestDispatcher_ForgetRerunsTool(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	ex := &fakeExecutor{name: ToolAgentSearch, async: true, run: func(ctx context.Context, call Call) (map[string]any, error) {
		runs.Add(1)
		return map[string]any{"summary": "s"}, nil
	}}
	d := NewDispatcher(NewRegistry(ex), DispatcherConfig{})
	defer d.Close()

	d.Dispatch(context.Background(), ToolAgentSearch, "{}", "t1", nil)
	d.Complete(waitCompletion(t, d))
	if res := d.Dispatch(context.Background(), ToolAgentSearch, "{}", "t2", nil); !res.CacheHit {
		t.Fatalf("expected a cache hit: %+v", res)
	}

	if n := d.Forget("AgentSearch"); n != 1 {
		t.Fatalf("Forget removed %d, want 1", n)
	}
	if n := d.Forget(ToolAgentSearch); n != 0 {
		t.Fatalf("second Forget removed %d, want 0", n)
	}
	res := d.Dispatch(context.Background(), ToolAgentSearch, "{}", "t3", nil)
	if !res.Launched {
		t.Fatalf("expected a fresh task after Forget: %+v", res)
	}
	d.Complete(waitCompletion(t, d))
	if runs.Load() != 2 {
		t.Fatalf("runs=%d, want 2", runs.Load())
	}
	if n := d.Forget(""); n != 1 || d.CacheLen() != 0 {
		t.Fatalf("Forget all removed %d, cache len=%d", n, d.CacheLen())
	}
}
