package servertools

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
)

const (
	ToolGetWeather    = "getWeather"
	ToolNumberRace    = "numberRace"
	ToolAgentSearch   = "agentSearch"
	ToolImageAnalyzer = "imageAnalyzer"
)

// Executor is one tool the model may call.
type Executor interface {
	Name() string
	Spec() protocol.Tool
	// Async tools return a placeholder immediately and finish in the background.
	Async() bool
	Execute(ctx context.Context, call Call) (map[string]any, error)
}

// Placeholderer lets an async tool word its own interim replies.
type Placeholderer interface {
	Placeholder(call Call) string
	StillRunning(call Call) string
}

// Validator rejects a malformed call before any work starts.
type Validator interface {
	Validate(call Call) error
}

// Bridge is the session-side channel a tool can use to reach the client.
type Bridge interface {
	RequestScreenshot(ctx context.Context, analysisID string) (string, error)
}

// Call is one pending tool invocation.
type Call struct {
	ToolName     string
	ToolUseID    string
	Raw          string
	Args         map[string]any
	Bridge       Bridge
	DispatchedAt time.Time
}

// Request exposes the arguments through the mcp accessor helpers.
func (c Call) Request() mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = c.ToolName
	req.Params.Arguments = c.Args
	return req
}

func (c Call) String(key string) string {
	req := c.Request()
	return strings.TrimSpace(req.GetString(key, ""))
}

type Registry struct {
	byName map[string]Executor
}

func NewRegistry(executors ...Executor) *Registry {
	registry := &Registry{byName: make(map[string]Executor, len(executors))}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		registry.byName[cacheKey(ex.Name())] = ex
	}
	return registry
}

// Lookup finds an executor by case-insensitive name.
func (r *Registry) Lookup(name string) (Executor, bool) {
	if r == nil {
		return nil, false
	}
	ex, ok := r.byName[cacheKey(name)]
	return ex, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for _, ex := range r.byName {
		names = append(names, ex.Name())
	}
	sort.Strings(names)
	return names
}

// Specs returns the tool configuration advertised in promptStart.
func (r *Registry) Specs() []protocol.Tool {
	if r == nil {
		return nil
	}
	out := make([]protocol.Tool, 0, len(r.byName))
	for _, name := range r.Names() {
		ex, _ := r.Lookup(name)
		out = append(out, ex.Spec())
	}
	return out
}

func cacheKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
