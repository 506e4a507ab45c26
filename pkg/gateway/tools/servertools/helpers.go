package servertools

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
)

// SpecFromMCP converts an mcp tool declaration into the model's tool spec,
// serializing the input schema to a JSON string.
func SpecFromMCP(tool mcp.Tool) (protocol.Tool, error) {
	schema, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return protocol.Tool{}, fmt.Errorf("marshal %s input schema: %w", tool.Name, err)
	}
	return protocol.Tool{ToolSpec: protocol.ToolSpec{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: protocol.ToolInputSchema{JSON: string(schema)},
	}}, nil
}

// MustSpec is SpecFromMCP for static declarations.
func MustSpec(tool mcp.Tool) protocol.Tool {
	spec, err := SpecFromMCP(tool)
	if err != nil {
		panic(err)
	}
	return spec
}

func errorPayload(message string) map[string]any {
	return map[string]any{"status": protocol.StatusError, "message": message}
}

func processingPayload(message string) map[string]any {
	return map[string]any{"status": protocol.StatusProcessing, "message": message}
}

func clonePayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func decodeArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// IntArg reads an integer argument, accepting JSON numbers or numeric strings.
func IntArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	return intFromAny(v)
}

func intFromAny(v any) (int, bool) {
	switch value := v.(type) {
	case int:
		return value, true
	case int64:
		return int(value), true
	case float64:
		if value != math.Trunc(value) {
			return 0, false
		}
		return int(value), true
	case json.Number:
		n, err := value.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		return n, err == nil
	default:
		return 0, false
	}
}
