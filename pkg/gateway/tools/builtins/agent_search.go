package builtins

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/servertools"
)

var agentSearchSpec = servertools.MustSpec(mcp.NewTool(servertools.ToolAgentSearch,
	mcp.WithDescription("Performs a search using an intelligent agent for a given query. This process typically takes time. "+
		"The tool starts the search and returns a wait-for-result message. The user will ask for the results "+
		"after they have been informed by an out-of-band notification."),
	mcp.WithString("query",
		mcp.Required(),
		mcp.Description("The search query, topic, or question for the agent."),
	),
))

// AgentSearch forwards a query to a remote search agent in the background.
type AgentSearch struct {
	client SearchClient
}

func NewAgentSearch(client SearchClient) *AgentSearch {
	return &AgentSearch{client: client}
}

func (a *AgentSearch) Name() string        { return servertools.ToolAgentSearch }
func (a *AgentSearch) Async() bool         { return true }
func (a *AgentSearch) Spec() protocol.Tool { return agentSearchSpec }

func (a *AgentSearch) Validate(call servertools.Call) error {
	if call.String("query") == "" {
		return fmt.Errorf("Please provide a query for %s.", call.ToolName)
	}
	return nil
}

func (a *AgentSearch) Placeholder(call servertools.Call) string {
	return fmt.Sprintf("Okay, I'm starting the %s for '%s'. This may take a moment. I'll notify you in the chat when it's complete.", call.ToolName, call.String("query"))
}

func (a *AgentSearch) StillRunning(call servertools.Call) string {
	return fmt.Sprintf("I am still working on the %s for '%s'. I will notify you.", call.ToolName, call.String("query"))
}

func (a *AgentSearch) Execute(ctx context.Context, call servertools.Call) (map[string]any, error) {
	query := call.String("query")
	details, err := a.client.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("An error occurred during the agent search: %v", err)
	}
	return map[string]any{
		"summary":       fmt.Sprintf("Agent search completed for: '%s'.", query),
		"details":       details,
		"originalQuery": query,
		"searchId":      call.ToolUseID,
	}, nil
}
