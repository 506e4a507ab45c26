package a2a

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	a2aclient "trpc.group/trpc-go/trpc-a2a-go/client"
	"trpc.group/trpc-go/trpc-a2a-go/protocol"
)

const DefaultURL = "http://localhost:10000"

// Client sends a query to a search agent over A2A and collects its answer.
type Client struct {
	baseURL string
	a2a     *a2aclient.A2AClient
	logger  *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c, err := a2aclient.NewA2AClient(baseURL, a2aclient.WithTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("create a2a client: %w", err)
	}
	return &Client{baseURL: baseURL, a2a: c, logger: logger}, nil
}

func (c *Client) Configured() bool {
	return c != nil && c.a2a != nil
}

func (c *Client) Search(ctx context.Context, query string) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("search agent is not configured")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	msg := protocol.NewMessage(protocol.MessageRoleUser, []protocol.Part{protocol.NewTextPart(query)})
	events, err := c.a2a.StreamMessage(ctx, protocol.SendMessageParams{Message: msg})
	if err != nil {
		return "", fmt.Errorf("search agent at %s: %w", c.baseURL, err)
	}
	text, err := collect(ctx, events, c.logger)
	if err != nil {
		return "", err
	}
	c.logger.Debug("search agent answered", "query_len", len(query), "answer_len", len(text))
	return text, nil
}

var errTaskFailed = errors.New("search agent task failed")

// collect concatenates artifact text until the task completes, fails, or the
// stream closes.
func collect(ctx context.Context, events <-chan protocol.StreamingMessageEvent, logger *slog.Logger) (string, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case event, ok := <-events:
			if !ok {
				return finish(&b)
			}
			switch v := event.Result.(type) {
			case *protocol.TaskArtifactUpdateEvent:
				b.WriteString(textFromParts(v.Artifact.Parts))
				if v.LastChunk != nil && *v.LastChunk {
					return finish(&b)
				}
			case *protocol.TaskStatusUpdateEvent:
				if v.Status.Message != nil && b.Len() == 0 {
					b.WriteString(textFromParts(v.Status.Message.Parts))
				}
				switch v.Status.State {
				case protocol.TaskStateCompleted:
					return finish(&b)
				case protocol.TaskStateFailed:
					if detail := strings.TrimSpace(b.String()); detail != "" {
						return "", fmt.Errorf("%w: %s", errTaskFailed, detail)
					}
					return "", errTaskFailed
				}
			case nil:
			default:
				logger.Debug("unhandled a2a event", "type", fmt.Sprintf("%T", v))
			}
		}
	}
}

func finish(b *strings.Builder) (string, error) {
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("search agent returned no text")
	}
	return text, nil
}

func textFromParts(parts []protocol.Part) string {
	var b strings.Builder
	for _, part := range parts {
		if tp, ok := part.(*protocol.TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}
