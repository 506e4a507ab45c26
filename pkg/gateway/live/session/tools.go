package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/servertools"
)

var errEmptyScreenshot = errors.New("screenshot data was empty")

// dispatchTool answers a captured tool use. Unknown and async tools resolve
// immediately, so they run on the actor and answer in toolUse order. Sync
// tools run on their own goroutine; the session does not wait for them.
func (s *Session) dispatchTool(ctx context.Context, call protocol.ToolUseEvent) {
	s.logger.Info("tool use", "tool", call.ToolName, "tool_use_id", call.ToolUseID)
	if ex, ok := s.dispatcher.Registry().Lookup(call.ToolName); !ok || ex.Async() {
		s.sendToolResult(ctx, s.dispatcher.Dispatch(ctx, call.ToolName, call.Content, call.ToolUseID, s))
		return
	}
	go func() {
		res := s.dispatcher.Dispatch(ctx, call.ToolName, call.Content, call.ToolUseID, s)
		select {
		case s.toolResults <- res:
		case <-s.done:
		case <-ctx.Done():
		}
	}()
}

// sendToolResult answers a tool use with contentStart(TOOL), toolResult and
// contentEnd under a fresh content id.
func (s *Session) sendToolResult(ctx context.Context, res servertools.Result) {
	if s.promptName == "" || s.transportDown {
		return
	}
	content, err := res.Content()
	if err != nil {
		s.logger.Error("encode tool result", "tool", res.ToolName, "tool_use_id", res.ToolUseID, "err", err)
		content = fmt.Sprintf(`{"status":%q,"message":%q}`, protocol.StatusError, "The tool result could not be encoded.")
	}
	contentName := s.newID()
	for _, ev := range []protocol.InputEvent{
		protocol.NewToolContentStart(s.promptName, contentName, res.ToolUseID),
		protocol.NewToolResult(s.promptName, contentName, content, res.Status),
		protocol.NewContentEnd(s.promptName, contentName),
	} {
		if err := s.send(ctx, ev); err != nil {
			s.noteSendError(ev.Kind(), err)
			return
		}
	}
	s.logger.Info("tool result sent", "tool", res.ToolName, "tool_use_id", res.ToolUseID, "status", res.Status, "cache_hit", res.CacheHit)
	s.sink.ToolUse(res.ToolName, res.ToolUseID, res.Status)
}

// RequestScreenshot asks the client for a capture of its current page and
// waits for DeliverScreenshot with the same analysis id.
func (s *Session) RequestScreenshot(ctx context.Context, analysisID string) (string, error) {
	analysisID = strings.TrimSpace(analysisID)
	if analysisID == "" {
		return "", errors.New("analysis id is required")
	}
	ch := make(chan protocol.ClientScreenshotData, 1)
	s.shotMu.Lock()
	s.shots[analysisID] = ch
	s.shotMu.Unlock()
	defer func() {
		s.shotMu.Lock()
		delete(s.shots, analysisID)
		s.shotMu.Unlock()
	}()

	if err := s.sink.Custom(protocol.NewScreenshotRequestEvent(analysisID)); err != nil {
		return "", fmt.Errorf("request screenshot: %w", err)
	}
	select {
	case data := <-ch:
		if msg := strings.TrimSpace(data.Error); msg != "" {
			return "", errors.New(msg)
		}
		if strings.TrimSpace(data.ImageDataURL) == "" {
			return "", errEmptyScreenshot
		}
		return data.ImageDataURL, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		return "", errSessionClosed
	}
}

// DeliverScreenshot hands a client capture to the waiting request. It
// reports false when no request with that id is pending.
func (s *Session) DeliverScreenshot(data protocol.ClientScreenshotData) bool {
	s.shotMu.Lock()
	ch, ok := s.shots[strings.TrimSpace(data.ImageAnalysisID)]
	s.shotMu.Unlock()
	if !ok {
		s.logger.Warn("screenshot for unknown analysis", "analysis_id", data.ImageAnalysisID)
		return false
	}
	select {
	case ch <- data:
	default:
	}
	return true
}
