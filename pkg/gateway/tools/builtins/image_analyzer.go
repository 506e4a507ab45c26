package builtins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/adapters/vision"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/safety"
	"github.com/vango-go/vai-sonic/pkg/gateway/tools/servertools"
)

var imageAnalyzerSpec = servertools.MustSpec(mcp.NewTool(servertools.ToolImageAnalyzer,
	mcp.WithDescription("Captures an image of the current web page and provides an AI-generated description. "+
		"The user is notified when the analysis is complete."),
	mcp.WithString("context",
		mcp.Description("Optional: context or a specific question about the image to guide the analysis "+
			"(e.g., 'focus on the colors' or 'what is the main subject?')."),
	),
))

// ImageAnalyzer asks the client for a screenshot and describes it.
type ImageAnalyzer struct {
	describer         vision.Describer
	screenshotTimeout time.Duration
	newID             func() string
}

func NewImageAnalyzer(describer vision.Describer, screenshotTimeout time.Duration, newID func() string) *ImageAnalyzer {
	return &ImageAnalyzer{describer: describer, screenshotTimeout: screenshotTimeout, newID: newID}
}

func (a *ImageAnalyzer) Name() string        { return servertools.ToolImageAnalyzer }
func (a *ImageAnalyzer) Async() bool         { return true }
func (a *ImageAnalyzer) Spec() protocol.Tool { return imageAnalyzerSpec }

func (a *ImageAnalyzer) Placeholder(call servertools.Call) string {
	focus := call.String("context")
	if focus == "" {
		return "Okay, I'll capture and analyze the image of your current page. I'll notify you when the description is ready."
	}
	return fmt.Sprintf("Okay, I'll capture and analyze the image of your current page regarding '%s'. I'll notify you when the description is ready.", focus)
}

func (a *ImageAnalyzer) StillRunning(call servertools.Call) string {
	return "I am still processing a previous request to analyze an image. I will notify you when it's complete."
}

func (a *ImageAnalyzer) Execute(ctx context.Context, call servertools.Call) (map[string]any, error) {
	if call.Bridge == nil {
		return nil, errors.New("screenshot capture is not available in this session")
	}
	focus := call.String("context")
	analysisID := a.newID()

	shotCtx, cancel := context.WithTimeout(ctx, a.screenshotTimeout)
	dataURL, err := call.Bridge.RequestScreenshot(shotCtx, analysisID)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errors.New("Timeout: Screenshot not received from the extension.")
		}
		return nil, err
	}

	image, mimeType, err := safety.ParseImageDataURL(dataURL)
	if err != nil {
		return nil, fmt.Errorf("Invalid image data format from extension: %v", err)
	}
	description, err := a.describer.Describe(ctx, image, mimeType, vision.Prompt(focus))
	if err != nil {
		return nil, fmt.Errorf("Error during image analysis: %v", err)
	}
	return map[string]any{
		"description":     description,
		"originalContext": focus,
		"analysisId":      analysisID,
		"status":          protocol.StatusSuccess,
	}, nil
}
