package protocol

const (
	CustomEventToolCompletion     = "toolCompletionNotification"
	CustomEventRequestScreenshot  = "requestScreenshotForAnalysis"
	CustomEventCapturedScreenshot = "capturedScreenshotData"

	StatusSuccess    = "success"
	StatusError      = "error"
	StatusProcessing = "processing"
)

// CustomEvent is an out-of-band message. The top-level "customEvent" key
// distinguishes it from model protocol events.
type CustomEvent struct {
	Name    string `json:"customEvent"`
	Payload any    `json:"payload"`
}

type ToolCompletionNotification struct {
	ToolName  string `json:"toolName"`
	ToolUseID string `json:"toolUseId"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

type ScreenshotRequest struct {
	ImageAnalysisID string `json:"imageAnalysisId"`
}

type CapturedScreenshotData struct {
	ImageAnalysisID string `json:"imageAnalysisId"`
	ImageDataURL    string `json:"imageDataUrl,omitempty"`
	Error           string `json:"error,omitempty"`
}

func NewToolCompletionEvent(n ToolCompletionNotification) CustomEvent {
	return CustomEvent{Name: CustomEventToolCompletion, Payload: n}
}

func NewScreenshotRequestEvent(analysisID string) CustomEvent {
	return CustomEvent{Name: CustomEventRequestScreenshot, Payload: ScreenshotRequest{ImageAnalysisID: analysisID}}
}
