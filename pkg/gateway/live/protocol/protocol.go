package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	EncodingPCMS16LE = "pcm_s16le"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes negotiated live audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// SupportedOutputRate reports whether the model can render at hz.
func SupportedOutputRate(hz int) bool {
	switch hz {
	case 8000, 16000, 24000:
		return true
	default:
		return false
	}
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type ClientHello struct {
	Type               string      `json:"type"`
	ProtocolVersion    string      `json:"protocol_version"`
	Client             HelloClient `json:"client,omitempty"`
	Voice              string      `json:"voice,omitempty"`
	SystemPrompt       string      `json:"system_prompt,omitempty"`
	OutputSampleRateHz int         `json:"output_sample_rate_hz,omitempty"`
}

func (h ClientHello) RedactedForLog() map[string]any {
	return map[string]any{
		"type":                  h.Type,
		"protocol_version":      h.ProtocolVersion,
		"client":                h.Client,
		"voice":                 h.Voice,
		"has_system_prompt":     strings.TrimSpace(h.SystemPrompt) != "",
		"output_sample_rate_hz": h.OutputSampleRateHz,
	}
}

type ClientAudioInput struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

type ClientTextInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClientScreenshotData answers a requestScreenshotForAnalysis custom event.
type ClientScreenshotData struct {
	Type            string `json:"type"`
	ImageAnalysisID string `json:"image_analysis_id"`
	ImageDataURL    string `json:"image_data_url,omitempty"`
	Error           string `json:"error,omitempty"`
}

type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
	// Tool narrows clear_tool_cache to one tool; empty clears all.
	Tool string `json:"tool,omitempty"`
}

const (
	ControlStop           = "stop"
	ControlInterrupt      = "interrupt"
	ControlClearToolCache = "clear_tool_cache"
)

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type        string          `json:"type"`
		CustomEvent string          `json:"customEvent"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	if name := strings.TrimSpace(envelope.CustomEvent); name != "" {
		return decodeClientCustomEvent(name, envelope.Payload)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "audio_input":
		var msg ClientAudioInput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_input", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_input.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "text_input":
		var msg ClientTextInput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text_input", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text_input.text is required", "text")
		}
		return msg, nil
	case "screenshot_data":
		var msg ClientScreenshotData
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid screenshot_data", "")
		}
		if strings.TrimSpace(msg.ImageAnalysisID) == "" {
			return nil, badRequest("screenshot_data.image_analysis_id is required", "image_analysis_id")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control", "")
		}
		op := strings.TrimSpace(msg.Op)
		if op == "" {
			return nil, badRequest("control.op is required", "op")
		}
		switch op {
		case ControlStop, ControlInterrupt, ControlClearToolCache:
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		msg.Tool = strings.TrimSpace(msg.Tool)
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func decodeClientCustomEvent(name string, payload json.RawMessage) (any, error) {
	switch name {
	case CustomEventCapturedScreenshot:
		var body CapturedScreenshotData
		if len(payload) == 0 {
			return nil, badRequest("customEvent payload is required", "payload")
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, badRequest("invalid capturedScreenshotData payload", "payload")
		}
		if strings.TrimSpace(body.ImageAnalysisID) == "" {
			return nil, badRequest("payload.imageAnalysisId is required", "payload.imageAnalysisId")
		}
		return ClientScreenshotData{
			Type:            "screenshot_data",
			ImageAnalysisID: body.ImageAnalysisID,
			ImageDataURL:    body.ImageDataURL,
			Error:           body.Error,
		}, nil
	default:
		return nil, unsupported("unsupported custom event", "customEvent")
	}
}

func ValidateHello(msg ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if msg.ProtocolVersion != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	if msg.OutputSampleRateHz != 0 && !SupportedOutputRate(msg.OutputSampleRateHz) {
		return unsupported("hello.output_sample_rate_hz must be 8000, 16000, or 24000", "output_sample_rate_hz")
	}
	if len(msg.SystemPrompt) > 32*1024 {
		return badRequest("hello.system_prompt is too long", "system_prompt")
	}
	return nil
}

type ServerHelloAck struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	AudioIn         AudioFormat `json:"audio_in"`
	AudioOut        AudioFormat `json:"audio_out"`
	Voice           string      `json:"voice"`
	Tools           []string    `json:"tools,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Close   bool   `json:"close,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerTranscript struct {
	Type  string `json:"type"`
	Role  string `json:"role"`
	Text  string `json:"text"`
	Stage string `json:"stage,omitempty"`
}

type ServerTurnEnd struct {
	Type string `json:"type"`
	Role string `json:"role"`
}

type ServerBargeIn struct {
	Type string `json:"type"`
}

type ServerToolUse struct {
	Type      string `json:"type"`
	ToolName  string `json:"tool_name"`
	ToolUseID string `json:"tool_use_id"`
	Status    string `json:"status"`
}

type ServerSessionEnded struct {
	Type    string `json:"type"`
	Fatal   bool   `json:"fatal"`
	Message string `json:"message,omitempty"`
}
