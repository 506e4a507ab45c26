package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

const (
	ContentTypeText  = "TEXT"
	ContentTypeAudio = "AUDIO"
	ContentTypeTool  = "TOOL"

	RoleSystem    = "SYSTEM"
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
	RoleTool      = "TOOL"

	StopReasonEndTurn     = "END_TURN"
	StopReasonInterrupted = "INTERRUPTED"
	StopReasonToolUse     = "TOOL_USE"
	StopReasonPartialTurn = "PARTIAL_TURN"

	StageSpeculative = "SPECULATIVE"
	StageFinal       = "FINAL"

	MediaTypeLPCM = "audio/lpcm"
	MediaTypeText = "text/plain"
	MediaTypeJSON = "application/json"

	EncodingBase64  = "base64"
	AudioTypeSpeech = "SPEECH"

	InputSampleRateHz = 16000
	SampleSizeBits    = 16
)

// InputEvent is one outbound event. Exactly one field is set.
type InputEvent struct {
	SessionStart *SessionStart `json:"sessionStart,omitempty"`
	PromptStart  *PromptStart  `json:"promptStart,omitempty"`
	ContentStart *ContentStart `json:"contentStart,omitempty"`
	TextInput    *TextInput    `json:"textInput,omitempty"`
	AudioInput   *AudioInput   `json:"audioInput,omitempty"`
	ToolResult   *ToolResult   `json:"toolResult,omitempty"`
	ContentEnd   *ContentEnd   `json:"contentEnd,omitempty"`
	PromptEnd    *PromptEnd    `json:"promptEnd,omitempty"`
	SessionEnd   *SessionEnd   `json:"sessionEnd,omitempty"`
}

// Kind returns the wire key of the populated field.
func (e InputEvent) Kind() string {
	switch {
	case e.SessionStart != nil:
		return "sessionStart"
	case e.PromptStart != nil:
		return "promptStart"
	case e.ContentStart != nil:
		return "contentStart"
	case e.TextInput != nil:
		return "textInput"
	case e.AudioInput != nil:
		return "audioInput"
	case e.ToolResult != nil:
		return "toolResult"
	case e.ContentEnd != nil:
		return "contentEnd"
	case e.PromptEnd != nil:
		return "promptEnd"
	case e.SessionEnd != nil:
		return "sessionEnd"
	default:
		return ""
	}
}

type inputEnvelope struct {
	Event InputEvent `json:"event"`
}

// Encode wraps ev in the {"event":{...}} envelope.
func Encode(ev InputEvent) ([]byte, error) {
	return json.Marshal(inputEnvelope{Event: ev})
}

type InferenceConfiguration struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

type SessionStart struct {
	InferenceConfiguration InferenceConfiguration `json:"inferenceConfiguration"`
}

type TextConfiguration struct {
	MediaType string `json:"mediaType"`
}

type AudioInputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
}

type AudioOutputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId,omitempty"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType,omitempty"`
}

type ToolResultInputConfiguration struct {
	ToolUseID              string            `json:"toolUseId"`
	Type                   string            `json:"type"`
	TextInputConfiguration TextConfiguration `json:"textInputConfiguration"`
}

type ToolConfiguration struct {
	Tools []Tool `json:"tools"`
}

type PromptStart struct {
	PromptName                 string                   `json:"promptName"`
	TextOutputConfiguration    TextConfiguration        `json:"textOutputConfiguration"`
	AudioOutputConfiguration   AudioOutputConfiguration `json:"audioOutputConfiguration"`
	ToolUseOutputConfiguration TextConfiguration        `json:"toolUseOutputConfiguration"`
	ToolConfiguration          *ToolConfiguration       `json:"toolConfiguration,omitempty"`
}

type ContentStart struct {
	PromptName                   string                        `json:"promptName"`
	ContentName                  string                        `json:"contentName"`
	Type                         string                        `json:"type"`
	Interactive                  bool                          `json:"interactive"`
	Role                         string                        `json:"role"`
	TextInputConfiguration       *TextConfiguration            `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration      *AudioInputConfiguration      `json:"audioInputConfiguration,omitempty"`
	ToolResultInputConfiguration *ToolResultInputConfiguration `json:"toolResultInputConfiguration,omitempty"`
}

type TextInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type AudioInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type ToolResult struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
	Status      string `json:"status"`
}

type ContentEnd struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

type PromptEnd struct {
	PromptName string `json:"promptName"`
}

type SessionEnd struct{}

// Tool is one entry of toolConfiguration.tools.
type Tool struct {
	ToolSpec ToolSpec `json:"toolSpec"`
}

type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ToolInputSchema carries the JSON schema serialized as a string.
type ToolInputSchema struct {
	JSON string `json:"json"`
}

func NewSessionStart(cfg InferenceConfiguration) InputEvent {
	return InputEvent{SessionStart: &SessionStart{InferenceConfiguration: cfg}}
}

func NewPromptStart(promptName string, audio AudioOutputConfiguration, tools []Tool) InputEvent {
	ps := &PromptStart{
		PromptName:                 promptName,
		TextOutputConfiguration:    TextConfiguration{MediaType: MediaTypeText},
		AudioOutputConfiguration:   audio,
		ToolUseOutputConfiguration: TextConfiguration{MediaType: MediaTypeJSON},
	}
	if len(tools) > 0 {
		ps.ToolConfiguration = &ToolConfiguration{Tools: tools}
	}
	return InputEvent{PromptStart: ps}
}

func NewTextContentStart(promptName, contentName, role string) InputEvent {
	return InputEvent{ContentStart: &ContentStart{
		PromptName:             promptName,
		ContentName:            contentName,
		Type:                   ContentTypeText,
		Interactive:            true,
		Role:                   role,
		TextInputConfiguration: &TextConfiguration{MediaType: MediaTypeText},
	}}
}

func NewAudioContentStart(promptName, contentName string) InputEvent {
	return InputEvent{ContentStart: &ContentStart{
		PromptName:  promptName,
		ContentName: contentName,
		Type:        ContentTypeAudio,
		Interactive: true,
		Role:        RoleUser,
		AudioInputConfiguration: &AudioInputConfiguration{
			MediaType:       MediaTypeLPCM,
			SampleRateHertz: InputSampleRateHz,
			SampleSizeBits:  SampleSizeBits,
			ChannelCount:    1,
			AudioType:       AudioTypeSpeech,
			Encoding:        EncodingBase64,
		},
	}}
}

func NewToolContentStart(promptName, contentName, toolUseID string) InputEvent {
	return InputEvent{ContentStart: &ContentStart{
		PromptName:  promptName,
		ContentName: contentName,
		Type:        ContentTypeTool,
		Interactive: true,
		Role:        RoleTool,
		ToolResultInputConfiguration: &ToolResultInputConfiguration{
			ToolUseID:              toolUseID,
			Type:                   ContentTypeText,
			TextInputConfiguration: TextConfiguration{MediaType: MediaTypeText},
		},
	}}
}

func NewTextInput(promptName, contentName, text string) InputEvent {
	return InputEvent{TextInput: &TextInput{PromptName: promptName, ContentName: contentName, Content: text}}
}

// NewAudioInput base64-encodes a PCM16 chunk.
func NewAudioInput(promptName, contentName string, pcm []byte) InputEvent {
	return InputEvent{AudioInput: &AudioInput{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     base64.StdEncoding.EncodeToString(pcm),
	}}
}

// NewToolResult reports status "error" only for failed tools; placeholders
// and cache hits count as success.
func NewToolResult(promptName, contentName, content, status string) InputEvent {
	if status != StatusError {
		status = StatusSuccess
	}
	return InputEvent{ToolResult: &ToolResult{PromptName: promptName, ContentName: contentName, Content: content, Status: status}}
}

func NewContentEnd(promptName, contentName string) InputEvent {
	return InputEvent{ContentEnd: &ContentEnd{PromptName: promptName, ContentName: contentName}}
}

func NewPromptEnd(promptName string) InputEvent {
	return InputEvent{PromptEnd: &PromptEnd{PromptName: promptName}}
}

func NewSessionEnd() InputEvent {
	return InputEvent{SessionEnd: &SessionEnd{}}
}

// ServerEvent is the closed set of inbound model events.
type ServerEvent interface {
	serverEvent()
}

type CompletionStartEvent struct {
	SessionID    string `json:"sessionId"`
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
}

type ContentStartEvent struct {
	SessionID                string                    `json:"sessionId"`
	PromptName               string                    `json:"promptName"`
	CompletionID             string                    `json:"completionId"`
	ContentID                string                    `json:"contentId"`
	Type                     string                    `json:"type"`
	Role                     string                    `json:"role"`
	AdditionalModelFields    string                    `json:"additionalModelFields,omitempty"`
	AudioOutputConfiguration *AudioOutputConfiguration `json:"audioOutputConfiguration,omitempty"`
	ToolUseID                string                    `json:"toolUseId,omitempty"`
}

// GenerationStage extracts additionalModelFields.generationStage (SPECULATIVE or FINAL).
func (e ContentStartEvent) GenerationStage() string {
	raw := strings.TrimSpace(e.AdditionalModelFields)
	if raw == "" {
		return ""
	}
	var fields struct {
		GenerationStage string `json:"generationStage"`
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return ""
	}
	return fields.GenerationStage
}

type TextOutputEvent struct {
	PromptName string `json:"promptName"`
	ContentID  string `json:"contentId"`
	Role       string `json:"role"`
	Content    string `json:"content"`
}

// Interrupted reports the barge-in marker the model emits as text content.
func (e TextOutputEvent) Interrupted() bool {
	c := strings.TrimSpace(e.Content)
	if !strings.HasPrefix(c, "{") {
		return false
	}
	var marker struct {
		Interrupted bool `json:"interrupted"`
	}
	if err := json.Unmarshal([]byte(c), &marker); err != nil {
		return false
	}
	return marker.Interrupted
}

// AudioOutputEvent carries decoded PCM16LE bytes.
type AudioOutputEvent struct {
	PromptName string
	ContentID  string
	PCM        []byte
}

type ToolUseEvent struct {
	PromptName string `json:"promptName"`
	ContentID  string `json:"contentId"`
	ToolName   string `json:"toolName"`
	ToolUseID  string `json:"toolUseId"`
	Content    string `json:"content"`
}

type ContentEndEvent struct {
	PromptName string `json:"promptName"`
	ContentID  string `json:"contentId"`
	Type       string `json:"type"`
	StopReason string `json:"stopReason"`
}

type CompletionEndEvent struct {
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
	StopReason   string `json:"stopReason"`
}

type UsageEvent struct {
	PromptName        string `json:"promptName"`
	TotalInputTokens  int64  `json:"totalInputTokens"`
	TotalOutputTokens int64  `json:"totalOutputTokens"`
	TotalTokens       int64  `json:"totalTokens"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// UnknownEvent is returned for well-formed events this package does not model.
type UnknownEvent struct {
	Key string
	Raw json.RawMessage
}

func (CompletionStartEvent) serverEvent() {}
func (ContentStartEvent) serverEvent()    {}
func (TextOutputEvent) serverEvent()      {}
func (AudioOutputEvent) serverEvent()     {}
func (ToolUseEvent) serverEvent()         {}
func (ContentEndEvent) serverEvent()      {}
func (CompletionEndEvent) serverEvent()   {}
func (UsageEvent) serverEvent()           {}
func (ErrorEvent) serverEvent()           {}
func (UnknownEvent) serverEvent()         {}

var serverEventKeys = []string{
	"completionStart",
	"contentStart",
	"textOutput",
	"audioOutput",
	"toolUse",
	"contentEnd",
	"completionEnd",
	"usageEvent",
	"error",
}

// DecodeServerEvent decodes one inbound model message.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var envelope struct {
		Event map[string]json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json event", "")
	}
	if len(envelope.Event) == 0 {
		return nil, badRequest("missing event", "event")
	}

	for _, key := range serverEventKeys {
		raw, ok := envelope.Event[key]
		if !ok {
			continue
		}
		return decodeServerEventBody(key, raw)
	}
	for key, raw := range envelope.Event {
		return UnknownEvent{Key: key, Raw: raw}, nil
	}
	return nil, badRequest("missing event", "event")
}

func decodeServerEventBody(key string, raw json.RawMessage) (ServerEvent, error) {
	switch key {
	case "completionStart":
		var ev CompletionStartEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, badRequest("invalid completionStart", key)
		}
		return ev, nil
	case "contentStart":
		var ev ContentStartEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, badRequest("invalid contentStart", key)
		}
		return ev, nil
	case "textOutput":
		var ev TextOutputEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, badRequest("invalid textOutput", key)
		}
		return ev, nil
	case "audioOutput":
		var body struct {
			PromptName string `json:"promptName"`
			ContentID  string `json:"contentId"`
			Content    string `json:"content"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, badRequest("invalid audioOutput", key)
		}
		pcm, err := base64.StdEncoding.DecodeString(body.Content)
		if err != nil {
			return nil, badRequest("audioOutput.content is not valid base64", "audioOutput.content")
		}
		return AudioOutputEvent{PromptName: body.PromptName, ContentID: body.ContentID, PCM: pcm}, nil
	case "toolUse":
		var ev ToolUseEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, badRequest("invalid toolUse", key)
		}
		if strings.TrimSpace(ev.ToolUseID) == "" {
			return nil, badRequest("toolUse.toolUseId is required", "toolUse.toolUseId")
		}
		return ev, nil
	case "contentEnd":
		var ev ContentEndEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, badRequest("invalid contentEnd", key)
		}
		return ev, nil
	case "completionEnd":
		var ev CompletionEndEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, badRequest("invalid completionEnd", key)
		}
		return ev, nil
	case "usageEvent":
		var ev UsageEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, badRequest("invalid usageEvent", key)
		}
		return ev, nil
	case "error":
		var ev ErrorEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, badRequest("invalid error event", key)
		}
		return ev, nil
	default:
		return UnknownEvent{Key: key, Raw: raw}, nil
	}
}
