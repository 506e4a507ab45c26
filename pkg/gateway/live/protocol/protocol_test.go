package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeClientMessage_Hello(t *testing.T) {
	raw := []byte(`{
		"type":"hello",
		"protocol_version":"1",
		"voice":"tiffany",
		"output_sample_rate_hz":16000
	}`)

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	hello, ok := msg.(ClientHello)
	if !ok {
		t.Fatalf("decoded type = %T, want ClientHello", msg)
	}
	if hello.Voice != "tiffany" || hello.OutputSampleRateHz != 16000 {
		t.Fatalf("hello=%+v", hello)
	}
}

func TestValidateHello_RejectsUnsupportedOutputRate(t *testing.T) {
	err := ValidateHello(ClientHello{Type: "hello", ProtocolVersion: "1", OutputSampleRateHz: 44100})
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err=%v, want DecodeError", err)
	}
	if de.Code != "unsupported" || de.Param != "output_sample_rate_hz" {
		t.Fatalf("de=%+v", de)
	}
}

func TestValidateHello_RequiresProtocolVersion(t *testing.T) {
	err := ValidateHello(ClientHello{Type: "hello"})
	if err == nil || !strings.Contains(err.Error(), "protocol_version") {
		t.Fatalf("err=%v", err)
	}
}

func TestDecodeClientMessage_AudioInputRequiresData(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"audio_input"}`))
	var de *DecodeError
	if !errors.As(err, &de) || de.Param != "data_b64" {
		t.Fatalf("err=%v", err)
	}
}

func TestDecodeClientMessage_ControlOps(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"control","op":" stop "}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if ctl := msg.(ClientControl); ctl.Op != ControlStop {
		t.Fatalf("op=%q", ctl.Op)
	}
	if _, err := DecodeClientMessage([]byte(`{"type":"control","op":"reboot"}`)); err == nil {
		t.Fatalf("expected unsupported op error")
	}

	msg, err = DecodeClientMessage([]byte(`{"type":"control","op":"clear_tool_cache","tool":" agentSearch "}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if ctl := msg.(ClientControl); ctl.Op != ControlClearToolCache || ctl.Tool != "agentSearch" {
		t.Fatalf("control=%+v", ctl)
	}
}

func TestDecodeClientMessage_CapturedScreenshotCustomEvent(t *testing.T) {
	raw := []byte(`{"customEvent":"capturedScreenshotData","payload":{"imageAnalysisId":"a1","imageDataUrl":"data:image/png;base64,AAAA"}}`)
	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	shot, ok := msg.(ClientScreenshotData)
	if !ok {
		t.Fatalf("decoded type = %T", msg)
	}
	if shot.ImageAnalysisID != "a1" || !strings.HasPrefix(shot.ImageDataURL, "data:image/png") {
		t.Fatalf("shot=%+v", shot)
	}
}

func TestDecodeClientMessage_UnknownType(t *testing.T) {
	if _, err := DecodeClientMessage([]byte(`{"type":"dance"}`)); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := DecodeClientMessage([]byte(`not json`)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEncode_WrapsEventEnvelope(t *testing.T) {
	b, err := Encode(NewPromptEnd("p1"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if string(b) != `{"event":{"promptEnd":{"promptName":"p1"}}}` {
		t.Fatalf("encoded=%s", b)
	}

	b, err = Encode(NewSessionEnd())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if string(b) != `{"event":{"sessionEnd":{}}}` {
		t.Fatalf("encoded=%s", b)
	}
}

func TestNewPromptStart_EmbedsToolSchemaAsString(t *testing.T) {
	tools := []Tool{{ToolSpec: ToolSpec{
		Name:        "getWeather",
		Description: "Get current weather",
		InputSchema: ToolInputSchema{JSON: `{"type":"object"}`},
	}}}
	ev := NewPromptStart("p1", AudioOutputConfiguration{MediaType: MediaTypeLPCM, SampleRateHertz: 24000, SampleSizeBits: 16, ChannelCount: 1, VoiceID: "matthew", Encoding: EncodingBase64}, tools)
	if ev.Kind() != "promptStart" {
		t.Fatalf("kind=%q", ev.Kind())
	}
	b, err := Encode(ev)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var decoded map[string]map[string]map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ps := decoded["event"]["promptStart"]
	toolCfg := ps["toolConfiguration"].(map[string]any)
	first := toolCfg["tools"].([]any)[0].(map[string]any)
	schema := first["toolSpec"].(map[string]any)["inputSchema"].(map[string]any)["json"]
	if _, ok := schema.(string); !ok {
		t.Fatalf("inputSchema.json type = %T, want string", schema)
	}
}

func TestNewAudioInput_Base64EncodesPCM(t *testing.T) {
	ev := NewAudioInput("p", "c", []byte{0x01, 0x02, 0x03})
	if ev.AudioInput == nil || ev.AudioInput.Content != "AQID" {
		t.Fatalf("audioInput=%+v", ev.AudioInput)
	}
}

func TestDecodeServerEvent_AudioOutputDecodesBase64(t *testing.T) {
	ev, err := DecodeServerEvent([]byte(`{"event":{"audioOutput":{"promptName":"p","contentId":"c","content":"AQID"}}}`))
	if err != nil {
		t.Fatalf("DecodeServerEvent() error = %v", err)
	}
	out, ok := ev.(AudioOutputEvent)
	if !ok {
		t.Fatalf("type=%T", ev)
	}
	if len(out.PCM) != 3 || out.PCM[2] != 0x03 {
		t.Fatalf("pcm=%v", out.PCM)
	}
}

func TestDecodeServerEvent_ContentStartStageAndAudioConfig(t *testing.T) {
	raw := `{"event":{"contentStart":{"type":"AUDIO","role":"ASSISTANT","additionalModelFields":"{\"generationStage\":\"FINAL\"}","audioOutputConfiguration":{"mediaType":"audio/lpcm","sampleRateHertz":24000,"sampleSizeBits":16,"channelCount":1,"encoding":"base64"}}}}`
	ev, err := DecodeServerEvent([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeServerEvent() error = %v", err)
	}
	cs := ev.(ContentStartEvent)
	if cs.GenerationStage() != "FINAL" {
		t.Fatalf("stage=%q", cs.GenerationStage())
	}
	if cs.AudioOutputConfiguration == nil || cs.AudioOutputConfiguration.SampleRateHertz != 24000 {
		t.Fatalf("audio cfg=%+v", cs.AudioOutputConfiguration)
	}
}

func TestDecodeServerEvent_TextOutputInterruptedMarker(t *testing.T) {
	ev, err := DecodeServerEvent([]byte(`{"event":{"textOutput":{"role":"ASSISTANT","content":"{ \"interrupted\" : true }"}}}`))
	if err != nil {
		t.Fatalf("DecodeServerEvent() error = %v", err)
	}
	if !ev.(TextOutputEvent).Interrupted() {
		t.Fatalf("expected interrupted marker")
	}
	ev, _ = DecodeServerEvent([]byte(`{"event":{"textOutput":{"role":"ASSISTANT","content":"hello"}}}`))
	if ev.(TextOutputEvent).Interrupted() {
		t.Fatalf("plain text reported as interrupted")
	}
}

func TestDecodeServerEvent_ToolUseRequiresID(t *testing.T) {
	if _, err := DecodeServerEvent([]byte(`{"event":{"toolUse":{"toolName":"getWeather"}}}`)); err == nil {
		t.Fatalf("expected error for missing toolUseId")
	}
}

func TestDecodeServerEvent_UnknownAndMalformed(t *testing.T) {
	ev, err := DecodeServerEvent([]byte(`{"event":{"somethingNew":{"x":1}}}`))
	if err != nil {
		t.Fatalf("DecodeServerEvent() error = %v", err)
	}
	if u, ok := ev.(UnknownEvent); !ok || u.Key != "somethingNew" {
		t.Fatalf("ev=%#v", ev)
	}
	if _, err := DecodeServerEvent([]byte(`{"event":`)); err == nil {
		t.Fatalf("expected malformed error")
	}
	if _, err := DecodeServerEvent([]byte(`{"event":{}}`)); err == nil {
		t.Fatalf("expected missing event error")
	}
}

func TestDecodeServerEvent_FatalError(t *testing.T) {
	ev, err := DecodeServerEvent([]byte(`{"event":{"error":{"type":"BedrockStreamError","message":"Invalid voice ID","fatal":true}}}`))
	if err != nil {
		t.Fatalf("DecodeServerEvent() error = %v", err)
	}
	e := ev.(ErrorEvent)
	if !e.Fatal || e.Message != "Invalid voice ID" {
		t.Fatalf("err event=%+v", e)
	}
}

func TestCustomEvent_WireShape(t *testing.T) {
	b, err := json.Marshal(NewToolCompletionEvent(ToolCompletionNotification{
		ToolName: "agentSearch", ToolUseID: "t1", Status: StatusSuccess, Message: "done",
	}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"customEvent":"toolCompletionNotification","payload":{"toolName":"agentSearch","toolUseId":"t1","status":"success","message":"done"}}`
	if string(b) != want {
		t.Fatalf("got %s\nwant %s", b, want)
	}
}
