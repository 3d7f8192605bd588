package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncode_GeneratesEventID(t *testing.T) {
	t.Parallel()

	ev := NewResponseCreate(nil)
	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != TypeResponseCreate {
		t.Fatalf("type=%v, want %q", decoded["type"], TypeResponseCreate)
	}
	id, _ := decoded["event_id"].(string)
	if !strings.HasPrefix(id, "evt_") {
		t.Fatalf("event_id=%q, want evt_ prefix", id)
	}
	if ev.EventID != id {
		t.Fatalf("event id not written back: %q vs %q", ev.EventID, id)
	}
	if _, ok := decoded["response"]; ok {
		t.Fatalf("nil response options should be omitted: %s", data)
	}
}

func TestEncode_KeepsExplicitEventID(t *testing.T) {
	t.Parallel()

	ev := NewTextMessage("user", "hi")
	ev.EventID = "evt_fixed"
	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(string(data), `"event_id":"evt_fixed"`) {
		t.Fatalf("payload=%s", data)
	}
}

func TestEncode_DistinctIDs(t *testing.T) {
	t.Parallel()

	a, _ := Encode(NewInputAudioBufferClear())
	b, _ := Encode(NewInputAudioBufferClear())
	if string(a) == string(b) {
		t.Fatalf("expected distinct event ids, got %s twice", a)
	}
}

func TestEncode_MissingType(t *testing.T) {
	t.Parallel()

	_, err := Encode(&SessionUpdate{})
	if err == nil {
		t.Fatal("expected error")
	}
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if decErr.Param != "type" {
		t.Fatalf("param=%q", decErr.Param)
	}
}

func TestEncode_FunctionCallOutputShape(t *testing.T) {
	t.Parallel()

	data, err := Encode(NewFunctionCallOutput("call_1", `{"ok":true}`))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var decoded struct {
		Type string `json:"type"`
		Item struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"item"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != TypeConversationItemCreate {
		t.Fatalf("type=%q", decoded.Type)
	}
	if decoded.Item.Type != ItemTypeFunctionCallOutput || decoded.Item.CallID != "call_1" || decoded.Item.Output != `{"ok":true}` {
		t.Fatalf("item=%+v", decoded.Item)
	}
}

func TestEncode_SessionUpdatePartialAndEmptyTools(t *testing.T) {
	t.Parallel()

	voiceOnly, err := Encode(NewSessionUpdate(SessionConfig{Voice: "verse"}))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if strings.Contains(string(voiceOnly), "tools") || strings.Contains(string(voiceOnly), "instructions") {
		t.Fatalf("voice-only update leaked other fields: %s", voiceOnly)
	}

	empty := []Tool{}
	toolsOnly, err := Encode(NewSessionUpdate(SessionConfig{Tools: &empty, ToolChoice: "auto"}))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(string(toolsOnly), `"tools":[]`) {
		t.Fatalf("empty catalog must be sent explicitly: %s", toolsOnly)
	}
}

func TestEncode_TextMessage(t *testing.T) {
	t.Parallel()

	data, err := Encode(NewTextMessage("user", "hello"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(string(data), `"content":[{"type":"input_text","text":"hello"}]`) {
		t.Fatalf("payload=%s", data)
	}
	if !strings.Contains(string(data), `"role":"user"`) {
		t.Fatalf("payload=%s", data)
	}
}
