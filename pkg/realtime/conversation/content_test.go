package conversation

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestMarshalContent_Envelope(t *testing.T) {
	t.Parallel()

	data, err := MarshalContent(AITranscript{ResponseID: "r1", Text: "Hello"})
	if err != nil {
		t.Fatalf("MarshalContent() error = %v", err)
	}
	if string(data) != `{"kind":"ai_transcript","data":{"response_id":"r1","text":"Hello"}}` {
		t.Fatalf("data=%s", data)
	}

	back, err := UnmarshalContent(data)
	if err != nil {
		t.Fatalf("UnmarshalContent() error = %v", err)
	}
	if got, ok := back.(AITranscript); !ok || got.Text != "Hello" {
		t.Fatalf("content=%#v", back)
	}
}

func TestUnmarshalContent_UnknownKind(t *testing.T) {
	t.Parallel()

	_, err := UnmarshalContent([]byte(`{"kind":"dashboard","data":{}}`))
	if err == nil || !strings.Contains(err.Error(), "dashboard") {
		t.Fatalf("err=%v", err)
	}
}

func TestEntry_MarshalJSON(t *testing.T) {
	t.Parallel()

	e := Entry{
		ID:        "ent_1",
		Content:   Message{Role: "user", Text: "hi"},
		CreatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"id":"ent_1","content":{"kind":"message","data":{"role":"user","text":"hi"}},"created_at":"2025-06-01T00:00:00Z"}`
	if string(data) != want {
		t.Fatalf("json=%s, want %s", data, want)
	}
}

func TestText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   Content
		want string
	}{
		{ToolLoading{ToolName: "get_time"}, "running get_time..."},
		{ToolLoading{ToolName: "get_time", Label: "Checking the clock"}, "Checking the clock"},
		{ToolResult{ToolName: "get_time", IsError: true, Error: "boom"}, "get_time failed: boom"},
		{ToolResult{ToolName: "get_time", Output: json.RawMessage(`"12:00"`)}, `get_time: "12:00"`},
		{UserAudio{Transcript: "hello"}, "hello"},
	}
	for _, tc := range cases {
		if got := Text(tc.in); got != tc.want {
			t.Fatalf("Text(%#v)=%q, want %q", tc.in, got, tc.want)
		}
	}
}
