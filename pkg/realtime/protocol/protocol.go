package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Outbound event types.
const (
	TypeSessionUpdate          = "session.update"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
	TypeInputAudioBufferClear  = "input_audio_buffer.clear"
)

// Conversation item types carried by conversation.item.create.
const (
	ItemTypeMessage            = "message"
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"
)

const (
	ModalityText  = "text"
	ModalityAudio = "audio"
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

func invalidEvent(message, param string) *DecodeError {
	return &DecodeError{Code: "invalid_event", Message: message, Param: param}
}

// EventHeader carries the discriminator and correlation id shared by every
// outbound control message.
type EventHeader struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

func (h *EventHeader) header() *EventHeader { return h }

// ClientEvent is an outbound control message. Implemented by pointers to the
// message structs in this package.
type ClientEvent interface {
	header() *EventHeader
}

// Tool is a function tool as advertised in session.update.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type InputAudioTranscription struct {
	Model string `json:"model"`
}

// SessionConfig is the body of session.update. Fields left nil are not sent,
// which is how partial updates are expressed. Tools is a pointer so that an
// empty catalog is still sent as [] and clears the remote catalog.
type SessionConfig struct {
	Modalities              []string                 `json:"modalities,omitempty"`
	Instructions            *string                  `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	Tools                   *[]Tool                  `json:"tools,omitempty"`
	ToolChoice              string                   `json:"tool_choice,omitempty"`
	Temperature             *float64                 `json:"temperature,omitempty"`
}

type SessionUpdate struct {
	EventHeader
	Session SessionConfig `json:"session"`
}

func NewSessionUpdate(cfg SessionConfig) *SessionUpdate {
	return &SessionUpdate{EventHeader: EventHeader{Type: TypeSessionUpdate}, Session: cfg}
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Item is a conversation item. Message items use Role and Content; function
// call outputs use CallID and Output.
type Item struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type ConversationItemCreate struct {
	EventHeader
	PreviousItemID string `json:"previous_item_id,omitempty"`
	Item           Item   `json:"item"`
}

// NewTextMessage injects a user or system text turn.
func NewTextMessage(role, text string) *ConversationItemCreate {
	return &ConversationItemCreate{
		EventHeader: EventHeader{Type: TypeConversationItemCreate},
		Item: Item{
			Type:    ItemTypeMessage,
			Role:    role,
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

// NewFunctionCallOutput returns a tool result correlated by callID.
func NewFunctionCallOutput(callID, output string) *ConversationItemCreate {
	return &ConversationItemCreate{
		EventHeader: EventHeader{Type: TypeConversationItemCreate},
		Item: Item{
			Type:   ItemTypeFunctionCallOutput,
			CallID: callID,
			Output: output,
		},
	}
}

type ResponseOptions struct {
	Instructions string   `json:"instructions,omitempty"`
	Modalities   []string `json:"modalities,omitempty"`
}

type ResponseCreate struct {
	EventHeader
	Response *ResponseOptions `json:"response,omitempty"`
}

func NewResponseCreate(opts *ResponseOptions) *ResponseCreate {
	return &ResponseCreate{EventHeader: EventHeader{Type: TypeResponseCreate}, Response: opts}
}

type ResponseCancel struct {
	EventHeader
	ResponseID string `json:"response_id,omitempty"`
}

func NewResponseCancel(responseID string) *ResponseCancel {
	return &ResponseCancel{EventHeader: EventHeader{Type: TypeResponseCancel}, ResponseID: responseID}
}

type InputAudioBufferClear struct {
	EventHeader
}

func NewInputAudioBufferClear() *InputAudioBufferClear {
	return &InputAudioBufferClear{EventHeader: EventHeader{Type: TypeInputAudioBufferClear}}
}

// NewEventID returns a fresh correlation id for an outbound event.
func NewEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TypeOf returns the wire type of an outbound event.
func TypeOf(ev ClientEvent) string {
	if ev == nil {
		return ""
	}
	return ev.header().Type
}

// Encode serializes ev. A missing event_id is generated and written back
// into ev so callers can correlate echoes.
func Encode(ev ClientEvent) ([]byte, error) {
	if ev == nil {
		return nil, badRequest("event must not be nil", "")
	}
	h := ev.header()
	if strings.TrimSpace(h.Type) == "" {
		return nil, badRequest("event type is required", "type")
	}
	if strings.TrimSpace(h.EventID) == "" {
		h.EventID = NewEventID()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", h.Type, err)
	}
	return data, nil
}
