package protocol

import (
	"encoding/json"
	"strings"
)

// Inbound event types.
const (
	TypeSessionCreated             = "session.created"
	TypeSessionUpdated             = "session.updated"
	TypeAudioTranscriptDelta       = "response.audio_transcript.delta"
	TypeAudioTranscriptDone        = "response.audio_transcript.done"
	TypeOutputAudioTranscriptDelta = "response.output_audio_transcript.delta"
	TypeOutputAudioTranscriptDone  = "response.output_audio_transcript.done"
	TypeTextDelta                  = "response.text.delta"
	TypeTextDone                   = "response.text.done"
	TypeOutputTextDelta            = "response.output_text.delta"
	TypeOutputTextDone             = "response.output_text.done"
	TypeFunctionCallArgumentsDone  = "response.function_call_arguments.done"
	TypeResponseDone               = "response.done"
	TypeInputTranscriptCompleted   = "conversation.item.input_audio_transcription.completed"
	TypeError                      = "error"
)

// InboundEvent is the closed set of decoded server events.
type InboundEvent interface {
	EventType() string
}

type SessionInfo struct {
	ID    string `json:"id,omitempty"`
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`
}

type SessionCreated struct {
	EventID string
	Session SessionInfo
}

func (SessionCreated) EventType() string { return TypeSessionCreated }

type SessionUpdated struct {
	EventID string
	Session SessionInfo
}

func (SessionUpdated) EventType() string { return TypeSessionUpdated }

// TranscriptDelta is an incremental piece of assistant output text, either an
// audio transcript or a text-modality delta.
type TranscriptDelta struct {
	ResponseID string
	ItemID     string
	Text       string
}

func (TranscriptDelta) EventType() string { return TypeAudioTranscriptDelta }

type TranscriptDone struct {
	ResponseID string
	ItemID     string
	Transcript string
}

func (TranscriptDone) EventType() string { return TypeAudioTranscriptDone }

// ToolInvoked is a function call requested by the model.
type ToolInvoked struct {
	ResponseID string
	CallID     string
	Name       string
	Arguments  string
}

func (ToolInvoked) EventType() string { return TypeFunctionCallArgumentsDone }

type OutputItem struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Status    string          `json:"status,omitempty"`
	Role      string          `json:"role,omitempty"`
	Name      string          `json:"name,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type ResponseDone struct {
	ResponseID string
	Status     string
	Outputs    []OutputItem
}

func (ResponseDone) EventType() string { return TypeResponseDone }

// ToolCalls returns the function_call outputs of the response in order.
func (r ResponseDone) ToolCalls() []ToolInvoked {
	var calls []ToolInvoked
	for _, item := range r.Outputs {
		if item.Type != ItemTypeFunctionCall {
			continue
		}
		calls = append(calls, ToolInvoked{
			ResponseID: r.ResponseID,
			CallID:     item.CallID,
			Name:       item.Name,
			Arguments:  item.Arguments,
		})
	}
	return calls
}

// InputTranscriptDone carries the transcript of committed user speech.
type InputTranscriptDone struct {
	ItemID     string
	Transcript string
}

func (InputTranscriptDone) EventType() string { return TypeInputTranscriptCompleted }

type ServerError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

func (ServerError) EventType() string { return TypeError }

// Unknown preserves any event whose type is not recognized.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (e Unknown) EventType() string { return e.Type }

type wireSession struct {
	EventID string      `json:"event_id"`
	Session SessionInfo `json:"session"`
}

type wireDelta struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

type wireDone struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
	Text       string `json:"text"`
}

type wireFunctionCall struct {
	ResponseID string `json:"response_id"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
}

type wireResponseDone struct {
	Response struct {
		ID     string       `json:"id"`
		Status string       `json:"status"`
		Output []OutputItem `json:"output"`
	} `json:"response"`
}

type wireInputTranscript struct {
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type wireError struct {
	Error ServerError `json:"error"`
}

// Decode classifies a server frame. Frames that are not JSON objects or lack
// a type fail with *DecodeError; unrecognized types decode to Unknown.
func Decode(data []byte) (InboundEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeSessionCreated, TypeSessionUpdated:
		var msg wireSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, invalidEvent("invalid "+typ, "session")
		}
		if typ == TypeSessionCreated {
			return SessionCreated{EventID: msg.EventID, Session: msg.Session}, nil
		}
		return SessionUpdated{EventID: msg.EventID, Session: msg.Session}, nil
	case TypeAudioTranscriptDelta, TypeOutputAudioTranscriptDelta, TypeTextDelta, TypeOutputTextDelta:
		var msg wireDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, invalidEvent("invalid "+typ, "delta")
		}
		if strings.TrimSpace(msg.ResponseID) == "" {
			return nil, invalidEvent(typ+".response_id is required", "response_id")
		}
		return TranscriptDelta{ResponseID: msg.ResponseID, ItemID: msg.ItemID, Text: msg.Delta}, nil
	case TypeAudioTranscriptDone, TypeOutputAudioTranscriptDone, TypeTextDone, TypeOutputTextDone:
		var msg wireDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, invalidEvent("invalid "+typ, "")
		}
		if strings.TrimSpace(msg.ResponseID) == "" {
			return nil, invalidEvent(typ+".response_id is required", "response_id")
		}
		transcript := msg.Transcript
		if transcript == "" {
			transcript = msg.Text
		}
		return TranscriptDone{ResponseID: msg.ResponseID, ItemID: msg.ItemID, Transcript: transcript}, nil
	case TypeFunctionCallArgumentsDone:
		var msg wireFunctionCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, invalidEvent("invalid "+typ, "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, invalidEvent(typ+".call_id is required", "call_id")
		}
		return ToolInvoked{
			ResponseID: msg.ResponseID,
			CallID:     msg.CallID,
			Name:       msg.Name,
			Arguments:  msg.Arguments,
		}, nil
	case TypeResponseDone:
		var msg wireResponseDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, invalidEvent("invalid "+typ, "response")
		}
		return ResponseDone{
			ResponseID: msg.Response.ID,
			Status:     msg.Response.Status,
			Outputs:    msg.Response.Output,
		}, nil
	case TypeInputTranscriptCompleted:
		var msg wireInputTranscript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, invalidEvent("invalid "+typ, "")
		}
		return InputTranscriptDone{ItemID: msg.ItemID, Transcript: msg.Transcript}, nil
	case TypeError:
		var msg wireError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, invalidEvent("invalid error event", "error")
		}
		return msg.Error, nil
	default:
		return Unknown{
			Type: typ,
			Raw:  append(json.RawMessage(nil), data...),
		}, nil
	}
}
