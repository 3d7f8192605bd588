package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates conversation entry content.
type Kind string

const (
	KindUserAudio          Kind = "user_audio"
	KindAITranscript       Kind = "ai_transcript"
	KindMessage            Kind = "message"
	KindToolLoading        Kind = "tool_loading"
	KindToolResult         Kind = "tool_result"
	KindTransactionReceipt Kind = "transaction_receipt"
)

// Content is the tagged union of entry payloads.
type Content interface {
	Kind() Kind
}

// UserAudio is the transcript of committed user speech.
type UserAudio struct {
	ItemID     string `json:"item_id,omitempty"`
	Transcript string `json:"transcript"`
}

func (UserAudio) Kind() Kind { return KindUserAudio }

// AITranscript is a streamed assistant response once committed.
type AITranscript struct {
	ResponseID string `json:"response_id"`
	Text       string `json:"text"`
}

func (AITranscript) Kind() Kind { return KindAITranscript }

// Message is a plain typed turn.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func (Message) Kind() Kind { return KindMessage }

// ToolLoading is the placeholder shown while a tool call is in flight.
type ToolLoading struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	Label    string `json:"label,omitempty"`
}

func (ToolLoading) Kind() Kind { return KindToolLoading }

// ToolResult is the rendered outcome of a tool call.
type ToolResult struct {
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Output   json.RawMessage `json:"output,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (ToolResult) Kind() Kind { return KindToolResult }

// TransactionReceipt records a transaction produced by a tool. The fields are
// opaque to the session core.
type TransactionReceipt struct {
	Chain   string `json:"chain,omitempty"`
	TxHash  string `json:"tx_hash"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

func (TransactionReceipt) Kind() Kind { return KindTransactionReceipt }

type contentEnvelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalContent encodes c as {"kind":...,"data":...}.
func MarshalContent(c Content) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("content must not be nil")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", c.Kind(), err)
	}
	return json.Marshal(contentEnvelope{Kind: c.Kind(), Data: data})
}

// UnmarshalContent is the inverse of MarshalContent.
func UnmarshalContent(raw []byte) (Content, error) {
	var env contentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode content envelope: %w", err)
	}
	return decodeContent(env.Kind, env.Data)
}

func decodeContent(kind Kind, data []byte) (Content, error) {
	var target Content
	switch Kind(strings.TrimSpace(string(kind))) {
	case KindUserAudio:
		var c UserAudio
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode %s content: %w", kind, err)
		}
		target = c
	case KindAITranscript:
		var c AITranscript
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode %s content: %w", kind, err)
		}
		target = c
	case KindMessage:
		var c Message
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode %s content: %w", kind, err)
		}
		target = c
	case KindToolLoading:
		var c ToolLoading
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode %s content: %w", kind, err)
		}
		target = c
	case KindToolResult:
		var c ToolResult
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode %s content: %w", kind, err)
		}
		target = c
	case KindTransactionReceipt:
		var c TransactionReceipt
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode %s content: %w", kind, err)
		}
		target = c
	default:
		return nil, fmt.Errorf("unknown content kind %q", kind)
	}
	return target, nil
}

// Text returns a one-line rendering of c for logs and terminals.
func Text(c Content) string {
	switch v := c.(type) {
	case UserAudio:
		return v.Transcript
	case AITranscript:
		return v.Text
	case Message:
		return v.Text
	case ToolLoading:
		if v.Label != "" {
			return v.Label
		}
		return "running " + v.ToolName + "..."
	case ToolResult:
		if v.IsError {
			return v.ToolName + " failed: " + v.Error
		}
		return v.ToolName + ": " + string(v.Output)
	case TransactionReceipt:
		return v.Status + " " + v.TxHash
	default:
		return ""
	}
}

func cloneContent(c Content) Content {
	if r, ok := c.(ToolResult); ok {
		r.Output = append(json.RawMessage(nil), r.Output...)
		return r
	}
	return c
}
