package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/harunnryd/echome/pkg/errorsx"
)

// ServerMessage is one text frame received on the conversation socket.
type ServerMessage interface {
	messageType() string
}

type ConnectionEstablished struct{}

type StreamStart struct{}

type StreamChunk struct {
	Content string
}

type StreamEnd struct {
	Response string
}

type TextResponse struct {
	Response string
}

// ErrorMessage is a generation failure reported by the backend.
type ErrorMessage struct {
	Message string
}

// SynthesisError reports that audio for an otherwise intact reply failed.
type SynthesisError struct {
	Message string
}

type Unrecognized struct {
	Type string
	Raw  json.RawMessage
}

func (ConnectionEstablished) messageType() string { return "connection_established" }
func (StreamStart) messageType() string { return "stream_start" }
func (StreamChunk) messageType() string { return "stream_chunk" }
func (StreamEnd) messageType() string { return "stream_end" }
func (TextResponse) messageType() string { return "text_response" }
func (ErrorMessage) messageType() string { return "error" }
func (SynthesisError) messageType() string { return "tts_error" }
func (u Unrecognized) messageType() string { return u.Type }

type envelope struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Response string `json:"response"`
	Message  string `json:"message"`
	Error    string `json:"error"`
}

// ParseServerMessage decodes a text frame. Malformed JSON fails with reason protocol.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("conversation: decode message: %w", err), errorsx.ReasonProtocol)
	}
	msg := env.Message
	if msg == "" {
		msg = env.Error
	}
	switch env.Type {
	case "connection_established":
		return ConnectionEstablished{}, nil
	case "stream_start":
		return StreamStart{}, nil
	case "stream_chunk":
		return StreamChunk{Content: env.Content}, nil
	case "stream_end":
		return StreamEnd{Response: env.Response}, nil
	case "text_response":
		return TextResponse{Response: env.Response}, nil
	case "error":
		return ErrorMessage{Message: msg}, nil
	case "tts_error":
		return SynthesisError{Message: msg}, nil
	default:
		return Unrecognized{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// Request is the client frame that starts a turn.
type Request struct {
	Messages     []ChatMessage `json:"messages"`
	Stream       bool          `json:"stream"`
	EnableSearch *bool         `json:"enable_search,omitempty"`
}
