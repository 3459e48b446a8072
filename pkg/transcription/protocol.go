package transcription

import (
	"encoding/json"
	"fmt"

	"github.com/harunnryd/echome/pkg/errorsx"
)

// Event is a decoded server message from the ASR socket.
type Event interface {
	eventType() string
}

// Result carries a transcript delta.
type Result struct {
	Text        string
	SentenceEnd bool
}

// Finished signals that the server ended the recognition task.
type Finished struct{}

// Failure reports a server-side recognition failure.
type Failure struct {
	Code    string
	Message string
}

// Unrecognized keeps a frame whose type this client does not know.
type Unrecognized struct {
	Type string
	Raw  []byte
}

func (Result) eventType() string { return "asr_result" }
func (Finished) eventType() string { return "asr_finished" }
func (Failure) eventType() string { return "asr_error" }
func (u Unrecognized) eventType() string { return u.Type }

type envelope struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	SentenceEnd  bool   `json:"sentence_end"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// ParseEvent decodes one text frame. Malformed JSON is a protocol error.
func ParseEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("asr: decode event: %w", err), errorsx.ReasonProtocol)
	}
	switch env.Type {
	case "asr_result":
		return Result{Text: env.Text, SentenceEnd: env.SentenceEnd}, nil
	case "asr_finished":
		return Finished{}, nil
	case "asr_error":
		return Failure{Code: env.ErrorCode, Message: env.ErrorMessage}, nil
	default:
		raw := make([]byte, len(data))
		copy(raw, data)
		return Unrecognized{Type: env.Type, Raw: raw}, nil
	}
}
