// Package protocol decodes client messages into a closed set of inbound
// variants and encodes transcription results for the wire.
package protocol

import (
	"bytes"
	"errors"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/asr"
)

// ErrConnClosed marks a connection the peer or the network has gone away from.
var ErrConnClosed = errors.New("connection closed")

// Inbound is one decoded client message: Audio, EndOfStream or Ignored.
type Inbound interface {
	inbound()
}

// Audio carries raw PCM s16le mono samples.
type Audio struct {
	PCM []byte
}

// EndOfStream asks the session to flush.
type EndOfStream struct{}

// Ignored is any message the relay does not act on.
type Ignored struct {
	Reason string
}

func (Audio) inbound()       {}
func (EndOfStream) inbound() {}
func (Ignored) inbound()     {}

type controlMessage struct {
	EOF json.RawMessage `json:"eof"`
}

// DecodeBinary turns a binary frame into Audio. Every binary frame, even an
// empty one, is audio and gets a result.
func DecodeBinary(payload []byte) Inbound {
	return Audio{PCM: payload}
}

// DecodeText turns a text frame into EndOfStream when it is a JSON object
// whose eof field equals 1 (the number 1 or true). Everything else is ignored.
func DecodeText(payload []byte) Inbound {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Ignored{Reason: "not a json object"}
	}
	var msg controlMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Ignored{Reason: "invalid control message"}
	}
	if len(msg.EOF) == 0 {
		return Ignored{Reason: "no eof field"}
	}
	// true compares equal to 1; strings never do
	if string(msg.EOF) == "true" {
		return EndOfStream{}
	}
	n, err := strconv.ParseFloat(string(msg.EOF), 64)
	if err != nil || n != 1 {
		return Ignored{Reason: "eof is not 1"}
	}
	return EndOfStream{}
}

// Encode returns the outbound text for a result. The recognizer's native
// payload is relayed unchanged when it is a JSON object.
func Encode(res asr.Result) ([]byte, error) {
	raw := bytes.TrimSpace(res.Raw)
	if len(raw) > 0 && raw[0] == '{' && json.Valid(raw) {
		return res.Raw, nil
	}
	if res.Kind.IsFinal() {
		return asr.EmptyFinal, nil
	}
	return asr.EmptyPartial, nil
}

// EncodeEOF is the control message a client sends to flush.
func EncodeEOF() []byte {
	return []byte(`{"eof" : 1}`)
}
