package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var errInvalidFrame = errors.New("invalid frame")

// Frame is a decoded inbound envelope. Data is the raw payload; use
// DecodeData to unmarshal it into a typed value.
type Frame struct {
	Kind      Kind
	Tag       string
	RequestID string
	Data      json.RawMessage
	Raw       []byte
}

// Decode peeks the envelope fields of a text frame. The payload is left
// undecoded.
func Decode(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return Frame{}, fmt.Errorf("%w: not JSON", errInvalidFrame)
	}

	res := gjson.GetManyBytes(raw, "type", "request_id", "data")

	tag := res[0]
	if tag.Type != gjson.String || tag.Str == "" {
		return Frame{}, fmt.Errorf("%w: missing type", errInvalidFrame)
	}

	f := Frame{
		Kind:      ParseKind(tag.Str),
		Tag:       tag.Str,
		RequestID: res[1].String(),
		Raw:       raw,
	}

	if res[2].Exists() {
		f.Data = json.RawMessage(res[2].Raw)
	}

	return f, nil
}

// Get reads a gjson path from the whole envelope.
func (f Frame) Get(path string) gjson.Result {
	return gjson.GetBytes(f.Raw, path)
}

// DecodeData unmarshals the frame payload into T.
func DecodeData[T any](f Frame) (T, error) {
	var v T
	if len(f.Data) == 0 {
		return v, fmt.Errorf("%w: %s frame has no data", errInvalidFrame, f.Tag)
	}

	if err := json.Unmarshal(f.Data, &v); err != nil {
		return v, fmt.Errorf("decoding %s payload: %w", f.Tag, err)
	}

	return v, nil
}

// ErrorMessage returns the message carried by an error frame, or a
// generic one when the server sent none.
func (f Frame) ErrorMessage() string {
	for _, path := range []string{"data.message", "message", "data.error"} {
		if r := f.Get(path); r.Exists() && r.String() != "" {
			return r.String()
		}
	}

	return "server error"
}

// Request is an outbound envelope.
type Request struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Encode marshals the request for a text frame.
func (r Request) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s request: %w", r.Type, err)
	}

	return data, nil
}
