package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Wire format. A frame is
//
//	<json-length>:<json><escaped-binary?>\r\n
//
// where json-length is the ASCII decimal byte length of the JSON document.
// The JSON part carries the message fields; an optional binary attachment
// follows it, escaped so that neither delimiter byte can appear (encoding/json
// never emits raw CR or LF either, so scanning for the delimiter is safe).
//
// Requests carry __method, __data and __id; responses carry __id, __data and
// __error. A request attachment is restored under the "binary_data" key of
// __data; a binary response leaves __data null in the JSON and the decoded
// attachment becomes the whole response payload.

// Delimiter terminates every frame on the wire.
const Delimiter = "\r\n"

const maxFrameJSON = 64 << 20 // sanity cap on the declared JSON length

var (
	ErrBadFrame   = errors.New("malformed frame")
	ErrBadEscape  = errors.New("malformed escape sequence")
	errNoLength   = fmt.Errorf("%w: missing length prefix", ErrBadFrame)
	errShortFrame = fmt.Errorf("%w: frame shorter than declared length", ErrBadFrame)
)

// Message is one wire message, request or response. A message with a
// non-empty Method is a request.
type Message struct {
	Method string `json:"__method,omitempty"`
	Data   any    `json:"__data"`
	ID     string `json:"__id,omitempty"`
	Error  string `json:"__error,omitempty"`

	// Binary is the attachment, if any. It is never part of the JSON
	// document; Encode appends it escaped and Decode folds it back into
	// Data.
	Binary []byte `json:"-"`
}

// IsRequest reports whether the message is an RPC request.
func (m *Message) IsRequest() bool { return m.Method != "" }

// DataMap returns the request payload as a map, or nil if the payload is
// absent or not an object.
func (m *Message) DataMap() map[string]any {
	d, _ := m.Data.(map[string]any)
	return d
}

// Encode serializes the message into a single frame including the trailing
// delimiter. If the request data carries a []byte under "binary_data", the
// bytes are moved out of the JSON document into the escaped attachment.
func Encode(m *Message) ([]byte, error) {
	msg := *m
	if data, ok := msg.Data.(map[string]any); ok {
		if raw, ok := data["binary_data"].([]byte); ok {
			stripped := make(map[string]any, len(data)-1)
			for k, v := range data {
				if k != "binary_data" {
					stripped[k] = v
				}
			}
			msg.Data = stripped
			msg.Binary = raw
		}
	}

	js, err := json.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(strconv.Itoa(len(js)))
	buf.WriteByte(':')
	buf.Write(js)
	if msg.Binary != nil {
		buf.Write(EncodeBinary(msg.Binary))
	}
	buf.WriteString(Delimiter)
	return buf.Bytes(), nil
}

// Decode parses one frame (without the trailing delimiter) into a Message.
func Decode(frame []byte) (*Message, error) {
	sep := bytes.IndexByte(frame, ':')
	if sep <= 0 {
		return nil, errNoLength
	}
	length, err := strconv.Atoi(string(frame[:sep]))
	if err != nil || length < 0 || length > maxFrameJSON {
		return nil, fmt.Errorf("%w: bad length prefix %q", ErrBadFrame, frame[:sep])
	}
	rest := frame[sep+1:]
	if len(rest) < length {
		return nil, errShortFrame
	}

	var msg Message
	if err := json.Unmarshal(rest[:length], &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	if attachment := rest[length:]; len(attachment) > 0 {
		raw, err := DecodeBinary(attachment)
		if err != nil {
			return nil, err
		}
		if msg.Data == nil {
			msg.Data = raw
		} else if data, ok := msg.Data.(map[string]any); ok {
			data["binary_data"] = raw
		} else {
			return nil, fmt.Errorf("%w: attachment on non-object data", ErrBadFrame)
		}
		msg.Binary = raw
	}
	return &msg, nil
}

// EncodeBinary escapes a payload for transmission after the JSON part of a
// frame: the escape character '\' is doubled and the delimiter bytes CR and
// LF are rewritten as escape sequences, so the delimiter cannot occur inside
// a well-formed encoded message.
func EncodeBinary(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+len(raw)/8)
	for _, b := range raw {
		switch b {
		case '\\':
			out = append(out, '\\', '\\')
		case '\r':
			out = append(out, '\\', 'r')
		case '\n':
			out = append(out, '\\', 'n')
		default:
			out = append(out, b)
		}
	}
	return out
}

// DecodeBinary reverses EncodeBinary.
func DecodeBinary(escaped []byte) ([]byte, error) {
	out := make([]byte, 0, len(escaped))
	for i := 0; i < len(escaped); i++ {
		b := escaped[i]
		if b == '\r' || b == '\n' {
			return nil, fmt.Errorf("%w: raw delimiter byte 0x%02x", ErrBadEscape, b)
		}
		if b != '\\' {
			out = append(out, b)
			continue
		}
		i++
		if i >= len(escaped) {
			return nil, fmt.Errorf("%w: dangling escape", ErrBadEscape)
		}
		switch escaped[i] {
		case '\\':
			out = append(out, '\\')
		case 'r':
			out = append(out, '\r')
		case 'n':
			out = append(out, '\n')
		default:
			return nil, fmt.Errorf("%w: unknown escape %q", ErrBadEscape, escaped[i])
		}
	}
	return out, nil
}
