// Package protocol implements the JIM wire format: length-prefixed UTF-8
// JSON frames carrying flat key/value mappings.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

var (
	ErrInvalidFrame  = errors.New("invalid frame format")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// MaxFrameSize bounds a single frame payload. A peer announcing a larger
// frame is considered broken and its connection is dropped.
const MaxFrameSize = 1 << 20

const headerSize = 4

// Protocol keys.
const (
	KeyAction      = "action"
	KeyTime        = "time"
	KeyResponse    = "response"
	KeyError       = "error"
	KeyUser        = "user"
	KeyAccountName = "account_name"
	KeySender      = "from"
	KeyDestination = "to"
	KeyText        = "text"
	KeyList        = "list"
	KeyData        = "bin"
	KeyPubkey      = "pubkey"
)

// Actions.
const (
	ActionPresence      = "presence"
	ActionMessage       = "message"
	ActionExit          = "exit"
	ActionGetContacts   = "get_contacts"
	ActionAddContact    = "add_contact"
	ActionRemoveContact = "remove_contact"
	ActionGetUsers      = "get_users"
	ActionPubkeyNeed    = "pubkey_need"
)

// Response codes.
const (
	StatusOK         = 200
	StatusList       = 202
	StatusInvalidate = 205
	StatusError      = 400
	StatusChallenge  = 511
)

// Message is one protocol frame: a flat mapping of string keys to strings,
// numbers or lists of strings.
type Message map[string]any

// New creates a request message with the action and current time set.
func New(action string) Message {
	return Message{
		KeyAction: action,
		KeyTime:   json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
	}
}

// Response creates a response message with the given status code.
func Response(code int) Message {
	return Message{KeyResponse: json.Number(strconv.Itoa(code))}
}

// ErrorResponse creates a 400 response carrying an error description.
func ErrorResponse(text string) Message {
	m := Response(StatusError)
	m[KeyError] = text
	return m
}

// Action returns the action key or an empty string.
func (m Message) Action() string {
	return m.Str(KeyAction)
}

// Str returns the string value under key, or "" if absent or not a string.
func (m Message) Str(key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// ResponseCode returns the numeric response code, if the message has one.
func (m Message) ResponseCode() (int, bool) {
	switch v := m[KeyResponse].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// List returns the string list under the "list" key.
func (m Message) List() []string {
	if ss, ok := m[KeyList].([]string); ok {
		return ss
	}
	items, ok := m[KeyList].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Encode serializes a message into a length-prefixed frame.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[headerSize:], body)
	return frame, nil
}

// Decode parses a frame payload into a message. The payload must be a JSON
// object whose values are strings, numbers, booleans or lists of strings;
// anything nested deeper fails with ErrInvalidFrame.
func Decode(body []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload is not an object", ErrInvalidFrame)
	}
	for key, val := range obj {
		if !flatValue(val) {
			return nil, fmt.Errorf("%w: nested value under %q", ErrInvalidFrame, key)
		}
	}
	return Message(obj), nil
}

func flatValue(v any) bool {
	switch val := v.(type) {
	case string, json.Number, bool, nil:
		return true
	case []any:
		for _, it := range val {
			if _, ok := it.(string); !ok {
				return false
			}
		}
		return true
	}
	return false
}

// Write encodes the message and writes the whole frame to w.
func Write(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Reader reassembles frames from a byte stream. Bytes read from the source
// are buffered internally, so a frame split across any number of reads is
// returned once complete. A read deadline expiring mid-frame surfaces as
// the source's timeout error and leaves the partial frame buffered.
type Reader struct {
	src io.Reader
	buf []byte
	tmp [4096]byte
}

// NewReader wraps src, typically a net.Conn.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Next returns the next complete frame. If a full frame is already
// buffered, no read on the source happens at all.
func (r *Reader) Next() (Message, error) {
	for {
		if msg, ok, err := r.takeFrame(); err != nil {
			return nil, err
		} else if ok {
			return msg, nil
		}

		n, err := r.src.Read(r.tmp[:])
		if n > 0 {
			r.buf = append(r.buf, r.tmp[:n]...)
		}
		if err != nil {
			// The final read may have completed a frame.
			if msg, ok, ferr := r.takeFrame(); ferr != nil {
				return nil, ferr
			} else if ok {
				return msg, nil
			}
			return nil, err
		}
	}
}

// Buffered reports whether a complete frame is waiting in the buffer.
func (r *Reader) Buffered() bool {
	if len(r.buf) < headerSize {
		return false
	}
	size := binary.BigEndian.Uint32(r.buf)
	return size <= MaxFrameSize && len(r.buf) >= headerSize+int(size)
}

func (r *Reader) takeFrame() (Message, bool, error) {
	if len(r.buf) < headerSize {
		return nil, false, nil
	}
	size := binary.BigEndian.Uint32(r.buf)
	if size > MaxFrameSize {
		return nil, false, ErrFrameTooLarge
	}
	total := headerSize + int(size)
	if len(r.buf) < total {
		return nil, false, nil
	}
	body := r.buf[headerSize:total]
	msg, err := Decode(body)
	// Consume the frame even on decode failure so the error is attributable
	// to one frame, not the whole stream.
	r.buf = append(r.buf[:0], r.buf[total:]...)
	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}
