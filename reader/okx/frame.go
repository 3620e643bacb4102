package okx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tradesim/models"
)

var (
	// ErrDecode marks a frame that is not valid JSON or whose book payload
	// has the wrong shape. The frame is skipped.
	ErrDecode = errors.New("okx: undecodable frame")
	// ErrFatalUpstream marks an error event whose code ends the session.
	ErrFatalUpstream = errors.New("okx: fatal upstream error")
)

// FrameKind is the classification of one upstream text frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FramePing
	FrameOpPing
	FrameSubscribed
	FrameError
	FrameBook
)

func (k FrameKind) String() string {
	switch k {
	case FramePing:
		return "ping"
	case FrameOpPing:
		return "op_ping"
	case FrameSubscribed:
		return "subscribe"
	case FrameError:
		return "error"
	case FrameBook:
		return "book"
	default:
		return "unknown"
	}
}

// Frame is a classified upstream frame. Only the fields relevant to Kind are
// set.
type Frame struct {
	Kind FrameKind

	// FrameSubscribed
	Arg json.RawMessage

	// FrameError
	Code    string
	Message string

	// FrameBook
	Action       string
	Bids         []models.Level
	Asks         []models.Level
	Timestamp    string
	HasTimestamp bool
}

type bookPayload struct {
	Bids []models.Level  `json:"bids"`
	Asks []models.Level  `json:"asks"`
	Ts   json.RawMessage `json:"ts"`
}

// ClassifyFrame decodes msg and reports what kind of frame it is. Rules are
// applied in order: bare ping, op ping, subscribe ack, error event, data
// envelope, bare book, anything else.
func ClassifyFrame(msg []byte) (Frame, error) {
	if string(msg) == "ping" {
		return Frame{Kind: FramePing}, nil
	}
	msg = bytes.TrimSpace(msg)

	var top json.RawMessage
	if err := json.Unmarshal(msg, &top); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	var token string
	if json.Unmarshal(top, &token) == nil {
		if token == "ping" {
			return Frame{Kind: FramePing}, nil
		}
		return Frame{Kind: FrameUnknown}, nil
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(top, &env); err != nil {
		// valid JSON that is not an object
		return Frame{Kind: FrameUnknown}, nil
	}

	if stringField(env, "op") == "ping" {
		return Frame{Kind: FrameOpPing}, nil
	}

	switch stringField(env, "event") {
	case "subscribe":
		return Frame{Kind: FrameSubscribed, Arg: env["arg"]}, nil
	case "error":
		return Frame{
			Kind:    FrameError,
			Code:    scalarText(env["code"]),
			Message: stringField(env, "msg"),
		}, nil
	}

	if raw, ok := env["data"]; ok {
		var items []json.RawMessage
		if json.Unmarshal(raw, &items) == nil && len(items) > 0 {
			first := bytes.TrimSpace(items[0])
			if len(first) > 0 && first[0] == '{' {
				action := stringField(env, "action")
				if action == "" {
					action = "update"
				}
				return decodeBook(first, action)
			}
		}
	}

	_, hasAsks := env["asks"]
	_, hasBids := env["bids"]
	if hasAsks && hasBids {
		return decodeBook(top, "snapshot")
	}

	return Frame{Kind: FrameUnknown}, nil
}

func decodeBook(raw json.RawMessage, action string) (Frame, error) {
	var p bookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Frame{}, fmt.Errorf("%w: book payload: %v", ErrDecode, err)
	}
	f := Frame{Kind: FrameBook, Action: action, Bids: p.Bids, Asks: p.Asks}
	if ts := scalarText(p.Ts); ts != "" {
		f.Timestamp = ts
		f.HasTimestamp = true
	}
	return f, nil
}

func stringField(env map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := env[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// scalarText returns a JSON string's content or a number's literal text.
// Null, objects and arrays yield "".
func scalarText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return ""
	case '{', '[', 'n', 't', 'f':
		return ""
	default:
		return strings.TrimSpace(string(raw))
	}
}
