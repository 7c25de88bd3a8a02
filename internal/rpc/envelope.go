package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

// ID is a JSON-RPC request id: an integer or a string.
// The zero value is "no id" and encodes as null.
type ID struct {
	num   int64
	str   string
	isStr bool
	set   bool
}

// IntID returns an integer id.
func IntID(n int64) ID {
	return ID{num: n, set: true}
}

// StringID returns a string id.
func StringID(s string) ID {
	return ID{str: s, isStr: true, set: true}
}

// IsZero reports whether the id is absent.
func (id ID) IsZero() bool {
	return !id.set
}

// Int returns the integer value and whether the id is an integer.
func (id ID) Int() (int64, bool) {
	return id.num, id.set && !id.isStr
}

// String returns a printable form of the id.
func (id ID) String() string {
	switch {
	case !id.set:
		return "<none>"
	case id.isStr:
		return strconv.Quote(id.str)
	default:
		return strconv.FormatInt(id.num, 10)
	}
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.set:
		return []byte("null"), nil
	case id.isStr:
		return json.Marshal(id.str)
	default:
		return strconv.AppendInt(nil, id.num, 10), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: id must be an integer or string, got %s", ErrInvalidEnvelope, data)
	}
	*id = IntID(n)
	return nil
}

// Kind classifies a message.
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
	KindResponse
	KindError
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is one JSON-RPC 2.0 envelope. Build outbound messages with the
// Build* functions; inbound messages come from Parse.
type Message struct {
	Kind   Kind
	ID     ID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{JSONRPC: Version}
	switch m.Kind {
	case KindRequest:
		w.ID, w.Method, w.Params = &m.ID, m.Method, m.Params
	case KindNotification:
		w.Method, w.Params = m.Method, m.Params
	case KindResponse:
		w.ID, w.Result = &m.ID, m.Result
		if len(w.Result) == 0 {
			w.Result = json.RawMessage("null")
		}
	case KindError:
		w.ID, w.Error = &m.ID, m.Error
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidEnvelope, m.Kind)
	}
	return json.Marshal(w)
}

// Parse decodes and classifies one message body.
func Parse(data []byte) (*Message, error) {
	var probe struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  *string         `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *Error          `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	var id ID
	hasID := len(probe.ID) > 0
	if hasID {
		if err := id.UnmarshalJSON(probe.ID); err != nil {
			return nil, err
		}
	}

	msg := &Message{ID: id, Params: probe.Params}
	switch {
	case probe.Method != nil:
		if *probe.Method == "" {
			return nil, fmt.Errorf("%w: empty method", ErrInvalidEnvelope)
		}
		msg.Method = *probe.Method
		msg.Kind = KindNotification
		if hasID && !id.IsZero() {
			msg.Kind = KindRequest
		}
	case probe.Error != nil:
		if probe.Result != nil {
			return nil, fmt.Errorf("%w: response carries both result and error", ErrInvalidEnvelope)
		}
		msg.Kind = KindError
		msg.Error = probe.Error
	case hasID && probe.Result != nil:
		msg.Kind = KindResponse
		msg.Result = probe.Result
	default:
		return nil, fmt.Errorf("%w: neither method nor result/error", ErrInvalidEnvelope)
	}
	return msg, nil
}

// BuildRequest builds a request envelope.
func BuildRequest(method string, id ID, params any) (Message, error) {
	if method == "" {
		return Message{}, fmt.Errorf("%w: method is empty", ErrInvalidEnvelope)
	}
	if id.IsZero() {
		return Message{}, fmt.Errorf("%w: request %s needs an id", ErrInvalidEnvelope, method)
	}
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// BuildNotification builds a notification envelope (no id).
func BuildNotification(method string, params any) (Message, error) {
	if method == "" {
		return Message{}, fmt.Errorf("%w: method is empty", ErrInvalidEnvelope)
	}
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindNotification, Method: method, Params: raw}, nil
}

// BuildResponse builds a success response. A nil result encodes as null;
// an empty json.RawMessage counts as a missing result.
func BuildResponse(id ID, result any) (Message, error) {
	if id.IsZero() {
		return Message{}, fmt.Errorf("%w: response needs an id", ErrInvalidEnvelope)
	}
	if raw, ok := result.(json.RawMessage); ok && len(raw) == 0 {
		return Message{}, fmt.Errorf("%w: response result is missing", ErrInvalidEnvelope)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("%w: marshal result: %v", ErrInvalidEnvelope, err)
	}
	return Message{Kind: KindResponse, ID: id, Result: raw}, nil
}

// BuildError builds an error response. The code must be registered (see
// LookupErrorCode); the message comes from its descriptor. A zero id is
// allowed and encodes as null, as for errors on unparseable requests.
func BuildError(id ID, code int, data any) (Message, error) {
	desc, ok := LookupErrorCode(code)
	if !ok {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownErrorCode, code)
	}
	return Message{
		Kind:  KindError,
		ID:    id,
		Error: &Error{Code: code, Message: desc.Message, Data: data},
	}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: params are not valid json", ErrInvalidEnvelope)
		}
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal params: %v", ErrInvalidEnvelope, err)
	}
	return raw, nil
}
