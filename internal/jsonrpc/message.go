// Package jsonrpc models the JSON-RPC 2.0 envelopes exchanged with an MCP
// target. Responses are a tagged union: every Response carries exactly one
// Outcome, either a Result or an *Error.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol tag carried by every envelope.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrInvalidEnvelope is returned when a payload is valid JSON but not a
// JSON-RPC message.
var ErrInvalidEnvelope = errors.New("jsonrpc: invalid envelope")

// Message is either a *Request or a *Response.
type Message interface {
	isMessage()
}

// Request is a call when ID is set and a notification otherwise.
type Request struct {
	Method string
	Params json.RawMessage
	ID     *ID
}

func (*Request) isMessage() {}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool { return r.ID == nil }

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r *Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRequest{JSONRPC: Version, ID: r.ID, Method: r.Method, Params: r.Params})
}

// NewRequest builds a call with the given id. Params may be nil, a
// json.RawMessage, or any value encoding/json can marshal.
func NewRequest(id int64, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	rid := NewID(id)
	return &Request{Method: method, Params: raw, ID: &rid}, nil
}

// NewNotification builds an id-less request.
func NewNotification(method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{Method: method, Params: raw}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("jsonrpc: marshal params: %w", err)
		}
		return b, nil
	}
}

// Outcome is the payload of a Response: Result or *Error.
type Outcome interface {
	isOutcome()
}

// Result is the raw success payload of a response.
type Result json.RawMessage

func (Result) isOutcome() {}

// Error is the error payload of a response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (*Error) isOutcome() {}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response answers a call. ID is nil when the server replied with a null id,
// which servers do for unparseable input.
type Response struct {
	ID      *ID
	Outcome Outcome
}

func (*Response) isMessage() {}

// NewResult builds a success response.
func NewResult(id *ID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Outcome: Result(b)}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id *ID, code int, message string) *Response {
	return &Response{ID: id, Outcome: &Error{Code: code, Message: message}}
}

// IsError reports whether the outcome is an error.
func (r *Response) IsError() bool {
	_, ok := r.Outcome.(*Error)
	return ok
}

// Err returns the error outcome or nil.
func (r *Response) Err() *Error {
	e, _ := r.Outcome.(*Error)
	return e
}

// Result returns the raw result and true when the outcome is a success.
func (r *Response) Result() (json.RawMessage, bool) {
	res, ok := r.Outcome.(Result)
	return json.RawMessage(res), ok
}

// DecodeResult unmarshals a success outcome into v, or returns the error
// outcome as a Go error.
func (r *Response) DecodeResult(v any) error {
	switch o := r.Outcome.(type) {
	case Result:
		return json.Unmarshal(o, v)
	case *Error:
		return o
	default:
		return ErrInvalidEnvelope
	}
}

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r *Response) MarshalJSON() ([]byte, error) {
	w := wireResponse{JSONRPC: Version, ID: r.ID}
	switch o := r.Outcome.(type) {
	case Result:
		w.Result = json.RawMessage(o)
		if len(w.Result) == 0 {
			w.Result = json.RawMessage("null")
		}
	case *Error:
		w.Error = o
	default:
		return nil, ErrInvalidEnvelope
	}
	return json.Marshal(w)
}

// envelope is the superset used to classify inbound payloads.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// Decode classifies a payload as a request, notification, or response.
// A response must carry exactly one of result and error.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.JSONRPC != Version {
		return nil, fmt.Errorf("%w: jsonrpc tag %q", ErrInvalidEnvelope, env.JSONRPC)
	}
	id, err := decodeID(env.ID)
	if err != nil {
		return nil, err
	}
	if env.Method != nil {
		if env.Result != nil || env.Error != nil {
			return nil, fmt.Errorf("%w: request carries result or error", ErrInvalidEnvelope)
		}
		return &Request{Method: *env.Method, Params: compact(env.Params), ID: id}, nil
	}
	hasResult, hasError := env.Result != nil, env.Error != nil && !isNull(env.Error)
	switch {
	case hasResult && hasError:
		return nil, fmt.Errorf("%w: both result and error present", ErrInvalidEnvelope)
	case hasError:
		var e Error
		if err := json.Unmarshal(env.Error, &e); err != nil {
			return nil, fmt.Errorf("%w: error object: %v", ErrInvalidEnvelope, err)
		}
		e.Data = compact(e.Data)
		return &Response{ID: id, Outcome: &e}, nil
	case hasResult:
		return &Response{ID: id, Outcome: Result(compact(env.Result))}, nil
	default:
		return nil, fmt.Errorf("%w: neither method, result nor error", ErrInvalidEnvelope)
	}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decodeID(raw json.RawMessage) (*ID, error) {
	if len(raw) == 0 || isNull(raw) {
		return nil, nil
	}
	var id ID
	if err := id.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return &id, nil
}

func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
