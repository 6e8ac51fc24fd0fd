// Package protocol defines the wire contract spoken over the gateway
// WebSocket: versioned JSON frames and the stable error taxonomy shared
// by the RPC and HTTP surfaces.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version this gateway speaks. The handshake
// rejects every other version before any method is dispatched.
const Version = 3

// Frame type discriminators.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "evt"
)

// Stable wire error codes. Callers branch on these, never on messages.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnavailable    = "UNAVAILABLE"
	CodeNotPaired      = "NOT_PAIRED"
	CodeNotFound       = "NOT_FOUND"
	CodeBadGateway     = "BAD_GATEWAY"
)

// Request is an inbound method invocation.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response correlates to a Request by ID. Exactly one of Payload or Error
// is populated, mirrored by OK.
type Response struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Event is a server-initiated push. Seq is per-connection and monotonic
// when set.
type Event struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
}

// Error is the wire error shape used by RPC responses and, nested under
// an "error" key, by HTTP ingress responses.
type Error struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	Retryable    bool           `json:"retryable,omitempty"`
	RetryAfterMs int64          `json:"retryAfterMs,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error with the given stable code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds an Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details and returns the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithRetryAfter marks the error retryable after the given delay.
func (e *Error) WithRetryAfter(ms int64) *Error {
	e.Retryable = true
	e.RetryAfterMs = ms
	return e
}

// OKResponse builds a success response frame for the given request ID.
func OKResponse(id string, payload any) Response {
	return Response{Type: TypeResponse, ID: id, OK: true, Payload: payload}
}

// ErrResponse builds a failure response frame for the given request ID.
func ErrResponse(id string, err *Error) Response {
	return Response{Type: TypeResponse, ID: id, OK: false, Error: err}
}

// NewEvent builds an event frame.
func NewEvent(name string, payload any) Event {
	return Event{Type: TypeEvent, Name: name, Payload: payload}
}

// envelope sniffs the frame discriminator without decoding the body.
type envelope struct {
	Type string `json:"type"`
}

// FrameType returns the type discriminator of a raw frame, or an empty
// string when the frame is not a JSON object with a string "type".
func FrameType(raw []byte) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return env.Type
}

// DecodeRequest parses a raw frame as a request. It enforces the frame
// shape only; method validation happens at dispatch.
func DecodeRequest(raw []byte) (Request, *Error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, Errorf(CodeInvalidRequest, "invalid frame: %v", err)
	}
	if req.Type != TypeRequest {
		return Request{}, Errorf(CodeInvalidRequest, "unsupported frame type: %q", req.Type)
	}
	if req.ID == "" {
		return Request{}, NewError(CodeInvalidRequest, "request id is required")
	}
	if req.Method == "" {
		return Request{}, NewError(CodeInvalidRequest, "request method is required")
	}
	return req, nil
}
