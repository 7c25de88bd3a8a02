package rpc

import (
	"errors"
	"fmt"
)

// Standard errors returned by the rpc package.
var (
	// ErrEndOfStream indicates the peer closed its side of the stream.
	ErrEndOfStream = errors.New("end of stream")

	// ErrFrameTooLarge indicates a Content-Length above the decoder's limit.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrInvalidEnvelope indicates a message violates the JSON-RPC id/method/result shape.
	ErrInvalidEnvelope = errors.New("invalid json-rpc envelope")

	// ErrUnknownErrorCode indicates an error code outside the registered table.
	ErrUnknownErrorCode = errors.New("unknown json-rpc error code")

	// ErrTransportClosed resolves requests still pending when the transport closes.
	ErrTransportClosed = errors.New("transport closed")

	// ErrRequestTimeout resolves requests that received no response in time.
	ErrRequestTimeout = errors.New("request timed out")
)

// Error is a JSON-RPC error object, either received from the agent or
// built by BuildError.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// FrameDecodeError reports a frame with a malformed header or body.
// The frame has been consumed; the stream is still usable.
type FrameDecodeError struct {
	Header string
	Body   []byte
	Err    error
}

// Error implements the error interface.
func (e *FrameDecodeError) Error() string {
	if e.Header != "" {
		return fmt.Sprintf("decode frame (header %q): %v", e.Header, e.Err)
	}
	return fmt.Sprintf("decode frame: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *FrameDecodeError) Unwrap() error {
	return e.Err
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Reserved range for implementation-defined server errors.
	CodeServerErrorStart = -32099
	CodeServerErrorEnd   = -32000

	// LSP codes that fall inside the server error range.
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
)

// ErrorDescriptor names a registered error code.
type ErrorDescriptor struct {
	Code    int
	Name    string
	Message string
}

var errorTable = map[int]ErrorDescriptor{
	CodeParseError:     {CodeParseError, "ParseError", "Parse error"},
	CodeInvalidRequest: {CodeInvalidRequest, "InvalidRequest", "Invalid Request"},
	CodeMethodNotFound: {CodeMethodNotFound, "MethodNotFound", "Method not found"},
	CodeInvalidParams:  {CodeInvalidParams, "InvalidParams", "Invalid params"},
	CodeInternalError:  {CodeInternalError, "InternalError", "Internal error"},
}

// LookupErrorCode returns the descriptor for a registered code.
// Codes in [-32099, -32000] map to ServerError.
func LookupErrorCode(code int) (ErrorDescriptor, bool) {
	if d, ok := errorTable[code]; ok {
		return d, true
	}
	if code >= CodeServerErrorStart && code <= CodeServerErrorEnd {
		return ErrorDescriptor{Code: code, Name: "ServerError", Message: "Server error"}, true
	}
	return ErrorDescriptor{}, false
}
