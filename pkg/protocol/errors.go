package protocol

import (
	"errors"
	"fmt"
)

// Errors a handler may return; they cross the wire as ErrorReply codes and
// still match errors.Is on the calling side.
var (
	ErrUnknownTarget = errors.New("no server for target")
	ErrBadRequest    = errors.New("bad request")
	ErrStopped       = errors.New("server stopped")
	ErrUnknownTag    = errors.New("unknown packet tag")
	ErrMalformed     = errors.New("malformed frame")
)

var errorCodes = map[string]error{
	"unknown-target": ErrUnknownTarget,
	"bad-request":    ErrBadRequest,
	"stopped":        ErrStopped,
	"unknown-tag":    ErrUnknownTag,
}

// ErrorReply is the reply sent when a handler fails
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*ErrorReply) Tag() Tag { return TagErrorReply }

// NewErrorReply converts a handler error into its wire form
func NewErrorReply(err error) *ErrorReply {
	for code, sentinel := range errorCodes {
		if errors.Is(err, sentinel) {
			return &ErrorReply{Code: code, Message: err.Error()}
		}
	}
	return &ErrorReply{Code: "internal", Message: err.Error()}
}

// RemoteError is an ErrorReply received from a peer
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

// Is matches the sentinel the remote handler failed with
func (e *RemoteError) Is(target error) bool {
	sentinel, ok := errorCodes[e.Code]
	return ok && sentinel == target
}

// AsError returns the reply as a RemoteError
func (r *ErrorReply) AsError() error {
	return &RemoteError{Code: r.Code, Message: r.Message}
}
