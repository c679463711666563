// Package linkerr defines the small typed error the control plane and
// command dispatcher return, carrying a stable numeric code alongside
// the message the way the reference implementation's err_code(i32)
// helper tags every JSON error response.
package linkerr

import "fmt"

// Error codes mirror the reference implementation's err_code values.
// These are not sequential or style-chosen: they are the exact numbers a
// real client branches on.
const (
	CodeGeneric      = 108  // bad/expired session, ownership mismatch
	CodeRoomFull     = 1201 // room already has 4 players
	CodeNoSuchRoom   = 1202 // room code/share token/id not found
	CodeWrongState   = 1205 // room not enterable in its current state
	CodeBadRequest   = 999  // malformed JSON or unknown endpoint
)

// LinkplayError is a domain error carrying a stable numeric code a
// client can branch on, distinct from the human-readable message.
type LinkplayError struct {
	Code    int
	Message string
}

func (e *LinkplayError) Error() string {
	return fmt.Sprintf("linkplay: %s (code %d)", e.Message, e.Code)
}

// New builds a LinkplayError with the given code and message.
func New(code int, message string) *LinkplayError {
	return &LinkplayError{Code: code, Message: message}
}

var (
	ErrGeneric    = New(CodeGeneric, "bad session")
	ErrRoomFull   = New(CodeRoomFull, "room is full")
	ErrNoSuchRoom = New(CodeNoSuchRoom, "no such room")
	ErrWrongState = New(CodeWrongState, "room is not in the required state")
	ErrBadRequest = New(CodeBadRequest, "bad request")
)

// ErrNotHost reports that a host-only command arrived from a non-host
// slot. It carries the generic code; the reference implementation has no
// distinct code for this case, it simply drops the command.
var ErrNotHost = New(CodeGeneric, "caller is not host")

// ErrUnauthorized is used only for the TCP control plane's pre-crypto
// auth-prefix mismatch, which never reaches JSON encoding at all (the
// connection is closed after a plaintext "No authentication" message).
var ErrUnauthorized = New(CodeGeneric, "authentication failed")
