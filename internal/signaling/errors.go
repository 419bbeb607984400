package signaling

import (
	"errors"
	"fmt"
)

// Error codes sent to clients in {"type":"error","code":...} messages.
const (
	CodeInvalidJSON      = "invalid_json"
	CodeValidation       = "validation_error"
	CodeUnknownType      = "unknown_message_type"
	CodeRoomFull         = "room_full"
	CodeTooManyRooms     = "too_many_rooms"
	CodeNotJoined        = "not_joined"
	CodeAlreadyJoined    = "already_joined"
	CodeRateLimited      = "rate_limited"
	CodeUnsupportedFrame = "unsupported_frame"
	CodeInternal         = "internal_error"
)

var (
	ErrInvalidJSON      = errors.New("signaling: invalid json")
	ErrValidation       = errors.New("signaling: validation failed")
	ErrUnknownType      = errors.New("signaling: unknown message type")
	ErrRoomFull         = errors.New("signaling: room full")
	ErrTooManyRooms     = errors.New("signaling: too many rooms")
	ErrNotJoined        = errors.New("signaling: connection not joined")
	ErrAlreadyJoined    = errors.New("signaling: connection already joined")
	ErrRateLimited      = errors.New("signaling: rate limited")
	ErrUnsupportedFrame = errors.New("signaling: unsupported frame")

	// ErrDelivery is returned by an Outbox that can no longer accept messages.
	// It is never reported to clients; the failing member is evicted instead.
	ErrDelivery = errors.New("signaling: delivery failed")
)

// ProtocolError is a non-fatal error reported back to the client over its
// own connection.
type ProtocolError struct {
	Code    string
	Message string
	err     error
}

func (e *ProtocolError) Error() string { return e.Code + ": " + e.Message }

func (e *ProtocolError) Unwrap() error { return e.err }

func protocolError(sentinel error, code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...), err: sentinel}
}

var (
	errInvalidJSON = &ProtocolError{Code: CodeInvalidJSON, Message: "Invalid JSON message", err: ErrInvalidJSON}
	errRoomFull    = &ProtocolError{Code: CodeRoomFull, Message: fmt.Sprintf("Room is full (maximum %d peers allowed)", RoomCapacity), err: ErrRoomFull}
	errRateLimited = &ProtocolError{Code: CodeRateLimited, Message: "Rate limit exceeded", err: ErrRateLimited}
	errTextOnly    = &ProtocolError{Code: CodeUnsupportedFrame, Message: "Expected text message", err: ErrUnsupportedFrame}
)

// errorMessage converts err into the wire error message.
func errorMessage(err error) Message {
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		return Message{Type: TypeError, Code: CodeInternal, Message: "Internal error"}
	}
	return Message{Type: TypeError, Code: pe.Code, Message: pe.Message}
}
