package control

import (
	"errors"
	"fmt"
)

var (
	// ErrFaulted is returned by every operation on a connection that saw a protocol violation or I/O failure.
	ErrFaulted = errors.New("control: connection is faulted")
	// ErrRequestInFlight is returned when a request is sent while another is still unanswered.
	ErrRequestInFlight   = errors.New("control: a request is already in flight")
	ErrNoRequestInFlight = errors.New("control: no request in flight")
	ErrClosed            = errors.New("control: connection is closed")

	ErrTtyAllocFailed = errors.New("control: tty allocation failed")
	ErrInvalidPacket  = errors.New("control: invalid packet")
)

// UnsupportedVersionError is returned when the master speaks a different protocol version.
type UnsupportedVersionError struct {
	Version uint32
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("control: unsupported protocol version %d", e.Version)
}

// InvalidResponseIDError is returned when a response answers a request other than the one in flight.
// HasExpected is false when the response arrived while no request was in flight.
type InvalidResponseIDError struct {
	Expected    uint32
	HasExpected bool
	Received    uint32
}

func (e *InvalidResponseIDError) Error() string {
	if !e.HasExpected {
		return fmt.Sprintf("control: unexpected response to request %d while none is in flight", e.Received)
	}
	return fmt.Sprintf("control: response id mismatch: expected %d, received %d", e.Expected, e.Received)
}

// PermissionDeniedError carries the master's reason for refusing a request.
type PermissionDeniedError struct {
	Reason string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("control: permission denied: %s", e.Reason)
}

// FailureError carries the master's reason for failing a request.
type FailureError struct {
	Reason string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("control: request failed: %s", e.Reason)
}

type TtyAllocFailedError struct {
	SessionID uint32
}

func (e *TtyAllocFailedError) Error() string {
	return fmt.Sprintf("control: tty allocation failed for session %d", e.SessionID)
}

func (e *TtyAllocFailedError) Is(target error) bool { return target == ErrTtyAllocFailed }

// InvalidPacketError is returned when the master answers with a response of the wrong kind.
type InvalidPacketError struct {
	Description string
}

func (e *InvalidPacketError) Error() string {
	return fmt.Sprintf("control: invalid packet: %s", e.Description)
}

func (e *InvalidPacketError) Is(target error) bool { return target == ErrInvalidPacket }
