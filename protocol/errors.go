package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIncomplete matches parse errors caused by input that ended before a value was complete.
	ErrIncomplete = errors.New("protocol: incomplete data")
	// ErrMalformed matches parse errors caused by structurally invalid input.
	ErrMalformed = errors.New("protocol: malformed data")

	ErrTrailingData   = errors.New("protocol: trailing data after message")
	ErrPacketTooLarge = errors.New("protocol: packet too large")
)

type ErrorKind int

const (
	KindIncomplete ErrorKind = iota + 1
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindIncomplete:
		return "incomplete"
	case KindMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ParseError describes what the decoder expected, where, and why it could not get it.
type ParseError struct {
	Kind ErrorKind
	// Context is the chain of messages being decoded, outermost first.
	Context []string
	// Field is the field being decoded when the failure happened.
	Field string
	// Offset is the byte offset into the decoded buffer.
	Offset int
	// Needed is the number of additional bytes required, for KindIncomplete.
	Needed int
	Reason string
}

func (e *ParseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "protocol: %s input at offset %d", e.Kind, e.Offset)
	if len(e.Context) > 0 || e.Field != "" {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Context, " > "))
		if e.Field != "" {
			if len(e.Context) > 0 {
				b.WriteString(" > ")
			}
			b.WriteString(e.Field)
		}
		b.WriteString(")")
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Kind == KindIncomplete && e.Needed > 0 {
		fmt.Fprintf(&b, ", at least %d more bytes needed", e.Needed)
	}
	return b.String()
}

func (e *ParseError) Is(target error) bool {
	switch target {
	case ErrIncomplete:
		return e.Kind == KindIncomplete
	case ErrMalformed:
		return e.Kind == KindMalformed
	}
	return false
}

// TrailingDataError reports bytes left in a frame after its message was decoded.
type TrailingDataError struct {
	Remaining int
}

func (e *TrailingDataError) Error() string {
	return fmt.Sprintf("protocol: %d bytes left unconsumed after message", e.Remaining)
}

func (e *TrailingDataError) Is(target error) bool { return target == ErrTrailingData }
