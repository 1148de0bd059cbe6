package termination

import (
	"errors"
	"fmt"
)

// ErrProtocol is wrapped by every ProtocolError.
var ErrProtocol = errors.New("termination protocol violation")

// ErrReservedTag is returned when a client sends with a protocol tag.
var ErrReservedTag = errors.New("tag is reserved for the termination protocol")

// A ProtocolError reports a message that a correctly driven cluster never
// produces, such as a lap token reaching a node that is not armed.
type ProtocolError struct {
	Rank   int
	Source int
	Tag    int
	Phase  Phase
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	s := fmt.Sprintf("termination: rank %d: tag %d from %d in phase %s: %s",
		e.Rank, e.Tag, e.Source, e.Phase, e.Reason)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}

	return s
}

// Unwrap returns the cause so that errors.Is matches ErrProtocol.
func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProtocol}
	}

	return []error{ErrProtocol, e.Err}
}
