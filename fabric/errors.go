package fabric

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed fabric.
var ErrClosed = errors.New("fabric closed")

// ErrAborted is returned after the cluster was aborted.
var ErrAborted = errors.New("fabric aborted")

// ErrInvalidRank is returned when a rank is outside the cluster.
var ErrInvalidRank = errors.New("invalid rank")

// ErrTruncated is returned when a receive buffer is smaller than the packet.
var ErrTruncated = errors.New("receive buffer too small")

// ErrNoPacket is returned by a receive when no matching packet is waiting.
var ErrNoPacket = errors.New("no packet waiting")

// Error wraps a failure of a fabric operation.
type Error struct {
	Op   string
	Rank int
	Peer int
	Err  error
}

func (e *Error) Error() string {
	if e.Peer >= 0 {
		return fmt.Sprintf("fabric: rank %d: %s peer %d: %v",
			e.Rank, e.Op, e.Peer, e.Err)
	}

	return fmt.Sprintf("fabric: rank %d: %s: %v", e.Rank, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error. Use peer -1 when no peer is involved.
func NewError(op string, rank, peer int, err error) *Error {
	return &Error{Op: op, Rank: rank, Peer: peer, Err: err}
}
