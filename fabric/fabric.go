// Package fabric defines the collective point-to-point layer that the
// message transport runs on. A Fabric connects a fixed set of ranks, delivers
// opaque packets on two lanes, and offers the collective operations needed
// to leave a round together.
package fabric

import "fmt"

// Lane selects the priority class of a packet.
type Lane int

// Lanes of a fabric.
const (
	LaneNormal Lane = iota
	LaneUrgent
	numLanes
)

// NumLanes is the number of data lanes a fabric carries.
const NumLanes = int(numLanes)

func (l Lane) String() string {
	switch l {
	case LaneNormal:
		return "normal"
	case LaneUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("lane(%d)", int(l))
	}
}

// Valid tells if the lane is one of the data lanes.
func (l Lane) Valid() bool {
	return l >= 0 && l < numLanes
}

// AnySource matches packets from every rank in Iprobe and Probe.
const AnySource = -1

// Status describes a packet that is ready to be received.
type Status struct {
	Source int
	Lane   Lane
	Size   int
}

// A Request tracks an asynchronous send.
type Request interface {
	// Test reports whether the send has completed. It never blocks.
	Test() (bool, error)

	// Wait blocks until the send completes.
	Wait() error
}

// A Fabric connects the ranks of a cluster. Methods of one Fabric are called
// from a single goroutine.
type Fabric interface {
	// Rank returns the rank of the local node.
	Rank() int

	// Size returns the number of ranks.
	Size() int

	// ProcessorName returns a human readable name of the local host.
	ProcessorName() string

	// Isend starts sending a copy of data to dst.
	Isend(dst int, lane Lane, data []byte) (Request, error)

	// Iprobe checks, without blocking, whether a packet from src is ready.
	Iprobe(src int, lane Lane) (Status, bool, error)

	// Probe blocks until a packet from src is ready.
	Probe(src int, lane Lane) (Status, error)

	// Recv receives the oldest packet from src on lane into buf. The buffer
	// must be at least as large as the size reported by a probe.
	Recv(src int, lane Lane, buf []byte) (int, error)

	// Barrier blocks until every rank entered the barrier.
	Barrier() error

	// Gather collects data from all ranks at root. Ranks other than root
	// receive nil.
	Gather(root int, data []byte) ([][]byte, error)

	// AllGather collects data from all ranks at every rank.
	AllGather(data []byte) ([][]byte, error)

	// Abort tears the whole cluster down.
	Abort(code int) error

	// Close releases the local endpoint.
	Close() error
}

// CompletedRequest is a Request that is done at creation.
type CompletedRequest struct{}

// Test always reports completion.
func (CompletedRequest) Test() (bool, error) {
	return true, nil
}

// Wait returns immediately.
func (CompletedRequest) Wait() error {
	return nil
}
