package transport

import (
	"errors"
	"time"

	"github.com/distmc/quiesce/fabric"
)

type loopRequest struct {
	done bool
}

func (r *loopRequest) Test() (bool, error) {
	return r.done, nil
}

func (r *loopRequest) Wait() error {
	r.done = true
	return nil
}

type loopPacket struct {
	src, dst int
	lane     fabric.Lane
	size     int
}

// loopCluster connects in-process endpoints through inboxes. Sends complete
// at once unless holdSends is set.
type loopCluster struct {
	inboxes   []*fabric.Inbox
	holdSends bool
	requests  []*loopRequest
	packets   []loopPacket
}

func newLoopCluster(size int) *loopCluster {
	c := &loopCluster{}
	for i := 0; i < size; i++ {
		c.inboxes = append(c.inboxes, fabric.NewInbox())
	}

	return c
}

func (c *loopCluster) endpoint(rank int) *loopEndpoint {
	return &loopEndpoint{cluster: c, rank: rank}
}

func (c *loopCluster) completeAll() {
	for _, r := range c.requests {
		r.done = true
	}
}

func (c *loopCluster) packetsTo(dst int, lane fabric.Lane) int {
	count := 0
	for _, p := range c.packets {
		if p.dst == dst && p.lane == lane {
			count++
		}
	}

	return count
}

type loopEndpoint struct {
	cluster *loopCluster
	rank    int
}

func (e *loopEndpoint) Rank() int             { return e.rank }
func (e *loopEndpoint) Size() int             { return len(e.cluster.inboxes) }
func (e *loopEndpoint) ProcessorName() string { return "loopback" }

func (e *loopEndpoint) Isend(dst int, lane fabric.Lane, data []byte) (fabric.Request, error) {
	c := e.cluster
	buf := append([]byte(nil), data...)
	c.inboxes[dst].Push(e.rank, lane, buf)
	c.packets = append(c.packets,
		loopPacket{src: e.rank, dst: dst, lane: lane, size: len(data)})

	r := &loopRequest{done: !c.holdSends}
	c.requests = append(c.requests, r)

	return r, nil
}

func (e *loopEndpoint) Iprobe(src int, lane fabric.Lane) (fabric.Status, bool, error) {
	st, ok := e.cluster.inboxes[e.rank].Peek(src, lane)
	return st, ok, nil
}

func (e *loopEndpoint) Probe(src int, lane fabric.Lane) (fabric.Status, error) {
	st, ok := e.cluster.inboxes[e.rank].Peek(src, lane)
	if !ok {
		return fabric.Status{}, errors.New("probe would block")
	}

	return st, nil
}

func (e *loopEndpoint) Recv(src int, lane fabric.Lane, buf []byte) (int, error) {
	return e.cluster.inboxes[e.rank].Pop(src, lane, buf)
}

func (e *loopEndpoint) Barrier() error { return nil }

func (e *loopEndpoint) Gather(root int, data []byte) ([][]byte, error) {
	if e.Size() != 1 {
		return nil, errors.New("gather needs a single rank")
	}

	return [][]byte{data}, nil
}

func (e *loopEndpoint) AllGather(data []byte) ([][]byte, error) {
	return e.Gather(0, data)
}

func (e *loopEndpoint) Abort(int) error { return nil }
func (e *loopEndpoint) Close() error    { return nil }

type manualClock struct {
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1000, 0)}
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
