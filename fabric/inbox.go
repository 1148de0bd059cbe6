package fabric

import "sync"

type packet struct {
	src  int
	data []byte
}

// An Inbox holds packets that arrived at a rank and have not been received.
// Packets of each lane are kept in arrival order, which keeps the order of
// every (source, lane) pair. An Inbox is safe for concurrent use.
type Inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lanes  [NumLanes][]packet
	closed error
}

// NewInbox creates an empty Inbox.
func NewInbox() *Inbox {
	in := &Inbox{}
	in.cond = sync.NewCond(&in.mu)

	return in
}

// Push appends a packet. The inbox takes ownership of data.
func (in *Inbox) Push(src int, lane Lane, data []byte) {
	in.mu.Lock()
	in.lanes[lane] = append(in.lanes[lane], packet{src: src, data: data})
	in.mu.Unlock()

	in.cond.Broadcast()
}

// Close wakes up all waiters. Later waits fail with err.
func (in *Inbox) Close(err error) {
	in.mu.Lock()
	if in.closed == nil {
		in.closed = err
	}
	in.mu.Unlock()

	in.cond.Broadcast()
}

// Len returns the number of packets waiting on a lane.
func (in *Inbox) Len(lane Lane) int {
	in.mu.Lock()
	defer in.mu.Unlock()

	return len(in.lanes[lane])
}

func (in *Inbox) find(src int, lane Lane) int {
	for i, p := range in.lanes[lane] {
		if src == AnySource || p.src == src {
			return i
		}
	}

	return -1
}

// Peek reports the oldest packet from src on lane without removing it.
func (in *Inbox) Peek(src int, lane Lane) (Status, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	i := in.find(src, lane)
	if i < 0 {
		return Status{}, false
	}

	p := in.lanes[lane][i]

	return Status{Source: p.src, Lane: lane, Size: len(p.data)}, true
}

// Wait blocks until a packet from src is available on lane.
func (in *Inbox) Wait(src int, lane Lane) (Status, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	for {
		if i := in.find(src, lane); i >= 0 {
			p := in.lanes[lane][i]
			return Status{Source: p.src, Lane: lane, Size: len(p.data)}, nil
		}

		if in.closed != nil {
			return Status{}, in.closed
		}

		in.cond.Wait()
	}
}

// Pop removes the oldest packet from src on lane and copies it into buf.
func (in *Inbox) Pop(src int, lane Lane, buf []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	i := in.find(src, lane)
	if i < 0 {
		return 0, ErrNoPacket
	}

	p := in.lanes[lane][i]
	if len(buf) < len(p.data) {
		return 0, ErrTruncated
	}

	q := in.lanes[lane]
	copy(q[i:], q[i+1:])
	q[len(q)-1] = packet{}
	in.lanes[lane] = q[:len(q)-1]

	return copy(buf, p.data), nil
}
