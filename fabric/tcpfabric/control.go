package tcpfabric

import (
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// hello is the first frame on every connection.
type hello struct {
	Rank int `msgpack:"rank"`
	Size int `msgpack:"size"`
}

type controlKind uint8

const (
	ctlEnter controlKind = iota
	ctlRelease
	ctlAbort
)

type collectiveOp uint8

const (
	opBarrier collectiveOp = iota
	opGather
	opAllGather
)

func (o collectiveOp) String() string {
	switch o {
	case opBarrier:
		return "barrier"
	case opGather:
		return "gather"
	case opAllGather:
		return "all-gather"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// control is a message of the control lane. Collectives are numbered by a
// generation that every rank advances in the same order.
type control struct {
	Kind controlKind  `msgpack:"k"`
	Op   collectiveOp `msgpack:"o"`
	Gen  uint64       `msgpack:"g"`
	Root int          `msgpack:"r"`
	Data []byte       `msgpack:"d,omitempty"`
	Rows [][]byte     `msgpack:"rows,omitempty"`
	Code int          `msgpack:"c,omitempty"`
}

func encodeControl(c control) ([]byte, error) {
	return msgpack.Marshal(&c)
}

func decodeControl(data []byte) (control, error) {
	var c control
	err := msgpack.Unmarshal(data, &c)

	return c, err
}

// contribution is what rank 0 collected for one generation.
type contribution struct {
	op      collectiveOp
	root    int
	rows    [][]byte
	arrived int
}

// collectives tracks the collective operations of one rank. Rank 0 counts
// the entries of every generation; the other ranks wait for releases.
type collectives struct {
	mu   sync.Mutex
	cond *sync.Cond

	gen      uint64
	entries  map[uint64]*contribution
	releases map[uint64]control
	err      error
}

func newCollectives() *collectives {
	c := &collectives{
		entries:  make(map[uint64]*contribution),
		releases: make(map[uint64]control),
	}
	c.cond = sync.NewCond(&c.mu)

	return c
}

func (c *collectives) next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++

	return c.gen
}

func (c *collectives) enter(size, rank int, msg control) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[msg.Gen]
	if e == nil {
		e = &contribution{op: msg.Op, root: msg.Root, rows: make([][]byte, size)}
		c.entries[msg.Gen] = e
	}

	if e.op != msg.Op || e.root != msg.Root {
		return fmt.Errorf("rank %d entered %s at %d in generation %d of %s at %d",
			rank, msg.Op, msg.Root, msg.Gen, e.op, e.root)
	}

	if e.rows[rank] != nil {
		return fmt.Errorf("rank %d entered generation %d twice", rank, msg.Gen)
	}

	e.rows[rank] = append([]byte{}, msg.Data...)
	e.arrived++

	c.cond.Broadcast()

	return nil
}

// gathered waits until every rank entered generation gen and returns the
// rows in rank order.
func (c *collectives) gathered(gen uint64, size int) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.err != nil {
			return nil, c.err
		}

		if e := c.entries[gen]; e != nil && e.arrived == size {
			delete(c.entries, gen)
			return e.rows, nil
		}

		c.cond.Wait()
	}
}

func (c *collectives) release(msg control) {
	c.mu.Lock()
	c.releases[msg.Gen] = msg
	c.mu.Unlock()

	c.cond.Broadcast()
}

func (c *collectives) released(gen uint64) (control, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if msg, ok := c.releases[gen]; ok {
			delete(c.releases, gen)
			return msg, nil
		}

		if c.err != nil {
			return control{}, c.err
		}

		c.cond.Wait()
	}
}

func (c *collectives) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()

	c.cond.Broadcast()
}
