package transport

import (
	"time"

	"github.com/distmc/quiesce/fabric"
	"github.com/distmc/quiesce/framing"
)

type bufferState int

const (
	bufferFree bufferState = iota
	bufferFilling
	bufferInFlight
)

func (s bufferState) String() string {
	switch s {
	case bufferFree:
		return "free"
	case bufferFilling:
		return "filling"
	case bufferInFlight:
		return "in-flight"
	default:
		return "unknown"
	}
}

type sendBuffer struct {
	msg    *framing.Message
	state  bufferState
	req    fabric.Request
	msgs   int
	size   int
	opened time.Time
}

func (b *sendBuffer) reset() {
	b.msg.Rewind()
	b.state = bufferFree
	b.req = nil
	b.msgs = 0
	b.size = 0
}

// A sendChain owns the buffers toward one destination. At most one buffer is
// filling at a time; current is its index or -1.
type sendChain struct {
	buffers  []*sendBuffer
	current  int
	inFlight int
	pending  int
}

func newSendChain() *sendChain {
	return &sendChain{current: -1}
}

func (c *sendChain) currentBuffer() *sendBuffer {
	if c.current < 0 {
		return nil
	}

	return c.buffers[c.current]
}

func (c *sendChain) allocate(capacity int) int {
	b := &sendBuffer{msg: framing.NewMessage(capacity)}
	c.buffers = append(c.buffers, b)

	return len(c.buffers) - 1
}

// test checks whether the in-flight buffer at i has been delivered and frees
// it if so.
func (c *sendChain) test(i int) (bool, error) {
	b := c.buffers[i]
	if b.state != bufferInFlight {
		return b.state == bufferFree, nil
	}

	done, err := b.req.Test()
	if err != nil {
		return false, err
	}

	if !done {
		return false, nil
	}

	c.inFlight--
	c.pending -= b.size
	b.reset()

	return true, nil
}

// findFree returns the index of a free buffer other than the current one,
// or -1. Completed in-flight buffers are reclaimed on the way.
func (c *sendChain) findFree() (int, error) {
	for i := range c.buffers {
		if i == c.current {
			continue
		}

		free, err := c.test(i)
		if err != nil {
			return -1, err
		}

		if free {
			return i, nil
		}
	}

	return -1, nil
}

// trim drops completed and free buffers located after index from, except the
// current buffer and the buffer at keep.
func (c *sendChain) trim(from, keep int) (int, error) {
	kept := c.buffers[:from+1]
	newCurrent, newKeep := c.current, keep

	for i := from + 1; i < len(c.buffers); i++ {
		b := c.buffers[i]

		if i != c.current && i != keep {
			free, err := c.test(i)
			if err != nil {
				return keep, err
			}

			if free {
				continue
			}
		}

		if i == c.current {
			newCurrent = len(kept)
		}

		if i == keep {
			newKeep = len(kept)
		}

		kept = append(kept, b)
	}

	for i := len(kept); i < len(c.buffers); i++ {
		c.buffers[i] = nil
	}

	c.buffers = kept
	c.current = newCurrent

	return newKeep, nil
}

// testAll reclaims every completed in-flight buffer.
func (c *sendChain) testAll() error {
	for i := range c.buffers {
		if _, err := c.test(i); err != nil {
			return err
		}
	}

	return nil
}
