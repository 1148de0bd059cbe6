package transport

import (
	"github.com/distmc/quiesce/fabric"
	"github.com/distmc/quiesce/framing"
)

// RecordHeaderSize is the size of the [size][tag] header of a record.
const RecordHeaderSize = 8

func writeRecord(m *framing.Message, tag int, payload []byte) {
	m.AppendInt32(int32(len(payload)))
	m.AppendInt32(int32(tag))
	m.AppendData(payload)
}

func (n *Network) checkSend(op string, dest int, payload []byte) error {
	if err := n.checkDest(op, dest); err != nil {
		return err
	}

	if len(payload)+RecordHeaderSize > n.sizeLimit {
		return newError(CodeInvalidMsgSize, op, dest, nil)
	}

	return nil
}

// Send appends a message to the normal-lane buffer of dest. The buffer is
// flushed when it holds MsgCountLimit messages or SizeLimit bytes.
func (n *Network) Send(dest, tag int, payload []byte) error {
	if err := n.checkSend("send", dest, payload); err != nil {
		return err
	}

	c := n.chains[dest]

	b := c.currentBuffer()
	if b == nil {
		i, err := n.acquire(dest, c)
		if err != nil {
			return err
		}

		c.current = i
		b = c.buffers[i]
		b.msg.RewindAppend()
		b.state = bufferFilling
	}

	writeRecord(b.msg, tag, payload)
	b.msgs++
	b.size = b.msg.Len()

	if b.msgs == 1 && n.timeLimit > 0 {
		b.opened = n.clock.Now()
	}

	n.stats.SentNormalMsgs++
	n.stats.SentNormalBytes += int64(len(payload))
	n.stats.SentToNormal[dest]++

	if b.msgs >= n.msgCountLimit || b.size >= n.sizeLimit {
		return n.Flush(dest)
	}

	return nil
}

// SendUrgent dispatches a message at once in a buffer of its own, never
// behind the messages waiting in the normal lane.
func (n *Network) SendUrgent(dest, tag int, payload []byte) error {
	if err := n.checkSend("send urgent", dest, payload); err != nil {
		return err
	}

	c := n.chains[dest]

	i, err := n.acquire(dest, c)
	if err != nil {
		return err
	}

	b := c.buffers[i]
	b.msg.RewindAppend()
	writeRecord(b.msg, tag, payload)
	b.msgs = 1
	b.size = b.msg.Len()

	if err := n.dispatch(dest, c, i, fabric.LaneUrgent); err != nil {
		return err
	}

	n.stats.SentUrgentMsgs++
	n.stats.SentUrgentBytes += int64(len(payload))
	n.stats.SentToUrgent[dest]++

	n.invoke(HookPosUrgentSend,
		FlushInfo{Dest: dest, Msgs: 1, Bytes: b.size}, tag)

	return nil
}

// acquire returns the index of an empty buffer toward dest that is not the
// current one. When too many buffers are in flight it waits a bounded number
// of rounds for one to complete before allocating a new one.
func (n *Network) acquire(dest int, c *sendChain) (int, error) {
	for retry := 0; ; retry++ {
		i, err := c.findFree()
		if err != nil {
			return -1, newError(CodeSendFailed, "test send to", dest, err)
		}

		if i >= 0 {
			if i >= n.maxSendsQueued/2 {
				i, err = c.trim(i, i)
				if err != nil {
					return -1, newError(CodeSendFailed, "test send to", dest, err)
				}
			}

			return i, nil
		}

		if c.inFlight < n.maxSendsQueued || retry >= n.maxWait {
			break
		}

		n.stats.SendSpins++
	}

	n.stats.AllocatedBuffers++

	return c.allocate(2 * n.sizeLimit), nil
}

func (n *Network) dispatch(dest int, c *sendChain, i int, lane fabric.Lane) error {
	b := c.buffers[i]

	req, err := n.fabric.Isend(dest, lane, b.msg.Bytes())
	if err != nil {
		n.logger.Printf("isend of %d bytes to %d failed: %v", b.size, dest, err)

		if i == c.current {
			c.current = -1
		}

		b.reset()

		return newError(CodeSendFailed, "send to", dest, err)
	}

	b.state = bufferInFlight
	b.req = req
	b.msgs = 0
	c.inFlight++
	c.pending += b.size

	if i == c.current {
		c.current = -1
	}

	n.stats.PacketsSent++
	n.slice.sends++
	n.slice.sentBytes += int64(b.size)

	return nil
}

// Flush dispatches the normal-lane buffer of dest if it holds any message.
func (n *Network) Flush(dest int) error {
	if err := n.checkDest("flush", dest); err != nil {
		return err
	}

	c := n.chains[dest]

	b := c.currentBuffer()
	if b == nil || b.msgs == 0 {
		return nil
	}

	msgs := b.msgs

	if err := n.dispatch(dest, c, c.current, fabric.LaneNormal); err != nil {
		return err
	}

	n.stats.Flushes++
	n.invoke(HookPosFlush, FlushInfo{Dest: dest, Msgs: msgs, Bytes: b.size}, nil)

	return nil
}

// FlushAll dispatches every normal-lane buffer that holds a message.
func (n *Network) FlushAll() error {
	if err := n.checkInit("flush all"); err != nil {
		return err
	}

	for dest := range n.chains {
		if err := n.Flush(dest); err != nil {
			return err
		}
	}

	return nil
}

// FlushSome dispatches only the largest normal-lane buffer. It does nothing
// when the packets sent in the current statistics slice exceed the share of
// the flush budget that corresponds to the time elapsed in the slice.
func (n *Network) FlushSome() error {
	if err := n.checkInit("flush some"); err != nil {
		return err
	}

	now := n.clock.Now()
	n.slice.roll(now, n.statsInterval)

	budget := float64(n.maxFlushRate)
	if !now.Before(n.slice.start) && !now.After(n.slice.end) {
		budget *= float64(now.Sub(n.slice.start)) / float64(n.statsInterval)
	}

	if float64(n.slice.sends) > budget {
		n.stats.FlushSomeSkipped++
		return nil
	}

	largest, largestSize := -1, -1
	for dest, c := range n.chains {
		b := c.currentBuffer()
		if b == nil || b.msgs == 0 {
			continue
		}

		if b.size > largestSize {
			largest, largestSize = dest, b.size
		}
	}

	if largest < 0 {
		return nil
	}

	return n.Flush(largest)
}

// FlushTimedOut dispatches the normal-lane buffers that have been waiting
// for longer than the time limit. It reads the clock once for all
// destinations.
func (n *Network) FlushTimedOut() error {
	if err := n.checkInit("flush timed out"); err != nil {
		return err
	}

	if n.timeLimit <= 0 {
		return nil
	}

	now := n.clock.Now()
	for dest, c := range n.chains {
		b := c.currentBuffer()
		if b == nil || b.msgs == 0 {
			continue
		}

		if now.Sub(b.opened) >= n.timeLimit {
			if err := n.Flush(dest); err != nil {
				return err
			}
		}
	}

	return nil
}

// PendingBytes returns the bytes dispatched to dest that are not known to be
// delivered yet. With test set, outstanding sends are checked first.
func (n *Network) PendingBytes(dest int, test bool) (int, error) {
	if err := n.checkDest("pending bytes", dest); err != nil {
		return 0, err
	}

	c := n.chains[dest]
	if test {
		if err := c.testAll(); err != nil {
			return 0, newError(CodeSendFailed, "test send to", dest, err)
		}
	}

	return c.pending, nil
}

// AllPendingBytes sums PendingBytes over all destinations.
func (n *Network) AllPendingBytes(test bool) (int, error) {
	if err := n.checkInit("pending bytes"); err != nil {
		return 0, err
	}

	total := 0
	for dest := range n.chains {
		p, err := n.PendingBytes(dest, test)
		if err != nil {
			return 0, err
		}

		total += p
	}

	return total, nil
}

// BufferedBytes returns the bytes waiting in the normal-lane buffer of dest.
func (n *Network) BufferedBytes(dest int) int {
	if !n.initialized || dest < 0 || dest >= n.size {
		return 0
	}

	b := n.chains[dest].currentBuffer()
	if b == nil {
		return 0
	}

	return b.size
}

// BufferedMsgs returns the number of messages waiting in the normal-lane
// buffer of dest.
func (n *Network) BufferedMsgs(dest int) int {
	if !n.initialized || dest < 0 || dest >= n.size {
		return 0
	}

	b := n.chains[dest].currentBuffer()
	if b == nil {
		return 0
	}

	return b.msgs
}

// InFlightBuffers returns the number of buffers toward dest that are
// dispatched and not reclaimed.
func (n *Network) InFlightBuffers(dest int) int {
	if !n.initialized || dest < 0 || dest >= n.size {
		return 0
	}

	return n.chains[dest].inFlight
}

// ChainLength returns the number of buffers owned for dest.
func (n *Network) ChainLength(dest int) int {
	if !n.initialized || dest < 0 || dest >= n.size {
		return 0
	}

	return len(n.chains[dest].buffers)
}
