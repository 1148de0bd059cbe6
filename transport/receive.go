package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	"github.com/distmc/quiesce/fabric"
	"github.com/distmc/quiesce/framing"
)

var errCorruptRecord = errors.New("corrupt record")

// Header describes the next message of a lane without consuming it.
type Header struct {
	Source int
	Tag    int
	Size   int
	Urgent bool
}

// A Delivery is a received message. The payload is owned by the caller.
type Delivery struct {
	Source  int
	Tag     int
	Payload []byte
	Urgent  bool
}

// A recvQueue holds one inbound buffer per source and the FIFO of sources
// whose buffers hold unread records.
type recvQueue struct {
	buffers []*framing.Message
	order   []int
}

func newRecvQueue(size int) *recvQueue {
	q := &recvQueue{
		buffers: make([]*framing.Message, size),
	}

	for i := range q.buffers {
		q.buffers[i] = framing.NewMessage(0)
	}

	return q
}

func (q *recvQueue) remove(src int) {
	for i, s := range q.order {
		if s == src {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

func (q *recvQueue) rotate() {
	if len(q.order) < 2 {
		return
	}

	front := q.order[0]
	copy(q.order, q.order[1:])
	q.order[len(q.order)-1] = front
}

func laneOf(urgent bool) fabric.Lane {
	if urgent {
		return fabric.LaneUrgent
	}

	return fabric.LaneNormal
}

// recvPacket moves the packet described by st from the fabric into the
// inbound buffer of its source.
func (n *Network) recvPacket(st fabric.Status) error {
	if st.Source < 0 || st.Source >= n.size {
		return newError(CodeInvalidSource, "receive from", st.Source, nil)
	}

	q := n.inbound[st.Lane]
	m := q.buffers[st.Source]

	if m.Remaining() > 0 {
		log.Panicf("transport: inbound buffer of %d refilled before drained",
			st.Source)
	}

	m.Rewind()
	buf := m.Extend(st.Size)

	k, err := n.fabric.Recv(st.Source, st.Lane, buf)
	if err != nil {
		m.Rewind()
		return newError(CodeReceiveFailed, "receive from", st.Source, err)
	}

	if k != st.Size {
		m.Rewind()
		return newError(CodeReceiveFailed, "receive from", st.Source,
			fmt.Errorf("got %d bytes, probed %d", k, st.Size))
	}

	n.stats.PacketsReceived++
	n.slice.recvs++
	n.slice.recvBytes += int64(k)

	if k == 0 {
		m.Rewind()
		return newError(CodeReceiveFailed, "receive from", st.Source,
			errCorruptRecord)
	}

	q.order = append(q.order, st.Source)

	return nil
}

// fill probes the fabric once and receives a packet if one is ready.
func (n *Network) fill(lane fabric.Lane, src int) (bool, error) {
	n.slice.roll(n.clock.Now(), n.statsInterval)

	st, ok, err := n.fabric.Iprobe(src, lane)
	if err != nil {
		return false, newError(CodeProbeFailed, "probe", src, err)
	}

	if !ok {
		return false, nil
	}

	if err := n.recvPacket(st); err != nil {
		return false, err
	}

	return true, nil
}

func (n *Network) header(lane fabric.Lane, src int) (Header, error) {
	q := n.inbound[lane]
	m := q.buffers[src]
	rest := m.Bytes()[m.ReadPos():]

	if len(rest) >= RecordHeaderSize {
		size := int(int32(binary.LittleEndian.Uint32(rest)))
		tag := int(int32(binary.LittleEndian.Uint32(rest[4:])))

		if size >= 0 && size <= len(rest)-RecordHeaderSize {
			return Header{
				Source: src,
				Tag:    tag,
				Size:   size,
				Urgent: lane == fabric.LaneUrgent,
			}, nil
		}
	}

	m.Rewind()
	q.remove(src)

	return Header{}, newError(CodeReceiveFailed, "parse record from", src,
		errCorruptRecord)
}

// peek returns the header of the next record of src, or of the source at
// the front of the FIFO when src is AnySource.
func (n *Network) peek(lane fabric.Lane, src int) (Header, bool, error) {
	if err := n.checkInit("poll"); err != nil {
		return Header{}, false, err
	}

	q := n.inbound[lane]

	if src == fabric.AnySource {
		if len(q.order) == 0 {
			ok, err := n.fill(lane, fabric.AnySource)
			if err != nil || !ok {
				return Header{}, false, err
			}
		}

		src = q.order[0]
	} else {
		if err := n.checkSource("poll", src); err != nil {
			return Header{}, false, err
		}

		if q.buffers[src].Remaining() == 0 {
			ok, err := n.fill(lane, src)
			if err != nil || !ok {
				return Header{}, false, err
			}
		}
	}

	h, err := n.header(lane, src)
	if err != nil {
		return Header{}, false, err
	}

	return h, true, nil
}

func (n *Network) take(lane fabric.Lane, h Header) Delivery {
	q := n.inbound[lane]
	m := q.buffers[h.Source]

	m.ReadInt32()
	m.ReadInt32()

	payload := make([]byte, h.Size)
	copy(payload, m.ReadData(h.Size))

	if m.Remaining() == 0 {
		m.Rewind()
		q.remove(h.Source)
	} else if q.order[0] == h.Source {
		q.rotate()
	}

	if h.Urgent {
		n.stats.RecvUrgentMsgs++
		n.stats.RecvUrgentBytes += int64(h.Size)
		n.stats.RecvFromUrgent[h.Source]++
	} else {
		n.stats.RecvNormalMsgs++
		n.stats.RecvNormalBytes += int64(h.Size)
		n.stats.RecvFromNormal[h.Source]++
	}

	n.invoke(HookPosReceive, h, nil)

	return Delivery{
		Source:  h.Source,
		Tag:     h.Tag,
		Payload: payload,
		Urgent:  h.Urgent,
	}
}

func (n *Network) tryReceive(lane fabric.Lane, src int) (Delivery, bool, error) {
	h, ok, err := n.peek(lane, src)
	if err != nil || !ok {
		return Delivery{}, false, err
	}

	return n.take(lane, h), true, nil
}

func (n *Network) receive(lane fabric.Lane, src int) (Delivery, error) {
	for {
		d, ok, err := n.tryReceive(lane, src)
		if err != nil || ok {
			return d, err
		}

		st, err := n.fabric.Probe(src, lane)
		if err != nil {
			return Delivery{}, newError(CodeProbeFailed, "probe", src, err)
		}

		if err := n.recvPacket(st); err != nil {
			return Delivery{}, err
		}
	}
}

// PollNormal reports the next normal-lane message without blocking and
// without consuming it.
func (n *Network) PollNormal() (Header, bool, error) {
	return n.peek(fabric.LaneNormal, fabric.AnySource)
}

// PollUrgent reports the next urgent message without blocking. Only one in
// every UrgentPollSkip+1 calls actually looks at the lane; ForcePoll makes
// the next call look.
func (n *Network) PollUrgent() (Header, bool, error) {
	if !n.poll.takeUrgentTurn() {
		return Header{}, false, nil
	}

	return n.peek(fabric.LaneUrgent, fabric.AnySource)
}

// PeekUrgent reports the next urgent message without blocking and without
// the skip gate of PollUrgent.
func (n *Network) PeekUrgent() (Header, bool, error) {
	return n.peek(fabric.LaneUrgent, fabric.AnySource)
}

// PollFrom reports the next message from src without blocking.
func (n *Network) PollFrom(src int, urgent bool) (Header, bool, error) {
	return n.peek(laneOf(urgent), src)
}

// TryReceive returns the next message of a lane if one is available.
func (n *Network) TryReceive(urgent bool) (Delivery, bool, error) {
	return n.tryReceive(laneOf(urgent), fabric.AnySource)
}

// TryReceiveFrom returns the next message from src if one is available.
func (n *Network) TryReceiveFrom(src int, urgent bool) (Delivery, bool, error) {
	if err := n.checkSource("receive from", src); err != nil {
		return Delivery{}, false, err
	}

	return n.tryReceive(laneOf(urgent), src)
}

// Receive blocks until a message is available on the lane. It is meant for
// drain points; poll loops use TryReceive.
func (n *Network) Receive(urgent bool) (Delivery, error) {
	if err := n.checkInit("receive"); err != nil {
		return Delivery{}, err
	}

	return n.receive(laneOf(urgent), fabric.AnySource)
}

// ReceiveFrom blocks until a message from src is available.
func (n *Network) ReceiveFrom(src int, urgent bool) (Delivery, error) {
	if err := n.checkSource("receive from", src); err != nil {
		return Delivery{}, err
	}

	return n.receive(laneOf(urgent), src)
}
