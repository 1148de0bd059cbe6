package termination

import (
	"errors"
	"fmt"
	"log"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/distmc/quiesce/fabric"
	"github.com/distmc/quiesce/transport"
)

type doneRequest struct{}

func (doneRequest) Test() (bool, error) { return true, nil }
func (doneRequest) Wait() error         { return nil }

// ringEndpoint is an in-process fabric endpoint. Sends complete at once and
// barriers do not block, so a single goroutine can drive every node.
type ringEndpoint struct {
	rank     int
	inboxes  []*fabric.Inbox
	barriers int
}

func (e *ringEndpoint) Rank() int             { return e.rank }
func (e *ringEndpoint) Size() int             { return len(e.inboxes) }
func (e *ringEndpoint) ProcessorName() string { return "ring" }

func (e *ringEndpoint) Isend(dst int, lane fabric.Lane, data []byte) (fabric.Request, error) {
	e.inboxes[dst].Push(e.rank, lane, append([]byte(nil), data...))
	return doneRequest{}, nil
}

func (e *ringEndpoint) Iprobe(src int, lane fabric.Lane) (fabric.Status, bool, error) {
	st, ok := e.inboxes[e.rank].Peek(src, lane)
	return st, ok, nil
}

func (e *ringEndpoint) Probe(src int, lane fabric.Lane) (fabric.Status, error) {
	st, ok := e.inboxes[e.rank].Peek(src, lane)
	if !ok {
		return fabric.Status{}, errors.New("probe would block")
	}

	return st, nil
}

func (e *ringEndpoint) Recv(src int, lane fabric.Lane, buf []byte) (int, error) {
	return e.inboxes[e.rank].Pop(src, lane, buf)
}

func (e *ringEndpoint) Barrier() error {
	e.barriers++
	return nil
}

func (e *ringEndpoint) Gather(root int, data []byte) ([][]byte, error) {
	if e.Size() != 1 {
		return nil, errors.New("gather needs a single rank")
	}

	return [][]byte{data}, nil
}

func (e *ringEndpoint) AllGather(data []byte) ([][]byte, error) {
	return e.Gather(0, data)
}

func (e *ringEndpoint) Abort(int) error { return nil }
func (e *ringEndpoint) Close() error    { return nil }

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	return c.now
}

// recorder collects the client messages of one node.
type recorder struct {
	got []transport.Delivery
}

func (r *recorder) ProcessMessage(d transport.Delivery) error {
	r.got = append(r.got, d)
	return nil
}

type ring struct {
	clock     *stepClock
	endpoints []*ringEndpoint
	nets      []*transport.Network
	detectors []*Detector
	recorders []*recorder
	synced    []bool
	infos     []Info
}

func newRing(size int) *ring {
	r := &ring{
		clock:  &stepClock{now: time.Unix(1000, 0)},
		synced: make([]bool, size),
		infos:  make([]Info, size),
	}

	inboxes := make([]*fabric.Inbox, size)
	for i := range inboxes {
		inboxes[i] = fabric.NewInbox()
	}

	for i := 0; i < size; i++ {
		e := &ringEndpoint{rank: i, inboxes: inboxes}
		n := transport.MakeBuilder().
			WithFabric(e).
			WithClock(r.clock).
			WithPollSkipMax(0).
			WithUrgentPollSkip(0).
			WithLogger(log.New(GinkgoWriter, fmt.Sprintf("[rank %d] ", i), 0)).
			Build(fmt.Sprintf("Network[%d]", i))
		Expect(n.Init()).To(Succeed())

		rec := &recorder{}
		d := MakeBuilder().
			WithNetwork(n).
			WithProcessor(rec).
			WithSyncSkip(0).
			Build(fmt.Sprintf("Detector[%d]", i))

		r.endpoints = append(r.endpoints, e)
		r.nets = append(r.nets, n)
		r.detectors = append(r.detectors, d)
		r.recorders = append(r.recorders, rec)
	}

	return r
}

// step lets every node poll once and ask for synchronization unless it has
// already left the round.
func (r *ring) step(armed func(rank int) bool) {
	r.clock.now = r.clock.now.Add(10 * time.Millisecond)

	for i, d := range r.detectors {
		Expect(d.ProcessMessages()).To(Succeed())

		if r.synced[i] || (armed != nil && !armed(i)) {
			continue
		}

		var (
			ok  bool
			err error
		)

		if r.infos[i] != nil {
			ok, err = d.SynchronizedWith(r.infos[i])
		} else {
			ok, err = d.Synchronized()
		}

		Expect(err).ToNot(HaveOccurred())

		r.synced[i] = ok
	}
}

func (r *ring) allSynced() bool {
	for _, s := range r.synced {
		if !s {
			return false
		}
	}

	return true
}

func (r *ring) anySynced() bool {
	for _, s := range r.synced {
		if s {
			return true
		}
	}

	return false
}

// run steps until every node synchronized or the bound is reached and
// returns the number of steps taken.
func (r *ring) run(bound int) int {
	for i := 1; i <= bound; i++ {
		r.step(nil)

		if r.allSynced() {
			return i
		}
	}

	return bound
}

func (r *ring) totals() (sent, received int64) {
	for _, n := range r.nets {
		sent += n.AllSent()
		received += n.AllReceived()
	}

	return sent, received
}
