package simulation

import (
	"errors"
	"fmt"
	"log"
	"math/rand"

	"github.com/distmc/quiesce/fabric"
)

var errDeadlock = errors.New("no event left while waiting")

// NetworkBuilder can build simulated networks.
type NetworkBuilder struct {
	engine  *SerialEngine
	size    int
	latency VTimeInSec
	jitter  VTimeInSec
	seed    int64
}

// MakeNetworkBuilder creates a builder with default parameters.
func MakeNetworkBuilder() NetworkBuilder {
	return NetworkBuilder{
		size:    1,
		latency: 2e-4,
		jitter:  1e-4,
		seed:    1,
	}
}

// WithEngine sets the engine that delivers packets.
func (b NetworkBuilder) WithEngine(e *SerialEngine) NetworkBuilder {
	b.engine = e
	return b
}

// WithSize sets the number of ranks.
func (b NetworkBuilder) WithSize(n int) NetworkBuilder {
	b.size = n
	return b
}

// WithLatency sets the time a packet takes to arrive.
func (b NetworkBuilder) WithLatency(t VTimeInSec) NetworkBuilder {
	b.latency = t
	return b
}

// WithJitter sets the upper bound of the random delay added to the latency.
func (b NetworkBuilder) WithJitter(t VTimeInSec) NetworkBuilder {
	b.jitter = t
	return b
}

// WithSeed sets the seed of the jitter.
func (b NetworkBuilder) WithSeed(seed int64) NetworkBuilder {
	b.seed = seed
	return b
}

// Build creates a network.
func (b NetworkBuilder) Build(name string) *Network {
	if b.engine == nil {
		log.Panic("simulation: engine is not set")
	}

	if b.size < 1 || b.latency < 0 || b.jitter < 0 {
		log.Panicf("simulation: invalid parameters for network %s", name)
	}

	n := &Network{
		name:    name,
		engine:  b.engine,
		size:    b.size,
		latency: b.latency,
		jitter:  b.jitter,
		rng:     rand.New(rand.NewSource(b.seed)),
		closed:  make([]bool, b.size),
		last:    make([][fabric.NumLanes]VTimeInSec, b.size*b.size),
	}

	for i := 0; i < b.size; i++ {
		n.inboxes = append(n.inboxes, fabric.NewInbox())
		n.fabrics = append(n.fabrics, &Fabric{net: n, rank: i})
	}

	return n
}

// A Network connects the fabrics of a simulated cluster. Packets arrive
// after the latency plus a seeded jitter, never overtaking an earlier packet
// of the same source, destination and lane.
type Network struct {
	name    string
	engine  *SerialEngine
	size    int
	latency VTimeInSec
	jitter  VTimeInSec
	rng     *rand.Rand

	inboxes []*fabric.Inbox
	fabrics []*Fabric
	last    [][fabric.NumLanes]VTimeInSec
	closed  []bool

	aborted   bool
	abortCode int

	barrier collective
	gather  collective

	packets uint64
	bytes   uint64
}

// Name returns the name of the network.
func (n *Network) Name() string {
	return n.name
}

// Size returns the number of ranks.
func (n *Network) Size() int {
	return n.size
}

// Fabric returns the endpoint of a rank.
func (n *Network) Fabric(rank int) *Fabric {
	return n.fabrics[rank]
}

// Aborted tells if a rank aborted the cluster, and with which code.
func (n *Network) Aborted() (bool, int) {
	return n.aborted, n.abortCode
}

// Delivered returns the number of packets and bytes delivered so far.
func (n *Network) Delivered() (packets, bytes uint64) {
	return n.packets, n.bytes
}

// InFlight returns the number of packets sent and not delivered yet.
func (n *Network) InFlight() int {
	count := 0
	for _, f := range n.fabrics {
		count += f.inFlight
	}

	return count
}

type deliveryEvent struct {
	*EventBase
	src, dst int
	lane     fabric.Lane
	data     []byte
	req      *request
}

func (n *Network) send(src, dst int, lane fabric.Lane, data []byte) *request {
	now := n.engine.CurrentTime()

	at := now + n.latency
	if n.jitter > 0 {
		at += VTimeInSec(n.rng.Float64()) * n.jitter
	}

	ch := &n.last[src*n.size+dst][lane]
	if at < *ch {
		at = *ch
	}
	*ch = at

	req := &request{fabric: n.fabrics[src]}
	evt := &deliveryEvent{
		EventBase: NewEventBase(at, n),
		src:       src,
		dst:       dst,
		lane:      lane,
		data:      append([]byte(nil), data...),
		req:       req,
	}

	n.fabrics[src].inFlight++
	n.engine.Schedule(evt)

	return req
}

// Handle delivers a packet.
func (n *Network) Handle(e Event) error {
	evt, ok := e.(*deliveryEvent)
	if !ok {
		log.Panicf("simulation: network cannot handle %T", e)
	}

	n.fabrics[evt.src].inFlight--
	evt.req.done = true

	if n.closed[evt.dst] {
		return nil
	}

	n.inboxes[evt.dst].Push(evt.src, evt.lane, evt.data)
	n.packets++
	n.bytes += uint64(len(evt.data))

	return nil
}

// A collective gathers one contribution per rank. The generation advances
// when the last rank arrives.
type collective struct {
	gen     int
	arrived int
	rows    [][]byte
	result  [][]byte
}

func (c *collective) enter(rank, size int, data []byte) int {
	if c.rows == nil {
		c.rows = make([][]byte, size)
	}

	gen := c.gen
	c.rows[rank] = append([]byte(nil), data...)
	c.arrived++

	if c.arrived == size {
		c.result = c.rows
		c.rows = nil
		c.arrived = 0
		c.gen++
	}

	return gen
}

type request struct {
	fabric *Fabric
	done   bool
}

func (r *request) Test() (bool, error) {
	return r.done, nil
}

func (r *request) Wait() error {
	return r.fabric.wait("wait", func() bool { return r.done })
}

// A Waiter suspends the caller until cond holds. It is how blocking fabric
// operations give the rest of the cluster a chance to run.
type Waiter func(cond func() bool) error

// Fabric is the fabric.Fabric of one simulated rank.
type Fabric struct {
	net      *Network
	rank     int
	waiter   Waiter
	inFlight int
}

// SetWaiter sets how blocking operations wait. Without a waiter they drive
// the engine themselves.
func (f *Fabric) SetWaiter(w Waiter) {
	f.waiter = w
}

// Rank returns the rank of the endpoint.
func (f *Fabric) Rank() int {
	return f.rank
}

// Size returns the number of ranks.
func (f *Fabric) Size() int {
	return f.net.size
}

// ProcessorName returns a name for the simulated host.
func (f *Fabric) ProcessorName() string {
	return fmt.Sprintf("%s.node%d", f.net.name, f.rank)
}

func (f *Fabric) check(op string, peer int) error {
	if f.net.aborted {
		return fabric.NewError(op, f.rank, peer, fabric.ErrAborted)
	}

	if f.net.closed[f.rank] {
		return fabric.NewError(op, f.rank, peer, fabric.ErrClosed)
	}

	if peer != fabric.AnySource && (peer < 0 || peer >= f.net.size) {
		return fabric.NewError(op, f.rank, peer, fabric.ErrInvalidRank)
	}

	return nil
}

func (f *Fabric) wait(op string, cond func() bool) error {
	var err error

	if f.waiter != nil {
		err = f.waiter(cond)
	} else {
		err = f.drive(cond)
	}

	if err != nil {
		return fabric.NewError(op, f.rank, -1, err)
	}

	if f.net.aborted {
		return fabric.NewError(op, f.rank, -1, fabric.ErrAborted)
	}

	return nil
}

func (f *Fabric) drive(cond func() bool) error {
	for !cond() {
		if f.net.aborted {
			return fabric.ErrAborted
		}

		more, err := f.net.engine.Step()
		if err != nil {
			return err
		}

		if !more && !cond() {
			return errDeadlock
		}
	}

	return nil
}

// Isend schedules the delivery of a copy of data.
func (f *Fabric) Isend(dst int, lane fabric.Lane, data []byte) (fabric.Request, error) {
	if err := f.check("isend to", dst); err != nil {
		return nil, err
	}

	if dst == fabric.AnySource {
		return nil, fabric.NewError("isend to", f.rank, dst, fabric.ErrInvalidRank)
	}

	return f.net.send(f.rank, dst, lane, data), nil
}

// Iprobe reports the oldest delivered packet from src.
func (f *Fabric) Iprobe(src int, lane fabric.Lane) (fabric.Status, bool, error) {
	if err := f.check("probe", src); err != nil {
		return fabric.Status{}, false, err
	}

	st, ok := f.net.inboxes[f.rank].Peek(src, lane)

	return st, ok, nil
}

// Probe waits until a packet from src has been delivered.
func (f *Fabric) Probe(src int, lane fabric.Lane) (fabric.Status, error) {
	if err := f.check("probe", src); err != nil {
		return fabric.Status{}, err
	}

	in := f.net.inboxes[f.rank]
	err := f.wait("probe", func() bool {
		_, ok := in.Peek(src, lane)
		return ok
	})
	if err != nil {
		return fabric.Status{}, err
	}

	st, _ := in.Peek(src, lane)

	return st, nil
}

// Recv takes a delivered packet.
func (f *Fabric) Recv(src int, lane fabric.Lane, buf []byte) (int, error) {
	if err := f.check("receive from", src); err != nil {
		return 0, err
	}

	k, err := f.net.inboxes[f.rank].Pop(src, lane, buf)
	if err != nil {
		return 0, fabric.NewError("receive from", f.rank, src, err)
	}

	return k, nil
}

// Barrier waits until every rank entered the barrier.
func (f *Fabric) Barrier() error {
	if err := f.check("barrier", -1); err != nil {
		return err
	}

	c := &f.net.barrier
	gen := c.enter(f.rank, f.net.size, nil)

	return f.wait("barrier", func() bool { return c.gen != gen })
}

func (f *Fabric) collect(op string, data []byte) ([][]byte, error) {
	if err := f.check(op, -1); err != nil {
		return nil, err
	}

	c := &f.net.gather
	gen := c.enter(f.rank, f.net.size, data)

	if err := f.wait(op, func() bool { return c.gen != gen }); err != nil {
		return nil, err
	}

	return c.result, nil
}

// Gather collects data from every rank at root.
func (f *Fabric) Gather(root int, data []byte) ([][]byte, error) {
	if err := f.check("gather at", root); err != nil {
		return nil, err
	}

	rows, err := f.collect("gather", data)
	if err != nil || f.rank != root {
		return nil, err
	}

	return rows, nil
}

// AllGather collects data from every rank at every rank.
func (f *Fabric) AllGather(data []byte) ([][]byte, error) {
	return f.collect("all-gather", data)
}

// Abort stops the whole simulated cluster.
func (f *Fabric) Abort(code int) error {
	f.net.aborted = true
	f.net.abortCode = code

	return nil
}

// Close detaches the rank. Packets still arriving are dropped.
func (f *Fabric) Close() error {
	f.net.closed[f.rank] = true
	return nil
}
