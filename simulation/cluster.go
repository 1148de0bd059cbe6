// Package simulation runs clusters of nodes inside one process on a
// discrete event engine.
//
// Every node runs its Program in a goroutine of its own, but only one of
// them runs at any time: the engine resumes a node on each of its ticks and
// waits until the node yields, either because its step ended or because it
// waits in a blocking fabric call. Runs are deterministic for a given seed.
package simulation

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/distmc/quiesce/hooking"
	"github.com/distmc/quiesce/termination"
	"github.com/distmc/quiesce/transport"
)

// ErrStepLimit is returned when a run handles more events than allowed.
var ErrStepLimit = errors.New("simulation: event limit reached")

// ErrStopped is returned by blocking calls of a node whose cluster stopped.
var ErrStopped = errors.New("simulation: cluster stopped")

// A Program is the code a node runs. Step is called once per tick until it
// reports that the node is done.
type Program interface {
	Step() (done bool, err error)
}

// ProgramFunc adapts a function to the Program interface.
type ProgramFunc func() (bool, error)

// Step calls f.
func (f ProgramFunc) Step() (bool, error) {
	return f()
}

// Builder can build clusters.
type Builder struct {
	size         int
	latency      VTimeInSec
	jitter       VTimeInSec
	seed         int64
	tickInterval VTimeInSec
	eventLimit   uint64
	epoch        time.Time
	logger       *log.Logger
	hooks        []hooking.Hook
	transport    func(transport.Builder) transport.Builder
	detector     func(termination.Builder) termination.Builder
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		size:         1,
		latency:      2e-4,
		jitter:       1e-4,
		seed:         1,
		tickInterval: 1e-3,
		eventLimit:   10_000_000,
		epoch:        time.Unix(0, 0),
	}
}

// WithSize sets the number of nodes.
func (b Builder) WithSize(n int) Builder {
	b.size = n
	return b
}

// WithLatency sets the packet latency.
func (b Builder) WithLatency(t VTimeInSec) Builder {
	b.latency = t
	return b
}

// WithJitter sets the upper bound of the random extra packet delay.
func (b Builder) WithJitter(t VTimeInSec) Builder {
	b.jitter = t
	return b
}

// WithSeed sets the seed of the jitter.
func (b Builder) WithSeed(seed int64) Builder {
	b.seed = seed
	return b
}

// WithTickInterval sets the virtual time between two steps of a node.
func (b Builder) WithTickInterval(t VTimeInSec) Builder {
	b.tickInterval = t
	return b
}

// WithEventLimit sets how many events a run may handle.
func (b Builder) WithEventLimit(n uint64) Builder {
	b.eventLimit = n
	return b
}

// WithLogger sets the logger of every node. By default, each node logs to
// stderr with its rank as prefix.
func (b Builder) WithLogger(l *log.Logger) Builder {
	b.logger = l
	return b
}

// WithHook attaches a hook to the network and the detector of every node.
func (b Builder) WithHook(h hooking.Hook) Builder {
	b.hooks = append(b.hooks[:len(b.hooks):len(b.hooks)], h)
	return b
}

// WithTransport lets the caller adjust the transport of every node.
func (b Builder) WithTransport(f func(transport.Builder) transport.Builder) Builder {
	b.transport = f
	return b
}

// WithDetector lets the caller adjust the detector of every node.
func (b Builder) WithDetector(f func(termination.Builder) termination.Builder) Builder {
	b.detector = f
	return b
}

// Build creates a cluster with initialized transports.
func (b Builder) Build() *Cluster {
	if b.tickInterval <= 0 || b.eventLimit == 0 {
		log.Panic("simulation: invalid cluster parameters")
	}

	c := &Cluster{
		id:           xid.New().String(),
		engine:       NewSerialEngine(),
		tickInterval: b.tickInterval,
		eventLimit:   b.eventLimit,
		quit:         make(chan struct{}),
	}

	c.network = MakeNetworkBuilder().
		WithEngine(c.engine).
		WithSize(b.size).
		WithLatency(b.latency).
		WithJitter(b.jitter).
		WithSeed(b.seed).
		Build("Cluster" + c.id)

	c.clock = Clock{Engine: c.engine, Epoch: b.epoch}

	for rank := 0; rank < b.size; rank++ {
		n := &Node{
			cluster: c,
			rank:    rank,
			fabric:  c.network.Fabric(rank),
			resume:  make(chan struct{}),
			yield:   make(chan stepResult),
			hooks:   b.hooks,
			detect:  b.detector,
		}
		n.fabric.SetWaiter(n.block)

		tb := transport.MakeBuilder().
			WithFabric(n.fabric).
			WithClock(c.clock)
		if b.logger != nil {
			tb = tb.WithLogger(b.logger)
		}

		if b.transport != nil {
			tb = b.transport(tb)
		}

		n.network = tb.Build(fmt.Sprintf("Node[%d].Network", rank))
		if err := n.network.Init(); err != nil {
			log.Panicf("simulation: %v", err)
		}

		for _, h := range b.hooks {
			n.network.AcceptHook(h)
		}

		c.nodes = append(c.nodes, n)
	}

	return c
}

// A Cluster is a set of simulated nodes sharing one engine.
type Cluster struct {
	id           string
	engine       *SerialEngine
	clock        Clock
	network      *Network
	nodes        []*Node
	tickInterval VTimeInSec
	eventLimit   uint64

	quit    chan struct{}
	wg      sync.WaitGroup
	err     error
	running bool
}

// ID returns the unique ID of the cluster.
func (c *Cluster) ID() string {
	return c.id
}

// Engine returns the engine of the cluster.
func (c *Cluster) Engine() *SerialEngine {
	return c.engine
}

// Clock returns the virtual clock the transports of the cluster read.
func (c *Cluster) Clock() Clock {
	return c.clock
}

// Network returns the simulated interconnect.
func (c *Cluster) Network() *Network {
	return c.network
}

// Nodes returns the nodes of the cluster.
func (c *Cluster) Nodes() []*Node {
	return c.nodes
}

// Node returns the node of a rank.
func (c *Cluster) Node(rank int) *Node {
	return c.nodes[rank]
}

// Size returns the number of nodes.
func (c *Cluster) Size() int {
	return len(c.nodes)
}

type stepResult struct {
	done bool
	err  error
}

type tickEvent struct {
	*EventBase
	node *Node
}

// Handle resumes the node of a tick.
func (c *Cluster) Handle(e Event) error {
	evt := e.(*tickEvent)
	n := evt.node

	n.resume <- struct{}{}
	r := <-n.yield

	n.ticks++

	if r.err != nil {
		n.done = true
		n.err = r.err

		if c.err == nil {
			c.err = fmt.Errorf("node %d: %w", n.rank, r.err)
		}

		return nil
	}

	if r.done {
		n.done = true
		return nil
	}

	c.engine.Schedule(&tickEvent{
		EventBase: NewEventBase(c.engine.CurrentTime()+c.tickInterval, c),
		node:      n,
	})

	return nil
}

// Run starts the program of every node and runs the engine until every
// program is done. A cluster runs once.
func (c *Cluster) Run(factory func(n *Node) Program) error {
	if c.running {
		log.Panic("simulation: cluster already ran")
	}

	c.running = true

	for _, n := range c.nodes {
		n.program = factory(n)
		if n.program == nil {
			log.Panicf("simulation: no program for node %d", n.rank)
		}
	}

	for _, n := range c.nodes {
		c.wg.Add(1)

		go n.loop()

		c.engine.Schedule(&tickEvent{
			EventBase: NewEventBase(c.engine.CurrentTime(), c),
			node:      n,
		})
	}

	err := c.drive()

	close(c.quit)
	c.wg.Wait()

	return err
}

func (c *Cluster) drive() error {
	for !c.allDone() {
		if c.err != nil {
			return c.err
		}

		if aborted, code := c.network.Aborted(); aborted {
			return fmt.Errorf("simulation: cluster aborted with code %d", code)
		}

		if c.engine.Handled() >= c.eventLimit {
			return ErrStepLimit
		}

		more, err := c.engine.Step()
		if err != nil {
			return err
		}

		if !more {
			return errDeadlock
		}
	}

	return c.err
}

func (c *Cluster) allDone() bool {
	for _, n := range c.nodes {
		if !n.done {
			return false
		}
	}

	return true
}

// A Node is one simulated rank.
type Node struct {
	cluster *Cluster
	rank    int
	fabric  *Fabric
	network *transport.Network
	program Program
	hooks   []hooking.Hook
	detect  func(termination.Builder) termination.Builder

	resume chan struct{}
	yield  chan stepResult

	ticks uint64
	done  bool
	err   error
}

// Rank returns the rank of the node.
func (n *Node) Rank() int {
	return n.rank
}

// Fabric returns the fabric endpoint of the node.
func (n *Node) Fabric() *Fabric {
	return n.fabric
}

// Network returns the initialized transport of the node.
func (n *Node) Network() *transport.Network {
	return n.network
}

// Ticks returns how many times the node was resumed.
func (n *Node) Ticks() uint64 {
	return n.ticks
}

// Done tells if the program of the node finished.
func (n *Node) Done() bool {
	return n.done
}

// Err returns the error the program of the node failed with.
func (n *Node) Err() error {
	return n.err
}

// NewDetector builds a termination detector over the transport of the node
// with the cluster's detector settings and hooks.
func (n *Node) NewDetector(p termination.MessageProcessor) *termination.Detector {
	b := termination.MakeBuilder().
		WithNetwork(n.network).
		WithProcessor(p)
	if n.detect != nil {
		b = n.detect(b)
	}

	d := b.Build(fmt.Sprintf("Node[%d].Detector", n.rank))
	for _, h := range n.hooks {
		d.AcceptHook(h)
	}

	return d
}

func (n *Node) loop() {
	defer n.cluster.wg.Done()

	select {
	case <-n.resume:
	case <-n.cluster.quit:
		return
	}

	for {
		done, err := n.program.Step()
		if err != nil || done {
			select {
			case n.yield <- stepResult{done: done, err: err}:
			case <-n.cluster.quit:
			}

			return
		}

		if !n.pause() {
			return
		}
	}
}

// pause hands control back to the engine until the next tick of the node.
// It reports false when the cluster stopped.
func (n *Node) pause() bool {
	select {
	case n.yield <- stepResult{}:
	case <-n.cluster.quit:
		return false
	}

	select {
	case <-n.resume:
		return true
	case <-n.cluster.quit:
		return false
	}
}

// block suspends the node until cond holds, checking it once per tick.
func (n *Node) block(cond func() bool) error {
	for !cond() {
		if aborted, _ := n.cluster.network.Aborted(); aborted {
			return ErrStopped
		}

		if !n.pause() {
			return ErrStopped
		}
	}

	return nil
}
