// Package reachability counts the reachable vertices of a graph on a
// cluster. Every vertex is stored by the rank that owns it; discovering a
// vertex owned by another rank sends it there. The cluster stops exploring
// when the termination detector finds it quiet, and a second round sums
// the per-rank counts.
package reachability

import (
	"errors"
	"fmt"
	"log"

	"github.com/distmc/quiesce/framing"
	"github.com/distmc/quiesce/termination"
	"github.com/distmc/quiesce/transport"
)

// TagVisit is the tag of the message that hands a vertex to its owner.
const TagVisit = termination.UserTagBase

// DefaultBatchSize is the number of vertices expanded per step.
const DefaultBatchSize = 64

// ErrUnexpectedMessage is returned when a node receives a message it does
// not understand.
var ErrUnexpectedMessage = errors.New("reachability: unexpected message")

type stage int

const (
	stageSeed stage = iota
	stageExplore
	stageCount
	stageDone
)

// Stats counts the work of one explorer.
type Stats struct {
	Expanded   int64
	Local      int64
	Remote     int64
	Received   int64
	Duplicates int64
}

// An Explorer runs the distributed exploration on one node. It is the
// message processor of its detector and a simulation program.
type Explorer struct {
	name      string
	graph     Graph
	batchSize int
	logger    *log.Logger

	det     *termination.Detector
	stage   stage
	visited map[string]struct{}
	queue   []framing.Vertex
	out     *framing.Message
	total   *termination.Reduction[uint64]

	stats Stats
}

// Builder can build explorers.
type Builder struct {
	graph     Graph
	batchSize int
	logger    *log.Logger
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{batchSize: DefaultBatchSize}
}

// WithGraph sets the graph to explore.
func (b Builder) WithGraph(g Graph) Builder {
	b.graph = g
	return b
}

// WithBatchSize sets how many vertices a step expands at most.
func (b Builder) WithBatchSize(n int) Builder {
	b.batchSize = n
	return b
}

// WithLogger sets the logger. By default, the logger of the detector is
// used.
func (b Builder) WithLogger(l *log.Logger) Builder {
	b.logger = l
	return b
}

// Build creates an explorer. It must be attached to a detector before its
// first step.
func (b Builder) Build(name string) *Explorer {
	if b.graph == nil {
		log.Panic("reachability: graph is not set")
	}

	if b.batchSize < 1 {
		log.Panicf("reachability: invalid batch size %d", b.batchSize)
	}

	e := &Explorer{
		name:      name,
		graph:     b.graph,
		batchSize: b.batchSize,
		logger:    b.logger,
		visited:   make(map[string]struct{}),
		out:       framing.NewMessage(0),
	}

	e.total = termination.NewReduction[uint64](0, func(acc *uint64) {
		*acc += uint64(len(e.visited))
	})

	return e
}

// Attach sets the detector the explorer sends and synchronizes with.
func (e *Explorer) Attach(d *termination.Detector) {
	e.det = d
	if e.logger == nil {
		e.logger = d.Network().Logger()
	}
}

// Name returns the name of the explorer.
func (e *Explorer) Name() string {
	return e.name
}

// Visited returns the number of vertices stored on this node.
func (e *Explorer) Visited() int {
	return len(e.visited)
}

// Pending returns the number of vertices waiting for expansion.
func (e *Explorer) Pending() int {
	return len(e.queue)
}

// Total returns the number of vertices reachable in the whole graph. It is
// valid once Done returns true.
func (e *Explorer) Total() uint64 {
	return e.total.Value
}

// Done tells if the exploration and the count finished.
func (e *Explorer) Done() bool {
	return e.stage == stageDone
}

// Stats returns the counters of the explorer.
func (e *Explorer) Stats() Stats {
	return e.stats
}

// ProcessMessage stores a vertex sent by another rank.
func (e *Explorer) ProcessMessage(d transport.Delivery) error {
	if d.Tag != TagVisit || d.Urgent {
		return fmt.Errorf("%w: tag %d from %d", ErrUnexpectedMessage, d.Tag, d.Source)
	}

	m := framing.NewMessageFrom(d.Payload)
	if m.Remaining() < framing.SizeBytes {
		return fmt.Errorf("%w: %d byte payload from %d",
			ErrUnexpectedMessage, len(d.Payload), d.Source)
	}

	e.stats.Received++

	v := m.ReadVertex()
	if !e.insert(v) {
		e.stats.Duplicates++
	}

	return nil
}

func (e *Explorer) insert(v framing.Vertex) bool {
	if _, ok := e.visited[string(v)]; ok {
		return false
	}

	e.visited[string(v)] = struct{}{}
	e.queue = append(e.queue, v)

	if e.det != nil {
		e.det.SetBusy()
	}

	return true
}

func (e *Explorer) seed() {
	for _, v := range e.graph.Initial() {
		if e.det.Owner(v) == e.det.Rank() {
			e.insert(v)
		}
	}
}

func (e *Explorer) expand() error {
	for i := 0; i < e.batchSize && len(e.queue) > 0; i++ {
		v := e.queue[0]
		e.queue = e.queue[1:]
		e.stats.Expanded++

		for _, s := range e.graph.Successors(v) {
			owner := e.det.Owner(s)
			if owner == e.det.Rank() {
				e.stats.Local++
				if !e.insert(s) {
					e.stats.Duplicates++
				}

				continue
			}

			e.out.Rewind()
			e.out.AppendVertex(s)

			if err := e.det.Send(owner, TagVisit, e.out.Bytes()); err != nil {
				return err
			}

			e.stats.Remote++
		}
	}

	if len(e.queue) == 0 {
		e.queue = nil
	}

	return nil
}

// Step advances the exploration. It expands a batch while work is queued,
// flushes every buffer when the queue runs dry, waits for the cluster to go
// quiet, then sums the counts of all ranks.
func (e *Explorer) Step() (bool, error) {
	if e.det == nil {
		log.Panicf("reachability: %s has no detector", e.name)
	}

	if e.stage == stageSeed {
		e.seed()
		e.stage = stageExplore
	}

	if err := e.det.ProcessMessages(); err != nil {
		return false, err
	}

	switch e.stage {
	case stageExplore:
		if len(e.queue) > 0 {
			e.det.SetBusy()
			return false, e.expand()
		}

		if e.det.IsBusy() {
			if err := e.det.Network().FlushAll(); err != nil {
				return false, err
			}

			if err := e.det.SetIdle(); err != nil {
				return false, err
			}
		}

		ok, err := e.det.Synchronized()
		if err != nil || !ok {
			return false, err
		}

		e.logger.Printf("%s: exploration quiet with %d local vertices",
			e.name, len(e.visited))

		e.stage = stageCount
	case stageCount:
		ok, err := e.det.SynchronizedWith(e.total)
		if err != nil || !ok {
			return false, err
		}

		e.logger.Printf("%s: %d reachable vertices", e.name, e.total.Value)

		e.stage = stageDone
	}

	return e.stage == stageDone, nil
}
