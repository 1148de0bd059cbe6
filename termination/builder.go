package termination

import (
	"log"

	"github.com/distmc/quiesce/partition"
	"github.com/distmc/quiesce/transport"
)

// Defaults of the detector.
const (
	DefaultSyncSkip     = 100
	DefaultMaxRecvCount = 400
)

// A MessageProcessor handles the client messages a detector receives.
type MessageProcessor interface {
	ProcessMessage(d transport.Delivery) error
}

// ProcessorFunc adapts a function to the MessageProcessor interface.
type ProcessorFunc func(d transport.Delivery) error

// ProcessMessage calls f.
func (f ProcessorFunc) ProcessMessage(d transport.Delivery) error {
	return f(d)
}

// Builder can build detectors.
type Builder struct {
	net          *transport.Network
	processor    MessageProcessor
	partitioner  *partition.Partitioner
	syncSkip     int
	maxRecvCount int
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		syncSkip:     DefaultSyncSkip,
		maxRecvCount: DefaultMaxRecvCount,
	}
}

// WithNetwork sets the network the detector polls. The network must be
// initialized before the detector is used.
func (b Builder) WithNetwork(n *transport.Network) Builder {
	b.net = n
	return b
}

// WithProcessor sets the handler of client messages.
func (b Builder) WithProcessor(p MessageProcessor) Builder {
	b.processor = p
	return b
}

// WithPartitioner sets the owner function. By default, vertices are hashed
// with xxhash over the cluster size.
func (b Builder) WithPartitioner(p partition.Partitioner) Builder {
	b.partitioner = &p
	return b
}

// WithSyncSkip sets how many idle polls the coordinator lets pass between
// two rounds.
func (b Builder) WithSyncSkip(n int) Builder {
	b.syncSkip = n
	return b
}

// WithMaxRecvCount sets how many normal messages one ProcessMessages call
// handles at most.
func (b Builder) WithMaxRecvCount(n int) Builder {
	b.maxRecvCount = n
	return b
}

// Build creates a detector.
func (b Builder) Build(name string) *Detector {
	if b.net == nil {
		log.Panic("termination: network is not set")
	}

	if b.processor == nil {
		log.Panic("termination: message processor is not set")
	}

	if b.syncSkip < 0 || b.maxRecvCount < 1 {
		log.Panicf("termination: invalid parameters in builder for %s", name)
	}

	p := partition.New(b.net.Size())
	if b.partitioner != nil {
		p = *b.partitioner
	}

	if p.Size() != b.net.Size() {
		log.Panicf("termination: partitioner over %d ranks, cluster of %d",
			p.Size(), b.net.Size())
	}

	d := &Detector{
		name:         name,
		net:          b.net,
		processor:    b.processor,
		partitioner:  p,
		logger:       b.net.Logger(),
		syncSkip:     b.syncSkip,
		maxRecvCount: b.maxRecvCount,
		phase:        PhaseUnarmed,
		stats:        newStats(b.net.Size()),
	}

	return d
}
