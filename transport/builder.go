package transport

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/distmc/quiesce/fabric"
)

// Default limits.
const (
	DefaultMsgCountLimit  = 100
	DefaultSizeLimit      = 8192
	DefaultTimeLimit      = 300 * time.Millisecond
	DefaultMaxFlushRate   = 9000
	DefaultStatsInterval  = 3 * time.Second
	DefaultMaxSendsQueued = 10
	DefaultMaxWait        = 100
	DefaultPollSkipMax    = 20
	DefaultUrgentPollSkip = 10
)

// A Clock tells the current time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time {
	return time.Now()
}

// Builder can build networks.
type Builder struct {
	fabric         fabric.Fabric
	msgCountLimit  int
	sizeLimit      int
	timeLimit      time.Duration
	maxFlushRate   int
	statsInterval  time.Duration
	maxSendsQueued int
	maxWait        int
	pollSkipMax    int
	urgentPollSkip int
	clock          Clock
	logger         *log.Logger
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		msgCountLimit:  DefaultMsgCountLimit,
		sizeLimit:      DefaultSizeLimit,
		timeLimit:      DefaultTimeLimit,
		maxFlushRate:   DefaultMaxFlushRate,
		statsInterval:  DefaultStatsInterval,
		maxSendsQueued: DefaultMaxSendsQueued,
		maxWait:        DefaultMaxWait,
		pollSkipMax:    DefaultPollSkipMax,
		urgentPollSkip: DefaultUrgentPollSkip,
		clock:          wallClock{},
	}
}

// WithFabric sets the fabric that carries the packets.
func (b Builder) WithFabric(f fabric.Fabric) Builder {
	b.fabric = f
	return b
}

// WithMsgCountLimit sets the number of messages that triggers a flush.
func (b Builder) WithMsgCountLimit(n int) Builder {
	b.msgCountLimit = n
	return b
}

// WithSizeLimit sets the buffer size in bytes that triggers a flush. It is
// also the largest record that can be sent.
func (b Builder) WithSizeLimit(n int) Builder {
	b.sizeLimit = n
	return b
}

// WithTimeLimit sets the age of a buffer that triggers a flush. Zero disables
// timed flushing.
func (b Builder) WithTimeLimit(d time.Duration) Builder {
	b.timeLimit = d
	return b
}

// WithMaxFlushRate sets how many packets FlushSome may send per statistics
// interval.
func (b Builder) WithMaxFlushRate(n int) Builder {
	b.maxFlushRate = n
	return b
}

// WithStatsInterval sets the length of a statistics slice.
func (b Builder) WithStatsInterval(d time.Duration) Builder {
	b.statsInterval = d
	return b
}

// WithMaxSendsQueued sets how many buffers may be in flight toward one
// destination before a send starts to wait.
func (b Builder) WithMaxSendsQueued(n int) Builder {
	b.maxSendsQueued = n
	return b
}

// WithMaxWait sets how many times a send retries before it allocates a new
// buffer anyway.
func (b Builder) WithMaxWait(n int) Builder {
	b.maxWait = n
	return b
}

// WithPollSkipMax sets the upper bound of the adaptive poll skip rate.
func (b Builder) WithPollSkipMax(n int) Builder {
	b.pollSkipMax = n
	return b
}

// WithUrgentPollSkip sets how many urgent polls are skipped between two
// probes of the urgent lane.
func (b Builder) WithUrgentPollSkip(n int) Builder {
	b.urgentPollSkip = n
	return b
}

// WithClock sets the clock used for timed flushing and rate control.
func (b Builder) WithClock(c Clock) Builder {
	b.clock = c
	return b
}

// WithLogger sets the logger. By default, the network logs to stderr with
// the rank as prefix.
func (b Builder) WithLogger(l *log.Logger) Builder {
	b.logger = l
	return b
}

// Build creates a network. The network must be initialized with Init before
// messages can be sent.
func (b Builder) Build(name string) *Network {
	if b.fabric == nil {
		log.Panic("transport: fabric is not set")
	}

	if b.msgCountLimit < 1 || b.sizeLimit < RecordHeaderSize ||
		b.timeLimit < 0 || b.maxFlushRate < 1 || b.statsInterval <= 0 ||
		b.maxSendsQueued < 1 || b.maxWait < 0 ||
		b.pollSkipMax < 0 || b.urgentPollSkip < 0 {
		log.Panicf("transport: invalid limits in builder for %s", name)
	}

	n := &Network{
		name:           name,
		fabric:         b.fabric,
		rank:           b.fabric.Rank(),
		size:           b.fabric.Size(),
		msgCountLimit:  b.msgCountLimit,
		sizeLimit:      b.sizeLimit,
		timeLimit:      b.timeLimit,
		maxFlushRate:   b.maxFlushRate,
		statsInterval:  b.statsInterval,
		maxSendsQueued: b.maxSendsQueued,
		maxWait:        b.maxWait,
		clock:          b.clock,
		logger:         b.logger,
	}

	if n.logger == nil {
		n.logger = log.New(os.Stderr, fmt.Sprintf("[rank %d] ", n.rank),
			log.LstdFlags)
	}

	n.poll = newPollState(b.pollSkipMax, b.urgentPollSkip, n.size)

	return n
}
