// Package transport provides buffered point-to-point messaging with a normal
// and an urgent lane on top of a fabric.
//
// Normal messages are framed into per-destination buffers that are flushed
// when they hold enough messages, enough bytes, or have waited long enough.
// Urgent messages are dispatched at once in a buffer of their own. A Network
// is not safe for concurrent use; each node drives its network from one
// goroutine.
package transport

import (
	"log"
	"time"

	"github.com/distmc/quiesce/fabric"
	"github.com/distmc/quiesce/hooking"
)

// HookPosFlush marks a normal-lane buffer being dispatched.
var HookPosFlush = &hooking.HookPos{Name: "Flush"}

// HookPosUrgentSend marks an urgent message being dispatched.
var HookPosUrgentSend = &hooking.HookPos{Name: "UrgentSend"}

// HookPosReceive marks a message being handed to the caller.
var HookPosReceive = &hooking.HookPos{Name: "Receive"}

// FlushInfo is the hook item of HookPosFlush and HookPosUrgentSend.
type FlushInfo struct {
	Dest  int
	Msgs  int
	Bytes int
}

// Network is the message transport of one node.
type Network struct {
	hooking.HookableBase

	name   string
	fabric fabric.Fabric
	rank   int
	size   int
	logger *log.Logger
	clock  Clock

	msgCountLimit  int
	sizeLimit      int
	timeLimit      time.Duration
	maxFlushRate   int
	statsInterval  time.Duration
	maxSendsQueued int
	maxWait        int

	initialized bool
	chains      []*sendChain
	inbound     [fabric.NumLanes]*recvQueue

	poll  pollState
	stats Stats
	slice statsSlice
}

// Name returns the name of the network.
func (n *Network) Name() string {
	return n.name
}

// Rank returns the rank of the local node.
func (n *Network) Rank() int {
	return n.rank
}

// Size returns the number of nodes in the cluster.
func (n *Network) Size() int {
	return n.size
}

// ProcessorName returns the host name reported by the fabric.
func (n *Network) ProcessorName() string {
	return n.fabric.ProcessorName()
}

// Logger returns the logger of the network.
func (n *Network) Logger() *log.Logger {
	return n.logger
}

// Initialized tells if Init has been called.
func (n *Network) Initialized() bool {
	return n.initialized
}

// Init allocates the per-destination and per-source buffers. Limits cannot
// be changed afterwards.
func (n *Network) Init() error {
	if n.initialized {
		return newError(CodeAlreadyInitialized, "init", -1, nil)
	}

	n.chains = make([]*sendChain, n.size)
	for i := range n.chains {
		n.chains[i] = newSendChain()
	}

	for lane := range n.inbound {
		n.inbound[lane] = newRecvQueue(n.size)
	}

	n.stats = newStats(n.size)
	n.slice.begin(n.clock.Now(), n.statsInterval)
	n.initialized = true

	return nil
}

func (n *Network) checkLimitChange(op string, valid bool) error {
	if n.initialized {
		return newError(CodeAlreadyInitialized, op, -1, nil)
	}

	if !valid {
		return newError(CodeInvalidLimit, op, -1, nil)
	}

	return nil
}

// SetMsgCountLimit changes the message count that triggers a flush.
func (n *Network) SetMsgCountLimit(limit int) error {
	if err := n.checkLimitChange("set message count limit", limit > 0); err != nil {
		return err
	}

	n.msgCountLimit = limit

	return nil
}

// SetSizeLimit changes the buffer size that triggers a flush.
func (n *Network) SetSizeLimit(limit int) error {
	err := n.checkLimitChange("set size limit", limit >= RecordHeaderSize)
	if err != nil {
		return err
	}

	n.sizeLimit = limit

	return nil
}

// SetTimeLimit changes the buffer age that triggers a flush. A limit of zero
// seconds and zero milliseconds disables timed flushing.
func (n *Network) SetTimeLimit(sec, msec int) error {
	err := n.checkLimitChange("set time limit", sec >= 0 && msec >= 0)
	if err != nil {
		return err
	}

	n.timeLimit = time.Duration(sec)*time.Second +
		time.Duration(msec)*time.Millisecond

	return nil
}

// SetMaxFlushRate changes the packet budget of FlushSome.
func (n *Network) SetMaxFlushRate(rate int) error {
	if err := n.checkLimitChange("set max flush rate", rate > 0); err != nil {
		return err
	}

	n.maxFlushRate = rate

	return nil
}

// MsgCountLimit returns the message count that triggers a flush.
func (n *Network) MsgCountLimit() int {
	return n.msgCountLimit
}

// SizeLimit returns the buffer size that triggers a flush.
func (n *Network) SizeLimit() int {
	return n.sizeLimit
}

// TimeLimit returns the buffer age that triggers a flush.
func (n *Network) TimeLimit() time.Duration {
	return n.timeLimit
}

// MaxFlushRate returns the packet budget of FlushSome per statistics slice.
func (n *Network) MaxFlushRate() int {
	return n.maxFlushRate
}

func (n *Network) checkInit(op string) error {
	if !n.initialized {
		return newError(CodeNotInitialized, op, -1, nil)
	}

	return nil
}

func (n *Network) checkDest(op string, dest int) error {
	if err := n.checkInit(op); err != nil {
		return err
	}

	if dest < 0 || dest >= n.size {
		return newError(CodeInvalidDestination, op, dest, nil)
	}

	return nil
}

func (n *Network) checkSource(op string, src int) error {
	if err := n.checkInit(op); err != nil {
		return err
	}

	if src < 0 || src >= n.size {
		return newError(CodeInvalidSource, op, src, nil)
	}

	return nil
}

func (n *Network) invoke(pos *hooking.HookPos, item, detail any) {
	if n.NumHooks() == 0 {
		return
	}

	n.InvokeHook(hooking.HookCtx{
		Domain: n,
		Pos:    pos,
		Item:   item,
		Detail: detail,
	})
}
