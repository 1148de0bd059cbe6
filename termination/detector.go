// Package termination detects when a cluster of nodes has gone quiet.
//
// The coordinator circulates a token around the ring of ranks. Every idle
// node adds its message counters to the token; a busy node sends an abort
// straight back. Two consecutive laps with balanced counters and exactly one
// relay per node in between prove that no message is in flight, and a third
// lap tells every node. Synchronized then returns true on every node after a
// common barrier.
package termination

import (
	"errors"
	"fmt"
	"log"

	"github.com/distmc/quiesce/framing"
	"github.com/distmc/quiesce/hooking"
	"github.com/distmc/quiesce/partition"
	"github.com/distmc/quiesce/transport"
)

// A Detector runs the termination protocol of one node and dispatches the
// client messages it receives on the way. It is not safe for concurrent use.
type Detector struct {
	hooking.HookableBase

	name        string
	net         *transport.Network
	processor   MessageProcessor
	partitioner partition.Partitioner
	logger      *log.Logger

	syncSkip     int
	syncSkipped  int
	maxRecvCount int

	phase    Phase
	busy     bool
	synced   bool
	round    int
	baseline Token
	info     Info

	stats Stats
}

// Name returns the name of the detector.
func (d *Detector) Name() string {
	return d.name
}

// Network returns the network the detector polls.
func (d *Detector) Network() *transport.Network {
	return d.net
}

// Rank returns the rank of the local node.
func (d *Detector) Rank() int {
	return d.net.Rank()
}

// Size returns the number of nodes in the cluster.
func (d *Detector) Size() int {
	return d.net.Size()
}

// IsCoordinator tells if the local node drives the rounds.
func (d *Detector) IsCoordinator() bool {
	return d.net.Rank() == CoordinatorRank
}

// Phase returns the protocol phase of the local node. A relay takes the
// phase of the last lap it passed on and falls back to ready when it aborts
// one; it only learns that the coordinator gave up a round from the next
// token.
func (d *Detector) Phase() Phase {
	return d.phase
}

// Round returns how many rounds the local node has left through
// Synchronized.
func (d *Detector) Round() int {
	return d.round
}

// Owner returns the rank responsible for the vertex.
func (d *Detector) Owner(v framing.Vertex) int {
	return d.partitioner.Owner(v)
}

// Partitioner returns the owner function of the detector.
func (d *Detector) Partitioner() partition.Partitioner {
	return d.partitioner
}

// SetBusy marks the node as having work. A busy node aborts every round
// that reaches it.
func (d *Detector) SetBusy() {
	d.busy = true
}

// SetIdle flushes the largest pending buffer and marks the node as idle.
func (d *Detector) SetIdle() error {
	err := d.net.FlushSome()
	d.net.ForcePoll()
	d.busy = false

	return err
}

// IsBusy tells if the node is marked busy.
func (d *Detector) IsBusy() bool {
	return d.busy
}

// ForcePoll makes the next ProcessMessages call look at the network.
func (d *Detector) ForcePoll() {
	d.net.ForcePoll()
}

// RequestSync arms the protocol on the local node. It has no effect while a
// round is in progress.
func (d *Detector) RequestSync() {
	if d.phase.Armed() {
		return
	}

	d.synced = false
	d.phase = PhaseReady
}

// Synchronized arms the protocol if needed and reports whether a round
// found the cluster quiet. When it did, every node meets in a barrier, the
// round counter advances and the node is unarmed again.
func (d *Detector) Synchronized() (bool, error) {
	d.RequestSync()

	if !d.synced {
		return false, nil
	}

	if err := d.net.Barrier(); err != nil {
		return false, err
	}

	d.stats.Barriers++
	d.round++
	d.phase = PhaseUnarmed
	d.info = nil
	d.baseline = Token{}

	d.invoke(HookPosSynchronized, Token{})

	return true, nil
}

// SynchronizedWith is Synchronized with a reduction carried by the second
// and third laps. info is only captured when the node arms; once it returns
// true every node holds the same value in info.
func (d *Detector) SynchronizedWith(info Info) (bool, error) {
	if !d.phase.Armed() {
		d.info = info
	}

	return d.Synchronized()
}

// Send sends a client message on the normal lane.
func (d *Detector) Send(dest, tag int, payload []byte) error {
	if tag < UserTagBase {
		return fmt.Errorf("%w: %d", ErrReservedTag, tag)
	}

	return d.net.Send(dest, tag, payload)
}

// SendUrgent sends a client message on the urgent lane.
func (d *Detector) SendUrgent(dest, tag int, payload []byte) error {
	if tag < UserTagBase {
		return fmt.Errorf("%w: %d", ErrReservedTag, tag)
	}

	return d.net.SendUrgent(dest, tag, payload)
}

// ProcessMessages is the poll loop step of a node. It runs the periodic
// network maintenance, handles at most one urgent message, drains the
// normal lane up to the receive bound, and lets the coordinator start a
// round when nothing happened.
func (d *Detector) ProcessMessages() error {
	if !d.net.ShouldPoll() {
		return nil
	}

	if _, err := d.net.Maintain(); err != nil {
		return err
	}

	someNew := false

	_, ok, err := d.net.PollUrgent()
	if err != nil {
		return err
	}

	if ok {
		msg, _, err := d.net.TryReceive(true)
		if err != nil {
			return err
		}

		someNew = true

		if err := d.handleUrgent(msg); err != nil {
			return d.fail(err)
		}
	}

	for count := 1; ; count++ {
		msg, ok, err := d.net.TryReceive(false)
		if err != nil {
			return err
		}

		if !ok {
			break
		}

		someNew = true

		if msg.Tag < UserTagBase {
			return d.fail(d.protocolError(msg, "protocol tag on the normal lane", nil))
		}

		if err := d.processor.ProcessMessage(msg); err != nil {
			return err
		}

		if count >= d.maxRecvCount {
			d.net.ForcePoll()
			break
		}
	}

	if d.IsCoordinator() && !d.busy && !someNew && d.phase == PhaseReady {
		d.syncSkipped--
		if d.syncSkipped < 0 {
			d.syncSkipped = d.syncSkip
			return d.startRound()
		}
	}

	return nil
}

func (d *Detector) fail(err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		d.logger.Printf("%s: %v", d.name, err)
	}

	return err
}

func (d *Detector) handleUrgent(msg transport.Delivery) error {
	if msg.Tag >= UserTagBase {
		return d.processor.ProcessMessage(msg)
	}

	d.stats.SyncReceived[msg.Source]++

	tok, err := DecodeToken(msg.Payload)
	if err != nil {
		return d.protocolError(msg, "malformed token", err)
	}

	switch msg.Tag {
	case TagLap1:
		return d.handleLap1(msg, tok)
	case TagLap2:
		return d.handleLap2(msg, tok)
	case TagDone:
		return d.handleDone(msg, tok)
	default:
		return d.protocolError(msg, "unexpected protocol tag", nil)
	}
}

func (d *Detector) protocolError(msg transport.Delivery, reason string, err error) *ProtocolError {
	return &ProtocolError{
		Rank:   d.net.Rank(),
		Source: msg.Source,
		Tag:    msg.Tag,
		Phase:  d.phase,
		Reason: reason,
		Err:    err,
	}
}

func (d *Detector) next() int {
	return (d.net.Rank() + 1) % d.net.Size()
}

func (d *Detector) counted(t Token) Token {
	return t.Add(d.net.AllSent(), d.net.AllReceived())
}

func (d *Detector) sendToken(dest, tag int, t Token) error {
	if err := d.net.SendUrgent(dest, tag, t.Encode()); err != nil {
		return err
	}

	d.stats.SyncSent[dest]++

	return nil
}

func (d *Detector) sendAbort(tag int) error {
	return d.sendToken(CoordinatorRank, tag, Token{Kind: TokenAbort})
}

func (d *Detector) startRound() error {
	d.phase = PhaseLap1
	d.stats.RoundsStarted++

	t := d.counted(Token{})
	if err := d.sendToken(d.next(), TagLap1, t); err != nil {
		return err
	}

	d.invoke(HookPosLapStart, t)

	return nil
}

func (d *Detector) abortRound(t Token) {
	d.phase = PhaseReady
	d.stats.RoundsAborted++
	d.invoke(HookPosRoundAbort, t)
}

func (d *Detector) handleLap1(msg transport.Delivery, t Token) error {
	if !d.phase.Armed() {
		if d.IsCoordinator() {
			return d.protocolError(msg, "lap 1 token at an unarmed coordinator", nil)
		}

		return d.sendAbort(TagLap1)
	}

	if !d.IsCoordinator() {
		if d.busy {
			d.phase = PhaseReady
			return d.sendAbort(TagLap1)
		}

		d.phase = PhaseLap1

		return d.sendToken(d.next(), TagLap1, d.counted(t))
	}

	if d.busy || !t.Stable() {
		d.abortRound(t)
		return nil
	}

	d.baseline = t
	d.phase = PhaseLap2

	second := d.counted(Token{})
	if d.info != nil {
		d.info.Reset()
		d.info.Update()

		data, err := d.info.MarshalInfo()
		if err != nil {
			return err
		}

		second.Info = data
	}

	if err := d.sendToken(d.next(), TagLap2, second); err != nil {
		return err
	}

	d.invoke(HookPosLapStart, second)

	return nil
}

func (d *Detector) loadInfo(msg transport.Delivery, t Token) error {
	if d.info == nil || len(t.Info) == 0 {
		return nil
	}

	if err := d.info.UnmarshalInfo(t.Info); err != nil {
		return d.protocolError(msg, "malformed token info", err)
	}

	return nil
}

func (d *Detector) handleLap2(msg transport.Delivery, t Token) error {
	if !d.phase.Armed() {
		return d.protocolError(msg, "lap 2 token at an unarmed node", nil)
	}

	if err := d.loadInfo(msg, t); err != nil {
		return err
	}

	if !d.IsCoordinator() {
		if d.busy {
			d.phase = PhaseReady
			return d.sendAbort(TagLap2)
		}

		d.phase = PhaseLap2

		relay := d.counted(t)
		if d.info != nil {
			d.info.Update()

			data, err := d.info.MarshalInfo()
			if err != nil {
				return err
			}

			relay.Info = data
		}

		return d.sendToken(d.next(), TagLap2, relay)
	}

	quiet := t.Stable() &&
		t.Sent == d.baseline.Sent+int64(d.net.Size())
	if d.busy || !quiet {
		d.abortRound(t)
		return nil
	}

	d.phase = PhaseDone

	done := Token{Sent: t.Sent, Received: t.Received, Info: t.Info}
	if err := d.sendToken(d.next(), TagDone, done); err != nil {
		return err
	}

	d.invoke(HookPosLapStart, done)

	return nil
}

func (d *Detector) handleDone(msg transport.Delivery, t Token) error {
	if !d.phase.Armed() {
		return d.protocolError(msg, "done token at an unarmed node", nil)
	}

	if err := d.loadInfo(msg, t); err != nil {
		return err
	}

	d.synced = true
	d.phase = PhaseDone
	d.stats.RoundsCompleted++
	d.invoke(HookPosRoundComplete, t)

	if d.IsCoordinator() {
		return nil
	}

	return d.sendToken(d.next(), TagDone, t)
}

func (d *Detector) invoke(pos *hooking.HookPos, t Token) {
	if d.NumHooks() == 0 {
		return
	}

	d.InvokeHook(hooking.HookCtx{
		Domain: d,
		Pos:    pos,
		Item: RoundInfo{
			Rank:  d.net.Rank(),
			Round: d.round,
			Phase: d.phase,
			Token: t,
		},
	})
}
