package termination

import (
	"fmt"

	"github.com/distmc/quiesce/hooking"
)

// Reserved tags. Tags below UserTagBase belong to the protocol and are
// rejected by Send and SendUrgent.
const (
	TagReady    = 0
	TagLap1     = 1
	TagLap2     = 2
	TagDone     = 3
	UserTagBase = 144
)

// CoordinatorRank is the rank that starts and judges every round.
const CoordinatorRank = 0

// Phase is the state of a node in the termination protocol.
type Phase int

// Phases of a round. A node is unarmed until it asks for synchronization.
const (
	PhaseUnarmed Phase = iota - 1
	PhaseReady
	PhaseLap1
	PhaseLap2
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseUnarmed:
		return "unarmed"
	case PhaseReady:
		return "ready"
	case PhaseLap1:
		return "lap1"
	case PhaseLap2:
		return "lap2"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Armed tells if the node takes part in rounds.
func (p Phase) Armed() bool {
	return p >= PhaseReady
}

// HookPosLapStart marks the coordinator sending a lap token.
var HookPosLapStart = &hooking.HookPos{Name: "LapStart"}

// HookPosRoundAbort marks the coordinator giving up a round.
var HookPosRoundAbort = &hooking.HookPos{Name: "RoundAbort"}

// HookPosRoundComplete marks a node learning that a round found the
// cluster quiet.
var HookPosRoundComplete = &hooking.HookPos{Name: "RoundComplete"}

// HookPosSynchronized marks a node leaving a round through the barrier.
var HookPosSynchronized = &hooking.HookPos{Name: "Synchronized"}

// RoundInfo is the hook item of the round hook positions.
type RoundInfo struct {
	Rank  int
	Round int
	Phase Phase
	Token Token
}
