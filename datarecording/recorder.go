package datarecording

import (
	"sync"
	"time"

	"github.com/distmc/quiesce/hooking"
	"github.com/distmc/quiesce/termination"
	"github.com/distmc/quiesce/transport"
)

// Tables written by a Recorder.
const (
	FlushTable = "flush"
	RoundTable = "round"
	SyncTable  = "sync"
	StatsTable = "transport_stats"
)

// FlushEntry is a row of FlushTable. Urgent sends are recorded too, with
// the tag of the message.
type FlushEntry struct {
	Rank   int
	Dest   int
	Msgs   int
	Bytes  int
	Urgent bool
	Tag    int
	Time   float64
}

// RoundEntry is a row of RoundTable: a lap that starts, a round that
// aborts or a round that completes.
type RoundEntry struct {
	Rank      int
	Round     int
	Event     string
	Phase     string
	Kind      string
	Sent      int64
	Received  int64
	InfoBytes int
	Time      float64
}

// SyncEntry is a row of SyncTable.
type SyncEntry struct {
	Rank  int
	Round int
	Time  float64
}

// StatsEntry is a row of StatsTable.
type StatsEntry struct {
	Rank int

	SentNormalMsgs   int64
	SentNormalBytes  int64
	SentUrgentMsgs   int64
	SentUrgentBytes  int64
	RecvNormalMsgs   int64
	RecvNormalBytes  int64
	RecvUrgentMsgs   int64
	RecvUrgentBytes  int64
	PacketsSent      int64
	PacketsReceived  int64
	Flushes          int64
	FlushSomeSkipped int64
	SendSpins        int64
	AllocatedBuffers int64
	Barriers         int64

	SyncSent        int64
	SyncReceived    int64
	RoundsStarted   int64
	RoundsAborted   int64
	RoundsCompleted int64
}

type wallClock struct{}

func (wallClock) Now() time.Time {
	return time.Now()
}

type ranked interface {
	Rank() int
}

// Recorder is a hook that writes the events of networks and detectors into
// a DataRecorder. One Recorder can serve every node of a process.
type Recorder struct {
	mu       sync.Mutex
	recorder DataRecorder
	clock    transport.Clock
	start    time.Time
}

// NewRecorder creates the tables of a Recorder in r. Times are seconds
// since the creation of the Recorder, read from clock; a nil clock is the
// wall clock.
func NewRecorder(r DataRecorder, clock transport.Clock) *Recorder {
	if clock == nil {
		clock = wallClock{}
	}

	r.CreateTable(FlushTable, FlushEntry{})
	r.CreateTable(RoundTable, RoundEntry{})
	r.CreateTable(SyncTable, SyncEntry{})
	r.CreateTable(StatsTable, StatsEntry{})

	return &Recorder{
		recorder: r,
		clock:    clock,
		start:    clock.Now(),
	}
}

func (r *Recorder) now() float64 {
	return r.clock.Now().Sub(r.start).Seconds()
}

// Func records one hook event.
func (r *Recorder) Func(ctx hooking.HookCtx) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ctx.Pos {
	case transport.HookPosFlush, transport.HookPosUrgentSend:
		r.recordFlush(ctx)
	case termination.HookPosLapStart,
		termination.HookPosRoundAbort,
		termination.HookPosRoundComplete:
		r.recordRound(ctx)
	case termination.HookPosSynchronized:
		info := ctx.Item.(termination.RoundInfo)
		r.recorder.InsertData(SyncTable, SyncEntry{
			Rank:  info.Rank,
			Round: info.Round,
			Time:  r.now(),
		})
	}
}

func (r *Recorder) recordFlush(ctx hooking.HookCtx) {
	info := ctx.Item.(transport.FlushInfo)

	entry := FlushEntry{
		Rank:  -1,
		Dest:  info.Dest,
		Msgs:  info.Msgs,
		Bytes: info.Bytes,
		Tag:   -1,
		Time:  r.now(),
	}

	if d, ok := ctx.Domain.(ranked); ok {
		entry.Rank = d.Rank()
	}

	if ctx.Pos == transport.HookPosUrgentSend {
		entry.Urgent = true

		if tag, ok := ctx.Detail.(int); ok {
			entry.Tag = tag
		}
	}

	r.recorder.InsertData(FlushTable, entry)
}

func (r *Recorder) recordRound(ctx hooking.HookCtx) {
	info := ctx.Item.(termination.RoundInfo)

	r.recorder.InsertData(RoundTable, RoundEntry{
		Rank:      info.Rank,
		Round:     info.Round,
		Event:     ctx.Pos.Name,
		Phase:     info.Phase.String(),
		Kind:      info.Token.Kind.String(),
		Sent:      info.Token.Sent,
		Received:  info.Token.Received,
		InfoBytes: len(info.Token.Info),
		Time:      r.now(),
	})
}

// RecordStats writes the final counters of a node.
func (r *Recorder) RecordStats(rank int, ts transport.Stats, ds termination.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recorder.InsertData(StatsTable, StatsEntry{
		Rank:             rank,
		SentNormalMsgs:   ts.SentNormalMsgs,
		SentNormalBytes:  ts.SentNormalBytes,
		SentUrgentMsgs:   ts.SentUrgentMsgs,
		SentUrgentBytes:  ts.SentUrgentBytes,
		RecvNormalMsgs:   ts.RecvNormalMsgs,
		RecvNormalBytes:  ts.RecvNormalBytes,
		RecvUrgentMsgs:   ts.RecvUrgentMsgs,
		RecvUrgentBytes:  ts.RecvUrgentBytes,
		PacketsSent:      ts.PacketsSent,
		PacketsReceived:  ts.PacketsReceived,
		Flushes:          ts.Flushes,
		FlushSomeSkipped: ts.FlushSomeSkipped,
		SendSpins:        ts.SendSpins,
		AllocatedBuffers: ts.AllocatedBuffers,
		Barriers:         ts.Barriers,
		SyncSent:         ds.AllSyncSent(),
		SyncReceived:     ds.AllSyncReceived(),
		RoundsStarted:    ds.RoundsStarted,
		RoundsAborted:    ds.RoundsAborted,
		RoundsCompleted:  ds.RoundsCompleted,
	})
}

// Flush writes the buffered rows.
func (r *Recorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recorder.Flush()
}
