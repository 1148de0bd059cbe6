package termination

import "github.com/distmc/quiesce/transport"

// Stats counts the protocol traffic of one node.
type Stats struct {
	SyncSent     []int64
	SyncReceived []int64

	Barriers        int64
	RoundsStarted   int64
	RoundsAborted   int64
	RoundsCompleted int64
}

func newStats(size int) Stats {
	return Stats{
		SyncSent:     make([]int64, size),
		SyncReceived: make([]int64, size),
	}
}

// AllSyncSent returns the number of tokens the node sent.
func (s Stats) AllSyncSent() int64 {
	return sum(s.SyncSent)
}

// AllSyncReceived returns the number of tokens the node received.
func (s Stats) AllSyncReceived() int64 {
	return sum(s.SyncReceived)
}

func sum(v []int64) int64 {
	var t int64
	for _, x := range v {
		t += x
	}

	return t
}

// Stats returns a copy of the protocol counters.
func (d *Detector) Stats() Stats {
	s := d.stats
	s.SyncSent = append([]int64(nil), d.stats.SyncSent...)
	s.SyncReceived = append([]int64(nil), d.stats.SyncReceived...)

	return s
}

// GatherSyncMatrices collects the per-peer token counts of every rank at
// target. Every rank must call it; ranks other than target get nil
// matrices.
func (d *Detector) GatherSyncMatrices(target int) (
	sent, received *transport.CommMatrix, err error,
) {
	sent, err = transport.GatherMatrix(d.net, d.stats.SyncSent, target)
	if err != nil {
		return nil, nil, err
	}

	received, err = transport.GatherMatrix(d.net, d.stats.SyncReceived, target)
	if err != nil {
		return nil, nil, err
	}

	return sent, received, nil
}
