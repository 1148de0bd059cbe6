package transport

import "time"

// Stats holds the counters of a network.
type Stats struct {
	SentNormalMsgs  int64
	SentNormalBytes int64
	SentUrgentMsgs  int64
	SentUrgentBytes int64
	RecvNormalMsgs  int64
	RecvNormalBytes int64
	RecvUrgentMsgs  int64
	RecvUrgentBytes int64

	PacketsSent      int64
	PacketsReceived  int64
	Flushes          int64
	FlushSomeSkipped int64
	SendSpins        int64
	AllocatedBuffers int64
	Barriers         int64

	SentToNormal   []int64
	SentToUrgent   []int64
	RecvFromNormal []int64
	RecvFromUrgent []int64
}

func newStats(size int) Stats {
	return Stats{
		SentToNormal:   make([]int64, size),
		SentToUrgent:   make([]int64, size),
		RecvFromNormal: make([]int64, size),
		RecvFromUrgent: make([]int64, size),
	}
}

// AllSent returns the number of messages sent on both lanes.
func (s Stats) AllSent() int64 {
	return s.SentNormalMsgs + s.SentUrgentMsgs
}

// AllReceived returns the number of messages received on both lanes.
func (s Stats) AllReceived() int64 {
	return s.RecvNormalMsgs + s.RecvUrgentMsgs
}

func (s Stats) clone() Stats {
	c := s
	c.SentToNormal = append([]int64(nil), s.SentToNormal...)
	c.SentToUrgent = append([]int64(nil), s.SentToUrgent...)
	c.RecvFromNormal = append([]int64(nil), s.RecvFromNormal...)
	c.RecvFromUrgent = append([]int64(nil), s.RecvFromUrgent...)

	return c
}

// Stats returns a copy of the counters.
func (n *Network) Stats() Stats {
	return n.stats.clone()
}

// AllSent returns the number of messages sent on both lanes.
func (n *Network) AllSent() int64 {
	return n.stats.AllSent()
}

// AllReceived returns the number of messages received on both lanes.
func (n *Network) AllReceived() int64 {
	return n.stats.AllReceived()
}

// SliceRate reports the packet and byte rates per second measured over the
// last completed statistics slice.
type SliceRate struct {
	SentPackets float64
	SentBytes   float64
	RecvPackets float64
	RecvBytes   float64
}

// A statsSlice counts the traffic of one statistics interval. It feeds flush
// rate control and poll adaptation.
type statsSlice struct {
	start     time.Time
	end       time.Time
	sends     int
	sentBytes int64
	recvs     int
	recvBytes int64
	last      SliceRate
}

func (s *statsSlice) begin(now time.Time, interval time.Duration) {
	s.start = now
	s.end = now.Add(interval)
	s.sends = 0
	s.sentBytes = 0
	s.recvs = 0
	s.recvBytes = 0
}

// roll starts a new slice when the current one has ended.
func (s *statsSlice) roll(now time.Time, interval time.Duration) {
	if now.Before(s.end) {
		return
	}

	secs := now.Sub(s.start).Seconds()
	if secs > 0 {
		s.last = SliceRate{
			SentPackets: float64(s.sends) / secs,
			SentBytes:   float64(s.sentBytes) / secs,
			RecvPackets: float64(s.recvs) / secs,
			RecvBytes:   float64(s.recvBytes) / secs,
		}
	}

	s.begin(now, interval)
}

// LastRate returns the rates of the last completed statistics slice.
func (n *Network) LastRate() SliceRate {
	return n.slice.last
}
