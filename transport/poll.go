package transport

// pollState holds the adaptive polling counters of one network.
type pollState struct {
	skipMax  int
	skipRate int
	skipped  int

	urgentSkip    int
	urgentSkipped int

	maintainEvery   int
	maintainSkipped int
}

func newPollState(skipMax, urgentSkip, size int) pollState {
	return pollState{
		skipMax:       skipMax,
		skipRate:      skipMax,
		urgentSkip:    urgentSkip,
		maintainEvery: size * 10,
	}
}

func (p *pollState) takeUrgentTurn() bool {
	p.urgentSkipped--
	if p.urgentSkipped >= 0 {
		return false
	}

	p.urgentSkipped = p.urgentSkip

	return true
}

// adapt polls more often when more packets left than arrived in the current
// slice, and less often otherwise.
func (p *pollState) adapt(sent, received int) {
	if sent > received+received/16 {
		if p.skipRate > 0 {
			p.skipRate--
		}

		return
	}

	if p.skipRate < p.skipMax {
		p.skipRate++
	}
}

// ShouldPoll tells whether this turn of a poll loop should look at the
// network. Only one turn in every PollSkipRate()+1 does.
func (n *Network) ShouldPoll() bool {
	n.poll.skipped--
	if n.poll.skipped >= 0 {
		return false
	}

	n.poll.skipped = n.poll.skipRate

	return true
}

// ForcePoll makes the next ShouldPoll and PollUrgent calls look at the
// network.
func (n *Network) ForcePoll() {
	n.poll.skipped = 0
	n.poll.urgentSkipped = 0
}

// PollSkipRate returns the current number of turns skipped between polls.
func (n *Network) PollSkipRate() int {
	return n.poll.skipRate
}

// Maintain runs the periodic work of a poll loop. Every Size()*10 calls it
// flushes timed out buffers and adapts the poll skip rate. It reports
// whether the work ran.
func (n *Network) Maintain() (bool, error) {
	if err := n.checkInit("maintain"); err != nil {
		return false, err
	}

	n.poll.maintainSkipped--
	if n.poll.maintainSkipped > 0 {
		return false, nil
	}

	n.poll.maintainSkipped = n.poll.maintainEvery

	if err := n.FlushTimedOut(); err != nil {
		return true, err
	}

	n.slice.roll(n.clock.Now(), n.statsInterval)
	n.poll.adapt(n.slice.sends, n.slice.recvs)

	return true, nil
}
