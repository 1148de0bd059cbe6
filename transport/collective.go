package transport

// Barrier blocks until every rank entered the barrier.
func (n *Network) Barrier() error {
	if err := n.checkInit("barrier"); err != nil {
		return err
	}

	if err := n.fabric.Barrier(); err != nil {
		return newError(CodeBarrierFailed, "barrier", -1, err)
	}

	n.stats.Barriers++

	return nil
}

// Gather collects data from all ranks at root.
func (n *Network) Gather(root int, data []byte) ([][]byte, error) {
	if err := n.checkDest("gather at", root); err != nil {
		return nil, err
	}

	rows, err := n.fabric.Gather(root, data)
	if err != nil {
		return nil, newError(CodeGatherFailed, "gather at", root, err)
	}

	return rows, nil
}

// AllGather collects data from all ranks at every rank.
func (n *Network) AllGather(data []byte) ([][]byte, error) {
	if err := n.checkInit("all-gather"); err != nil {
		return nil, err
	}

	rows, err := n.fabric.AllGather(data)
	if err != nil {
		return nil, newError(CodeAllGatherFailed, "all-gather", -1, err)
	}

	return rows, nil
}

// Abort tears down the whole cluster.
func (n *Network) Abort(code int) error {
	n.logger.Printf("aborting cluster with code %d", code)

	if err := n.fabric.Abort(code); err != nil {
		return newError(CodeAbortFailed, "abort", -1, err)
	}

	return nil
}

// Close flushes every buffer, waits for outstanding sends, and releases the
// fabric.
func (n *Network) Close() error {
	if n.initialized {
		if err := n.FlushAll(); err != nil {
			return err
		}

		for dest, c := range n.chains {
			for _, b := range c.buffers {
				if b.state != bufferInFlight {
					continue
				}

				if err := b.req.Wait(); err != nil {
					return newError(CodeSendFailed, "wait send to", dest, err)
				}
			}
		}
	}

	return n.fabric.Close()
}
