package simulation

import (
	"errors"
	"log"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/distmc/quiesce/hooking"
	"github.com/distmc/quiesce/termination"
	"github.com/distmc/quiesce/transport"
)

func quickCluster(size int) Builder {
	return MakeBuilder().
		WithSize(size).
		WithLogger(log.New(GinkgoWriter, "", 0)).
		WithTransport(func(b transport.Builder) transport.Builder {
			return b.WithPollSkipMax(2).WithUrgentPollSkip(1)
		}).
		WithDetector(func(b termination.Builder) termination.Builder {
			return b.WithSyncSkip(5)
		})
}

// inbox records the client messages of a node.
type inbox struct {
	got []transport.Delivery
}

func (in *inbox) ProcessMessage(d transport.Delivery) error {
	in.got = append(in.got, d)
	return nil
}

// quietNode polls until the cluster is quiet once. before runs at the
// start of every step.
type quietNode struct {
	node     *Node
	det      *termination.Detector
	in       *inbox
	before   func(q *quietNode) error
	syncedAt VTimeInSec
}

func (q *quietNode) Step() (bool, error) {
	if q.before != nil {
		if err := q.before(q); err != nil {
			return false, err
		}
	}

	if err := q.det.ProcessMessages(); err != nil {
		return false, err
	}

	ok, err := q.det.Synchronized()
	if ok {
		q.syncedAt = q.node.cluster.engine.CurrentTime()
	}

	return ok, err
}

func runQuiet(
	c *Cluster,
	before func(q *quietNode) error,
) ([]*quietNode, error) {
	nodes := make([]*quietNode, c.Size())

	err := c.Run(func(n *Node) Program {
		q := &quietNode{node: n, in: &inbox{}, before: before}
		q.det = n.NewDetector(q.in)
		nodes[n.Rank()] = q

		return q
	})

	return nodes, err
}

func clusterTotals(c *Cluster) (sent, received int64) {
	for _, n := range c.Nodes() {
		sent += n.Network().AllSent()
		received += n.Network().AllReceived()
	}

	return sent, received
}

var _ = Describe("Cluster", func() {
	It("should run a program on every node", func() {
		mockCtrl := gomock.NewController(GinkgoT())
		defer mockCtrl.Finish()

		c := MakeBuilder().WithSize(3).Build()
		programs := make([]*MockProgram, 3)

		err := c.Run(func(n *Node) Program {
			p := NewMockProgram(mockCtrl)
			gomock.InOrder(
				p.EXPECT().Step().Return(false, nil),
				p.EXPECT().Step().Return(true, nil),
			)
			programs[n.Rank()] = p

			return p
		})

		Expect(err).ToNot(HaveOccurred())
		for _, n := range c.Nodes() {
			Expect(n.Done()).To(BeTrue())
			Expect(n.Ticks()).To(Equal(uint64(2)))
		}
		Expect(c.Engine().CurrentTime()).To(Equal(VTimeInSec(1e-3)))
	})

	It("should report a failing program", func() {
		boom := errors.New("boom")
		c := MakeBuilder().WithSize(2).Build()

		err := c.Run(func(n *Node) Program {
			return ProgramFunc(func() (bool, error) {
				if n.Rank() == 1 {
					return false, boom
				}

				return false, nil
			})
		})

		Expect(err).To(MatchError(boom))
		Expect(c.Node(1).Err()).To(MatchError(boom))
	})

	It("should stop at the event limit", func() {
		c := MakeBuilder().WithSize(2).WithEventLimit(100).Build()

		err := c.Run(func(n *Node) Program {
			return ProgramFunc(func() (bool, error) { return false, nil })
		})

		Expect(err).To(MatchError(ErrStepLimit))
	})

	It("should stop nodes waiting in a barrier", func() {
		c := MakeBuilder().WithSize(2).WithEventLimit(1000).Build()

		err := c.Run(func(n *Node) Program {
			return ProgramFunc(func() (bool, error) {
				if n.Rank() == 0 {
					return false, n.Network().Barrier()
				}

				return false, nil
			})
		})

		Expect(err).To(MatchError(ErrStepLimit))
	})

	It("should release a barrier when every node entered", func() {
		c := MakeBuilder().WithSize(4).Build()
		left := make([]VTimeInSec, 4)

		err := c.Run(func(n *Node) Program {
			return ProgramFunc(func() (bool, error) {
				if n.Ticks() < uint64(n.Rank()*3) {
					return false, nil
				}

				if err := n.Fabric().Barrier(); err != nil {
					return false, err
				}

				left[n.Rank()] = c.Engine().CurrentTime()

				return true, nil
			})
		})

		Expect(err).ToNot(HaveOccurred())
		for _, t := range left {
			Expect(t).To(BeNumerically(">=", 9e-3))
		}
	})

	It("should gather at the root", func() {
		c := MakeBuilder().WithSize(3).Build()
		var rows [][]byte

		err := c.Run(func(n *Node) Program {
			return ProgramFunc(func() (bool, error) {
				r, err := n.Network().Gather(1, []byte{byte(n.Rank() * 10)})
				if n.Rank() == 1 {
					rows = r
				} else if r != nil {
					return false, errors.New("rows outside the root")
				}

				return true, err
			})
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(rows).To(Equal([][]byte{{0}, {10}, {20}}))
	})
})

var _ = Describe("Termination on a simulated cluster", func() {
	It("should detect quiescence for every cluster size", func() {
		for size := 1; size <= 5; size++ {
			c := quickCluster(size).WithSeed(int64(size)).Build()

			nodes, err := runQuiet(c, nil)

			Expect(err).ToNot(HaveOccurred(), "size %d", size)
			for _, q := range nodes {
				Expect(q.det.Round()).To(Equal(1))
			}

			sent, received := clusterTotals(c)
			Expect(sent).To(Equal(received), "size %d", size)
		}
	})

	It("should work with the default poll rates", func() {
		c := MakeBuilder().
			WithSize(3).
			WithLogger(log.New(GinkgoWriter, "", 0)).
			Build()

		_, err := runQuiet(c, nil)

		Expect(err).ToNot(HaveOccurred())
	})

	It("should run the three node scenario", func() {
		c := quickCluster(3).Build()
		sentOnce := false

		nodes, err := runQuiet(c, func(q *quietNode) error {
			if q.node.Rank() != 0 || sentOnce {
				return nil
			}

			sentOnce = true
			q.det.SetBusy()

			for _, p := range []string{"first", "second"} {
				if err := q.det.Send(1, termination.UserTagBase, []byte(p)); err != nil {
					return err
				}
			}

			return q.det.SetIdle()
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(nodes[1].in.got).To(HaveLen(2))
		Expect(nodes[1].in.got[0].Payload).To(Equal([]byte("first")))
		Expect(nodes[2].in.got).To(BeEmpty())

		for _, q := range nodes {
			Expect(q.det.Round()).To(Equal(1))
			Expect(q.det.Stats().RoundsCompleted).To(Equal(int64(1)))
		}

		sent, received := clusterTotals(c)
		Expect(sent).To(Equal(received))
		Expect(c.Node(0).Network().Stats().SentNormalMsgs).To(Equal(int64(2)))
	})

	It("should not finish a round while a node is busy", func() {
		c := quickCluster(4).Build()
		var idleAt VTimeInSec

		nodes, err := runQuiet(c, func(q *quietNode) error {
			if q.node.Rank() != 2 {
				return nil
			}

			if q.node.Ticks() < 500 {
				q.det.SetBusy()
				return nil
			}

			if q.det.IsBusy() {
				idleAt = c.Engine().CurrentTime()
				return q.det.SetIdle()
			}

			return nil
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(idleAt).To(BeNumerically(">", 0))
		Expect(nodes[0].det.Stats().RoundsAborted).To(BeNumerically(">", 0))

		for _, q := range nodes {
			Expect(q.syncedAt).To(BeNumerically(">", idleAt))
		}
	})

	It("should not count a message still in a buffer as quiet", func() {
		c := quickCluster(2).
			WithTransport(func(b transport.Builder) transport.Builder {
				return b.WithPollSkipMax(2).WithUrgentPollSkip(1).
					WithTimeLimit(0)
			}).
			Build()
		var flushedAt VTimeInSec

		nodes, err := runQuiet(c, func(q *quietNode) error {
			if q.node.Rank() != 0 {
				return nil
			}

			switch q.node.Ticks() {
			case 0:
				return q.det.Send(1, termination.UserTagBase, []byte("late"))
			case 300:
				flushedAt = c.Engine().CurrentTime()
				return q.node.Network().FlushAll()
			}

			return nil
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(nodes[1].in.got).To(HaveLen(1))
		Expect(nodes[0].det.Stats().RoundsAborted).To(BeNumerically(">", 0))

		for _, q := range nodes {
			Expect(q.syncedAt).To(BeNumerically(">", flushedAt))
		}
	})

	It("should deliver urgent messages ahead of buffered ones", func() {
		c := quickCluster(2).Build()

		nodes, err := runQuiet(c, func(q *quietNode) error {
			if q.node.Rank() != 0 || q.node.Ticks() != 0 {
				return nil
			}

			for i := 0; i < 3; i++ {
				err := q.det.Send(1, termination.UserTagBase, []byte{byte(i)})
				if err != nil {
					return err
				}
			}

			return q.det.SendUrgent(1, termination.UserTagBase+1, []byte("now"))
		})

		Expect(err).ToNot(HaveOccurred())

		got := nodes[1].in.got
		Expect(got).To(HaveLen(4))
		Expect(got[0].Urgent).To(BeTrue())
		Expect(got[0].Payload).To(Equal([]byte("now")))

		for i, d := range got[1:] {
			Expect(d.Urgent).To(BeFalse())
			Expect(d.Payload).To(Equal([]byte{byte(i)}))
		}
	})

	It("should agree on a reduction", func() {
		c := quickCluster(5).Build()
		values := make([]*termination.Reduction[int], 5)

		err := c.Run(func(n *Node) Program {
			local := (n.Rank() + 1) * (n.Rank() + 1)
			values[n.Rank()] = termination.NewReduction(0, func(acc *int) { *acc += local })

			det := n.NewDetector(&inbox{})

			return ProgramFunc(func() (bool, error) {
				if err := det.ProcessMessages(); err != nil {
					return false, err
				}

				return det.SynchronizedWith(values[n.Rank()])
			})
		})

		Expect(err).ToNot(HaveOccurred())
		for _, v := range values {
			Expect(v.Value).To(Equal(55))
		}
	})

	It("should be deterministic for a seed", func() {
		finish := func() VTimeInSec {
			c := quickCluster(4).WithSeed(42).Build()
			_, err := runQuiet(c, nil)
			Expect(err).ToNot(HaveOccurred())

			return c.Engine().CurrentTime()
		}

		Expect(finish()).To(Equal(finish()))
	})

	It("should hook every node", func() {
		completes := 0
		hook := hooking.HookFunc(func(ctx hooking.HookCtx) {
			if ctx.Pos == termination.HookPosRoundComplete {
				completes++
			}
		})

		c := quickCluster(3).WithHook(hook).Build()

		_, err := runQuiet(c, nil)

		Expect(err).ToNot(HaveOccurred())
		Expect(completes).To(Equal(3))
	})
})
