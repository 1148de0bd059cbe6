package transport

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("CommMatrix", func() {
	It("should combine matrices element-wise", func() {
		a := NewCommMatrix(2)
		b := NewCommMatrix(2)
		a.Set(0, 1, 5)
		a.Set(1, 0, 2)
		b.Set(0, 1, 3)

		a.Sub(b)
		Expect(a.Get(0, 1)).To(Equal(int64(2)))
		Expect(a.Sum()).To(Equal(int64(4)))

		a.Add(b).Neg()
		Expect(a.Get(0, 1)).To(Equal(int64(-5)))
		Expect(a.String()).To(Equal("0 -5\n-2 0\n"))
	})

	It("should transpose", func() {
		a := NewCommMatrix(2)
		a.Set(0, 1, 7)

		Expect(a.Transpose().Get(1, 0)).To(Equal(int64(7)))
	})

	It("should panic on size mismatch", func() {
		Expect(func() { NewCommMatrix(2).Add(NewCommMatrix(3)) }).To(Panic())
	})

	It("should gather per-peer counts", func() {
		cluster := newLoopCluster(1)
		n := buildNetwork(cluster, 0, newManualClock(), nil)
		Expect(n.Send(0, 144, nil)).To(Succeed())
		Expect(n.Send(0, 144, nil)).To(Succeed())
		Expect(n.SendUrgent(0, 1, nil)).To(Succeed())
		Expect(n.Flush(0)).To(Succeed())
		drain(n, false)

		sent, err := n.GatherCommMatrix(MatrixSentNormal, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(sent.Get(0, 0)).To(Equal(int64(2)))

		recv, err := n.GatherCommMatrix(MatrixRecvNormal, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(recv.Get(0, 0)).To(Equal(int64(2)))

		urgent, err := n.GatherCommMatrix(MatrixSentUrgent, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(urgent.Sum()).To(Equal(int64(1)))
	})
})
