package reachability

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/distmc/quiesce/framing"
)

var _ = Describe("ModularGraph", func() {
	It("should encode states as vertices", func() {
		v := EncodeUint64(0x0102030405060708)
		Expect(v).To(HaveLen(8))
		Expect(v[0]).To(Equal(byte(0x08)))

		x, ok := DecodeUint64(v)
		Expect(ok).To(BeTrue())
		Expect(x).To(Equal(uint64(0x0102030405060708)))

		_, ok = DecodeUint64(framing.Vertex{1, 2, 3})
		Expect(ok).To(BeFalse())
	})

	It("should start from vertex 0 by default", func() {
		g := ModularGraph{Modulus: 10, Multiplier: 3, Fanout: 2}

		Expect(g.Initial()).To(Equal([]framing.Vertex{EncodeUint64(0)}))

		g.Start = []uint64{4, 13}
		Expect(g.Initial()).To(Equal([]framing.Vertex{
			EncodeUint64(4), EncodeUint64(3),
		}))
	})

	It("should list successors", func() {
		g := ModularGraph{Modulus: 10, Multiplier: 3, Fanout: 2}

		Expect(g.Successors(EncodeUint64(4))).To(Equal([]framing.Vertex{
			EncodeUint64(3), EncodeUint64(4),
		}))
		Expect(g.Successors(framing.Vertex{1})).To(BeEmpty())
	})

	It("should count reachable vertices", func() {
		Expect(CountReachable(ModularGraph{
			Modulus: 10, Multiplier: 3, Fanout: 2,
		})).To(Equal(10))

		// 0 -> 0 only.
		Expect(CountReachable(ModularGraph{
			Modulus: 10, Multiplier: 1, Fanout: 0,
		})).To(Equal(1))

		// Even states only.
		Expect(CountReachable(ModularGraph{
			Modulus: 100, Multiplier: 2, Fanout: 0, Start: []uint64{2},
		})).To(Equal(1))
		Expect(CountReachable(ModularGraph{
			Modulus: 100, Multiplier: 1, Fanout: 1, Start: []uint64{90},
		})).To(Equal(100))
	})
})
