package partition

import (
	"encoding/binary"
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/distmc/quiesce/framing"
)

func vertexOf(i uint64) framing.Vertex {
	v := make(framing.Vertex, 8)
	binary.LittleEndian.PutUint64(v, i)

	return v
}

var _ = Describe("Partitioner", func() {
	It("should map everything to rank 0 on a single node", func() {
		p := New(1)

		for i := uint64(0); i < 100; i++ {
			Expect(p.Owner(vertexOf(i))).To(Equal(0))
		}
		Expect(p.OwnerOfRef(framing.VertexRef{Hash: 77})).To(Equal(0))
	})

	It("should be stable across calls and instances", func() {
		r := rand.New(rand.NewSource(1))

		for i := 0; i < 200; i++ {
			v := make(framing.Vertex, r.Intn(40))
			r.Read(v)

			owner := New(7).Owner(v)
			Expect(owner).To(BeNumerically(">=", 0))
			Expect(owner).To(BeNumerically("<", 7))
			Expect(New(7).Owner(v.Clone())).To(Equal(owner))
		}
	})

	It("should spread vertices over all ranks", func() {
		p := New(4)
		counts := make([]int, 4)

		for i := uint64(0); i < 4000; i++ {
			counts[p.Owner(vertexOf(i))]++
		}

		for _, c := range counts {
			Expect(c).To(BeNumerically(">", 700))
		}
	})

	It("should depend on the seed and the hash", func() {
		v := []byte("vertex")
		p := New(3)

		Expect(p.Hash(v)).ToNot(Equal(p.WithSeed(1).Hash(v)))
		Expect(p.Hash(v)).ToNot(Equal(p.WithHash(HashFNV).Hash(v)))
		Expect(p.WithHash(HashFNV).Hash(v)).
			To(Equal(New(3).WithHash(HashFNV).Hash(v)))
	})

	It("should use the reference hash for references", func() {
		Expect(New(5).OwnerOfRef(framing.VertexRef{Hash: 12, ID: 3})).To(Equal(2))
	})

	It("should reject empty clusters", func() {
		Expect(func() { New(0) }).To(Panic())
	})
})
