// Package partition maps graph vertices to the rank that owns them.
package partition

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/cespare/xxhash/v2"

	"github.com/distmc/quiesce/framing"
)

// DefaultSeed is mixed into every vertex hash.
const DefaultSeed uint32 = 0xbafbaf99

// HashKind selects the hash function of a Partitioner.
type HashKind int

// Supported hash functions.
const (
	HashXX HashKind = iota
	HashFNV
)

func (k HashKind) String() string {
	switch k {
	case HashXX:
		return "xxhash"
	case HashFNV:
		return "fnv"
	default:
		return "unknown"
	}
}

// A Partitioner assigns vertices to ranks. It is pure: the same vertex always
// maps to the same rank for the same size, seed and hash.
type Partitioner struct {
	size int
	seed [4]byte
	kind HashKind
}

// New creates a Partitioner over size ranks with the default seed and hash.
func New(size int) Partitioner {
	if size < 1 {
		panic("partition: cluster size must be positive")
	}

	p := Partitioner{size: size, kind: HashXX}
	binary.LittleEndian.PutUint32(p.seed[:], DefaultSeed)

	return p
}

// WithHash returns a copy that uses another hash function.
func (p Partitioner) WithHash(kind HashKind) Partitioner {
	p.kind = kind
	return p
}

// WithSeed returns a copy that uses another seed.
func (p Partitioner) WithSeed(seed uint32) Partitioner {
	binary.LittleEndian.PutUint32(p.seed[:], seed)
	return p
}

// Size returns the number of ranks.
func (p Partitioner) Size() int {
	return p.size
}

// Hash returns the seeded hash of data.
func (p Partitioner) Hash(data []byte) uint64 {
	switch p.kind {
	case HashFNV:
		h := fnv.New64a()
		_, _ = h.Write(p.seed[:])
		_, _ = h.Write(data)

		return h.Sum64()
	default:
		d := xxhash.New()
		_, _ = d.Write(p.seed[:])
		_, _ = d.Write(data)

		return d.Sum64()
	}
}

// Owner returns the rank responsible for the vertex.
func (p Partitioner) Owner(v framing.Vertex) int {
	if p.size == 1 {
		return 0
	}

	return int(p.Hash(v) % uint64(p.size))
}

// OwnerOfRef returns the rank that stores the referenced vertex.
func (p Partitioner) OwnerOfRef(r framing.VertexRef) int {
	if p.size == 1 {
		return 0
	}

	return int(r.Hash % uint64(p.size))
}
