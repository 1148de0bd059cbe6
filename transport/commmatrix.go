package transport

import (
	"fmt"
	"strings"

	"github.com/distmc/quiesce/framing"
)

// A CommMatrix counts messages between every pair of ranks. Row i holds
// what rank i reported about each peer.
type CommMatrix struct {
	size int
	data []int64
}

// NewCommMatrix creates a size x size matrix of zeros.
func NewCommMatrix(size int) *CommMatrix {
	return &CommMatrix{size: size, data: make([]int64, size*size)}
}

// Size returns the number of rows.
func (m *CommMatrix) Size() int {
	return m.size
}

// Get returns the element at row i and column j.
func (m *CommMatrix) Get(i, j int) int64 {
	return m.data[i*m.size+j]
}

// Set changes the element at row i and column j.
func (m *CommMatrix) Set(i, j int, v int64) {
	m.data[i*m.size+j] = v
}

func (m *CommMatrix) mustMatch(o *CommMatrix) {
	if o.size != m.size {
		panic(fmt.Sprintf("comm matrix size mismatch: %d vs %d", m.size, o.size))
	}
}

// Add adds o element-wise and returns m.
func (m *CommMatrix) Add(o *CommMatrix) *CommMatrix {
	m.mustMatch(o)

	for i := range m.data {
		m.data[i] += o.data[i]
	}

	return m
}

// Sub subtracts o element-wise and returns m.
func (m *CommMatrix) Sub(o *CommMatrix) *CommMatrix {
	m.mustMatch(o)

	for i := range m.data {
		m.data[i] -= o.data[i]
	}

	return m
}

// Neg negates every element and returns m.
func (m *CommMatrix) Neg() *CommMatrix {
	for i := range m.data {
		m.data[i] = -m.data[i]
	}

	return m
}

// Transpose returns a new matrix with rows and columns swapped.
func (m *CommMatrix) Transpose() *CommMatrix {
	t := NewCommMatrix(m.size)
	for i := 0; i < m.size; i++ {
		for j := 0; j < m.size; j++ {
			t.Set(j, i, m.Get(i, j))
		}
	}

	return t
}

// Sum returns the sum of all elements.
func (m *CommMatrix) Sum() int64 {
	var s int64
	for _, v := range m.data {
		s += v
	}

	return s
}

func (m *CommMatrix) String() string {
	var sb strings.Builder
	for i := 0; i < m.size; i++ {
		for j := 0; j < m.size; j++ {
			if j > 0 {
				sb.WriteByte(' ')
			}

			fmt.Fprintf(&sb, "%d", m.Get(i, j))
		}

		sb.WriteByte('\n')
	}

	return sb.String()
}

// MatrixKind selects which counters a gathered matrix holds.
type MatrixKind int

// Kinds of communication matrices.
const (
	MatrixSentNormal MatrixKind = iota
	MatrixRecvNormal
	MatrixSentUrgent
	MatrixRecvUrgent
)

func (k MatrixKind) String() string {
	switch k {
	case MatrixSentNormal:
		return "sent-normal"
	case MatrixRecvNormal:
		return "received-normal"
	case MatrixSentUrgent:
		return "sent-urgent"
	case MatrixRecvUrgent:
		return "received-urgent"
	default:
		return fmt.Sprintf("matrix(%d)", int(k))
	}
}

func (n *Network) row(kind MatrixKind) []int64 {
	switch kind {
	case MatrixSentNormal:
		return n.stats.SentToNormal
	case MatrixRecvNormal:
		return n.stats.RecvFromNormal
	case MatrixSentUrgent:
		return n.stats.SentToUrgent
	case MatrixRecvUrgent:
		return n.stats.RecvFromUrgent
	default:
		panic(fmt.Sprintf("unknown matrix kind %d", int(kind)))
	}
}

// GatherMatrix collects one row per rank at target. Every rank must call it
// with the same target. Ranks other than target get nil.
func GatherMatrix(n *Network, row []int64, target int) (*CommMatrix, error) {
	msg := framing.NewMessage(len(row) * 8)
	for _, v := range row {
		msg.AppendInt64(v)
	}

	rows, err := n.Gather(target, msg.Bytes())
	if err != nil || rows == nil {
		return nil, err
	}

	m := NewCommMatrix(n.size)
	for i, r := range rows {
		in := framing.NewMessageFrom(r)
		for j := 0; j < n.size && in.Remaining() >= 8; j++ {
			m.Set(i, j, in.ReadInt64())
		}
	}

	return m, nil
}

// GatherCommMatrix collects the per-peer message counts of every rank at
// target.
func (n *Network) GatherCommMatrix(kind MatrixKind, target int) (*CommMatrix, error) {
	if err := n.checkInit("gather comm matrix"); err != nil {
		return nil, err
	}

	return GatherMatrix(n, n.row(kind), target)
}
