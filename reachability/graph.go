package reachability

import (
	"encoding/binary"

	"github.com/distmc/quiesce/framing"
)

// A Graph is an implicit directed graph given by its initial vertices and a
// successor function.
type Graph interface {
	Initial() []framing.Vertex
	Successors(v framing.Vertex) []framing.Vertex
}

// ModularGraph is a synthetic graph over the integers below Modulus. The
// successors of x are (x*Multiplier + i) mod Modulus for i in 1..Fanout.
// Vertices are encoded as little-endian uint64.
type ModularGraph struct {
	Modulus    uint64
	Multiplier uint64
	Fanout     int
	Start      []uint64
}

// EncodeUint64 returns the vertex of an integer state.
func EncodeUint64(x uint64) framing.Vertex {
	v := make(framing.Vertex, 8)
	binary.LittleEndian.PutUint64(v, x)

	return v
}

// DecodeUint64 returns the integer state of a vertex. It reports false if
// the vertex is not an encoded integer.
func DecodeUint64(v framing.Vertex) (uint64, bool) {
	if len(v) != 8 {
		return 0, false
	}

	return binary.LittleEndian.Uint64(v), true
}

// Initial returns the start vertices, vertex 0 if none is set.
func (g ModularGraph) Initial() []framing.Vertex {
	if len(g.Start) == 0 {
		return []framing.Vertex{EncodeUint64(0)}
	}

	init := make([]framing.Vertex, 0, len(g.Start))
	for _, x := range g.Start {
		init = append(init, EncodeUint64(x%g.Modulus))
	}

	return init
}

// Successors returns the successors of v. A vertex that does not encode an
// integer has none.
func (g ModularGraph) Successors(v framing.Vertex) []framing.Vertex {
	x, ok := DecodeUint64(v)
	if !ok || g.Modulus == 0 {
		return nil
	}

	succ := make([]framing.Vertex, 0, g.Fanout)
	for i := 1; i <= g.Fanout; i++ {
		succ = append(succ, EncodeUint64((x*g.Multiplier+uint64(i))%g.Modulus))
	}

	return succ
}

// CountReachable explores g in a single process and returns the number of
// reachable vertices.
func CountReachable(g Graph) int {
	visited := make(map[string]struct{})
	queue := make([]framing.Vertex, 0)

	for _, v := range g.Initial() {
		if _, ok := visited[string(v)]; ok {
			continue
		}

		visited[string(v)] = struct{}{}
		queue = append(queue, v)
	}

	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]

		for _, s := range g.Successors(v) {
			if _, ok := visited[string(s)]; ok {
				continue
			}

			visited[string(s)] = struct{}{}
			queue = append(queue, s)
		}
	}

	return len(visited)
}
