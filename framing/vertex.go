package framing

import "fmt"

// A Vertex is the serialized form of a graph vertex. The framing layer treats
// it as an opaque byte string whose size is part of the vertex itself.
type Vertex []byte

// Clone returns a copy of the vertex that does not alias v.
func (v Vertex) Clone() Vertex {
	if v == nil {
		return nil
	}

	c := make(Vertex, len(v))
	copy(c, v)

	return c
}

// A VertexRef points to a vertex stored on some node by the hash of its
// storage bucket and its index within the bucket.
type VertexRef struct {
	Hash uint64
	ID   uint32
}

func (r VertexRef) String() string {
	return fmt.Sprintf("%x:%d", r.Hash, r.ID)
}

// VertexRefBytes is the encoded size of a VertexRef.
const VertexRefBytes = 12

// AppendVertex writes the vertex prefixed with its size.
func (m *Message) AppendVertex(v Vertex) {
	m.AppendSize(len(v))
	m.AppendData(v)
}

// ReadVertex reads a vertex written by AppendVertex. The result is a copy.
func (m *Message) ReadVertex() Vertex {
	return Vertex(m.ReadBlob())
}

// AppendVertexRef writes a vertex reference.
func (m *Message) AppendVertexRef(r VertexRef) {
	m.AppendUint64(r.Hash)
	m.AppendUint32(r.ID)
}

// ReadVertexRef reads a vertex reference.
func (m *Message) ReadVertexRef() VertexRef {
	h := m.ReadUint64()
	id := m.ReadUint32()

	return VertexRef{Hash: h, ID: id}
}
