// Package framing provides a reusable growable byte buffer that serializes
// scalars, blobs and graph vertices into records with independent read and
// write cursors.
package framing

import (
	"encoding/binary"
	"log"
	"math"
)

// DefaultAllocStep is the granularity in bytes by which a Message grows.
const DefaultAllocStep = 1024

// SizeBytes is the number of bytes used by a size field.
const SizeBytes = 8

// A Message is a growable byte region with a write cursor and an independent
// read cursor. It is not safe for concurrent use.
type Message struct {
	data      []byte
	written   int
	readPos   int
	allocStep int
}

// NewMessage creates a Message with at least the given capacity.
func NewMessage(capacity int) *Message {
	m := &Message{allocStep: DefaultAllocStep}
	if capacity > 0 {
		m.data = make([]byte, roundUp(capacity, m.allocStep))
	}

	return m
}

// NewMessageFrom creates a Message that reads a copy of data.
func NewMessageFrom(data []byte) *Message {
	m := NewMessage(len(data))
	m.Load(data)

	return m
}

// SetAllocStep changes the growth granularity. Steps smaller than one byte
// are ignored.
func (m *Message) SetAllocStep(step int) {
	if step < 1 {
		return
	}

	m.allocStep = step
}

// Len returns the number of bytes written.
func (m *Message) Len() int {
	return m.written
}

// Cap returns the size of the backing store.
func (m *Message) Cap() int {
	return len(m.data)
}

// ReadPos returns the offset of the read cursor.
func (m *Message) ReadPos() int {
	return m.readPos
}

// Remaining returns the number of written bytes not read yet.
func (m *Message) Remaining() int {
	return m.written - m.readPos
}

// Bytes returns the written part of the buffer. The slice aliases the
// backing store and is invalidated by the next append that grows it.
func (m *Message) Bytes() []byte {
	return m.data[:m.written]
}

// Rewind resets both cursors. The backing store is kept.
func (m *Message) Rewind() {
	m.written = 0
	m.readPos = 0
}

// RewindRead moves the read cursor back to the first byte.
func (m *Message) RewindRead() {
	m.readPos = 0
}

// RewindAppend moves the write cursor back to the first byte. The read
// cursor never passes the write cursor, so it is reset too.
func (m *Message) RewindAppend() {
	m.written = 0
	m.readPos = 0
}

// Load replaces the content of the message with a copy of data and rewinds
// the read cursor.
func (m *Message) Load(data []byte) {
	m.Rewind()
	m.reserve(len(data))
	copy(m.data, data)
	m.written = len(data)
}

// SetData adopts data as the backing store without copying. The whole slice
// counts as written.
func (m *Message) SetData(data []byte) {
	m.data = data
	m.written = len(data)
	m.readPos = 0
}

// Reserve grows the backing store so that at least n more bytes can be
// appended without another allocation.
func (m *Message) Reserve(n int) {
	m.reserve(m.written + n)
}

func (m *Message) reserve(size int) {
	if size <= len(m.data) {
		return
	}

	newCap := len(m.data) * 2
	if newCap < size {
		newCap = size
	}

	newData := make([]byte, roundUp(newCap, m.allocStep))
	copy(newData, m.data[:m.written])
	m.data = newData
}

func roundUp(n, step int) int {
	if step <= 1 {
		return n
	}

	return ((n + step - 1) / step) * step
}

func (m *Message) grab(n int) []byte {
	m.reserve(m.written + n)
	b := m.data[m.written : m.written+n]
	m.written += n

	return b
}

func (m *Message) take(n int) []byte {
	if n < 0 || m.readPos+n > m.written {
		log.Panicf("framing: reading %d bytes with %d remaining",
			n, m.written-m.readPos)
	}

	b := m.data[m.readPos : m.readPos+n]
	m.readPos += n

	return b
}

// Extend appends n bytes and returns them for the caller to fill in place.
func (m *Message) Extend(n int) []byte {
	return m.grab(n)
}

// AppendData writes raw bytes without a length prefix.
func (m *Message) AppendData(data []byte) {
	copy(m.grab(len(data)), data)
}

// ReadData reads n raw bytes. The result aliases the buffer.
func (m *Message) ReadData(n int) []byte {
	return m.take(n)
}

// AppendBool writes a bool as a single byte.
func (m *Message) AppendBool(v bool) {
	b := m.grab(1)
	if v {
		b[0] = 1
	} else {
		b[0] = 0
	}
}

// ReadBool reads a bool written by AppendBool.
func (m *Message) ReadBool() bool {
	return m.take(1)[0] != 0
}

// AppendUint8 writes one unsigned byte.
func (m *Message) AppendUint8(v uint8) {
	m.grab(1)[0] = v
}

// ReadUint8 reads one unsigned byte.
func (m *Message) ReadUint8() uint8 {
	return m.take(1)[0]
}

// AppendInt8 writes one signed byte.
func (m *Message) AppendInt8(v int8) {
	m.grab(1)[0] = byte(v)
}

// ReadInt8 reads one signed byte.
func (m *Message) ReadInt8() int8 {
	return int8(m.take(1)[0])
}

// AppendInt16 writes a little-endian int16.
func (m *Message) AppendInt16(v int16) {
	binary.LittleEndian.PutUint16(m.grab(2), uint16(v))
}

// ReadInt16 reads a little-endian int16.
func (m *Message) ReadInt16() int16 {
	return int16(binary.LittleEndian.Uint16(m.take(2)))
}

// AppendUint16 writes a little-endian uint16.
func (m *Message) AppendUint16(v uint16) {
	binary.LittleEndian.PutUint16(m.grab(2), v)
}

// ReadUint16 reads a little-endian uint16.
func (m *Message) ReadUint16() uint16 {
	return binary.LittleEndian.Uint16(m.take(2))
}

// AppendInt32 writes a little-endian int32.
func (m *Message) AppendInt32(v int32) {
	binary.LittleEndian.PutUint32(m.grab(4), uint32(v))
}

// ReadInt32 reads a little-endian int32.
func (m *Message) ReadInt32() int32 {
	return int32(binary.LittleEndian.Uint32(m.take(4)))
}

// AppendUint32 writes a little-endian uint32.
func (m *Message) AppendUint32(v uint32) {
	binary.LittleEndian.PutUint32(m.grab(4), v)
}

// ReadUint32 reads a little-endian uint32.
func (m *Message) ReadUint32() uint32 {
	return binary.LittleEndian.Uint32(m.take(4))
}

// AppendInt64 writes a little-endian int64.
func (m *Message) AppendInt64(v int64) {
	binary.LittleEndian.PutUint64(m.grab(8), uint64(v))
}

// ReadInt64 reads a little-endian int64.
func (m *Message) ReadInt64() int64 {
	return int64(binary.LittleEndian.Uint64(m.take(8)))
}

// AppendUint64 writes a little-endian uint64.
func (m *Message) AppendUint64(v uint64) {
	binary.LittleEndian.PutUint64(m.grab(8), v)
}

// ReadUint64 reads a little-endian uint64.
func (m *Message) ReadUint64() uint64 {
	return binary.LittleEndian.Uint64(m.take(8))
}

// AppendFloat64 writes an IEEE-754 float64.
func (m *Message) AppendFloat64(v float64) {
	m.AppendUint64(math.Float64bits(v))
}

// ReadFloat64 reads an IEEE-754 float64.
func (m *Message) ReadFloat64() float64 {
	return math.Float64frombits(m.ReadUint64())
}

// AppendSize writes a size field.
func (m *Message) AppendSize(n int) {
	if n < 0 {
		log.Panicf("framing: negative size %d", n)
	}

	m.AppendUint64(uint64(n))
}

// ReadSize reads a size field.
func (m *Message) ReadSize() int {
	n := m.ReadUint64()
	if n > math.MaxInt32 {
		log.Panicf("framing: size field %d out of range", n)
	}

	return int(n)
}

// AppendBlob writes a size field followed by the bytes of b.
func (m *Message) AppendBlob(b []byte) {
	m.AppendSize(len(b))
	m.AppendData(b)
}

// ReadBlob reads a blob written by AppendBlob. The result is a copy.
func (m *Message) ReadBlob() []byte {
	n := m.ReadSize()
	b := make([]byte, n)
	copy(b, m.take(n))

	return b
}
