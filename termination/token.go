package termination

import (
	"errors"
	"fmt"

	"github.com/distmc/quiesce/framing"
)

// TokenKind tells a counting token from an abort.
type TokenKind uint8

// Token kinds.
const (
	TokenCount TokenKind = iota
	TokenAbort
)

func (k TokenKind) String() string {
	switch k {
	case TokenCount:
		return "count"
	case TokenAbort:
		return "abort"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// A Token is the record relayed around the ring. Sent and Received sum the
// message counters of the nodes it visited, each sender counting the relay
// it is about to send. Info carries the encoded reduction of a
// SynchronizedWith round.
type Token struct {
	Kind     TokenKind
	Sent     int64
	Received int64
	Info     []byte
}

// tokenFixedBytes is the size of a token without its info.
const tokenFixedBytes = 1 + 8 + 8 + framing.SizeBytes

var errShortToken = errors.New("token shorter than its header")

// Stable tells if the counters balance once the receive of the token itself
// is taken into account. An abort is never stable.
func (t Token) Stable() bool {
	return t.Kind == TokenCount && t.Received+1 == t.Sent
}

// Add folds the counters of one node into the token, counting the relay
// the node is about to send.
func (t Token) Add(sent, received int64) Token {
	t.Sent += sent + 1
	t.Received += received

	return t
}

func (t Token) String() string {
	return fmt.Sprintf("%s{sent %d, received %d, info %d bytes}",
		t.Kind, t.Sent, t.Received, len(t.Info))
}

// Encode serializes the token.
func (t Token) Encode() []byte {
	m := framing.NewMessage(tokenFixedBytes + len(t.Info))
	m.AppendUint8(uint8(t.Kind))
	m.AppendInt64(t.Sent)
	m.AppendInt64(t.Received)
	m.AppendBlob(t.Info)

	return m.Bytes()
}

// DecodeToken parses a token written by Encode.
func DecodeToken(data []byte) (Token, error) {
	if len(data) < tokenFixedBytes {
		return Token{}, errShortToken
	}

	m := framing.NewMessageFrom(data)

	t := Token{
		Kind:     TokenKind(m.ReadUint8()),
		Sent:     m.ReadInt64(),
		Received: m.ReadInt64(),
	}

	if t.Kind != TokenCount && t.Kind != TokenAbort {
		return Token{}, fmt.Errorf("unknown token kind %d", uint8(t.Kind))
	}

	size := m.ReadUint64()
	if size > uint64(m.Remaining()) {
		return Token{}, fmt.Errorf("token info of %d bytes, %d available",
			size, m.Remaining())
	}

	if size > 0 {
		t.Info = append([]byte(nil), m.ReadData(int(size))...)
	}

	return t, nil
}
