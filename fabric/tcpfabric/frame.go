package tcpfabric

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/distmc/quiesce/fabric"
)

// Frame header layout:
//
//	0     protocol pattern
//	1     protocol version
//	2     lane
//	3..6  payload length, uint32 little endian
const (
	headerSize      = 7
	protocolPattern = 0x71
	protocolVersion = 0x01
)

// Frame lanes beyond the data lanes of the fabric.
const (
	laneControl = byte(fabric.NumLanes) + iota
	laneHello
)

// ErrBadFrame is returned when a peer sends bytes that are not a frame.
var ErrBadFrame = errors.New("tcpfabric: bad frame")

func encodeFrame(lane byte, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	buf[0] = protocolPattern
	buf[1] = protocolVersion
	buf[2] = lane
	binary.LittleEndian.PutUint32(buf[3:headerSize], uint32(len(payload)))
	copy(buf[headerSize:], payload)

	return buf
}

func writeFrame(w io.Writer, lane byte, payload []byte) error {
	_, err := w.Write(encodeFrame(lane, payload))
	return err
}

func readFrame(r io.Reader, maxPayload int) (byte, []byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	if header[0] != protocolPattern {
		return 0, nil, fmt.Errorf("%w: pattern %#x", ErrBadFrame, header[0])
	}

	if header[1] != protocolVersion {
		return 0, nil, fmt.Errorf("%w: version %d", ErrBadFrame, header[1])
	}

	lane := header[2]
	if lane > laneHello {
		return 0, nil, fmt.Errorf("%w: lane %d", ErrBadFrame, lane)
	}

	n := binary.LittleEndian.Uint32(header[3:])
	if uint64(n) > uint64(maxPayload) {
		return 0, nil, fmt.Errorf("%w: payload of %d bytes", ErrBadFrame, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	return lane, payload, nil
}
