package tcpfabric

import (
	"bytes"
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Frame", func() {
	It("should carry the lane and the payload", func() {
		var buf bytes.Buffer

		Expect(writeFrame(&buf, 1, []byte("abc"))).To(Succeed())
		Expect(buf.Bytes()[:headerSize]).To(Equal([]byte{
			protocolPattern, protocolVersion, 1, 3, 0, 0, 0,
		}))

		lane, payload, err := readFrame(&buf, 16)

		Expect(err).ToNot(HaveOccurred())
		Expect(lane).To(Equal(byte(1)))
		Expect(payload).To(Equal([]byte("abc")))
	})

	It("should carry an empty payload", func() {
		var buf bytes.Buffer

		Expect(writeFrame(&buf, laneControl, nil)).To(Succeed())

		lane, payload, err := readFrame(&buf, 16)

		Expect(err).ToNot(HaveOccurred())
		Expect(lane).To(Equal(laneControl))
		Expect(payload).To(BeEmpty())
	})

	It("should reject a wrong pattern", func() {
		frame := encodeFrame(0, []byte("x"))
		frame[0] = 0x00

		_, _, err := readFrame(bytes.NewReader(frame), 16)

		Expect(err).To(MatchError(ErrBadFrame))
	})

	It("should reject another version", func() {
		frame := encodeFrame(0, []byte("x"))
		frame[1] = 9

		_, _, err := readFrame(bytes.NewReader(frame), 16)

		Expect(err).To(MatchError(ErrBadFrame))
	})

	It("should reject an unknown lane", func() {
		frame := encodeFrame(laneHello+1, nil)

		_, _, err := readFrame(bytes.NewReader(frame), 16)

		Expect(err).To(MatchError(ErrBadFrame))
	})

	It("should reject a payload over the limit", func() {
		frame := encodeFrame(0, make([]byte, 17))

		_, _, err := readFrame(bytes.NewReader(frame), 16)

		Expect(err).To(MatchError(ErrBadFrame))
	})

	It("should report a cut frame", func() {
		frame := encodeFrame(0, []byte("abcdef"))

		_, _, err := readFrame(bytes.NewReader(frame[:9]), 16)

		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Control", func() {
	It("should survive encoding", func() {
		msg := control{
			Kind: ctlRelease,
			Op:   opAllGather,
			Gen:  7,
			Rows: [][]byte{{1}, {2, 3}},
		}

		data, err := encodeControl(msg)
		Expect(err).ToNot(HaveOccurred())

		got, err := decodeControl(data)

		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(msg))
	})

	It("should reject an entry made twice", func() {
		c := newCollectives()
		msg := control{Kind: ctlEnter, Op: opBarrier, Gen: 1}

		Expect(c.enter(2, 1, msg)).To(Succeed())
		Expect(c.enter(2, 1, msg)).ToNot(Succeed())
	})

	It("should reject mixed collectives in one generation", func() {
		c := newCollectives()

		Expect(c.enter(2, 0, control{Op: opBarrier, Gen: 1})).To(Succeed())
		Expect(c.enter(2, 1, control{Op: opAllGather, Gen: 1})).ToNot(Succeed())
	})

	It("should stop waiters on failure", func() {
		c := newCollectives()
		boom := errors.New("boom")

		go func() {
			time.Sleep(10 * time.Millisecond)
			c.fail(boom)
		}()

		_, err := c.released(1)

		Expect(err).To(MatchError(boom))
	})
})

var _ = Describe("Retry", func() {
	It("should retry until success", func() {
		calls := 0
		reported := 0

		err := retry(context.Background(), 5*time.Millisecond,
			func(error) { reported++ },
			func() error {
				calls++
				if calls < 4 {
					return errors.New("not yet")
				}

				return nil
			})

		Expect(err).ToNot(HaveOccurred())
		Expect(calls).To(Equal(4))
		Expect(reported).To(Equal(3))
	})

	It("should stop at a permanent error", func() {
		boom := errors.New("boom")
		calls := 0

		err := retry(context.Background(), time.Millisecond, nil, func() error {
			calls++
			return errPermanent{boom}
		})

		Expect(err).To(Equal(boom))
		Expect(calls).To(Equal(1))
	})

	It("should stop when the context is done", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := retry(ctx, 5*time.Millisecond, nil, func() error {
			return errors.New("never")
		})

		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("should not try with a cancelled context", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := retry(ctx, time.Millisecond, nil, func() error {
			Fail("tried")
			return nil
		})

		Expect(err).To(MatchError(context.Canceled))
	})
})
