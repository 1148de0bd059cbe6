package fabric

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Inbox", func() {
	var in *Inbox

	BeforeEach(func() {
		in = NewInbox()
	})

	It("should report nothing when empty", func() {
		_, ok := in.Peek(AnySource, LaneNormal)
		Expect(ok).To(BeFalse())

		_, err := in.Pop(AnySource, LaneNormal, make([]byte, 4))
		Expect(err).To(MatchError(ErrNoPacket))
	})

	It("should keep arrival order across sources", func() {
		in.Push(2, LaneNormal, []byte{1})
		in.Push(1, LaneNormal, []byte{2, 2})
		in.Push(2, LaneNormal, []byte{3, 3, 3})

		st, ok := in.Peek(AnySource, LaneNormal)
		Expect(ok).To(BeTrue())
		Expect(st).To(Equal(Status{Source: 2, Lane: LaneNormal, Size: 1}))

		st, ok = in.Peek(1, LaneNormal)
		Expect(ok).To(BeTrue())
		Expect(st.Size).To(Equal(2))

		buf := make([]byte, 8)
		n, err := in.Pop(2, LaneNormal, buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(buf[:n]).To(Equal([]byte{1}))

		n, err = in.Pop(AnySource, LaneNormal, buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(buf[:n]).To(Equal([]byte{2, 2}))

		n, err = in.Pop(AnySource, LaneNormal, buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(buf[:n]).To(Equal([]byte{3, 3, 3}))
		Expect(in.Len(LaneNormal)).To(Equal(0))
	})

	It("should separate lanes", func() {
		in.Push(0, LaneUrgent, []byte{9})

		_, ok := in.Peek(AnySource, LaneNormal)
		Expect(ok).To(BeFalse())
		Expect(in.Len(LaneUrgent)).To(Equal(1))
	})

	It("should refuse short buffers", func() {
		in.Push(0, LaneNormal, []byte{1, 2, 3})

		_, err := in.Pop(0, LaneNormal, make([]byte, 2))
		Expect(err).To(MatchError(ErrTruncated))
		Expect(in.Len(LaneNormal)).To(Equal(1))
	})

	It("should wake up waiters", func() {
		done := make(chan Status)
		go func() {
			defer GinkgoRecover()
			st, err := in.Wait(3, LaneUrgent)
			Expect(err).ToNot(HaveOccurred())
			done <- st
		}()

		time.Sleep(10 * time.Millisecond)
		in.Push(3, LaneUrgent, []byte{1, 2})

		Eventually(done).Should(Receive(Equal(
			Status{Source: 3, Lane: LaneUrgent, Size: 2})))
	})

	It("should fail waiters after close", func() {
		errs := make(chan error)
		go func() {
			_, err := in.Wait(AnySource, LaneNormal)
			errs <- err
		}()

		in.Close(ErrClosed)

		Eventually(errs).Should(Receive(MatchError(ErrClosed)))
	})
})

var _ = Describe("Error", func() {
	It("should unwrap to the cause", func() {
		err := NewError("isend", 1, 2, ErrClosed)

		Expect(errors.Is(err, ErrClosed)).To(BeTrue())
		Expect(err.Error()).To(Equal("fabric: rank 1: isend peer 2: fabric closed"))
		Expect(NewError("barrier", 0, -1, ErrAborted).Error()).
			To(Equal("fabric: rank 0: barrier: fabric aborted"))
	})

	It("should name lanes", func() {
		Expect(LaneNormal.String()).To(Equal("normal"))
		Expect(LaneUrgent.String()).To(Equal("urgent"))
		Expect(Lane(5).Valid()).To(BeFalse())
	})
})
