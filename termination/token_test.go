package termination

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Token", func() {
	It("should survive encoding", func() {
		t := Token{Kind: TokenCount, Sent: 12, Received: 11, Info: []byte{7, 8}}

		got, err := DecodeToken(t.Encode())

		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(t))
	})

	It("should decode a token without info", func() {
		got, err := DecodeToken(Token{Kind: TokenAbort}.Encode())

		Expect(err).ToNot(HaveOccurred())
		Expect(got.Kind).To(Equal(TokenAbort))
		Expect(got.Info).To(BeNil())
	})

	It("should reject a short token", func() {
		_, err := DecodeToken([]byte{0, 1, 2})

		Expect(err).To(MatchError(errShortToken))
	})

	It("should reject an unknown kind", func() {
		data := Token{}.Encode()
		data[0] = 9

		_, err := DecodeToken(data)

		Expect(err).To(HaveOccurred())
	})

	It("should reject info longer than the token", func() {
		data := Token{Info: []byte{1, 2, 3}}.Encode()

		_, err := DecodeToken(data[:len(data)-1])

		Expect(err).To(HaveOccurred())
	})

	It("should count the relay when adding counters", func() {
		t := Token{}.Add(4, 2).Add(0, 3)

		Expect(t.Sent).To(Equal(int64(6)))
		Expect(t.Received).To(Equal(int64(5)))
		Expect(t.Stable()).To(BeTrue())
	})

	It("should never find an abort stable", func() {
		t := Token{Kind: TokenAbort, Sent: 1}

		Expect(t.Stable()).To(BeFalse())
	})
})

var _ = Describe("Phase", func() {
	It("should tell armed phases", func() {
		Expect(PhaseUnarmed.Armed()).To(BeFalse())
		Expect(PhaseReady.Armed()).To(BeTrue())
		Expect(PhaseDone.Armed()).To(BeTrue())
		Expect(PhaseLap2.String()).To(Equal("lap2"))
		Expect(Phase(9).String()).To(Equal("phase(9)"))
	})
})

var _ = Describe("Info", func() {
	It("should reset and update a reduction", func() {
		r := NewReduction(uint64(5), func(acc *uint64) { *acc += 2 })

		r.Update()
		Expect(r.Value).To(Equal(uint64(7)))

		r.Reset()
		Expect(r.Value).To(Equal(uint64(5)))
	})

	It("should carry a reduction value through msgpack", func() {
		type pair struct {
			A int
			B string
		}

		src := NewReduction(pair{A: 3, B: "x"}, nil)
		data, err := src.MarshalInfo()
		Expect(err).ToNot(HaveOccurred())

		dst := NewReduction(pair{}, nil)
		Expect(dst.UnmarshalInfo(data)).To(Succeed())
		Expect(dst.Value).To(Equal(pair{A: 3, B: "x"}))
	})

	It("should reject garbage", func() {
		s := &Static[string]{}

		Expect(s.UnmarshalInfo([]byte{0xc1})).ToNot(Succeed())
	})
})
