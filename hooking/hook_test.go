package hooking

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("HookableBase", func() {
	var (
		mockCtrl *gomock.Controller
		hookable *HookableBase
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		hookable = NewHookableBase()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should invoke hooks in registration order", func() {
		pos := &HookPos{Name: "Test"}
		ctx := HookCtx{Domain: hookable, Pos: pos, Item: 1}

		first := NewMockHook(mockCtrl)
		second := NewMockHook(mockCtrl)
		gomock.InOrder(
			first.EXPECT().Func(ctx),
			second.EXPECT().Func(ctx),
		)

		hookable.AcceptHook(first)
		hookable.AcceptHook(second)
		hookable.InvokeHook(ctx)

		Expect(hookable.NumHooks()).To(Equal(2))
	})

	It("should work without a constructor", func() {
		var base HookableBase
		count := 0

		base.InvokeHook(HookCtx{})
		base.AcceptHook(HookFunc(func(HookCtx) { count++ }))
		base.InvokeHook(HookCtx{})

		Expect(base.NumHooks()).To(Equal(1))
		Expect(count).To(Equal(1))
	})

	It("should print positions by name", func() {
		var missing *HookPos

		Expect((&HookPos{Name: "Flush"}).String()).To(Equal("Flush"))
		Expect(missing.String()).To(Equal("<nil>"))
	})

	It("should adapt functions", func() {
		var got *HookPos
		pos := &HookPos{Name: "Fn"}

		hookable.AcceptHook(HookFunc(func(ctx HookCtx) { got = ctx.Pos }))
		hookable.InvokeHook(HookCtx{Pos: pos})

		Expect(got).To(BeIdenticalTo(pos))
	})
})
