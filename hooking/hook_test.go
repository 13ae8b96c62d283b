package hooking

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type countingHook struct {
	calls []HookCtx
}

func (h *countingHook) Func(ctx HookCtx) {
	h.calls = append(h.calls, ctx)
}

var _ = Describe("HookableBase", func() {
	var hookable *HookableBase

	BeforeEach(func() {
		hookable = &HookableBase{}
	})

	It("should start without hooks", func() {
		Expect(hookable.NumHooks()).To(Equal(0))
		Expect(hookable.Hooks()).To(BeEmpty())
	})

	It("should invoke every registered hook in order", func() {
		first := &countingHook{}
		second := &countingHook{}
		hookable.AcceptHook(first)
		hookable.AcceptHook(second)

		pos := &HookPos{Name: "TestPos"}
		hookable.InvokeHook(HookCtx{Pos: pos, Item: "payload"})

		Expect(first.calls).To(HaveLen(1))
		Expect(second.calls).To(HaveLen(1))
		Expect(first.calls[0].Pos).To(BeIdenticalTo(pos))
		Expect(first.calls[0].Item).To(Equal("payload"))
	})

	It("should refuse duplicated hooks", func() {
		hook := &countingHook{}
		hookable.AcceptHook(hook)

		Expect(func() { hookable.AcceptHook(hook) }).To(Panic())
	})
})
