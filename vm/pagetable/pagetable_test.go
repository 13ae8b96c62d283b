package pagetable

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/kestrelos/kestrel/vm"
	"github.com/kestrelos/kestrel/vm/arch"
	"github.com/kestrelos/kestrel/vm/pmm"
)

var _ = Describe("PageTable", func() {
	var (
		mockCtrl *gomock.Controller
		shooter  *MockShootdowner
		arena    *pmm.Arena
		table    *PageTable
	)

	const base = vm.VAddr(0x0000_7F00_0000_0000)
	rw := vm.ProtRead | vm.ProtWrite

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		shooter = NewMockShootdowner(mockCtrl)
		arena = pmm.NewArena(0x1000_0000, 4096)

		var err error
		table, err = MakeBuilder().
			WithBackend(arch.NewAMD64(arena)).
			WithShootdowner(shooter).
			WithASID(42).
			Build()
		Expect(err).To(BeNil())
	})

	It("should map and query without any shootdown", func() {
		frame, _ := arena.AllocFrame()

		err := table.Map(base, frame, vm.PageSize, rw)
		Expect(err).To(BeNil())

		paddr, perms, ok := table.Query(base + 0x10)
		Expect(ok).To(BeTrue())
		Expect(paddr).To(Equal(frame + 0x10))
		Expect(perms).To(Equal(rw))
	})

	It("should refuse to overwrite an existing translation", func() {
		frame, _ := arena.AllocFrame()
		other, _ := arena.AllocFrame()

		err := table.Map(base, frame, vm.PageSize, rw)
		Expect(err).To(BeNil())

		err = table.Map(base, other, vm.PageSize, rw)
		Expect(err).To(Equal(vm.ErrAlreadyMapped))

		// The original translation survives.
		paddr, _, ok := table.Query(base)
		Expect(ok).To(BeTrue())
		Expect(paddr).To(Equal(frame))
	})

	It("should fail a multi-page map atomically", func() {
		frame, _ := arena.AllocFrame()

		err := table.Map(base+vm.PageSize, frame, vm.PageSize, rw)
		Expect(err).To(BeNil())

		err = table.Map(base, frame, 3*vm.PageSize, rw)
		Expect(err).To(Equal(vm.ErrAlreadyMapped))

		_, _, ok := table.Query(base)
		Expect(ok).To(BeFalse())
		_, _, ok = table.Query(base + 2*vm.PageSize)
		Expect(ok).To(BeFalse())
	})

	It("should batch the unmap invalidation into one round", func() {
		frame1, _ := arena.AllocFrame()
		frame2, _ := arena.AllocFrame()

		Expect(table.Map(base, frame1, vm.PageSize, rw)).To(BeNil())
		Expect(table.Map(base+vm.PageSize, frame2, vm.PageSize, rw)).
			To(BeNil())

		shooter.EXPECT().Shootdown(
			vm.ASID(42),
			[]vm.VAddr{base, base + vm.PageSize},
		)

		err := table.Unmap(base, 2*vm.PageSize)
		Expect(err).To(BeNil())

		_, _, ok := table.Query(base)
		Expect(ok).To(BeFalse())
	})

	It("should skip holes while unmapping and stay quiet for empty ranges", func() {
		err := table.Unmap(base, 4*vm.PageSize)
		Expect(err).To(BeNil())
	})

	It("should rewrite permissions and invalidate", func() {
		frame, _ := arena.AllocFrame()
		Expect(table.Map(base, frame, vm.PageSize, rw)).To(BeNil())

		shooter.EXPECT().Shootdown(vm.ASID(42), []vm.VAddr{base})

		err := table.Protect(base, vm.PageSize, vm.ProtRead)
		Expect(err).To(BeNil())

		_, perms, _ := table.Query(base)
		Expect(perms).To(Equal(vm.ProtRead))
	})

	It("should fail protecting an unmapped range", func() {
		err := table.Protect(base, vm.PageSize, vm.ProtRead)
		Expect(err).To(Equal(vm.ErrNotMapped))
	})

	It("should split a large entry when unmapping part of it", func() {
		largeBase := base &^ vm.VAddr(vm.LargePageSize-1)
		pstart := vm.PAddr(0x2000_0000)

		Expect(table.Map(largeBase, pstart, vm.LargePageSize, rw)).To(BeNil())

		entry, ok := table.EntryAt(largeBase)
		Expect(ok).To(BeTrue())
		Expect(entry.Size).To(Equal(uint64(vm.LargePageSize)))

		shooter.EXPECT().
			Shootdown(vm.ASID(42), gomock.Any()).
			AnyTimes()

		victim := largeBase + 4*vm.PageSize
		err := table.Unmap(victim, vm.PageSize)
		Expect(err).To(BeNil())

		// The victim page is gone; its neighbors survive as base pages.
		_, _, ok = table.Query(victim)
		Expect(ok).To(BeFalse())

		paddr, _, ok := table.Query(victim - vm.PageSize)
		Expect(ok).To(BeTrue())
		Expect(paddr).To(Equal(pstart + 3*vm.PageSize))

		paddr, _, ok = table.Query(victim + vm.PageSize)
		Expect(ok).To(BeTrue())
		Expect(paddr).To(Equal(pstart + 5*vm.PageSize))

		entry, ok = table.EntryAt(largeBase)
		Expect(ok).To(BeTrue())
		Expect(entry.Size).To(Equal(uint64(vm.PageSize)))
	})

	It("should reject unaligned arguments", func() {
		frame, _ := arena.AllocFrame()

		Expect(table.Map(base+1, frame, vm.PageSize, rw)).
			To(Equal(vm.ErrInvalidArgs))
		Expect(table.Unmap(base, vm.PageSize-1)).
			To(Equal(vm.ErrInvalidArgs))
		Expect(table.Protect(base, 0, rw)).
			To(Equal(vm.ErrInvalidArgs))
	})

	It("should reject non-canonical addresses", func() {
		frame, _ := arena.AllocFrame()

		err := table.Map(
			vm.VAddr(0x0000_8000_0000_0000), frame, vm.PageSize, rw)
		Expect(err).To(Equal(vm.ErrInvalidAddress))
	})

	It("should invalidate the whole ASID on destroy", func() {
		frame, _ := arena.AllocFrame()
		Expect(table.Map(base, frame, vm.PageSize, rw)).To(BeNil())

		shooter.EXPECT().Shootdown(vm.ASID(42), nil)

		table.Destroy()
	})
})
