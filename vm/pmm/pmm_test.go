package pmm

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kestrelos/kestrel/vm"
)

var _ = Describe("Arena", func() {
	var arena *Arena

	BeforeEach(func() {
		arena = NewArena(0x1000_0000, 8)
	})

	It("should hand out frames within the arena", func() {
		paddr, err := arena.AllocFrame()

		Expect(err).To(BeNil())
		Expect(uint64(paddr) % vm.PageSize).To(Equal(uint64(0)))
		Expect(paddr).To(BeNumerically(">=", vm.PAddr(0x1000_0000)))
		Expect(paddr).To(
			BeNumerically("<", vm.PAddr(0x1000_0000+8*vm.PageSize)))
	})

	It("should zero-fill allocated frames", func() {
		paddr, _ := arena.AllocFrame()
		data := arena.Bytes(paddr)
		data[0] = 0xFF
		data[vm.PageSize-1] = 0xFF
		arena.FreeFrame(paddr)

		paddr2, _ := arena.AllocFrame()

		data2 := arena.Bytes(paddr2)
		for _, b := range data2 {
			Expect(b).To(Equal(byte(0)))
		}
	})

	It("should run out of frames", func() {
		for i := 0; i < 8; i++ {
			_, err := arena.AllocFrame()
			Expect(err).To(BeNil())
		}

		_, err := arena.AllocFrame()

		Expect(err).To(Equal(vm.ErrOutOfMemory))
	})

	It("should reuse freed frames", func() {
		var frames []vm.PAddr
		for i := 0; i < 8; i++ {
			paddr, _ := arena.AllocFrame()
			frames = append(frames, paddr)
		}

		arena.FreeFrame(frames[3])
		paddr, err := arena.AllocFrame()

		Expect(err).To(BeNil())
		Expect(paddr).To(Equal(frames[3]))
	})

	It("should track reference counts", func() {
		paddr, _ := arena.AllocFrame()

		Expect(arena.RefCount(paddr)).To(Equal(int32(1)))

		arena.Ref(paddr)
		Expect(arena.RefCount(paddr)).To(Equal(int32(2)))

		remaining := arena.Unref(paddr)
		Expect(remaining).To(Equal(int32(1)))
		Expect(arena.AllocatedFrames()).To(Equal(int64(1)))
	})

	It("should free the frame when the last reference drops", func() {
		paddr, _ := arena.AllocFrame()

		remaining := arena.Unref(paddr)

		Expect(remaining).To(Equal(int32(0)))
		Expect(arena.AllocatedFrames()).To(Equal(int64(0)))
		Expect(arena.FreeFrames()).To(Equal(int64(8)))
	})

	It("should track dirty and accessed state", func() {
		paddr, _ := arena.AllocFrame()

		Expect(arena.Dirty(paddr)).To(BeFalse())
		Expect(arena.Accessed(paddr)).To(BeFalse())

		arena.SetDirty(paddr)
		arena.SetAccessed(paddr)

		Expect(arena.Dirty(paddr)).To(BeTrue())
		Expect(arena.Accessed(paddr)).To(BeTrue())
	})

	It("should serve table pages from the same arena", func() {
		paddr, err := arena.AllocTable()

		Expect(err).To(BeNil())
		Expect(arena.AllocatedFrames()).To(Equal(int64(1)))

		arena.FreeTable(paddr)
		Expect(arena.AllocatedFrames()).To(Equal(int64(0)))
	})

	It("should panic on out-of-arena addresses", func() {
		Expect(func() {
			arena.Bytes(vm.PAddr(0x2000_0000))
		}).To(Panic())
	})
})
