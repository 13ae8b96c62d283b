package vm_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kestrelos/kestrel/vm"
)

var _ = Describe("Addresses", func() {
	It("should round to page boundaries", func() {
		Expect(vm.VAddr(0x1234).PageDown()).To(Equal(vm.VAddr(0x1000)))
		Expect(vm.VAddr(0x1234).PageUp()).To(Equal(vm.VAddr(0x2000)))
		Expect(vm.VAddr(0x2000).PageUp()).To(Equal(vm.VAddr(0x2000)))
		Expect(vm.PAddr(0x5678).PageDown()).To(Equal(vm.PAddr(0x5000)))
	})

	It("should check page alignment", func() {
		Expect(vm.VAddr(0x3000).PageAligned()).To(BeTrue())
		Expect(vm.VAddr(0x3001).PageAligned()).To(BeFalse())
		Expect(vm.PAddr(0x4000).PageAligned()).To(BeTrue())
		Expect(vm.PAddr(0x4fff).PageAligned()).To(BeFalse())
	})
})

var _ = Describe("Prot", func() {
	It("should never widen past a grant", func() {
		rw := vm.ProtRead | vm.ProtWrite

		Expect(vm.ProtRead.Within(rw)).To(BeTrue())
		Expect(rw.Within(rw)).To(BeTrue())
		Expect((rw | vm.ProtExecute).Within(rw)).To(BeFalse())
		Expect(vm.ProtNone.Within(vm.ProtNone)).To(BeTrue())
	})

	It("should print rwxu flags", func() {
		Expect(vm.ProtNone.String()).To(Equal("----"))
		Expect((vm.ProtRead | vm.ProtWrite).String()).To(Equal("rw--"))
		Expect((vm.ProtRead | vm.ProtExecute | vm.ProtUser).String()).
			To(Equal("r-xu"))
	})

	It("should map access kinds to the bit they require", func() {
		Expect(vm.AccessRead.Needs()).To(Equal(vm.ProtRead))
		Expect(vm.AccessWrite.Needs()).To(Equal(vm.ProtWrite))
		Expect(vm.AccessExecute.Needs()).To(Equal(vm.ProtExecute))
	})
})

var _ = Describe("Layout", func() {
	layouts := map[string]vm.Layout{
		"amd64": vm.LayoutAMD64,
		"arm64": vm.LayoutARM64,
		"riscv": vm.LayoutRISCV,
	}

	It("should keep page zero unmappable", func() {
		for name, l := range layouts {
			Expect(l.ContainsUser(0)).To(BeFalse(), name)
			Expect(l.ContainsUser(l.UserBase)).To(BeTrue(), name)
		}
	})

	It("should keep the halves disjoint", func() {
		for name, l := range layouts {
			Expect(l.ContainsKernel(l.UserMax)).To(BeFalse(), name)
			Expect(l.ContainsUser(l.KernelBase)).To(BeFalse(), name)
			Expect(l.ContainsKernel(l.KernelBase)).To(BeTrue(), name)
		}
	})

	It("should size the user half from its bounds", func() {
		l := vm.LayoutRISCV
		Expect(l.UserSize()).To(Equal(uint64(l.UserMax) - 0x1000 + 1))
	})
})
