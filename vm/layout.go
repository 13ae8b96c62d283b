package vm

// Layout describes one architecture's virtual address split. The VM core
// never hardcodes architecture constants; it consumes a Layout supplied by
// the architecture bring-up.
type Layout struct {
	// UserBase is the lowest mappable user address. Page zero is never
	// mappable so null dereferences always fault.
	UserBase VAddr

	// UserMax is the highest user address (inclusive).
	UserMax VAddr

	// KernelBase is the lowest kernel address.
	KernelBase VAddr

	// KernelSize is the span of the kernel address space in bytes.
	KernelSize uint64
}

// UserSize returns the span of the user address space in bytes.
func (l Layout) UserSize() uint64 {
	return uint64(l.UserMax-l.UserBase) + 1
}

// ContainsUser reports whether vaddr falls inside the user half.
func (l Layout) ContainsUser(vaddr VAddr) bool {
	return vaddr >= l.UserBase && vaddr <= l.UserMax
}

// ContainsKernel reports whether vaddr falls inside the kernel half.
func (l Layout) ContainsKernel(vaddr VAddr) bool {
	return vaddr >= l.KernelBase &&
		uint64(vaddr-l.KernelBase) < l.KernelSize
}

// One canonical split per architecture, matching the hardware translation
// regimes: amd64 uses 48-bit sign-extended canonical addresses, arm64 uses
// the TTBR0/TTBR1 16-bit tag split, and riscv uses Sv39 with bit 38 sign
// extension.
var (
	LayoutAMD64 = Layout{
		UserBase:   0x1000,
		UserMax:    0x0000_7FFF_FFFF_FFFF,
		KernelBase: 0xFFFF_8000_0000_0000,
		KernelSize: 1 << 47,
	}

	LayoutARM64 = Layout{
		UserBase:   0x1000,
		UserMax:    0x0000_FFFF_FFFF_FFFF,
		KernelBase: 0xFFFF_0000_0000_0000,
		KernelSize: 1 << 48,
	}

	LayoutRISCV = Layout{
		UserBase:   0x1000,
		UserMax:    0x0000_003F_FFFF_FFFF,
		KernelBase: 0xFFFF_FFC0_0000_0000,
		KernelSize: 1 << 38,
	}
)
