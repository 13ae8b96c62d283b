package arch

import "github.com/kestrelos/kestrel/vm"

// arm64 VMSAv8-64 with the 4 KiB granule: four levels (L0–L3), block
// descriptors at L2 for 2 MiB mappings, TTBR0/TTBR1 split at bit 48.
const (
	arm64Valid = 1 << 0
	// Descriptor type bit: table pointer at L0–L2, page at L3. A valid
	// L1/L2 descriptor with this bit clear is a block.
	arm64Table = 1 << 1

	arm64APUser     = 1 << 6 // AP[1]: EL0 accessible
	arm64APReadOnly = 1 << 7 // AP[2]: write disabled
	arm64Shareable  = 3 << 8 // SH: inner shareable
	arm64AccessFlag = 1 << 10
	arm64PXN        = 1 << 53
	arm64UXN        = 1 << 54

	arm64AddrMask = 0x0000_FFFF_FFFF_F000
)

type arm64Codec struct{}

func (arm64Codec) encodeLeaf(paddr vm.PAddr, perms vm.Prot, large bool) uint64 {
	raw := uint64(paddr)&arm64AddrMask |
		arm64Valid | arm64AccessFlag | arm64Shareable

	if !large {
		// L3 page descriptors carry the table bit; L2 blocks leave it
		// clear.
		raw |= arm64Table
	}

	if !perms.CanWrite() {
		raw |= arm64APReadOnly
	}
	if perms.IsUser() {
		raw |= arm64APUser
	}

	switch {
	case !perms.CanExecute():
		raw |= arm64UXN | arm64PXN
	case perms.IsUser():
		// User-executable, never kernel-executable.
		raw |= arm64PXN
	default:
		raw |= arm64UXN
	}

	return raw
}

func (arm64Codec) encodeTable(paddr vm.PAddr) uint64 {
	return uint64(paddr)&arm64AddrMask | arm64Valid | arm64Table
}

func (arm64Codec) isPresent(raw uint64) bool {
	return raw&arm64Valid != 0
}

func (arm64Codec) isLeaf(raw uint64, level, levels int) bool {
	if level == levels-1 {
		return true
	}
	return raw&arm64Table == 0
}

func (arm64Codec) paddrOf(raw uint64) vm.PAddr {
	return vm.PAddr(raw & arm64AddrMask)
}

func (arm64Codec) permsOf(raw uint64) vm.Prot {
	perms := vm.ProtRead
	if raw&arm64APReadOnly == 0 {
		perms |= vm.ProtWrite
	}

	user := raw&arm64APUser != 0
	if user {
		perms |= vm.ProtUser
		if raw&arm64UXN == 0 {
			perms |= vm.ProtExecute
		}
	} else if raw&arm64PXN == 0 {
		perms |= vm.ProtExecute
	}

	return perms
}

// ARM64 is the AArch64 page-table backend.
type ARM64 struct {
	walker
}

// NewARM64 creates an AArch64 backend over the given table storage.
func NewARM64(mem TableMemory) *ARM64 {
	return &ARM64{walker{
		mem:        mem,
		levels:     4,
		largeLevel: 2,
		codec:      arm64Codec{},
	}}
}

// Name returns "arm64".
func (b *ARM64) Name() string { return "arm64" }

// IsCanonical requires bits 63:48 to be all zero (TTBR0 regime) or all one
// (TTBR1 regime).
func (b *ARM64) IsCanonical(vaddr vm.VAddr) bool {
	top := uint64(vaddr) >> 48
	return top == 0 || top == 0xFFFF
}

// NewRoot allocates an empty L0 table.
func (b *ARM64) NewRoot() (vm.PAddr, error) { return b.newRoot() }

// FreeTables releases all table pages reachable from the L0 table.
func (b *ARM64) FreeTables(root vm.PAddr) { b.freeTables(root) }

// MapRange installs translations, using 2 MiB L2 blocks where alignment
// permits.
func (b *ARM64) MapRange(root vm.PAddr, vstart vm.VAddr, pstart vm.PAddr, length uint64, perms vm.Prot) error {
	if !b.IsCanonical(vstart) || !b.IsCanonical(vstart+vm.VAddr(length)-1) {
		return vm.ErrInvalidAddress
	}
	return b.mapRange(root, vstart, pstart, length, perms)
}

// UnmapRange removes translations; already-unmapped pages are skipped.
func (b *ARM64) UnmapRange(root vm.PAddr, vstart vm.VAddr, length uint64) error {
	if !b.IsCanonical(vstart) {
		return vm.ErrInvalidAddress
	}
	return b.unmapRange(root, vstart, length)
}

// ProtectRange rewrites permission bits in place.
func (b *ARM64) ProtectRange(root vm.PAddr, vstart vm.VAddr, length uint64, perms vm.Prot) error {
	if !b.IsCanonical(vstart) {
		return vm.ErrInvalidAddress
	}
	return b.protectRange(root, vstart, length, perms)
}

// Query performs a read-only translation lookup.
func (b *ARM64) Query(root vm.PAddr, vaddr vm.VAddr) (vm.PAddr, vm.Prot, bool) {
	return b.query(root, vaddr)
}

// EntryAt returns the covering leaf entry.
func (b *ARM64) EntryAt(root vm.PAddr, vaddr vm.VAddr) (Entry, bool) {
	return b.entryAt(root, vaddr)
}

// InvalidatePage issues the tlbi vale1is / dsb ish / isb sequence for one
// page.
func (b *ARM64) InvalidatePage(asid vm.ASID, vaddr vm.VAddr) {
	b.invalidations.Add(1)
}

// InvalidateASID issues tlbi aside1is for the whole tag.
func (b *ARM64) InvalidateASID(asid vm.ASID) {
	b.invalidations.Add(1)
}

// Invalidations returns the local invalidation count.
func (b *ARM64) Invalidations() uint64 { return b.invalidations.Load() }
