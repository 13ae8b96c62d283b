package arch

import "github.com/kestrelos/kestrel/vm"

// riscv Sv39: three levels, 2 MiB megapages at the middle level, 39-bit
// virtual addresses with bit 38 sign extension.
const (
	riscvValid    = 1 << 0
	riscvRead     = 1 << 1
	riscvWrite    = 1 << 2
	riscvExecute  = 1 << 3
	riscvUser     = 1 << 4
	riscvAccessed = 1 << 6
	riscvDirty    = 1 << 7
)

// Sv39 PTEs carry the PPN shifted left by 10, not 12.
func riscvPA2PTE(paddr vm.PAddr) uint64 { return uint64(paddr) >> 12 << 10 }
func riscvPTE2PA(raw uint64) vm.PAddr   { return vm.PAddr(raw >> 10 << 12) }

type riscvCodec struct{}

func (riscvCodec) encodeLeaf(paddr vm.PAddr, perms vm.Prot, large bool) uint64 {
	raw := riscvPA2PTE(paddr) | riscvValid | riscvAccessed

	if perms.CanRead() {
		raw |= riscvRead
	}
	if perms.CanWrite() {
		raw |= riscvWrite | riscvDirty
	}
	if perms.CanExecute() {
		raw |= riscvExecute
	}
	if perms.IsUser() {
		raw |= riscvUser
	}

	return raw
}

func (riscvCodec) encodeTable(paddr vm.PAddr) uint64 {
	// A valid PTE with R/W/X all clear points at the next table.
	return riscvPA2PTE(paddr) | riscvValid
}

func (riscvCodec) isPresent(raw uint64) bool {
	return raw&riscvValid != 0
}

func (riscvCodec) isLeaf(raw uint64, level, levels int) bool {
	return raw&(riscvRead|riscvWrite|riscvExecute) != 0
}

func (riscvCodec) paddrOf(raw uint64) vm.PAddr {
	return riscvPTE2PA(raw)
}

func (riscvCodec) permsOf(raw uint64) vm.Prot {
	perms := vm.ProtNone
	if raw&riscvRead != 0 {
		perms |= vm.ProtRead
	}
	if raw&riscvWrite != 0 {
		perms |= vm.ProtWrite
	}
	if raw&riscvExecute != 0 {
		perms |= vm.ProtExecute
	}
	if raw&riscvUser != 0 {
		perms |= vm.ProtUser
	}
	return perms
}

// RISCV is the Sv39 page-table backend.
type RISCV struct {
	walker
}

// NewRISCV creates an Sv39 backend over the given table storage.
func NewRISCV(mem TableMemory) *RISCV {
	return &RISCV{walker{
		mem:        mem,
		levels:     3,
		largeLevel: 1,
		codec:      riscvCodec{},
	}}
}

// Name returns "riscv".
func (b *RISCV) Name() string { return "riscv" }

// IsCanonical requires bits 63:38 to be a sign extension of bit 38.
func (b *RISCV) IsCanonical(vaddr vm.VAddr) bool {
	top := uint64(vaddr) >> 38
	return top == 0 || top == 0x3FF_FFFF
}

// NewRoot allocates an empty root table for SATP.
func (b *RISCV) NewRoot() (vm.PAddr, error) { return b.newRoot() }

// FreeTables releases all table pages reachable from the root.
func (b *RISCV) FreeTables(root vm.PAddr) { b.freeTables(root) }

// MapRange installs translations, using 2 MiB megapages where alignment
// permits.
func (b *RISCV) MapRange(root vm.PAddr, vstart vm.VAddr, pstart vm.PAddr, length uint64, perms vm.Prot) error {
	if !b.IsCanonical(vstart) || !b.IsCanonical(vstart+vm.VAddr(length)-1) {
		return vm.ErrInvalidAddress
	}
	return b.mapRange(root, vstart, pstart, length, perms)
}

// UnmapRange removes translations; already-unmapped pages are skipped.
func (b *RISCV) UnmapRange(root vm.PAddr, vstart vm.VAddr, length uint64) error {
	if !b.IsCanonical(vstart) {
		return vm.ErrInvalidAddress
	}
	return b.unmapRange(root, vstart, length)
}

// ProtectRange rewrites permission bits in place.
func (b *RISCV) ProtectRange(root vm.PAddr, vstart vm.VAddr, length uint64, perms vm.Prot) error {
	if !b.IsCanonical(vstart) {
		return vm.ErrInvalidAddress
	}
	return b.protectRange(root, vstart, length, perms)
}

// Query performs a read-only translation lookup.
func (b *RISCV) Query(root vm.PAddr, vaddr vm.VAddr) (vm.PAddr, vm.Prot, bool) {
	return b.query(root, vaddr)
}

// EntryAt returns the covering leaf entry.
func (b *RISCV) EntryAt(root vm.PAddr, vaddr vm.VAddr) (Entry, bool) {
	return b.entryAt(root, vaddr)
}

// InvalidatePage issues sfence.vma for one page and tag.
func (b *RISCV) InvalidatePage(asid vm.ASID, vaddr vm.VAddr) {
	b.invalidations.Add(1)
}

// InvalidateASID issues sfence.vma for the whole tag.
func (b *RISCV) InvalidateASID(asid vm.ASID) {
	b.invalidations.Add(1)
}

// Invalidations returns the local invalidation count.
func (b *RISCV) Invalidations() uint64 { return b.invalidations.Load() }
