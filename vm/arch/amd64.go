package arch

import "github.com/kestrelos/kestrel/vm"

// amd64 4-level paging (PML4 → PDPT → PD → PT), 48-bit canonical addresses.
const (
	amd64Present      = 1 << 0
	amd64Write        = 1 << 1
	amd64User         = 1 << 2
	amd64Accessed     = 1 << 5
	amd64Dirty        = 1 << 6
	amd64PageSizeFlag = 1 << 7 // PS: 2 MiB leaf in a PD entry
	amd64NoExecute    = 1 << 63

	amd64AddrMask = 0x000F_FFFF_FFFF_F000
)

type amd64Codec struct{}

func (amd64Codec) encodeLeaf(paddr vm.PAddr, perms vm.Prot, large bool) uint64 {
	raw := uint64(paddr)&amd64AddrMask | amd64Present | amd64Accessed

	if perms.CanWrite() {
		raw |= amd64Write | amd64Dirty
	}
	if perms.IsUser() {
		raw |= amd64User
	}
	if !perms.CanExecute() {
		raw |= amd64NoExecute
	}
	if large {
		raw |= amd64PageSizeFlag
	}

	return raw
}

func (amd64Codec) encodeTable(paddr vm.PAddr) uint64 {
	// Intermediate entries stay permissive; the leaf governs access.
	return uint64(paddr)&amd64AddrMask | amd64Present | amd64Write | amd64User
}

func (amd64Codec) isPresent(raw uint64) bool {
	return raw&amd64Present != 0
}

func (amd64Codec) isLeaf(raw uint64, level, levels int) bool {
	if level == levels-1 {
		return true
	}
	return raw&amd64PageSizeFlag != 0
}

func (amd64Codec) paddrOf(raw uint64) vm.PAddr {
	return vm.PAddr(raw & amd64AddrMask)
}

func (amd64Codec) permsOf(raw uint64) vm.Prot {
	perms := vm.ProtRead
	if raw&amd64Write != 0 {
		perms |= vm.ProtWrite
	}
	if raw&amd64NoExecute == 0 {
		perms |= vm.ProtExecute
	}
	if raw&amd64User != 0 {
		perms |= vm.ProtUser
	}
	return perms
}

// AMD64 is the x86-64 page-table backend.
type AMD64 struct {
	walker
}

// NewAMD64 creates an x86-64 backend over the given table storage.
func NewAMD64(mem TableMemory) *AMD64 {
	return &AMD64{walker{
		mem:        mem,
		levels:     4,
		largeLevel: 2,
		codec:      amd64Codec{},
	}}
}

// Name returns "amd64".
func (b *AMD64) Name() string { return "amd64" }

// IsCanonical requires bits 63:47 to be a sign extension of bit 47.
func (b *AMD64) IsCanonical(vaddr vm.VAddr) bool {
	top := uint64(vaddr) >> 47
	return top == 0 || top == 0x1FFFF
}

// NewRoot allocates an empty PML4.
func (b *AMD64) NewRoot() (vm.PAddr, error) { return b.newRoot() }

// FreeTables releases all table pages reachable from the PML4.
func (b *AMD64) FreeTables(root vm.PAddr) { b.freeTables(root) }

// MapRange installs translations, using 2 MiB PD entries where alignment
// permits.
func (b *AMD64) MapRange(root vm.PAddr, vstart vm.VAddr, pstart vm.PAddr, length uint64, perms vm.Prot) error {
	if !b.IsCanonical(vstart) || !b.IsCanonical(vstart+vm.VAddr(length)-1) {
		return vm.ErrInvalidAddress
	}
	return b.mapRange(root, vstart, pstart, length, perms)
}

// UnmapRange removes translations; already-unmapped pages are skipped.
func (b *AMD64) UnmapRange(root vm.PAddr, vstart vm.VAddr, length uint64) error {
	if !b.IsCanonical(vstart) {
		return vm.ErrInvalidAddress
	}
	return b.unmapRange(root, vstart, length)
}

// ProtectRange rewrites permission bits in place.
func (b *AMD64) ProtectRange(root vm.PAddr, vstart vm.VAddr, length uint64, perms vm.Prot) error {
	if !b.IsCanonical(vstart) {
		return vm.ErrInvalidAddress
	}
	return b.protectRange(root, vstart, length, perms)
}

// Query performs a read-only translation lookup.
func (b *AMD64) Query(root vm.PAddr, vaddr vm.VAddr) (vm.PAddr, vm.Prot, bool) {
	return b.query(root, vaddr)
}

// EntryAt returns the covering leaf entry.
func (b *AMD64) EntryAt(root vm.PAddr, vaddr vm.VAddr) (Entry, bool) {
	return b.entryAt(root, vaddr)
}

// InvalidatePage issues the INVLPG-class single-page invalidation.
func (b *AMD64) InvalidatePage(asid vm.ASID, vaddr vm.VAddr) {
	b.invalidations.Add(1)
}

// InvalidateASID drops every cached translation tagged with the VPID.
func (b *AMD64) InvalidateASID(asid vm.ASID) {
	b.invalidations.Add(1)
}

// Invalidations returns the local invalidation count.
func (b *AMD64) Invalidations() uint64 { return b.invalidations.Load() }
