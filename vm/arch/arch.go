// Package arch implements the per-architecture page-table backends. Each
// backend builds real hardware entry encodings (amd64 4-level, arm64
// TTBR-style descriptors, riscv Sv39) inside page-table pages allocated from
// the physical frame arena. Everything above this package is
// architecture-blind; everything below it is raw bit layout.
package arch

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/kestrelos/kestrel/vm"
)

// TableMemory provides the storage that page-table pages live in. The frame
// arena implements it.
type TableMemory interface {
	AllocTable() (vm.PAddr, error)
	FreeTable(paddr vm.PAddr)
	Bytes(paddr vm.PAddr) []byte
}

// Entry is the architecture-independent view of a leaf translation.
type Entry struct {
	// PAddr is the physical base of the entry (entry-size aligned).
	PAddr vm.PAddr

	// Perms is the permission set encoded in the entry.
	Perms vm.Prot

	// Size is the span the entry translates: vm.PageSize or
	// vm.LargePageSize.
	Size uint64
}

// Backend is the single contract the VM core consumes per architecture.
// Implementations must reject unaligned input with ErrInvalidArgs and
// non-canonical addresses with ErrInvalidAddress before touching any table.
type Backend interface {
	// Name identifies the architecture ("amd64", "arm64", "riscv").
	Name() string

	// NewRoot allocates an empty root table.
	NewRoot() (vm.PAddr, error)

	// FreeTables releases every table page reachable from root. Leaf
	// frames are not touched; their references belong to the VMO layer.
	FreeTables(root vm.PAddr)

	// MapRange installs translations for a page-aligned range, choosing
	// large-page entries when the range and physical alignment permit.
	MapRange(root vm.PAddr, vstart vm.VAddr, pstart vm.PAddr, length uint64, perms vm.Prot) error

	// UnmapRange removes translations. Pages in the range that were never
	// mapped are skipped; the operation is idempotent.
	UnmapRange(root vm.PAddr, vstart vm.VAddr, length uint64) error

	// ProtectRange rewrites permission bits in place without altering the
	// physical mapping.
	ProtectRange(root vm.PAddr, vstart vm.VAddr, length uint64, perms vm.Prot) error

	// Query performs a read-only translation lookup for vaddr.
	Query(root vm.PAddr, vaddr vm.VAddr) (paddr vm.PAddr, perms vm.Prot, ok bool)

	// EntryAt returns the leaf entry covering vaddr, with its base and
	// span. The page-table abstraction uses it to detect partial coverage
	// of large entries.
	EntryAt(root vm.PAddr, vaddr vm.VAddr) (Entry, bool)

	// IsCanonical reports whether the address is representable in this
	// architecture's translation regime.
	IsCanonical(vaddr vm.VAddr) bool

	// InvalidatePage drops the local TLB entry for one page of the given
	// address space. Cross-CPU propagation is the shootdown layer's job.
	InvalidatePage(asid vm.ASID, vaddr vm.VAddr)

	// InvalidateASID drops every local TLB entry tagged with asid.
	InvalidateASID(asid vm.ASID)

	// Invalidations returns the number of local invalidate operations
	// issued so far.
	Invalidations() uint64
}

// entryCodec translates between Entry and one architecture's bit layout.
type entryCodec interface {
	encodeLeaf(paddr vm.PAddr, perms vm.Prot, large bool) uint64
	encodeTable(paddr vm.PAddr) uint64
	isPresent(raw uint64) bool
	// isLeaf reports whether a present entry at the given level (0 = root)
	// is a translation rather than a pointer to the next table.
	isLeaf(raw uint64, level, levels int) bool
	paddrOf(raw uint64) vm.PAddr
	permsOf(raw uint64) vm.Prot
}

// walker performs radix-tree table walks shared by the three backends. A
// level's index is nine bits wide on all supported formats; only the level
// count, the large-leaf level, and the entry codec differ.
type walker struct {
	mem        TableMemory
	levels     int
	largeLevel int
	codec      entryCodec

	invalidations atomic.Uint64
}

const entriesPerTable = 512

func (w *walker) shift(level int) uint {
	return uint(vm.PageShift + 9*(w.levels-1-level))
}

func (w *walker) index(level int, vaddr vm.VAddr) int {
	return int(uint64(vaddr)>>w.shift(level)) & (entriesPerTable - 1)
}

func (w *walker) readEntry(table vm.PAddr, idx int) uint64 {
	buf := w.mem.Bytes(table)
	return binary.LittleEndian.Uint64(buf[idx*8:])
}

func (w *walker) writeEntry(table vm.PAddr, idx int, raw uint64) {
	buf := w.mem.Bytes(table)
	binary.LittleEndian.PutUint64(buf[idx*8:], raw)
}

func (w *walker) newRoot() (vm.PAddr, error) {
	root, err := w.mem.AllocTable()
	if err != nil {
		return 0, vm.ErrOutOfMemory
	}
	return root, nil
}

// descend returns the table at the target level on the path to vaddr,
// allocating intermediate tables when alloc is set. Returns ErrNotMapped
// when alloc is unset and the path is incomplete.
func (w *walker) descend(root vm.PAddr, vaddr vm.VAddr, target int, alloc bool) (vm.PAddr, error) {
	table := root
	for level := 0; level < target; level++ {
		idx := w.index(level, vaddr)
		raw := w.readEntry(table, idx)

		if w.codec.isPresent(raw) {
			if w.codec.isLeaf(raw, level, w.levels) {
				// A large leaf blocks the path to a deeper level.
				return 0, vm.ErrAlreadyMapped
			}
			table = w.codec.paddrOf(raw)
			continue
		}

		if !alloc {
			return 0, vm.ErrNotMapped
		}

		next, err := w.mem.AllocTable()
		if err != nil {
			return 0, vm.ErrOutOfMemory
		}
		w.writeEntry(table, idx, w.codec.encodeTable(next))
		table = next
	}

	return table, nil
}

func (w *walker) mapRange(root vm.PAddr, vstart vm.VAddr, pstart vm.PAddr, length uint64, perms vm.Prot) error {
	if !vstart.PageAligned() || !pstart.PageAligned() ||
		length == 0 || length%vm.PageSize != 0 {
		return vm.ErrInvalidArgs
	}

	va := vstart
	pa := pstart
	end := vstart + vm.VAddr(length)

	for va < end {
		large := uint64(va)%vm.LargePageSize == 0 &&
			uint64(pa)%vm.LargePageSize == 0 &&
			uint64(end-va) >= vm.LargePageSize

		level := w.levels - 1
		size := uint64(vm.PageSize)
		if large {
			level = w.largeLevel
			size = vm.LargePageSize
		}

		table, err := w.descend(root, va, level, true)
		if err != nil {
			return err
		}

		idx := w.index(level, va)
		if w.codec.isPresent(w.readEntry(table, idx)) {
			return vm.ErrAlreadyMapped
		}
		w.writeEntry(table, idx, w.codec.encodeLeaf(pa, perms, large))

		va += vm.VAddr(size)
		pa += vm.PAddr(size)
	}

	return nil
}

func (w *walker) unmapRange(root vm.PAddr, vstart vm.VAddr, length uint64) error {
	if !vstart.PageAligned() || length == 0 || length%vm.PageSize != 0 {
		return vm.ErrInvalidArgs
	}

	va := vstart
	end := vstart + vm.VAddr(length)

	for va < end {
		entry, _, table, idx, found := w.lookup(root, va)
		if !found {
			va += vm.VAddr(vm.PageSize)
			continue
		}

		// Partial coverage of a large entry must be split by the caller
		// before unmapping.
		if entry.Size > vm.PageSize {
			base := va &^ vm.VAddr(vm.LargePageSize-1)
			if base < vstart || base+vm.VAddr(vm.LargePageSize) > end {
				return vm.ErrInvalidArgs
			}
		}

		w.writeEntry(table, idx, 0)
		va += vm.VAddr(entry.Size)
	}

	return nil
}

func (w *walker) protectRange(root vm.PAddr, vstart vm.VAddr, length uint64, perms vm.Prot) error {
	if !vstart.PageAligned() || length == 0 || length%vm.PageSize != 0 {
		return vm.ErrInvalidArgs
	}

	va := vstart
	end := vstart + vm.VAddr(length)

	for va < end {
		entry, _, table, idx, found := w.lookup(root, va)
		if !found {
			return vm.ErrNotMapped
		}

		if entry.Size > vm.PageSize {
			base := va &^ vm.VAddr(vm.LargePageSize-1)
			if base < vstart || base+vm.VAddr(vm.LargePageSize) > end {
				return vm.ErrInvalidArgs
			}
		}

		w.writeEntry(table, idx, w.codec.encodeLeaf(entry.PAddr, perms, entry.Size > vm.PageSize))
		va += vm.VAddr(entry.Size)
	}

	return nil
}

// lookup finds the leaf entry covering vaddr. It returns the decoded entry
// together with the table page and slot holding it so callers can rewrite
// the raw entry in place.
func (w *walker) lookup(root vm.PAddr, vaddr vm.VAddr) (Entry, int, vm.PAddr, int, bool) {
	table := root
	for level := 0; level < w.levels; level++ {
		idx := w.index(level, vaddr)
		raw := w.readEntry(table, idx)

		if !w.codec.isPresent(raw) {
			return Entry{}, 0, 0, 0, false
		}

		if w.codec.isLeaf(raw, level, w.levels) {
			size := uint64(vm.PageSize)
			if level < w.levels-1 {
				size = uint64(1) << w.shift(level)
			}
			entry := Entry{
				PAddr: w.codec.paddrOf(raw),
				Perms: w.codec.permsOf(raw),
				Size:  size,
			}
			return entry, level, table, idx, true
		}

		table = w.codec.paddrOf(raw)
	}

	return Entry{}, 0, 0, 0, false
}

func (w *walker) query(root vm.PAddr, vaddr vm.VAddr) (vm.PAddr, vm.Prot, bool) {
	entry, _, _, _, found := w.lookup(root, vaddr)
	if !found {
		return 0, vm.ProtNone, false
	}

	offset := uint64(vaddr) & (entry.Size - 1)
	return entry.PAddr + vm.PAddr(offset), entry.Perms, true
}

func (w *walker) entryAt(root vm.PAddr, vaddr vm.VAddr) (Entry, bool) {
	entry, _, _, _, found := w.lookup(root, vaddr)
	return entry, found
}

func (w *walker) freeTables(root vm.PAddr) {
	w.freeTableLevel(root, 0)
}

func (w *walker) freeTableLevel(table vm.PAddr, level int) {
	if level < w.levels-1 {
		for idx := 0; idx < entriesPerTable; idx++ {
			raw := w.readEntry(table, idx)
			if !w.codec.isPresent(raw) || w.codec.isLeaf(raw, level, w.levels) {
				continue
			}
			w.freeTableLevel(w.codec.paddrOf(raw), level+1)
		}
	}

	w.mem.FreeTable(table)
}
