// Package pagetable wraps an architecture backend with range-oriented
// map/unmap/protect semantics. It owns large-page splitting when a
// sub-range operation partially covers a large entry, and batches TLB
// shootdowns so a range operation costs one IPI round, not one per page.
package pagetable

import (
	"sync"

	"github.com/kestrelos/kestrel/vm"
	"github.com/kestrelos/kestrel/vm/arch"
)

// PageTable is the live translation state of one address space. All range
// operations serialize on one table lock; concurrent faults on the same
// space race only at the VMO layer, never inside the radix tree.
type PageTable struct {
	backend arch.Backend
	shooter Shootdowner

	mu   sync.Mutex
	root vm.PAddr
	asid vm.ASID
}

// Shootdowner issues a batched cross-CPU invalidation and blocks until every
// CPU acknowledges.
type Shootdowner interface {
	Shootdown(asid vm.ASID, pages []vm.VAddr)
}

// Root returns the physical address of the root table, suitable for loading
// into CR3/TTBR/SATP.
func (p *PageTable) Root() vm.PAddr { return p.root }

// ASID returns the hardware address-space tag.
func (p *PageTable) ASID() vm.ASID { return p.asid }

// Map installs translations for [vstart, vstart+length) onto the physical
// range starting at pstart. The whole range must be unmapped; a conflicting
// entry anywhere in it fails the operation with ErrAlreadyMapped before any
// table is written.
func (p *PageTable) Map(vstart vm.VAddr, pstart vm.PAddr, length uint64, perms vm.Prot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !vstart.PageAligned() || !pstart.PageAligned() ||
		length == 0 || length%vm.PageSize != 0 {
		return vm.ErrInvalidArgs
	}
	if !p.backend.IsCanonical(vstart) || !p.backend.IsCanonical(vstart+vm.VAddr(length)-1) {
		return vm.ErrInvalidAddress
	}

	for va := vstart; va < vstart+vm.VAddr(length); va += vm.VAddr(vm.PageSize) {
		if _, ok := p.backend.EntryAt(p.root, va); ok {
			return vm.ErrAlreadyMapped
		}
	}

	if err := p.backend.MapRange(p.root, vstart, pstart, length, perms); err != nil {
		// Roll back any pages installed before the failure; UnmapRange
		// skips the ones that never made it.
		_ = p.backend.UnmapRange(p.root, vstart, length)
		return err
	}

	return nil
}

// Unmap removes translations for [vstart, vstart+length). Pages already
// unmapped are skipped. Large entries straddling either boundary are split
// first so the remainder stays mapped. The operation is not complete until
// every CPU has acknowledged the invalidation.
func (p *PageTable) Unmap(vstart vm.VAddr, length uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !vstart.PageAligned() || length == 0 || length%vm.PageSize != 0 {
		return vm.ErrInvalidArgs
	}
	if !p.backend.IsCanonical(vstart) {
		return vm.ErrInvalidAddress
	}

	stale := make([]vm.VAddr, 0, length/vm.PageSize)

	var err error
	if stale, err = p.splitBoundary(vstart, stale); err != nil {
		return err
	}
	if stale, err = p.splitBoundary(vstart+vm.VAddr(length), stale); err != nil {
		return err
	}

	for va := vstart; va < vstart+vm.VAddr(length); {
		entry, ok := p.backend.EntryAt(p.root, va)
		if !ok {
			va += vm.VAddr(vm.PageSize)
			continue
		}
		stale = append(stale, va)
		va += vm.VAddr(entry.Size)
	}

	if err := p.backend.UnmapRange(p.root, vstart, length); err != nil {
		return err
	}

	p.flush(stale)

	return nil
}

// Protect rewrites the permission bits over [vstart, vstart+length) without
// changing the physical mapping, and invalidates stale permission caches on
// every CPU before returning. The whole range must be mapped.
func (p *PageTable) Protect(vstart vm.VAddr, length uint64, perms vm.Prot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !vstart.PageAligned() || length == 0 || length%vm.PageSize != 0 {
		return vm.ErrInvalidArgs
	}
	if !p.backend.IsCanonical(vstart) {
		return vm.ErrInvalidAddress
	}

	stale := make([]vm.VAddr, 0, length/vm.PageSize)

	var err error
	if stale, err = p.splitBoundary(vstart, stale); err != nil {
		return err
	}
	if stale, err = p.splitBoundary(vstart+vm.VAddr(length), stale); err != nil {
		return err
	}

	for va := vstart; va < vstart+vm.VAddr(length); {
		entry, ok := p.backend.EntryAt(p.root, va)
		if !ok {
			return vm.ErrNotMapped
		}
		stale = append(stale, va)
		va += vm.VAddr(entry.Size)
	}

	if err := p.backend.ProtectRange(p.root, vstart, length, perms); err != nil {
		return err
	}

	p.flush(stale)

	return nil
}

// Query performs a read-only translation lookup.
func (p *PageTable) Query(vaddr vm.VAddr) (vm.PAddr, vm.Prot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backend.Query(p.root, vaddr)
}

// EntryAt returns the leaf entry covering vaddr.
func (p *PageTable) EntryAt(vaddr vm.VAddr) (arch.Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backend.EntryAt(p.root, vaddr)
}

// Destroy tears down every table page. The caller must have unmapped (or be
// discarding) all translations; leaf frame ownership stays with the VMOs.
func (p *PageTable) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.backend.FreeTables(p.root)
	p.backend.InvalidateASID(p.asid)
	if p.shooter != nil {
		p.shooter.Shootdown(p.asid, nil)
	}
}

// splitBoundary rewrites a large entry as base pages when boundary falls
// strictly inside it, so the two sides can be operated on independently.
// The large translation becomes stale and is queued for invalidation.
func (p *PageTable) splitBoundary(boundary vm.VAddr, stale []vm.VAddr) ([]vm.VAddr, error) {
	entry, ok := p.backend.EntryAt(p.root, boundary)
	if !ok || entry.Size == vm.PageSize {
		return stale, nil
	}

	base := boundary &^ vm.VAddr(entry.Size-1)
	if base == boundary {
		return stale, nil
	}

	if err := p.backend.UnmapRange(p.root, base, entry.Size); err != nil {
		return stale, err
	}

	// Reinstall the full large range page by page. Mapping less than a
	// large page at a time forces base entries.
	for off := uint64(0); off < entry.Size; off += vm.PageSize {
		err := p.backend.MapRange(
			p.root,
			base+vm.VAddr(off),
			entry.PAddr+vm.PAddr(off),
			vm.PageSize,
			entry.Perms,
		)
		if err != nil {
			return stale, err
		}
	}

	return append(stale, base), nil
}

// flush invalidates the stale translations locally and runs one shootdown
// round for the whole batch.
func (p *PageTable) flush(stale []vm.VAddr) {
	if len(stale) == 0 {
		return
	}

	for _, va := range stale {
		p.backend.InvalidatePage(p.asid, va)
	}

	if p.shooter != nil {
		p.shooter.Shootdown(p.asid, stale)
	}
}
