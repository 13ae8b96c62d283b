// Package aspace manages virtual address spaces: trees of reserved and
// mapped regions backed by a hardware-format page table, with lazy frame
// population left to the fault path.
package aspace

import (
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/kestrelos/kestrel/vm"
	"github.com/kestrelos/kestrel/vm/pagetable"
	"github.com/kestrelos/kestrel/vm/vmo"
)

// AnyBase asks Reserve to pick the base address itself.
const AnyBase vm.VAddr = 0

// asidAllocator hands out 16-bit ASIDs, skipping 0 which stays reserved for
// the kernel address space. Wraps around without tracking liveness; spaces
// are expected to be far fewer than 65535 at any time.
type asidAllocator struct {
	mu   sync.Mutex
	next uint16
}

func (a *asidAllocator) alloc() vm.ASID {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.next++
	if a.next == 0 {
		a.next = 1
	}
	return vm.ASID(a.next)
}

var asids asidAllocator

// AllocASID hands out the next address-space identifier. Callers pass it to
// the page-table builder before wiring the table into an address space.
func AllocASID() vm.ASID { return asids.alloc() }

// An Aspace is one virtual address space: a region tree over the user (or
// kernel) half of the canonical layout, backed by a hardware page table.
type Aspace struct {
	id     string
	asid   vm.ASID
	kernel bool
	layout vm.Layout
	table  *pagetable.PageTable

	log *logrus.Entry

	mu        sync.Mutex
	root      *Region
	destroyed bool
}

// ID returns the space's unique identifier.
func (a *Aspace) ID() string { return a.id }

// ASID returns the address-space identifier used for TLB tagging.
func (a *Aspace) ASID() vm.ASID { return a.asid }

// IsKernel reports whether this space covers the kernel half of the layout.
func (a *Aspace) IsKernel() bool { return a.kernel }

// Layout returns the canonical address layout this space was built with.
func (a *Aspace) Layout() vm.Layout { return a.layout }

// Table exposes the backing page table, mainly for the fault path.
func (a *Aspace) Table() *pagetable.PageTable { return a.table }

// Destroyed reports whether the space has been torn down.
func (a *Aspace) Destroyed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroyed
}

// Reserve carves a region of the given size out of the space. With
// hint == AnyBase the base is chosen first-fit; otherwise the hint must be
// page aligned and not overlap any existing region. The grant fixes the
// maximal permissions of any mapping placed in the region later.
func (a *Aspace) Reserve(hint vm.VAddr, size uint64, grant vm.Prot) (*Region, error) {
	if size == 0 || size%vm.PageSize != 0 {
		return nil, vm.ErrInvalidArgs
	}
	if hint != AnyBase && !hint.PageAligned() {
		return nil, vm.ErrInvalidArgs
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return nil, vm.ErrBadState
	}
	return a.reserveIn(a.root, hint, size, grant)
}

// ReserveSub subdivides an existing reserved region. The parent must not be
// mapped, and the child's grant cannot exceed the parent's.
func (a *Aspace) ReserveSub(parent *Region, hint vm.VAddr, size uint64, grant vm.Prot) (*Region, error) {
	if size == 0 || size%vm.PageSize != 0 {
		return nil, vm.ErrInvalidArgs
	}
	if hint != AnyBase && !hint.PageAligned() {
		return nil, vm.ErrInvalidArgs
	}
	if !grant.Within(parent.perms) {
		return nil, vm.ErrPermissionDenied
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return nil, vm.ErrBadState
	}
	if parent.detached || parent.state == RegionMapped {
		return nil, vm.ErrBadState
	}
	return a.reserveIn(parent, hint, size, grant)
}

func (a *Aspace) reserveIn(parent *Region, hint vm.VAddr, size uint64, grant vm.Prot) (*Region, error) {
	base := hint
	if hint == AnyBase {
		align := uint64(vm.PageSize)
		if size >= vm.LargePageSize {
			align = vm.LargePageSize
		}
		found, ok := parent.findGap(size, align)
		if !ok {
			return nil, vm.ErrOutOfMemory
		}
		base = found
	} else if !parent.fits(base, size) {
		return nil, vm.ErrAlreadyMapped
	}

	region := &Region{
		aspace: a,
		parent: parent,
		base:   base,
		size:   size,
		perms:  grant,
		state:  RegionReserved,
	}
	parent.insertChild(region)

	a.log.WithFields(logrus.Fields{
		"base": base,
		"size": size,
	}).Debug("region reserved")

	return region, nil
}

// MapVMO binds a reserved leaf region to a range of the given VMO. The
// requested permissions must stay within both the region's grant and the
// rights token covering the VMO. No frames are installed here; population
// happens on first fault.
func (a *Aspace) MapVMO(region *Region, obj *vmo.VMO, vmoOffset uint64, perms, rights vm.Prot) error {
	if vmoOffset%vm.PageSize != 0 {
		return vm.ErrInvalidArgs
	}
	// Phrased to stay overflow-safe for offsets near the top of the
	// address range.
	if size := obj.Size(); vmoOffset > size || region.size > size-vmoOffset {
		return vm.ErrInvalidAddress
	}
	if !perms.Within(region.perms) || !perms.Within(rights) {
		return vm.ErrPermissionDenied
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return vm.ErrBadState
	}
	if region.detached || region.state != RegionReserved || len(region.children) > 0 {
		return vm.ErrBadState
	}

	if err := obj.AddRef(); err != nil {
		return err
	}

	region.mapping = &Mapping{
		VMO:       obj,
		VMOOffset: vmoOffset,
		Length:    region.size,
		Perms:     perms,
		Rights:    rights,
	}
	region.state = RegionMapped
	obj.AddObserver(region)

	a.log.WithFields(logrus.Fields{
		"base": region.base,
		"size": region.size,
		"vmo":  obj.ID(),
	}).Debug("vmo mapped")

	return nil
}

// Unmap removes a mapped or reserved region from the tree, tearing down any
// installed translations and dropping the VMO reference. Unmapping is
// idempotent at the tree level: a second call on the same region fails with
// ErrNotFound.
func (a *Aspace) Unmap(region *Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unmapLocked(region)
}

func (a *Aspace) unmapLocked(region *Region) error {
	if region.detached {
		return vm.ErrNotFound
	}
	if len(region.children) > 0 {
		return vm.ErrBadState
	}

	if region.state == RegionMapped {
		m := region.mapping
		m.VMO.RemoveObserver(region)
		if err := a.table.Unmap(region.base, region.size); err != nil {
			return err
		}
		m.VMO.Release()
		region.mapping = nil
	}

	region.parent.removeChild(region)
	region.detached = true
	region.state = RegionReserved

	a.log.WithFields(logrus.Fields{
		"base": region.base,
		"size": region.size,
	}).Debug("region unmapped")

	return nil
}

// Protect narrows the effective permissions of a mapped region. The new set
// must stay within the original grant. Already-installed translations are
// rewritten; non-resident pages pick up the new permissions on their next
// fault.
func (a *Aspace) Protect(region *Region, perms vm.Prot) error {
	if !perms.Within(region.perms) {
		return vm.ErrPermissionDenied
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return vm.ErrBadState
	}
	if region.detached || region.state != RegionMapped {
		return vm.ErrBadState
	}
	if !perms.Within(region.mapping.Rights) {
		return vm.ErrPermissionDenied
	}

	// Rewrite resident runs only; holes are demand-paged and must not
	// trip ErrNotMapped.
	var runStart vm.VAddr
	var runLen uint64
	flush := func() error {
		if runLen == 0 {
			return nil
		}
		err := a.table.Protect(runStart, runLen, perms)
		runLen = 0
		return err
	}

	for va := region.base; va < region.End(); {
		entry, ok := a.table.EntryAt(va)
		if !ok {
			if err := flush(); err != nil {
				return err
			}
			va += vm.VAddr(vm.PageSize)
			continue
		}
		if runLen == 0 {
			runStart = va
		}
		runLen += entry.Size
		va += vm.VAddr(entry.Size)
	}
	if err := flush(); err != nil {
		return err
	}

	// Record the new set only once every resident translation carries it,
	// so a failed rewrite leaves the mapping and the hardware agreeing.
	region.mapping.Perms = perms

	return nil
}

// FindRegion locates the leaf region covering vaddr.
func (a *Aspace) FindRegion(vaddr vm.VAddr) (*Region, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return nil, false
	}
	leaf := a.root.findLeaf(vaddr)
	if leaf == nil || leaf == a.root {
		return nil, false
	}
	return leaf, true
}

// Regions returns a depth-first snapshot of every region in the tree,
// excluding the root.
func (a *Aspace) Regions() []*Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []*Region
	var walk func(r *Region)
	walk = func(r *Region) {
		if r != a.root {
			out = append(out, r)
		}
		for _, child := range r.children {
			walk(child)
		}
	}
	walk(a.root)
	return out
}

// Resolve is the fault path's entry: it returns the mapped leaf covering
// vaddr together with its mapping.
func (a *Aspace) Resolve(vaddr vm.VAddr) (*Region, *Mapping, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return nil, nil, vm.ErrBadState
	}

	leaf := a.root.findLeaf(vaddr)
	if leaf == nil || leaf == a.root || leaf.state != RegionMapped {
		return nil, nil, vm.ErrNotFound
	}
	return leaf, leaf.mapping, nil
}

// Install publishes a fault-resolved translation. The region is re-checked
// under the space lock immediately before the table write: a region that was
// unmapped, or a space that was destroyed, while the frame was being
// resolved fails the fault instead of leaving a translation the region tree
// no longer covers.
func (a *Aspace) Install(region *Region, page vm.VAddr, paddr vm.PAddr, perms vm.Prot, access vm.AccessKind) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return vm.ErrBadState
	}
	if region.detached || region.state != RegionMapped || !region.contains(page) {
		return vm.ErrNotFound
	}
	if !access.Needs().Within(region.mapping.Perms) {
		return vm.ErrPermissionDenied
	}

	// A Protect racing the fault may have narrowed the grant since the
	// frame was resolved; never install wider than the mapping allows now.
	perms &= region.mapping.Perms | vm.ProtUser

	for {
		err := a.table.Map(page, paddr, vm.PageSize, perms)
		if err != vm.ErrAlreadyMapped {
			return err
		}

		existing, existingPerms, found := a.table.Query(page)
		if found && existing == paddr && access.Needs().Within(existingPerms) {
			// A concurrent fault won the race with an equivalent
			// translation.
			return nil
		}

		// Stale translation, typically the pre-divergence read-only
		// frame. Replace it and retry; the Map can lose again to
		// another racer, so keep the sequence in the loop.
		if err := a.table.Unmap(page, vm.PageSize); err != nil {
			return err
		}
	}
}

// Destroy tears the space down: every mapping is removed, the page-table
// tree is freed, and the ASID's translations are invalidated everywhere.
// Faults racing with destruction fail with ErrBadState.
func (a *Aspace) Destroy() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return vm.ErrBadState
	}
	a.destroyed = true

	if err := a.unmapAll(a.root); err != nil {
		return err
	}

	a.table.Destroy()
	a.log.Debug("address space destroyed")

	return nil
}

func (a *Aspace) unmapAll(r *Region) error {
	for len(r.children) > 0 {
		child := r.children[0]
		if err := a.unmapAll(child); err != nil {
			return err
		}
	}
	if r == a.root {
		return nil
	}
	return a.unmapLocked(r)
}

// Builder assembles address spaces the same way every other component in
// the tree is assembled.
type Builder struct {
	table  *pagetable.PageTable
	layout vm.Layout
	kernel bool
	log    *logrus.Logger
}

// MakeBuilder returns a builder with the amd64 layout preselected.
func MakeBuilder() Builder {
	return Builder{
		layout: vm.LayoutAMD64,
		log:    logrus.StandardLogger(),
	}
}

// WithPageTable sets the backing page table.
func (b Builder) WithPageTable(t *pagetable.PageTable) Builder {
	b.table = t
	return b
}

// WithLayout sets the canonical address layout.
func (b Builder) WithLayout(l vm.Layout) Builder {
	b.layout = l
	return b
}

// WithKernel marks the space as covering the kernel half of the layout.
func (b Builder) WithKernel(kernel bool) Builder {
	b.kernel = kernel
	return b
}

// WithLogger overrides the logger used for debug records.
func (b Builder) WithLogger(log *logrus.Logger) Builder {
	b.log = log
	return b
}

// Build creates the address space. Without an explicit page table the call
// panics; wiring one in is the caller's job since it carries the arena and
// the shootdown fabric.
func (b Builder) Build() *Aspace {
	if b.table == nil {
		panic("aspace: builder requires a page table")
	}

	base := b.layout.UserBase
	size := b.layout.UserSize()
	if b.kernel {
		base = b.layout.KernelBase
		size = b.layout.KernelSize
	}

	a := &Aspace{
		id:     xid.New().String(),
		asid:   b.table.ASID(),
		kernel: b.kernel,
		layout: b.layout,
		table:  b.table,
	}
	a.log = b.log.WithFields(logrus.Fields{
		"aspace": a.id,
		"asid":   a.asid,
	})
	a.root = &Region{
		aspace: a,
		base:   base,
		size:   size,
		perms:  vm.ProtRead | vm.ProtWrite | vm.ProtExecute | vm.ProtUser,
	}
	return a
}
