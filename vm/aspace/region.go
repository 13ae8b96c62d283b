package aspace

import (
	"sort"

	"github.com/kestrelos/kestrel/vm"
	"github.com/kestrelos/kestrel/vm/vmo"
)

// RegionState tracks a region through its lifecycle.
type RegionState uint8

// Region states. A region is created Reserved, becomes Mapped when bound to
// a VMO range, and leaves the tree on unmap or address-space teardown.
const (
	RegionReserved RegionState = iota
	RegionMapped
)

// A Mapping binds a region to a VMO range.
type Mapping struct {
	VMO       *vmo.VMO
	VMOOffset uint64
	Length    uint64

	// Perms is the currently effective permission set. It only ever
	// narrows; it starts at the mapping request and never exceeds the
	// region's grant.
	Perms vm.Prot

	// Rights is the pre-validated access token from the handle layer.
	Rights vm.Prot
}

// A Region is one node in the address-space tree: a virtual range that is
// either subdivided into child regions or bound to a single VMO range.
// Siblings never overlap; a mapped region's length always equals the VMO
// range it covers.
type Region struct {
	aspace *Aspace
	parent *Region

	base  vm.VAddr
	size  uint64
	perms vm.Prot // maximal grant, fixed at reserve time

	state    RegionState
	children []*Region
	mapping  *Mapping
	detached bool
}

// Base returns the region's first virtual address.
func (r *Region) Base() vm.VAddr { return r.base }

// Size returns the region's span in bytes.
func (r *Region) Size() uint64 { return r.size }

// End returns the first address past the region.
func (r *Region) End() vm.VAddr { return r.base + vm.VAddr(r.size) }

// Perms returns the maximal grant fixed at reserve time.
func (r *Region) Perms() vm.Prot { return r.perms }

// State returns the region's lifecycle state.
func (r *Region) State() RegionState { return r.state }

// Mapping returns the bound VMO range, or nil while Reserved.
func (r *Region) Mapping() *Mapping { return r.mapping }

func (r *Region) contains(vaddr vm.VAddr) bool {
	return vaddr >= r.base && vaddr < r.End()
}

func (r *Region) overlaps(base vm.VAddr, size uint64) bool {
	return r.base < base+vm.VAddr(size) && base < r.End()
}

// findLeaf descends to the mapped or reserved leaf covering vaddr.
func (r *Region) findLeaf(vaddr vm.VAddr) *Region {
	if !r.contains(vaddr) {
		return nil
	}

	for _, child := range r.children {
		if child.contains(vaddr) {
			return child.findLeaf(vaddr)
		}
	}

	if len(r.children) > 0 {
		// vaddr falls in a gap between children of a container region.
		return nil
	}

	return r
}

// insertChild places a new child keeping children sorted by base.
func (r *Region) insertChild(child *Region) {
	idx := sort.Search(len(r.children), func(i int) bool {
		return r.children[i].base > child.base
	})
	r.children = append(r.children, nil)
	copy(r.children[idx+1:], r.children[idx:])
	r.children[idx] = child
}

func (r *Region) removeChild(child *Region) bool {
	for i, cur := range r.children {
		if cur == child {
			r.children = append(r.children[:i], r.children[i+1:]...)
			return true
		}
	}
	return false
}

// fits reports whether a new child [base, base+size) would overlap any
// existing child.
func (r *Region) fits(base vm.VAddr, size uint64) bool {
	if base < r.base || base+vm.VAddr(size) > r.End() {
		return false
	}
	for _, child := range r.children {
		if child.overlaps(base, size) {
			return false
		}
	}
	return true
}

// findGap performs the first-fit search for a free range of the given size,
// honoring the requested alignment.
func (r *Region) findGap(size, align uint64) (vm.VAddr, bool) {
	candidate := (r.base + vm.VAddr(align-1)) &^ vm.VAddr(align-1)

	for _, child := range r.children {
		if candidate+vm.VAddr(size) <= child.base {
			return candidate, true
		}
		if child.End() > candidate {
			candidate = (child.End() + vm.VAddr(align-1)) &^ vm.VAddr(align-1)
		}
	}

	if candidate+vm.VAddr(size) <= r.End() && candidate >= r.base {
		return candidate, true
	}

	return 0, false
}

// OnInvalidate implements vmo.MappingObserver: when a range of the mapped
// VMO is decommitted or starts being shared with a clone, the covering
// translations are torn down so the next access faults instead of reaching
// a recycled frame or bypassing copy-on-write.
func (r *Region) OnInvalidate(id vmo.ID, offset, length uint64) {
	a := r.aspace

	a.mu.Lock()
	defer a.mu.Unlock()

	if r.detached || r.state != RegionMapped || r.mapping.VMO.ID() != id {
		return
	}

	m := r.mapping

	// Intersect the decommitted VMO range with the range this mapping
	// covers.
	start := max(offset, m.VMOOffset)
	end := min(offset+length, m.VMOOffset+m.Length)
	if start >= end {
		return
	}

	vstart := r.base + vm.VAddr(start-m.VMOOffset)
	_ = a.table.Unmap(vstart, end-start)
}
