// Package pmm implements the physical page-frame arena backing the VM core.
// Frames are fixed page-size units indexed by stable frame numbers; VMOs and
// page tables hold frame addresses, never pointers into the arena, so clone
// chains cannot form ownership cycles and teardown order does not matter.
package pmm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kestrelos/kestrel/vm"
)

// A frame is one physical page. The reference count is atomic because it is
// the hottest shared counter in the system: copy-on-write resolution and
// mapping teardown hit it from every CPU.
type frame struct {
	refCount  atomic.Int32
	allocated bool
	dirty     atomic.Bool
	accessed  atomic.Bool
}

// Arena owns a contiguous range of simulated physical memory and hands out
// page frames from it. A frame is returned to the free list only when its
// reference count drops to zero.
type Arena struct {
	base vm.PAddr
	data []byte

	mu       sync.Mutex
	frames   []frame
	freeList []uint64

	freeCount  atomic.Int64
	allocCount atomic.Int64
}

// NewArena creates an arena of frameCount page frames starting at base.
// base must be page-aligned.
func NewArena(base vm.PAddr, frameCount int) *Arena {
	if !base.PageAligned() {
		panic("pmm: arena base is not page aligned")
	}

	a := &Arena{
		base:     base,
		data:     make([]byte, uint64(frameCount)*vm.PageSize),
		frames:   make([]frame, frameCount),
		freeList: make([]uint64, 0, frameCount),
	}

	for i := frameCount - 1; i >= 0; i-- {
		a.freeList = append(a.freeList, uint64(i))
	}
	a.freeCount.Store(int64(frameCount))

	return a
}

// AllocFrame takes one frame off the free list, zero-fills it, and returns
// its physical address with a reference count of one. Zero-filling is
// unconditional; the arena never hands out stale content.
func (a *Arena) AllocFrame() (vm.PAddr, error) {
	a.mu.Lock()

	if len(a.freeList) == 0 {
		a.mu.Unlock()
		return 0, vm.ErrOutOfMemory
	}

	idx := a.freeList[len(a.freeList)-1]
	a.freeList = a.freeList[:len(a.freeList)-1]

	f := &a.frames[idx]
	f.allocated = true
	f.refCount.Store(1)
	f.dirty.Store(false)
	f.accessed.Store(false)

	a.mu.Unlock()

	a.freeCount.Add(-1)
	a.allocCount.Add(1)

	start := idx * vm.PageSize
	clear(a.data[start : start+vm.PageSize])

	return a.base + vm.PAddr(idx*vm.PageSize), nil
}

// Ref increments the frame's reference count. Used when a frame becomes
// shared by an additional VMO (copy-on-write clones).
func (a *Arena) Ref(paddr vm.PAddr) {
	f := a.frameOf(paddr)
	if f.refCount.Add(1) <= 1 {
		panic(fmt.Sprintf("pmm: ref of unreferenced frame %#x", paddr))
	}
}

// Unref decrements the frame's reference count and returns the remaining
// count. At zero the frame goes back on the free list.
func (a *Arena) Unref(paddr vm.PAddr) int32 {
	f := a.frameOf(paddr)

	remaining := f.refCount.Add(-1)
	if remaining < 0 {
		panic(fmt.Sprintf("pmm: unref of free frame %#x", paddr))
	}

	if remaining == 0 {
		a.mu.Lock()
		f.allocated = false
		a.freeList = append(a.freeList, a.indexOf(paddr))
		a.mu.Unlock()

		a.freeCount.Add(1)
		a.allocCount.Add(-1)
	}

	return remaining
}

// FreeFrame releases one reference, freeing the frame if it was the last.
func (a *Arena) FreeFrame(paddr vm.PAddr) {
	a.Unref(paddr)
}

// RefCount returns the current reference count of the frame.
func (a *Arena) RefCount(paddr vm.PAddr) int32 {
	return a.frameOf(paddr).refCount.Load()
}

// Bytes returns the page-sized slice backing the frame.
func (a *Arena) Bytes(paddr vm.PAddr) []byte {
	f := a.frameOf(paddr)
	if !f.allocated {
		panic(fmt.Sprintf("pmm: access to free frame %#x", paddr))
	}

	start := a.indexOf(paddr) * vm.PageSize

	return a.data[start : start+vm.PageSize]
}

// SetDirty mirrors the hardware dirty bit for the frame.
func (a *Arena) SetDirty(paddr vm.PAddr) {
	a.frameOf(paddr).dirty.Store(true)
}

// SetAccessed mirrors the hardware accessed bit for the frame.
func (a *Arena) SetAccessed(paddr vm.PAddr) {
	a.frameOf(paddr).accessed.Store(true)
}

// Dirty reports the mirrored dirty bit.
func (a *Arena) Dirty(paddr vm.PAddr) bool {
	return a.frameOf(paddr).dirty.Load()
}

// Accessed reports the mirrored accessed bit.
func (a *Arena) Accessed(paddr vm.PAddr) bool {
	return a.frameOf(paddr).accessed.Load()
}

// AllocTable allocates a zeroed frame for use as a page-table page.
func (a *Arena) AllocTable() (vm.PAddr, error) {
	return a.AllocFrame()
}

// FreeTable releases a page-table page.
func (a *Arena) FreeTable(paddr vm.PAddr) {
	a.Unref(paddr)
}

// TotalFrames returns the arena capacity in frames.
func (a *Arena) TotalFrames() int {
	return len(a.frames)
}

// FreeFrames returns the number of frames on the free list.
func (a *Arena) FreeFrames() int64 {
	return a.freeCount.Load()
}

// AllocatedFrames returns the number of frames currently handed out.
func (a *Arena) AllocatedFrames() int64 {
	return a.allocCount.Load()
}

func (a *Arena) indexOf(paddr vm.PAddr) uint64 {
	if paddr < a.base || !paddr.PageAligned() {
		panic(fmt.Sprintf("pmm: address %#x is not a frame in this arena", paddr))
	}

	idx := uint64(paddr-a.base) / vm.PageSize
	if idx >= uint64(len(a.frames)) {
		panic(fmt.Sprintf("pmm: address %#x is beyond the arena", paddr))
	}

	return idx
}

func (a *Arena) frameOf(paddr vm.PAddr) *frame {
	return &a.frames[a.indexOf(paddr)]
}
