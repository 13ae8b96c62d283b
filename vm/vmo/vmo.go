// Package vmo implements virtual memory objects: sparse, reference-counted
// collections of physical frames independent of any address space. VMOs are
// the unit of memory content; address spaces map ranges of them, and
// copy-on-write clones share frames until a writer diverges.
package vmo

import (
	"sync"

	"github.com/kestrelos/kestrel/vm"
)

// ID identifies a VMO. VMOs reference each other (clone parents) by ID
// through the registry, never by pointer, so clone chains cannot form
// ownership cycles and teardown order is irrelevant.
type ID string

// FrameSource is the slice of the physical frame arena the VMO layer
// consumes: allocation, content access, and the atomic reference-count
// primitives that drive copy-on-write.
type FrameSource interface {
	AllocFrame() (vm.PAddr, error)
	Ref(paddr vm.PAddr)
	Unref(paddr vm.PAddr) int32
	RefCount(paddr vm.PAddr) int32
	Bytes(paddr vm.PAddr) []byte
}

// CachePolicy controls the cacheability attribute of mappings of the VMO.
type CachePolicy uint8

// Cache policies.
const (
	CacheDefault CachePolicy = iota
	CacheUncached
	CacheWriteCombining
	CacheWriteThrough
)

// A MappingObserver is notified when translations covering a range of a VMO
// it maps become invalid, either because the pages were decommitted or
// because a clone now shares them and writes must fault. Callbacks run
// without the VMO lock held.
type MappingObserver interface {
	OnInvalidate(id ID, offset, length uint64)
}

// VMO is one virtual memory object.
type VMO struct {
	id       ID
	frames   FrameSource
	registry *Registry

	mu           sync.Mutex
	size         uint64
	pages        map[uint64]vm.PAddr // page index -> frame
	pins         map[uint64]uint32   // page index -> pin count
	pager        Pager               // nil for anonymous zero-fill VMOs
	pagerBase    uint64              // offset of page 0 in the pager's source
	parent       ID
	parentOffset uint64
	cow          bool
	resizable    bool
	cachePolicy  CachePolicy
	children     []ID
	observers    []MappingObserver
	refs         int
	destroying   bool
}

// ID returns the VMO's identifier.
func (v *VMO) ID() ID { return v.id }

// Size returns the VMO's size in bytes.
func (v *VMO) Size() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.size
}

// IsCOW reports whether the VMO is a copy-on-write clone.
func (v *VMO) IsCOW() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cow
}

// Parent returns the clone parent's ID, or "" for a root VMO.
func (v *VMO) Parent() ID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.parent
}

// CommittedPages returns the number of resident pages. It never exceeds
// size/PageSize.
func (v *VMO) CommittedPages() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pages)
}

// SetCachePolicy sets the cacheability attribute for future mappings.
func (v *VMO) SetCachePolicy(policy CachePolicy) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cachePolicy = policy
}

// CachePolicy returns the cacheability attribute.
func (v *VMO) CachePolicy() CachePolicy {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cachePolicy
}

func (v *VMO) checkRange(offset, length uint64) error {
	if offset%vm.PageSize != 0 || length == 0 || length%vm.PageSize != 0 {
		return vm.ErrInvalidArgs
	}
	if offset+length < offset || offset+length > v.size {
		return vm.ErrInvalidArgs
	}
	return nil
}

// CommitRange eagerly populates every page in [offset, offset+length):
// zero-filled frames for anonymous VMOs, pager-supplied content for paged
// ones. Already-resident pages are left alone.
func (v *VMO) CommitRange(offset, length uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.destroying {
		return vm.ErrBadState
	}
	if err := v.checkRange(offset, length); err != nil {
		return err
	}

	for page := offset / vm.PageSize; page < (offset+length)/vm.PageSize; page++ {
		if _, ok := v.pages[page]; ok {
			continue
		}
		if _, err := v.commitPage(page); err != nil {
			return err
		}
	}

	return nil
}

// DecommitRange releases the frames backing [offset, offset+length) and
// tears down every mapping of those pages; subsequent access faults and
// repopulates. A pinned page anywhere in the range fails the whole
// operation with ErrBadState before any frame is released.
func (v *VMO) DecommitRange(offset, length uint64) error {
	v.mu.Lock()

	if v.destroying {
		v.mu.Unlock()
		return vm.ErrBadState
	}
	if err := v.checkRange(offset, length); err != nil {
		v.mu.Unlock()
		return err
	}

	for page := offset / vm.PageSize; page < (offset+length)/vm.PageSize; page++ {
		if v.pins[page] > 0 {
			v.mu.Unlock()
			return vm.ErrBadState
		}
	}

	for page := offset / vm.PageSize; page < (offset+length)/vm.PageSize; page++ {
		paddr, ok := v.pages[page]
		if !ok {
			continue
		}
		delete(v.pages, page)
		v.frames.Unref(paddr)
	}

	observers := make([]MappingObserver, len(v.observers))
	copy(observers, v.observers)
	v.mu.Unlock()

	// Observer callbacks take address-space locks; they must run outside
	// the VMO lock.
	for _, o := range observers {
		o.OnInvalidate(v.id, offset, length)
	}

	return nil
}

// ReadPage resolves the frame backing a read access at offset, committing
// the page when it is not resident. shared reports whether the frame is
// still shared with another VMO, in which case the caller must install it
// read-only so a later write still faults.
func (v *VMO) ReadPage(offset uint64) (paddr vm.PAddr, shared bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.destroying {
		return 0, false, vm.ErrBadState
	}
	if err := v.checkRange(offset, vm.PageSize); err != nil {
		return 0, false, err
	}

	page := offset / vm.PageSize
	if paddr, ok := v.pages[page]; ok {
		return paddr, v.frames.RefCount(paddr) > 1, nil
	}

	paddr, err = v.commitPage(page)
	if err != nil {
		return 0, false, err
	}

	return paddr, false, nil
}

// WritePage resolves the frame backing a write access at offset. A frame
// shared with another VMO is diverged first: a new frame is allocated, the
// old content copied, the old reference dropped. The returned frame is
// exclusively owned and safe to map writable. Concurrent faults on the same
// offset serialize on the VMO lock; the loser observes the winner's frame.
func (v *VMO) WritePage(offset uint64) (vm.PAddr, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.destroying {
		return 0, vm.ErrBadState
	}
	if err := v.checkRange(offset, vm.PageSize); err != nil {
		return 0, err
	}

	page := offset / vm.PageSize

	paddr, ok := v.pages[page]
	if !ok {
		return v.commitPage(page)
	}

	if v.frames.RefCount(paddr) == 1 {
		return paddr, nil
	}

	// Copy-on-write divergence.
	newFrame, err := v.frames.AllocFrame()
	if err != nil {
		return 0, err
	}
	copy(v.frames.Bytes(newFrame), v.frames.Bytes(paddr))
	v.pages[page] = newFrame
	v.frames.Unref(paddr)

	return newFrame, nil
}

// Read copies up to len(buf) bytes starting at offset into buf, committing
// pages as needed, and returns the number of bytes read.
func (v *VMO) Read(offset uint64, buf []byte) (int, error) {
	size := v.Size()
	if offset >= size {
		return 0, vm.ErrInvalidArgs
	}

	n := len(buf)
	if uint64(n) > size-offset {
		n = int(size - offset)
	}

	done := 0
	for done < n {
		pageOff := (offset + uint64(done)) &^ (vm.PageSize - 1)
		inPage := (offset + uint64(done)) & (vm.PageSize - 1)

		paddr, _, err := v.ReadPage(pageOff)
		if err != nil {
			return done, err
		}

		chunk := copy(buf[done:n], v.frames.Bytes(paddr)[inPage:])
		done += chunk
	}

	return n, nil
}

// Write copies buf into the VMO starting at offset, diverging shared frames
// as needed, and returns the number of bytes written.
func (v *VMO) Write(offset uint64, buf []byte) (int, error) {
	size := v.Size()
	if offset >= size {
		return 0, vm.ErrInvalidArgs
	}

	n := len(buf)
	if uint64(n) > size-offset {
		n = int(size - offset)
	}

	done := 0
	for done < n {
		pageOff := (offset + uint64(done)) &^ (vm.PageSize - 1)
		inPage := (offset + uint64(done)) & (vm.PageSize - 1)

		paddr, err := v.WritePage(pageOff)
		if err != nil {
			return done, err
		}

		chunk := copy(v.frames.Bytes(paddr)[inPage:], buf[done:n])
		done += chunk
	}

	return n, nil
}

// Resize grows or shrinks a resizable VMO. Shrinking decommits the pages
// beyond the new size and fails with ErrBadState if any of them is pinned.
func (v *VMO) Resize(newSize uint64) error {
	v.mu.Lock()

	if v.destroying {
		v.mu.Unlock()
		return vm.ErrBadState
	}
	if !v.resizable {
		v.mu.Unlock()
		return vm.ErrPermissionDenied
	}
	if newSize == 0 || newSize%vm.PageSize != 0 {
		v.mu.Unlock()
		return vm.ErrInvalidArgs
	}

	var notifyOffset, notifyLength uint64
	if newSize < v.size {
		for page := newSize / vm.PageSize; page < v.size/vm.PageSize; page++ {
			if v.pins[page] > 0 {
				v.mu.Unlock()
				return vm.ErrBadState
			}
		}
		for page := newSize / vm.PageSize; page < v.size/vm.PageSize; page++ {
			if paddr, ok := v.pages[page]; ok {
				delete(v.pages, page)
				v.frames.Unref(paddr)
			}
		}
		notifyOffset = newSize
		notifyLength = v.size - newSize
	}

	v.size = newSize

	observers := make([]MappingObserver, len(v.observers))
	copy(observers, v.observers)
	v.mu.Unlock()

	// Observer callbacks take address-space locks; they must run outside
	// the VMO lock.
	if notifyLength > 0 {
		for _, o := range observers {
			o.OnInvalidate(v.id, notifyOffset, notifyLength)
		}
	}

	return nil
}

// AddObserver registers a mapping for invalidation notifications.
func (v *VMO) AddObserver(o MappingObserver) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.observers = append(v.observers, o)
}

// RemoveObserver drops a previously registered mapping.
func (v *VMO) RemoveObserver(o MappingObserver) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, cur := range v.observers {
		if cur == o {
			v.observers = append(v.observers[:i], v.observers[i+1:]...)
			return
		}
	}
}

// AddRef takes a reference on behalf of a handle or an active mapping.
func (v *VMO) AddRef() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.destroying {
		return vm.ErrBadState
	}

	v.refs++
	return nil
}

// Release drops one reference. At zero the VMO is destroyed: every owned
// frame reference is released and the ID is removed from the registry.
func (v *VMO) Release() {
	v.mu.Lock()

	v.refs--
	if v.refs > 0 {
		v.mu.Unlock()
		return
	}

	v.destroying = true
	for page, paddr := range v.pages {
		delete(v.pages, page)
		v.frames.Unref(paddr)
	}
	v.mu.Unlock()

	v.registry.remove(v.id)
}
