package vmo

import (
	"sync"

	"github.com/rs/xid"

	"github.com/kestrelos/kestrel/vm"
)

// Registry owns every live VMO, keyed by ID. The object/handle layer above
// resolves handles to IDs; the VM core resolves IDs here.
type Registry struct {
	frames FrameSource

	mu   sync.RWMutex
	vmos map[ID]*VMO
}

// NewRegistry creates an empty registry allocating from the given frame
// source.
func NewRegistry(frames FrameSource) *Registry {
	return &Registry{
		frames: frames,
		vmos:   make(map[ID]*VMO),
	}
}

// Create allocates an empty sparse VMO of the given page-aligned size. No
// frames are committed until first touch or an explicit CommitRange.
func (r *Registry) Create(size uint64, resizable bool) (*VMO, error) {
	if size == 0 || size%vm.PageSize != 0 {
		return nil, vm.ErrInvalidArgs
	}

	v := &VMO{
		id:        ID(xid.New().String()),
		frames:    r.frames,
		registry:  r,
		size:      size,
		pages:     make(map[uint64]vm.PAddr),
		pins:      make(map[uint64]uint32),
		resizable: resizable,
		refs:      1,
	}

	r.mu.Lock()
	r.vmos[v.id] = v
	r.mu.Unlock()

	return v, nil
}

// CreatePaged allocates a VMO whose pages are filled by the pager on first
// touch instead of zero-fill. Paged VMOs are not resizable; their size is
// fixed to the window of the backing source they expose.
func (r *Registry) CreatePaged(size uint64, pager Pager) (*VMO, error) {
	if size == 0 || size%vm.PageSize != 0 || pager == nil {
		return nil, vm.ErrInvalidArgs
	}

	v := &VMO{
		id:       ID(xid.New().String()),
		frames:   r.frames,
		registry: r,
		size:     size,
		pages:    make(map[uint64]vm.PAddr),
		pins:     make(map[uint64]uint32),
		pager:    pager,
		refs:     1,
	}

	r.mu.Lock()
	r.vmos[v.id] = v
	r.mu.Unlock()

	return v, nil
}

// CloneCOW creates a child sharing the parent's frames over
// [offset, offset+length). Every frame resident in the parent's range gains
// a reference and appears in the child; the first write on either side
// diverges that page while the other side keeps the original frame intact.
func (r *Registry) CloneCOW(parent *VMO, offset, length uint64) (*VMO, error) {
	parent.mu.Lock()

	if parent.destroying {
		parent.mu.Unlock()
		return nil, vm.ErrBadState
	}
	if err := parent.checkRange(offset, length); err != nil {
		parent.mu.Unlock()
		return nil, err
	}

	// The child keeps reading through to the parent's backing source for
	// pages that were not resident at clone time, shifted by the clone
	// window.
	child := &VMO{
		id:           ID(xid.New().String()),
		frames:       r.frames,
		registry:     r,
		size:         length,
		pages:        make(map[uint64]vm.PAddr),
		pins:         make(map[uint64]uint32),
		pager:        parent.pager,
		pagerBase:    parent.pagerBase + offset,
		parent:       parent.id,
		parentOffset: offset,
		cow:          true,
		cachePolicy:  parent.cachePolicy,
		refs:         1,
	}

	firstPage := offset / vm.PageSize
	for page := firstPage; page < (offset+length)/vm.PageSize; page++ {
		paddr, ok := parent.pages[page]
		if !ok {
			continue
		}
		r.frames.Ref(paddr)
		child.pages[page-firstPage] = paddr
	}

	parent.children = append(parent.children, child.id)

	observers := make([]MappingObserver, len(parent.observers))
	copy(observers, parent.observers)
	parent.mu.Unlock()

	r.mu.Lock()
	r.vmos[child.id] = child
	r.mu.Unlock()

	// The parent's writable translations over the cloned range must not
	// survive the clone, or parent writes would mutate frames the child
	// now shares. Tear them down and let the next access fault.
	for _, o := range observers {
		o.OnInvalidate(parent.id, offset, length)
	}

	return child, nil
}

// Get resolves an ID to a live VMO.
func (r *Registry) Get(id ID) (*VMO, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.vmos[id]
	return v, ok
}

// Count returns the number of live VMOs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.vmos)
}

// ForEach visits every live VMO. Used by the monitoring inspector.
func (r *Registry) ForEach(fn func(*VMO)) {
	r.mu.RLock()
	vmos := make([]*VMO, 0, len(r.vmos))
	for _, v := range r.vmos {
		vmos = append(vmos, v)
	}
	r.mu.RUnlock()

	for _, v := range vmos {
		fn(v)
	}
}

func (r *Registry) remove(id ID) {
	r.mu.Lock()
	delete(r.vmos, id)
	r.mu.Unlock()
}
