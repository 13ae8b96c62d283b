package vmo

import (
	"github.com/kestrelos/kestrel/vm"
)

// A Pager supplies page contents for VMOs created with CreatePaged, in
// place of anonymous zero-fill. FillPage is called the first time a page is
// touched, after a fresh frame has been allocated; offset is page aligned
// in the pager's backing source and dst is the frame's full page. FillPage
// runs with the VMO lock held and must not call back into the VMO.
type Pager interface {
	FillPage(offset uint64, dst []byte) error
}

// commitPage allocates and fills the frame for one non-resident page.
// Anonymous VMOs keep the arena's zero fill; paged VMOs read the content
// from their pager. Called with v.mu held.
func (v *VMO) commitPage(page uint64) (vm.PAddr, error) {
	paddr, err := v.frames.AllocFrame()
	if err != nil {
		return 0, err
	}

	if v.pager != nil {
		offset := v.pagerBase + page*vm.PageSize
		if err := v.pager.FillPage(offset, v.frames.Bytes(paddr)); err != nil {
			v.frames.Unref(paddr)
			return 0, err
		}
	}

	v.pages[page] = paddr
	return paddr, nil
}

// Paged reports whether the VMO's content comes from a pager.
func (v *VMO) Paged() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pager != nil
}

// Pin commits [offset, offset+length) and marks it ineligible for decommit,
// for users that hand the frame addresses to hardware and need them stable.
// Pins nest per page; every Pin needs a matching Unpin.
func (v *VMO) Pin(offset, length uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.destroying {
		return vm.ErrBadState
	}
	if err := v.checkRange(offset, length); err != nil {
		return err
	}

	for page := offset / vm.PageSize; page < (offset+length)/vm.PageSize; page++ {
		if _, ok := v.pages[page]; !ok {
			if _, err := v.commitPage(page); err != nil {
				return err
			}
		}
		v.pins[page]++
	}

	return nil
}

// Unpin releases one pin on every page in the range. Unpinning a page that
// is not pinned is an internal bookkeeping bug and panics.
func (v *VMO) Unpin(offset, length uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkRange(offset, length); err != nil {
		return err
	}

	for page := offset / vm.PageSize; page < (offset+length)/vm.PageSize; page++ {
		if v.pins[page] == 0 {
			panic("unpinning a page that is not pinned")
		}
		v.pins[page]--
		if v.pins[page] == 0 {
			delete(v.pins, page)
		}
	}

	return nil
}

// Pinned reports whether the page at offset carries at least one pin.
func (v *VMO) Pinned(offset uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pins[offset/vm.PageSize] > 0
}
