package pagetable

import (
	"github.com/kestrelos/kestrel/vm"
	"github.com/kestrelos/kestrel/vm/arch"
)

// A Builder can build page tables.
type Builder struct {
	backend arch.Backend
	shooter Shootdowner
	asid    vm.ASID
}

// MakeBuilder creates a new builder with default parameters.
func MakeBuilder() Builder {
	return Builder{asid: 1}
}

// WithBackend sets the architecture backend the table is built on.
func (b Builder) WithBackend(backend arch.Backend) Builder {
	b.backend = backend
	return b
}

// WithShootdowner sets the cross-CPU invalidation coordinator. Without one,
// invalidations stay local to the issuing CPU.
func (b Builder) WithShootdowner(s Shootdowner) Builder {
	b.shooter = s
	return b
}

// WithASID sets the hardware address-space tag.
func (b Builder) WithASID(asid vm.ASID) Builder {
	b.asid = asid
	return b
}

// Build allocates the root table and returns the page table. It fails with
// ErrOutOfMemory when no frame is available for the root.
func (b Builder) Build() (*PageTable, error) {
	if b.backend == nil {
		panic("pagetable: builder needs a backend")
	}

	root, err := b.backend.NewRoot()
	if err != nil {
		return nil, err
	}

	return &PageTable{
		backend: b.backend,
		shooter: b.shooter,
		root:    root,
		asid:    b.asid,
	}, nil
}
