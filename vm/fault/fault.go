// Package fault resolves page faults: it classifies the access against the
// faulting address space's region tree, asks the backing VMO for a frame,
// and installs the translation in the hardware page table.
package fault

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/kestrelos/kestrel/hooking"
	"github.com/kestrelos/kestrel/tracing"
	"github.com/kestrelos/kestrel/vm"
	"github.com/kestrelos/kestrel/vm/aspace"
)

// A Fault describes one page fault. It is attached as the detail of the
// fault task visible to tracers.
type Fault struct {
	CPU    vm.CPU
	ASID   vm.ASID
	VAddr  vm.VAddr
	Access vm.AccessKind
}

// A Handler resolves page faults against address spaces. A single handler
// serves any number of spaces; all per-space state lives in the space and
// its page table.
type Handler struct {
	hooking.HookableBase

	name string
	log  *logrus.Logger

	total    atomic.Uint64
	resolved atomic.Uint64
	failed   atomic.Uint64
}

// Name returns the handler's name, used as the location of fault tasks.
func (h *Handler) Name() string { return h.name }

// Total returns the number of faults handled so far.
func (h *Handler) Total() uint64 { return h.total.Load() }

// Resolved returns the number of faults that installed a translation.
func (h *Handler) Resolved() uint64 { return h.resolved.Load() }

// Failed returns the number of faults that were fatal to the accessor.
func (h *Handler) Failed() uint64 { return h.failed.Load() }

// Handle resolves one page fault taken on cpu at vaddr. A nil error means a
// translation for the access is installed and the access can be retried.
//
// ErrNotFound reports an access outside any mapped region, including a
// region unmapped while the fault was in flight, and ErrPermissionDenied an
// access the mapping's permissions forbid; both are fatal to the accessor.
// ErrBadState reports a space torn down mid-fault.
func (h *Handler) Handle(cpu vm.CPU, space *aspace.Aspace, vaddr vm.VAddr, access vm.AccessKind) error {
	h.total.Add(1)

	taskID := xid.New().String()
	tracing.StartTask(taskID, "", h, "fault",
		fmt.Sprintf("%s@%#x", access, uint64(vaddr)),
		Fault{CPU: cpu, ASID: space.ASID(), VAddr: vaddr, Access: access})

	err := h.handle(taskID, cpu, space, vaddr, access)
	if err != nil {
		h.failed.Add(1)
	} else {
		h.resolved.Add(1)
	}

	tracing.EndTask(taskID, h)

	return err
}

func (h *Handler) handle(taskID string, cpu vm.CPU, space *aspace.Aspace, vaddr vm.VAddr, access vm.AccessKind) error {
	page := vaddr.PageDown()

	region, mapping, err := space.Resolve(vaddr)
	if err != nil {
		h.log.WithFields(logrus.Fields{
			"cpu":    cpu.ID,
			"asid":   space.ASID(),
			"vaddr":  vaddr,
			"access": access,
		}).Debug("fault outside any mapping")
		return err
	}

	if !access.Needs().Within(mapping.Perms) {
		h.log.WithFields(logrus.Fields{
			"cpu":    cpu.ID,
			"asid":   space.ASID(),
			"vaddr":  vaddr,
			"access": access,
			"perms":  mapping.Perms,
		}).Debug("fault violates mapping permissions")
		return vm.ErrPermissionDenied
	}

	// Resolve the backing frame without holding the space's lock; the VMO
	// may have to allocate or copy frames.
	vmoOff := mapping.VMOOffset + uint64(page-region.Base())

	perms := mapping.Perms
	if !space.IsKernel() {
		perms |= vm.ProtUser
	}

	var paddr vm.PAddr
	if access == vm.AccessWrite {
		paddr, err = mapping.VMO.WritePage(vmoOff)
	} else {
		var shared bool
		paddr, shared, err = mapping.VMO.ReadPage(vmoOff)
		if shared {
			// Keep shared frames write-protected so the first write
			// still faults and diverges its copy.
			perms &^= vm.ProtWrite
		}
	}
	if err != nil {
		return err
	}

	tracing.AddTaskStep(taskID, h, "frame resolved")

	// The space re-validates the region under its lock before the table
	// write; an unmap or teardown that raced the frame resolution fails
	// the fault here instead of leaking a stale translation.
	return space.Install(region, page, paddr, perms, access)
}

// Builder assembles fault handlers.
type Builder struct {
	name string
	log  *logrus.Logger
}

// MakeBuilder returns a builder with the default logger.
func MakeBuilder() Builder {
	return Builder{
		name: "FaultHandler",
		log:  logrus.StandardLogger(),
	}
}

// WithName sets the handler's name.
func (b Builder) WithName(name string) Builder {
	b.name = name
	return b
}

// WithLogger overrides the logger used for per-fault debug records.
func (b Builder) WithLogger(log *logrus.Logger) Builder {
	b.log = log
	return b
}

// Build creates the handler.
func (b Builder) Build() *Handler {
	return &Handler{name: b.name, log: b.log}
}
