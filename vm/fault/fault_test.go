package fault

import (
	"bytes"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kestrelos/kestrel/hooking"
	"github.com/kestrelos/kestrel/tracing"
	"github.com/kestrelos/kestrel/vm"
	"github.com/kestrelos/kestrel/vm/arch"
	"github.com/kestrelos/kestrel/vm/aspace"
	"github.com/kestrelos/kestrel/vm/pagetable"
	"github.com/kestrelos/kestrel/vm/pmm"
	"github.com/kestrelos/kestrel/vm/tlb"
	"github.com/kestrelos/kestrel/vm/vmo"
)

var _ = Describe("Handler", func() {
	var (
		arena    *pmm.Arena
		registry *vmo.Registry
		shooter  *tlb.IPIShootdown
		space    *aspace.Aspace
		handler  *Handler
	)

	cpu := vm.CPU{ID: 0}
	rw := vm.ProtRead | vm.ProtWrite

	BeforeEach(func() {
		arena = pmm.NewArena(0x1000_0000, 1024)
		registry = vmo.NewRegistry(arena)

		shooter = tlb.New()
		for i := 0; i < 2; i++ {
			shooter.Register(vm.CPU{ID: i},
				func(vm.CPU, tlb.Invalidation) {})
		}

		table, err := pagetable.MakeBuilder().
			WithBackend(arch.NewAMD64(arena)).
			WithShootdowner(shooter).
			WithASID(aspace.AllocASID()).
			Build()
		Expect(err).To(BeNil())

		space = aspace.MakeBuilder().
			WithPageTable(table).
			WithLayout(vm.LayoutAMD64).
			Build()

		handler = MakeBuilder().Build()
	})

	mapVMO := func(size uint64, perms vm.Prot) (*aspace.Region, *vmo.VMO) {
		region, err := space.Reserve(aspace.AnyBase, size, perms)
		Expect(err).To(BeNil())

		obj, err := registry.Create(size, false)
		Expect(err).To(BeNil())

		Expect(space.MapVMO(region, obj, 0, perms, perms)).To(BeNil())

		return region, obj
	}

	It("should zero-fill pages on first touch", func() {
		region, obj := mapVMO(3*vm.PageSize, rw)

		for i := 0; i < 3; i++ {
			va := region.Base() + vm.VAddr(i*vm.PageSize)
			err := handler.Handle(cpu, space, va, vm.AccessRead)
			Expect(err).To(BeNil())

			paddr, _, ok := space.Table().Query(va)
			Expect(ok).To(BeTrue())

			page := arena.Bytes(paddr)
			Expect(bytes.Count(page, []byte{0})).To(Equal(vm.PageSize))
		}

		Expect(obj.CommittedPages()).To(Equal(3))
		Expect(handler.Resolved()).To(Equal(uint64(3)))
	})

	It("should install user translations with the mapping permissions", func() {
		region, _ := mapVMO(vm.PageSize, rw)

		err := handler.Handle(cpu, space, region.Base(), vm.AccessWrite)
		Expect(err).To(BeNil())

		_, perms, ok := space.Table().Query(region.Base())
		Expect(ok).To(BeTrue())
		Expect(perms.CanWrite()).To(BeTrue())
		Expect(perms.IsUser()).To(BeTrue())
	})

	It("should fail a write against a read-only mapping", func() {
		region, _ := mapVMO(vm.PageSize, vm.ProtRead)

		err := handler.Handle(cpu, space, region.Base(), vm.AccessWrite)

		Expect(err).To(Equal(vm.ErrPermissionDenied))
		Expect(handler.Failed()).To(Equal(uint64(1)))
	})

	It("should fail execution of a non-executable mapping", func() {
		region, _ := mapVMO(vm.PageSize, rw)

		err := handler.Handle(cpu, space, region.Base(), vm.AccessExecute)

		Expect(err).To(Equal(vm.ErrPermissionDenied))
	})

	It("should fail an access outside any mapping", func() {
		err := handler.Handle(cpu, space, 0x4000_0000, vm.AccessRead)

		Expect(err).To(Equal(vm.ErrNotFound))
	})

	It("should fail once the space is destroyed", func() {
		region, _ := mapVMO(vm.PageSize, rw)
		base := region.Base()

		Expect(space.Destroy()).To(BeNil())

		err := handler.Handle(cpu, space, base, vm.AccessRead)
		Expect(err).To(Equal(vm.ErrBadState))
	})

	It("should not install a translation for a region unmapped mid-fault", func() {
		region, _ := mapVMO(vm.PageSize, rw)
		base := region.Base()

		// Pull the region out from under the fault between frame
		// resolution and the table write.
		handler.AcceptHook(hookFunc(func(ctx hooking.HookCtx) {
			if ctx.Pos != tracing.HookPosTaskStep {
				return
			}
			task := ctx.Item.(tracing.Task)
			if len(task.Steps) > 0 &&
				task.Steps[0].What == "frame resolved" {
				Expect(space.Unmap(region)).To(BeNil())
			}
		}))

		err := handler.Handle(cpu, space, base, vm.AccessRead)

		Expect(err).To(Equal(vm.ErrNotFound))
		_, _, ok := space.Table().Query(base)
		Expect(ok).To(BeFalse())
		Expect(handler.Failed()).To(Equal(uint64(1)))
	})

	It("should fill pager-backed pages from the backing source", func() {
		src := bytes.Repeat([]byte{0x5C}, 2*vm.PageSize)
		obj, err := registry.CreatePaged(2*vm.PageSize, sourcePager(src))
		Expect(err).To(BeNil())

		region, err := space.Reserve(aspace.AnyBase, 2*vm.PageSize, rw)
		Expect(err).To(BeNil())
		Expect(space.MapVMO(region, obj, 0, rw, rw)).To(BeNil())

		Expect(handler.Handle(
			cpu, space, region.Base(), vm.AccessRead)).To(BeNil())

		paddr, _, ok := space.Table().Query(region.Base())
		Expect(ok).To(BeTrue())
		Expect(arena.Bytes(paddr)[0]).To(Equal(byte(0x5C)))
	})

	It("should fault again after a decommit and see zeros", func() {
		region, obj := mapVMO(vm.PageSize, rw)

		Expect(handler.Handle(
			cpu, space, region.Base(), vm.AccessWrite)).To(BeNil())
		_, err := obj.Write(0, []byte{0xEE})
		Expect(err).To(BeNil())

		Expect(obj.DecommitRange(0, vm.PageSize)).To(BeNil())
		_, _, ok := space.Table().Query(region.Base())
		Expect(ok).To(BeFalse())

		Expect(handler.Handle(
			cpu, space, region.Base(), vm.AccessRead)).To(BeNil())

		paddr, _, ok := space.Table().Query(region.Base())
		Expect(ok).To(BeTrue())
		Expect(arena.Bytes(paddr)[0]).To(Equal(byte(0)))
	})

	Describe("copy-on-write", func() {
		var (
			parent       *vmo.VMO
			child        *vmo.VMO
			parentRegion *aspace.Region
			childRegion  *aspace.Region
		)

		BeforeEach(func() {
			parentRegion, parent = mapVMO(2*vm.PageSize, rw)

			Expect(handler.Handle(cpu, space, parentRegion.Base(),
				vm.AccessWrite)).To(BeNil())
			_, err := parent.Write(
				0, bytes.Repeat([]byte{0xAA}, vm.PageSize))
			Expect(err).To(BeNil())

			child, err = registry.CloneCOW(parent, 0, 2*vm.PageSize)
			Expect(err).To(BeNil())

			childRegion, err = space.Reserve(
				aspace.AnyBase, 2*vm.PageSize, rw)
			Expect(err).To(BeNil())
			Expect(space.MapVMO(childRegion, child, 0, rw, rw)).To(BeNil())
		})

		It("should install shared frames read-only", func() {
			// The clone tore down the parent's writable translation.
			_, _, ok := space.Table().Query(parentRegion.Base())
			Expect(ok).To(BeFalse())

			err := handler.Handle(
				cpu, space, childRegion.Base(), vm.AccessRead)
			Expect(err).To(BeNil())

			childPaddr, perms, ok := space.Table().Query(childRegion.Base())
			Expect(ok).To(BeTrue())
			Expect(perms.CanWrite()).To(BeFalse())

			Expect(handler.Handle(cpu, space, parentRegion.Base(),
				vm.AccessRead)).To(BeNil())
			parentPaddr, parentPerms, ok :=
				space.Table().Query(parentRegion.Base())
			Expect(ok).To(BeTrue())
			Expect(parentPerms.CanWrite()).To(BeFalse())
			Expect(childPaddr).To(Equal(parentPaddr))
		})

		It("should diverge on the write fault and remap", func() {
			Expect(handler.Handle(
				cpu, space, childRegion.Base(), vm.AccessRead)).To(BeNil())

			sharedPaddr, _, _ := space.Table().Query(childRegion.Base())

			Expect(handler.Handle(
				cpu, space, childRegion.Base(), vm.AccessWrite)).To(BeNil())

			newPaddr, perms, ok := space.Table().Query(childRegion.Base())
			Expect(ok).To(BeTrue())
			Expect(newPaddr).ToNot(Equal(sharedPaddr))
			Expect(perms.CanWrite()).To(BeTrue())

			// The old frame belongs to the parent alone now.
			Expect(arena.RefCount(sharedPaddr.PageDown())).
				To(Equal(int32(1)))

			// Divergence copied the content.
			Expect(arena.Bytes(newPaddr.PageDown())[0]).To(Equal(byte(0xAA)))
		})

		It("should resolve racing writes over a stale shared translation", func() {
			Expect(handler.Handle(
				cpu, space, childRegion.Base(), vm.AccessRead)).To(BeNil())

			var wg sync.WaitGroup
			errs := make([]error, 4)
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					errs[n] = handler.Handle(
						vm.CPU{ID: n % 2}, space,
						childRegion.Base(), vm.AccessWrite)
				}(i)
			}
			wg.Wait()

			for _, err := range errs {
				Expect(err).To(BeNil())
			}

			paddr, perms, ok := space.Table().Query(childRegion.Base())
			Expect(ok).To(BeTrue())
			Expect(perms.CanWrite()).To(BeTrue())

			expected, err := child.WritePage(0)
			Expect(err).To(BeNil())
			Expect(paddr).To(Equal(expected))
		})

		It("should keep the parent writable through its own fault", func() {
			err := handler.Handle(
				cpu, space, parentRegion.Base(), vm.AccessWrite)
			Expect(err).To(BeNil())

			_, perms, _ := space.Table().Query(parentRegion.Base())
			Expect(perms.CanWrite()).To(BeTrue())

			// The parent's frame diverged away from the clone.
			childFrame, _, err := child.ReadPage(0)
			Expect(err).To(BeNil())
			parentFrame, _, _ := space.Table().Query(parentRegion.Base())
			Expect(parentFrame.PageDown()).ToNot(Equal(childFrame))
		})
	})

	It("should resolve racing faults on one page to a single frame", func() {
		region, obj := mapVMO(vm.PageSize, rw)

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				errs[n] = handler.Handle(
					vm.CPU{ID: n % 2}, space, region.Base(),
					vm.AccessWrite)
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			Expect(err).To(BeNil())
		}

		Expect(obj.CommittedPages()).To(Equal(1))

		paddr, _, ok := space.Table().Query(region.Base())
		Expect(ok).To(BeTrue())

		expected, err := obj.WritePage(0)
		Expect(err).To(BeNil())
		Expect(paddr).To(Equal(expected))
	})

	It("should publish fault tasks to attached hooks", func() {
		region, _ := mapVMO(vm.PageSize, rw)

		var positions []string
		handler.AcceptHook(hookFunc(func(ctx hooking.HookCtx) {
			positions = append(positions, ctx.Pos.Name)
		}))

		Expect(handler.Handle(
			cpu, space, region.Base(), vm.AccessRead)).To(BeNil())

		Expect(positions).To(ContainElement("HookPosTaskStart"))
		Expect(positions).To(ContainElement("HookPosTaskEnd"))
	})
})

type hookFunc func(ctx hooking.HookCtx)

func (f hookFunc) Func(ctx hooking.HookCtx) { f(ctx) }

type sourcePager []byte

func (p sourcePager) FillPage(offset uint64, dst []byte) error {
	copy(dst, p[offset:])
	return nil
}
