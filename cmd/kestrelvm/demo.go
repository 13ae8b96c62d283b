package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kestrelos/kestrel/monitoring"
	"github.com/kestrelos/kestrel/recording"
	"github.com/kestrelos/kestrel/tracing"
	"github.com/kestrelos/kestrel/vm"
	"github.com/kestrelos/kestrel/vm/arch"
	"github.com/kestrelos/kestrel/vm/aspace"
	"github.com/kestrelos/kestrel/vm/fault"
	"github.com/kestrelos/kestrel/vm/pagetable"
	"github.com/kestrelos/kestrel/vm/pmm"
	"github.com/kestrelos/kestrel/vm/tlb"
	"github.com/kestrelos/kestrel/vm/vmo"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a demand-paging and copy-on-write scenario.",
	Long: `Run a scenario that exercises the full stack: demand paging, ` +
		`copy-on-write cloning, permission narrowing, decommit, and TLB ` +
		`shootdowns across the configured CPUs.`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().String("arch", "amd64",
		"page-table format: amd64, arm64, or riscv64")
	demoCmd.Flags().Int("cpus", 4, "number of CPUs in the shootdown fabric")
	demoCmd.Flags().Int("frames", 4096, "physical frames in the arena")
	demoCmd.Flags().String("db", "",
		"record traced events into this SQLite database")
	demoCmd.Flags().Bool("monitor", false,
		"serve live state over HTTP and wait")
	demoCmd.Flags().Int("port", 0,
		"monitoring port (defaults to KESTREL_MONITOR_PORT or random)")

	rootCmd.AddCommand(demoCmd)
}

func backendFor(name string, mem arch.TableMemory) (arch.Backend, vm.Layout, error) {
	switch name {
	case "amd64":
		return arch.NewAMD64(mem), vm.LayoutAMD64, nil
	case "arm64":
		return arch.NewARM64(mem), vm.LayoutARM64, nil
	case "riscv64":
		return arch.NewRISCV(mem), vm.LayoutRISCV, nil
	default:
		return nil, vm.Layout{}, fmt.Errorf("unknown arch %q", name)
	}
}

func runDemo(cmd *cobra.Command, _ []string) error {
	archName, _ := cmd.Flags().GetString("arch")
	cpus, _ := cmd.Flags().GetInt("cpus")
	frames, _ := cmd.Flags().GetInt("frames")
	dbPath, _ := cmd.Flags().GetString("db")
	serve, _ := cmd.Flags().GetBool("monitor")
	port, _ := cmd.Flags().GetInt("port")

	log := logrus.StandardLogger()

	arena := pmm.NewArena(0x4000_0000, frames)

	backend, layout, err := backendFor(archName, arena)
	if err != nil {
		return err
	}

	shooter := tlb.New()
	for i := 0; i < cpus; i++ {
		shooter.Register(vm.CPU{ID: i},
			func(cpu vm.CPU, inv tlb.Invalidation) {
				log.WithFields(logrus.Fields{
					"cpu":   cpu.ID,
					"asid":  inv.ASID,
					"pages": len(inv.Pages),
				}).Debug("tlb invalidated")
			})
	}

	registry := vmo.NewRegistry(arena)

	table, err := pagetable.MakeBuilder().
		WithBackend(backend).
		WithShootdowner(shooter).
		WithASID(aspace.AllocASID()).
		Build()
	if err != nil {
		return err
	}

	space := aspace.MakeBuilder().
		WithPageTable(table).
		WithLayout(layout).
		Build()

	handler := fault.MakeBuilder().Build()

	var recorder recording.Recorder
	if dbPath != "" {
		recorder = recording.NewRecorder(dbPath)
		handler.AcceptHook(tracing.NewDBTracer(recorder, "fault_trace"))
	}

	if serve {
		if port == 0 {
			port, _ = strconv.Atoi(os.Getenv("KESTREL_MONITOR_PORT"))
		}
		monitor := monitoring.NewMonitor()
		if port != 0 {
			monitor = monitor.WithPortNumber(port)
		}
		monitor.RegisterArena(arena)
		monitor.RegisterVMORegistry(registry)
		monitor.RegisterFaultHandler(handler)
		monitor.RegisterShootdown(shooter)
		monitor.RegisterAspace(space)
		monitor.StartServer()
	}

	if err := runScenario(log, space, registry, handler); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"arch":            archName,
		"faults":          handler.Total(),
		"resolved":        handler.Resolved(),
		"failed":          handler.Failed(),
		"shootdowns":      shooter.Completed(),
		"frames_in_use":   arena.AllocatedFrames(),
		"frames_free":     arena.FreeFrames(),
		"vmos":            registry.Count(),
		"committed_total": committedPages(registry),
	}).Info("scenario complete")

	if recorder != nil {
		recorder.Flush()
	}

	if serve {
		interrupted := make(chan os.Signal, 1)
		signal.Notify(interrupted, os.Interrupt)
		<-interrupted
	}

	return nil
}

func committedPages(registry *vmo.Registry) int {
	total := 0
	registry.ForEach(func(v *vmo.VMO) {
		total += v.CommittedPages()
	})
	return total
}

// runScenario walks one worked example through the stack: a writable
// mapping is demand-paged in, cloned copy-on-write, diverged by a write in
// the clone, then narrowed and partially decommitted.
func runScenario(
	log *logrus.Logger,
	space *aspace.Aspace,
	registry *vmo.Registry,
	handler *fault.Handler,
) error {
	cpu := vm.CPU{ID: 0}
	rw := vm.ProtRead | vm.ProtWrite

	parent, err := registry.Create(16*vm.PageSize, true)
	if err != nil {
		return err
	}

	if _, err := parent.Write(0, []byte("kestrel demand paging")); err != nil {
		return err
	}

	parentRegion, err := space.Reserve(aspace.AnyBase, 16*vm.PageSize, rw)
	if err != nil {
		return err
	}
	if err := space.MapVMO(parentRegion, parent, 0, rw, rw); err != nil {
		return err
	}

	// Touch the first pages so translations exist before the clone.
	for i := 0; i < 4; i++ {
		va := parentRegion.Base() + vm.VAddr(i*vm.PageSize)
		if err := handler.Handle(cpu, space, va, vm.AccessWrite); err != nil {
			return err
		}
	}

	child, err := registry.CloneCOW(parent, 0, 8*vm.PageSize)
	if err != nil {
		return err
	}

	childRegion, err := space.Reserve(aspace.AnyBase, 8*vm.PageSize, rw)
	if err != nil {
		return err
	}
	if err := space.MapVMO(childRegion, child, 0, rw, rw); err != nil {
		return err
	}

	// A read through the clone shares the parent's frame; the write that
	// follows faults again and diverges the page.
	if err := handler.Handle(cpu, space, childRegion.Base(), vm.AccessRead); err != nil {
		return err
	}
	if err := handler.Handle(cpu, space, childRegion.Base(), vm.AccessWrite); err != nil {
		return err
	}
	if _, err := child.Write(0, []byte("diverged")); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"parent": parent.ID(),
		"child":  child.ID(),
	}).Info("copy-on-write clone diverged")

	if err := space.Protect(parentRegion, vm.ProtRead); err != nil {
		return err
	}

	if err := parent.DecommitRange(2*vm.PageSize, 2*vm.PageSize); err != nil {
		return err
	}

	if err := space.Unmap(childRegion); err != nil {
		return err
	}
	child.Release()

	return nil
}
