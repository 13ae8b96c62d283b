// Package monitoring turns a running VM stack into an HTTP server so its
// address spaces, VMOs, and physical memory can be inspected from outside
// the process.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"time"

	// Enable profiling endpoints.
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/kestrelos/kestrel/vm/aspace"
	"github.com/kestrelos/kestrel/vm/fault"
	"github.com/kestrelos/kestrel/vm/pmm"
	"github.com/kestrelos/kestrel/vm/tlb"
	"github.com/kestrelos/kestrel/vm/vmo"
)

// Monitor serves the state of a VM stack over HTTP.
type Monitor struct {
	arena    *pmm.Arena
	registry *vmo.Registry
	handler  *fault.Handler
	shooter  *tlb.IPIShootdown
	spaces   map[string]*aspace.Aspace

	portNumber  int
	openBrowser bool
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		spaces: make(map[string]*aspace.Aspace),
	}
}

// WithPortNumber sets the port the server listens on. Ports below 1000 are
// rejected and a random port is used instead.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n",
			portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser opens the inspector in the default browser once the server
// starts.
func (m *Monitor) WithBrowser() *Monitor {
	m.openBrowser = true
	return m
}

// RegisterArena registers the physical memory arena.
func (m *Monitor) RegisterArena(a *pmm.Arena) {
	m.arena = a
}

// RegisterVMORegistry registers the VMO registry.
func (m *Monitor) RegisterVMORegistry(r *vmo.Registry) {
	m.registry = r
}

// RegisterFaultHandler registers the page-fault handler.
func (m *Monitor) RegisterFaultHandler(h *fault.Handler) {
	m.handler = h
}

// RegisterShootdown registers the TLB shootdown fabric.
func (m *Monitor) RegisterShootdown(s *tlb.IPIShootdown) {
	m.shooter = s
}

// RegisterAspace registers an address space to be inspected.
func (m *Monitor) RegisterAspace(a *aspace.Aspace) {
	m.spaces[a.ID()] = a
}

// StartServer starts the monitor as a web server.
func (m *Monitor) StartServer() {
	r := mux.NewRouter()

	r.HandleFunc("/api/stats", m.stats)
	r.HandleFunc("/api/aspaces", m.listAspaces)
	r.HandleFunc("/api/aspace/{id}", m.aspaceDetails)
	r.HandleFunc("/api/vmos", m.listVMOs)
	r.HandleFunc("/api/vmo/{id}", m.vmoDetails)
	r.HandleFunc("/api/inspect/{target}", m.inspect)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	http.Handle("/", r)

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring VM stack with %s\n", url)

	if m.openBrowser {
		_ = browser.OpenURL(url)
	}

	go func() {
		err = http.Serve(listener, nil)
		dieOnErr(err)
	}()
}

type statsRsp struct {
	TotalFrames     int    `json:"total_frames"`
	FreeFrames      int64  `json:"free_frames"`
	AllocatedFrames int64  `json:"allocated_frames"`
	VMOs            int    `json:"vmos"`
	Aspaces         int    `json:"aspaces"`
	FaultsTotal     uint64 `json:"faults_total"`
	FaultsResolved  uint64 `json:"faults_resolved"`
	FaultsFailed    uint64 `json:"faults_failed"`
	Shootdowns      uint64 `json:"shootdowns"`
}

func (m *Monitor) stats(w http.ResponseWriter, _ *http.Request) {
	rsp := statsRsp{Aspaces: len(m.spaces)}

	if m.arena != nil {
		rsp.TotalFrames = m.arena.TotalFrames()
		rsp.FreeFrames = m.arena.FreeFrames()
		rsp.AllocatedFrames = m.arena.AllocatedFrames()
	}
	if m.registry != nil {
		rsp.VMOs = m.registry.Count()
	}
	if m.handler != nil {
		rsp.FaultsTotal = m.handler.Total()
		rsp.FaultsResolved = m.handler.Resolved()
		rsp.FaultsFailed = m.handler.Failed()
	}
	if m.shooter != nil {
		rsp.Shootdowns = m.shooter.Completed()
	}

	writeJSON(w, rsp)
}

type aspaceRsp struct {
	ID     string `json:"id"`
	ASID   uint16 `json:"asid"`
	Kernel bool   `json:"kernel"`
}

func (m *Monitor) listAspaces(w http.ResponseWriter, _ *http.Request) {
	rsp := make([]aspaceRsp, 0, len(m.spaces))
	for _, a := range m.spaces {
		rsp = append(rsp, aspaceRsp{
			ID:     a.ID(),
			ASID:   uint16(a.ASID()),
			Kernel: a.IsKernel(),
		})
	}

	writeJSON(w, rsp)
}

type regionRsp struct {
	Base   string `json:"base"`
	Size   uint64 `json:"size"`
	Perms  string `json:"perms"`
	Mapped bool   `json:"mapped"`
	VMO    string `json:"vmo,omitempty"`
}

func (m *Monitor) aspaceDetails(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	a, ok := m.spaces[id]
	if !ok {
		http.Error(w, "address space not found", http.StatusNotFound)
		return
	}

	regions := a.Regions()
	rsp := make([]regionRsp, 0, len(regions))
	for _, region := range regions {
		entry := regionRsp{
			Base:   fmt.Sprintf("%#x", uint64(region.Base())),
			Size:   region.Size(),
			Perms:  region.Perms().String(),
			Mapped: region.State() == aspace.RegionMapped,
		}
		if mapping := region.Mapping(); mapping != nil {
			entry.VMO = string(mapping.VMO.ID())
		}
		rsp = append(rsp, entry)
	}

	writeJSON(w, rsp)
}

type vmoRsp struct {
	ID        string `json:"id"`
	Size      uint64 `json:"size"`
	Committed int    `json:"committed_pages"`
	COW       bool   `json:"cow"`
	Parent    string `json:"parent,omitempty"`
}

func (m *Monitor) listVMOs(w http.ResponseWriter, _ *http.Request) {
	if m.registry == nil {
		http.Error(w, "no VMO registry registered", http.StatusNotFound)
		return
	}

	rsp := []vmoRsp{}
	m.registry.ForEach(func(v *vmo.VMO) {
		rsp = append(rsp, vmoRsp{
			ID:        string(v.ID()),
			Size:      v.Size(),
			Committed: v.CommittedPages(),
			COW:       v.IsCOW(),
			Parent:    string(v.Parent()),
		})
	})

	writeJSON(w, rsp)
}

func (m *Monitor) vmoDetails(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if m.registry == nil {
		http.Error(w, "no VMO registry registered", http.StatusNotFound)
		return
	}

	v, ok := m.registry.Get(vmo.ID(id))
	if !ok {
		http.Error(w, "VMO not found", http.StatusNotFound)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(v)
	serializer.SetMaxDepth(1)
	dieOnErr(serializer.Serialize(w))
}

// inspect serializes one registered top-level object for debugging.
func (m *Monitor) inspect(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["target"]

	var root any
	switch target {
	case "arena":
		root = m.arena
	case "fault":
		root = m.handler
	case "shootdown":
		root = m.shooter
	default:
		if a, ok := m.spaces[target]; ok {
			root = a
		}
	}

	if root == nil {
		http.Error(w, "unknown inspect target", http.StatusNotFound)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(root)
	serializer.SetMaxDepth(1)
	dieOnErr(serializer.Serialize(w))
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memoryInfo, err := proc.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(v)
	dieOnErr(err)

	_, err = w.Write(data)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
