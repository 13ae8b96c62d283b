package tracing

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kestrelos/kestrel/hooking"
)

// captureRecorder keeps inserted rows in memory.
type captureRecorder struct {
	tables  []string
	entries map[string][]any
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{entries: make(map[string][]any)}
}

func (r *captureRecorder) CreateTable(tableName string, sampleEntry any) {
	r.tables = append(r.tables, tableName)
}

func (r *captureRecorder) InsertData(tableName string, entry any) {
	r.entries[tableName] = append(r.entries[tableName], entry)
}

func (r *captureRecorder) ListTables() []string { return r.tables }

func (r *captureRecorder) Flush() {}

type testDomain struct {
	hooking.HookableBase
}

func (d *testDomain) Name() string { return "TestDomain" }

var _ = Describe("DBTracer", func() {
	var (
		recorder *captureRecorder
		tracer   *DBTracer
		domain   *testDomain
	)

	BeforeEach(func() {
		recorder = newCaptureRecorder()
		tracer = NewDBTracer(recorder, "fault_trace")
		domain = &testDomain{}
		domain.AcceptHook(tracer)
	})

	It("should create the trace table up front", func() {
		Expect(recorder.tables).To(ContainElement("fault_trace"))
	})

	It("should record a finished task", func() {
		StartTask("task-1", "", domain, "fault", "write@0x1000", nil)
		AddTaskStep("task-1", domain, "frame resolved")
		EndTask("task-1", domain)

		rows := recorder.entries["fault_trace"]
		Expect(rows).To(HaveLen(1))

		entry := rows[0].(taskEntry)
		Expect(entry.ID).To(Equal("task-1"))
		Expect(entry.Kind).To(Equal("fault"))
		Expect(entry.What).To(Equal("write@0x1000"))
		Expect(entry.Where).To(Equal("TestDomain"))
		Expect(entry.EndTime).To(BeNumerically(">=", entry.StartTime))
	})

	It("should not record unfinished tasks", func() {
		StartTask("task-1", "", domain, "fault", "read@0x2000", nil)

		Expect(recorder.entries["fault_trace"]).To(BeEmpty())
	})

	It("should ignore ends without a matching start", func() {
		EndTask("task-ghost", domain)

		Expect(recorder.entries["fault_trace"]).To(BeEmpty())
	})

	It("should drop tasks the filter rejects", func() {
		tracer.WithFilter(func(t Task) bool {
			return t.Kind == "shootdown"
		})

		StartTask("task-1", "", domain, "fault", "write@0x1000", nil)
		EndTask("task-1", domain)

		StartTask("task-2", "", domain, "shootdown", "asid 3", nil)
		EndTask("task-2", domain)

		rows := recorder.entries["fault_trace"]
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].(taskEntry).ID).To(Equal("task-2"))
	})

	It("should accumulate steps on the in-progress task", func() {
		StartTask("task-1", "", domain, "fault", "write@0x1000", nil)
		AddTaskStep("task-1", domain, "resolved")
		AddTaskStep("task-1", domain, "installed")

		task := tracer.inProgress["task-1"]
		Expect(task.Steps).To(HaveLen(2))
		Expect(task.Steps[0].What).To(Equal("resolved"))
		Expect(task.Steps[1].What).To(Equal("installed"))
	})

	It("should panic when a task misses required fields", func() {
		Expect(func() {
			StartTask("", "", domain, "fault", "write", nil)
		}).To(Panic())
		Expect(func() {
			StartTask("task-1", "", domain, "", "write", nil)
		}).To(Panic())
	})

	It("should skip hook dispatch entirely without hooks attached", func() {
		bare := &testDomain{}

		Expect(func() {
			StartTask("", "", bare, "", "", nil)
			EndTask("", bare)
		}).ToNot(Panic())
	})
})
