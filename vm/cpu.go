package vm

// CPU identifies the processor an operation runs on. The fault handler and
// the shootdown protocol receive it explicitly instead of reading ambient
// per-CPU state.
type CPU struct {
	// ID is the logical processor number.
	ID int
}

// CurrentCPU is the one accessor through which callers obtain the executing
// CPU's context. The architecture bring-up installs it during boot; under
// test it is replaced with a fixture.
var CurrentCPU = func() CPU { return CPU{ID: 0} }
