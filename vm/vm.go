// Package vm defines the architecture-independent types shared by the
// Kestrel virtual memory manager: addresses, protection bits, access kinds,
// and the per-CPU context handed through fault resolution.
package vm

// PageSize is the base translation granule. All three supported
// architectures use 4 KiB base pages. Untyped so it mixes with VAddr,
// PAddr, and plain lengths.
const PageSize = 4096

// PageShift is log2(PageSize).
const PageShift = 12

// LargePageSize is the size of a large/block/mega page entry. All three
// supported architectures provide a 2 MiB leaf one level above the base
// page tables.
const LargePageSize = 2 * 1024 * 1024

// VAddr is a virtual address.
type VAddr uint64

// PAddr is a physical address.
type PAddr uint64

// ASID is a hardware address-space tag (VPID on x86). ASID 0 is reserved
// and never handed out.
type ASID uint16

// PageAligned reports whether addr sits on a base-page boundary.
func (a VAddr) PageAligned() bool {
	return uint64(a)&(PageSize-1) == 0
}

// PageAligned reports whether addr sits on a base-page boundary.
func (a PAddr) PageAligned() bool {
	return uint64(a)&(PageSize-1) == 0
}

// PageDown rounds the address down to a base-page boundary.
func (a VAddr) PageDown() VAddr {
	return a &^ VAddr(PageSize-1)
}

// PageUp rounds the address up to a base-page boundary.
func (a VAddr) PageUp() VAddr {
	return (a + VAddr(PageSize-1)) &^ VAddr(PageSize-1)
}

// PageDown rounds the address down to a base-page boundary.
func (a PAddr) PageDown() PAddr {
	return a &^ PAddr(PageSize-1)
}

// Prot is a protection set applied to a mapping. The User bit marks the
// translation as reachable from EL0/CPL3/U-mode.
type Prot uint8

// Protection bits.
const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExecute
	ProtUser
)

// ProtNone grants no access at all.
const ProtNone Prot = 0

// CanRead reports whether the set grants read access.
func (p Prot) CanRead() bool { return p&ProtRead != 0 }

// CanWrite reports whether the set grants write access.
func (p Prot) CanWrite() bool { return p&ProtWrite != 0 }

// CanExecute reports whether the set grants instruction fetch.
func (p Prot) CanExecute() bool { return p&ProtExecute != 0 }

// IsUser reports whether the translation is user-reachable.
func (p Prot) IsUser() bool { return p&ProtUser != 0 }

// Within reports whether every bit of p is also granted by grant. It is the
// check behind "permissions are never widened".
func (p Prot) Within(grant Prot) bool {
	return p&^grant == 0
}

func (p Prot) String() string {
	buf := [4]byte{'-', '-', '-', '-'}
	if p.CanRead() {
		buf[0] = 'r'
	}
	if p.CanWrite() {
		buf[1] = 'w'
	}
	if p.CanExecute() {
		buf[2] = 'x'
	}
	if p.IsUser() {
		buf[3] = 'u'
	}
	return string(buf[:])
}

// AccessKind describes the direction of a memory access, as reported by the
// architecture's fault entry path.
type AccessKind uint8

// Access kinds.
const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	}
	return "unknown"
}

// Needs returns the protection bit an access of this kind requires.
func (k AccessKind) Needs() Prot {
	switch k {
	case AccessWrite:
		return ProtWrite
	case AccessExecute:
		return ProtExecute
	default:
		return ProtRead
	}
}
