// Package defs holds the types and constants shared across every kernel
// package: error codes, trap numbers, and device ids. It mirrors the role
// of the teacher's defs package but grows the pieces that package's
// retrieved sources only hinted at via usage (vm.Err_t, vm.ENOMEM, ...).
package defs

// Err_t is a kernel error code. Zero means success; a positive value
// (one of the constants below, returned as is, not negated) identifies
// the failure.
type Err_t int

// Error codes returned by kernel operations. Values are arbitrary but
// stable; user code never sees the numeric value directly, only via the
// synthetic trap path (see Trapno_t).
const (
	EFAULT       Err_t = 1 /// bad or unmapped address
	ENOMEM       Err_t = 2 /// page allocator exhausted
	ENOHEAP      Err_t = 3 /// resource-accounting budget exhausted
	EINVAL       Err_t = 4 /// malformed argument or flag combination
	ENAMETOOLONG Err_t = 5 /// string exceeded its bound
)

func (e Err_t) String() string {
	switch e {
	case 0:
		return "ok"
	case EFAULT:
		return "EFAULT"
	case ENOMEM:
		return "ENOMEM"
	case ENOHEAP:
		return "ENOHEAP"
	case EINVAL:
		return "EINVAL"
	case ENAMETOOLONG:
		return "ENAMETOOLONG"
	default:
		return "Err_t(unknown)"
	}
}

// Trapno_t names a synthetic processor trap reflected to a parent process.
type Trapno_t int

const (
	TRAP_NONE    Trapno_t = -1 /// sentinel: no trap pending
	TRAP_PGFLT   Trapno_t = 14 /// page fault, mirrors x86 vector 14
	TRAP_GPFLT   Trapno_t = 13 /// general protection fault, x86 vector 13
	TRAP_DIVIDE  Trapno_t = 0  /// divide error, x86 vector 0
	TRAP_SYSCALL Trapno_t = 0x80
)

// Device identifiers for the external console/profiling/stat sinks this
// core hands traps and queries off to. Grounded on defs/device.go.
const (
	D_CONSOLE int = 1 /// console device
	D_STAT    int = 6 /// statistics device
	D_PROF    int = 7 /// profiling device
)
