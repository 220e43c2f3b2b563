// Package limits holds the core's fixed configuration constants and the
// one atomic resource counter it shares across nodes (open page frames).
// Grounded on limits/limits.go's Sysatomic_t/Syslimit_t/MkSysLimit pattern;
// the file-cache/network-stack limits (Vnodes, Futexes, Arpents, Tcpsegs,
// ...) are replaced with the core's own knobs (page count, console bound,
// cluster size, retransmit tick) since this core has no file cache or TCP
// stack to bound.
package limits

import (
	"sync/atomic"
	"unsafe"
)

// Sysatomic_t is a numeric limit that can be atomically updated.
type Sysatomic_t int64

func (s *Sysatomic_t) _aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

// Given increases the limit by the provided amount.
func (s *Sysatomic_t) Given(_n uint) {
	n := int64(_n)
	atomic.AddInt64(s._aptr(), n)
}

// Taken tries to decrement the limit by the provided amount, returning
// true on success and leaving the limit unchanged on failure.
func (s *Sysatomic_t) Taken(_n uint) bool {
	n := int64(_n)
	g := atomic.AddInt64(s._aptr(), -n)
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s._aptr(), n)
	return false
}

// Take decrements the limit by one and reports whether it succeeded.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

// Give increments the limit by one.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}

// Get returns the current value.
func (s *Sysatomic_t) Get() int64 {
	return atomic.LoadInt64(s._aptr())
}

// Config_t holds the core's fixed-at-boot configuration: page pool size,
// the user address window, the cluster's node count, and protocol
// timings. A single instance is constructed at startup and never mutated
// except via the atomic NPages counter.
type Config_t struct {
	// NPages is decremented as frames are handed out via alloc and given
	// back on free; it bounds the page pool the way Syslimit_t.Blocks
	// bounds the teacher's block cache.
	NPages Sysatomic_t

	// PageSize is the fixed frame size in bytes.
	PageSize int

	// UserLo/UserHi bound the per-process user address window; UserHi -
	// UserLo must be a multiple of PtSpan.
	UserLo, UserHi uint64

	// PtSpan is the byte range one second-level page table covers
	// (512 PTEs * PageSize on this core's two-level layout).
	PtSpan uint64

	// Nodes is the cluster size, 1..Nodes inclusive; it bounds the
	// share-mask width and the valid range of migration node ids.
	Nodes int

	// ConsoleMax bounds a single CPUTS call.
	ConsoleMax int

	// RetransmitTicks is how many scheduler ticks elapse between
	// retransmissions of the migration and pull lists.
	RetransmitTicks int

	// PartSize is the size of one PULLRP part; three parts cover a page.
	PartSize int
}

// MkConfig returns the default configuration used by cmd/pioscore.
func MkConfig() *Config_t {
	const pgsize = 4096
	c := &Config_t{
		PageSize:        pgsize,
		UserLo:          0x1000,
		PtSpan:          512 * pgsize,
		Nodes:           8,
		ConsoleMax:      256,
		RetransmitTicks: 64,
		PartSize:        (pgsize + 2) / 3,
	}
	c.UserHi = c.UserLo + 64*c.PtSpan
	c.NPages.Given(1 << 16)
	return c
}

// Default is the single configuration instance vm and mem share, so
// NPages actually bounds the same frame pool mem.M hands out of rather
// than two independently-initialized counters drifting apart.
var Default = MkConfig()
