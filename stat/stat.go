// Package stat serializes a single process-table row for the D_STAT
// device: pid, scheduling state, parent, and home node. Grounded on
// stat/stat.go's pattern of private fields plus typed writer methods and an
// unsafe.Pointer cast to expose the struct as a flat byte buffer; the
// file-specific fields (dev/ino/mode/rdev) are replaced with the process
// fields spec C3 tracks.
package stat

import "unsafe"

// Stat_t mirrors one process table row.
type Stat_t struct {
	_pid    uint
	_state  uint
	_parent uint
	_home   uint
	_userns uint
	_sysns  uint
}

// Wpid records the process id.
func (st *Stat_t) Wpid(v uint) {
	st._pid = v
}

// Wstate records the scheduling state (spec C3: STOP/READY/RUN/WAIT/MIGR/
// PULL/AWAY/RESERVED/FREE).
func (st *Stat_t) Wstate(v uint) {
	st._state = v
}

// Wparent records the parent process id.
func (st *Stat_t) Wparent(v uint) {
	st._parent = v
}

// Whome records the node id this process currently calls home.
func (st *Stat_t) Whome(v uint) {
	st._home = v
}

// Wusage records accumulated user and system nanoseconds.
func (st *Stat_t) Wusage(userns, sysns uint) {
	st._userns = userns
	st._sysns = sysns
}

// Pid returns the stored process id.
func (st *Stat_t) Pid() uint {
	return st._pid
}

// State returns the stored scheduling state.
func (st *Stat_t) State() uint {
	return st._state
}

// Parent returns the stored parent process id.
func (st *Stat_t) Parent() uint {
	return st._parent
}

// Home returns the stored home node id.
func (st *Stat_t) Home() uint {
	return st._home
}

// Userns returns the stored user-mode nanosecond count.
func (st *Stat_t) Userns() uint {
	return st._userns
}

// Sysns returns the stored system-mode nanosecond count.
func (st *Stat_t) Sysns() uint {
	return st._sysns
}

// Bytes exposes the raw bytes of the structure, suitable for copying to a
// process reading the D_STAT device.
func (st *Stat_t) Bytes() []uint8 {
	const sz = unsafe.Sizeof(*st)
	sl := (*[sz]uint8)(unsafe.Pointer(&st._pid))
	return sl[:]
}

// Size is the fixed byte width Bytes always returns, the region size a
// D_STAT GET request must provide at its destination address.
const Size = int(unsafe.Sizeof(Stat_t{}))

// FromBytes decodes a buffer previously produced by Bytes. It panics if b
// is shorter than Size.
func FromBytes(b []uint8) Stat_t {
	if len(b) < Size {
		panic("stat: short buffer")
	}
	return *(*Stat_t)(unsafe.Pointer(&b[0]))
}
