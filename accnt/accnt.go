// Package accnt accumulates per-process CPU accounting: nanoseconds spent
// in user and system context, exported either as a flat rusage-style byte
// buffer (Fetch) or as a pprof Profile (Profile). Grounded on
// accnt/accnt.go for the counters and the rusage layout; Profile is new,
// built with github.com/google/pprof/profile so a process's accumulated
// time can be inspected with the standard pprof toolchain rather than a
// one-off binary format.
package accnt

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"

	"github.com/khannotations/pios/util"
)

// Accnt_t accumulates per-process accounting information. Userns and Sysns
// store runtime in nanoseconds. The embedded mutex lets callers take a
// consistent snapshot when exporting usage statistics.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta int) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta int) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// Now returns the current time in nanoseconds since the Unix epoch.
func (a *Accnt_t) Now() int {
	return int(time.Now().UnixNano())
}

// Io_time removes time spent waiting for I/O from system time.
func (a *Accnt_t) Io_time(since int) {
	d := a.Now() - since
	a.Systadd(-d)
}

// Sleep_time removes time spent sleeping from system time.
func (a *Accnt_t) Sleep_time(since int) {
	d := a.Now() - since
	a.Systadd(-d)
}

// Finish adds the time elapsed since inttime to system time, closing out a
// scheduler quantum.
func (a *Accnt_t) Finish(inttime int) {
	a.Systadd(a.Now() - inttime)
}

// Add merges another accounting record into this one, used when a process
// exits and its usage folds into its parent's.
func (a *Accnt_t) Add(n *Accnt_t) {
	a.Lock()
	a.Userns += n.Userns
	a.Sysns += n.Sysns
	a.Unlock()
}

// Fetch returns a consistent snapshot encoded as rusage.
func (a *Accnt_t) Fetch() []uint8 {
	a.Lock()
	ru := a.to_rusage()
	a.Unlock()
	return ru
}

func (a *Accnt_t) to_rusage() []uint8 {
	words := 4
	ret := make([]uint8, words*8)
	totv := func(nano int64) (int, int) {
		secs := int(nano / 1e9)
		usecs := int((nano % 1e9) / 1000)
		return secs, usecs
	}
	off := 0
	s, us := totv(a.Userns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	off += 8
	s, us = totv(a.Sysns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	off += 8
	return ret
}

// Profile builds a pprof CPU profile with two samples, "user" and "sys",
// carrying the accumulated nanosecond counts for pid. Serialized with
// profile.Write, the result opens in "go tool pprof" unmodified; no
// device in this tree serves it.
func (a *Accnt_t) Profile(pid int) *profile.Profile {
	a.Lock()
	userns, sysns := a.Userns, a.Sysns
	a.Unlock()

	valType := &profile.ValueType{Type: "cpu", Unit: "nanoseconds"}
	userFn := &profile.Function{ID: 1, Name: "user"}
	sysFn := &profile.Function{ID: 2, Name: "sys"}
	userLoc := &profile.Location{ID: 1, Line: []profile.Line{{Function: userFn}}}
	sysLoc := &profile.Location{ID: 2, Line: []profile.Line{{Function: sysFn}}}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{valType},
		Sample: []*profile.Sample{
			{Location: []*profile.Location{userLoc}, Value: []int64{userns},
				Label: map[string][]string{"pid": {strconv.Itoa(pid)}}},
			{Location: []*profile.Location{sysLoc}, Value: []int64{sysns},
				Label: map[string][]string{"pid": {strconv.Itoa(pid)}}},
		},
		Function: []*profile.Function{userFn, sysFn},
		Location: []*profile.Location{userLoc, sysLoc},
	}
	return p
}
