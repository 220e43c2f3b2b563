// Package res enforces a per-bound allocation-burst budget so that a long
// copy/merge/pull loop cannot monopolize the page allocator before another
// process gets a chance to run. Grounded on vm/as.go's
// "res.Resadd_noblock(gimme)" guard inside K2user_inner/User2k_inner; here
// the same discipline guards vm.Copy, vm.Merge, and net page pulls.
package res

import (
	"sync"

	"github.com/khannotations/pios/bounds"
)

const burstMax = 4096

type counter struct {
	sync.Mutex
	used int
}

var counters [int(bounds.B_NET_T_PULL) + 1]counter

// Resadd_noblock charges one unit of budget against b's counter. It
// returns false, without blocking, once that bound's burst allowance is
// exhausted for the current tick; Reset clears all counters at the start
// of the next tick. vm.Copy and vm.Merge propagate false as defs.ENOHEAP,
// matching the spec's "Resource exhaustion ... reflect a page-fault to the
// parent" policy for parent-initiated copies; net's pull instead skips
// the request's first send and leaves it to retransmission.
func Resadd_noblock(b bounds.Bound_t) bool {
	c := &counters[b]
	c.Lock()
	defer c.Unlock()
	if c.used >= burstMax {
		return false
	}
	c.used++
	return true
}

// Reset clears every bound's burst counter. Called once per scheduler
// tick so that budgets refill rather than ratchet down permanently.
func Reset() {
	for i := range counters {
		counters[i].Lock()
		counters[i].used = 0
		counters[i].Unlock()
	}
}
