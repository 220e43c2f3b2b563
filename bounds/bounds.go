// Package bounds names the call sites that consume heap budget during long
// running copies, so res can account for them individually. Grounded on
// vm/as.go's use of "bounds.Bounds(bounds.B_ASPACE_T_K2USER_INNER)" before
// every res.Resadd_noblock check in K2user_inner/User2k_inner.
package bounds

// Bound_t names a single accounted call site.
type Bound_t int

const (
	B_VM_T_COPY Bound_t = iota /// vm.Copy, per page-table span
	B_VM_T_MERGE                /// vm.Merge, per entry of a span both sides changed
	B_NET_T_PULL                /// net pull-list growth
	_bound_max
)

// Bounds returns the budget identifier for b; it panics on an unknown bound
// the same way an out-of-range array index would, since this is an
// internal programming contract, not user input.
func Bounds(b Bound_t) Bound_t {
	if b < 0 || b >= _bound_max {
		panic("bad bound")
	}
	return b
}
