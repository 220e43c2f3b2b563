// Package mem implements the page allocator and remote-reference table
// (component C1): a fixed pool of power-of-two frames with atomically
// mutated reference counts and a cross-node share-mask, plus a map from
// remote references to locally cached frames. Grounded on mem/mem.go for
// the Pa_t/Physpg_t/Refup/Refdown/Refpg_new shape and the per-frame
// refcount discipline; the teacher's direct-mapped hardware view
// (runtime.Get_phys, per-CPU free lists, Dmap) is replaced with a single
// Go byte arena sliced into frames, since this core runs as ordinary user
// processes rather than ring 0 with a direct-mapped physical address
// space. phys2pi/pi2phys are therefore the identity, justified in
// DESIGN.md; pi2ptr/ptr2pi still do real pointer arithmetic against the
// arena the way Dmap/Dmap_v2p do against the direct map.
package mem

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/khannotations/pios/hashtable"
	"github.com/khannotations/pios/limits"
)

// Pa_t is a physical frame index. 0 names the always-zero sentinel frame,
// which is never allocated to a caller and never written.
type Pa_t uint32

const PGSIZE = 4096

// RR_t is a remote reference: the triple {node_id, page_address, rw_bits}.
// Node 0 denotes a permission-only RR that resolves to the zero frame.
type RR_t struct {
	Node uint8
	Addr uint32
	RW   uint8
}

// Key packs the RR into an int64 suitable as a hashtable key; rw_bits are
// excluded so that rrlookup ignores them as the spec requires.
func (rr RR_t) Key() int64 {
	return int64(rr.Node)<<32 | int64(rr.Addr)
}

func (rr RR_t) IsZero() bool {
	return rr == RR_t{}
}

// Pte_t is one page-table or page-directory entry. Local entries pack a
// frame index above the flag bits the way an x86 PTE packs a physical
// address; remote entries (PTE_REMOTE set) instead pack an RR_t. The two
// interpretations share the same word so walk/insert/remove can treat
// every level uniformly, matching vm/as.go's Pa_t-typed PTE slots.
type Pte_t uint64

const (
	PTE_P      Pte_t = 1 << 0 // hardware present
	PTE_W      Pte_t = 1 << 1 // hardware writable
	PTE_SYSR   Pte_t = 1 << 2 // nominal SYS_READ
	PTE_SYSW   Pte_t = 1 << 3 // nominal SYS_WRITE
	PTE_REMOTE Pte_t = 1 << 4 // entry encodes an RR_t, not a local frame
	PTE_GLOBAL Pte_t = 1 << 5 // kernel entry; never translated or sent
	pteFlags         = 1<<12 - 1
)

// MkPTE builds a local PTE for frame pa with the given flag bits.
func MkPTE(pa Pa_t, flags Pte_t) Pte_t {
	return Pte_t(pa)<<12 | (flags &^ PTE_REMOTE)
}

// MkPTERemote builds a PTE carrying rr verbatim (no local frame).
func MkPTERemote(rr RR_t, flags Pte_t) Pte_t {
	packed := Pte_t(rr.Node)<<12 | Pte_t(rr.Addr)<<20 | Pte_t(rr.RW)<<52
	return packed | flags | PTE_REMOTE
}

func (p Pte_t) Flags() Pte_t { return p & pteFlags }
func (p Pte_t) Present() bool { return p&PTE_P != 0 }
func (p Pte_t) Writable() bool { return p&PTE_W != 0 }
func (p Pte_t) SysRead() bool  { return p&PTE_SYSR != 0 }
func (p Pte_t) SysWrite() bool { return p&PTE_SYSW != 0 }
func (p Pte_t) Remote() bool   { return p&PTE_REMOTE != 0 }
func (p Pte_t) Global() bool   { return p&PTE_GLOBAL != 0 }

// Pa returns the frame this entry names. Valid only when !Remote().
func (p Pte_t) Pa() Pa_t {
	return Pa_t(p >> 12)
}

// RR decodes the remote reference this entry carries. Valid only when
// Remote().
func (p Pte_t) RR() RR_t {
	return RR_t{
		Node: uint8((p >> 12) & 0xff),
		Addr: uint32((p >> 20) & 0xffffffff),
		RW:   uint8((p >> 52) & 0x3),
	}
}

// WithFlags returns p with its flag bits replaced by flags, preserving the
// frame/RR payload.
func (p Pte_t) WithFlags(flags Pte_t) Pte_t {
	return (p &^ pteFlags) | (flags &^ PTE_REMOTE) | (p & PTE_REMOTE)
}

// Pmap_t is one level of a two-level page table: 512 entries, one frame.
// A table frame spans 512*PGSIZE = 2 MiB of address space; the spec's
// nominal 4 MiB page-table span assumes a 4-byte PTE, but Pte_t here also
// has to carry a full RR_t inline on remote entries, so it is 8 bytes
// wide and the span halves accordingly (see DESIGN.md).
type Pmap_t [512]Pte_t

const NPTENTRIES = 512

// Bytepg2pmap reinterprets a frame's raw bytes as a Pmap_t, the way
// mem/mem.go's Bytepg2pg reinterprets a frame as a [512]Pa_t.
func Bytepg2pmap(b []uint8) *Pmap_t {
	if len(b) != PGSIZE {
		panic("not a page")
	}
	return (*Pmap_t)(unsafe.Pointer(&b[0]))
}

// Dtor_t selects how decref reclaims a frame whose count reaches zero.
type Dtor_t int

const (
	Dtor_plain Dtor_t = iota
	Dtor_ptab
	Dtor_pdir
)

type frame_t struct {
	refcnt    int32
	home      RR_t
	sharemask uint32
}

// Physmem_t is the page allocator: a fixed arena of frames, a free list,
// and the RR→frame cache.
type Physmem_t struct {
	sync.Mutex
	arena  []uint8
	frames []frame_t
	free   []Pa_t
	npage  int

	rr *hashtable.Hashtable_t
}

// NewPhysmem carves an arena of npage frames plus the reserved zero
// sentinel at index 0.
func NewPhysmem(npage int) *Physmem_t {
	pm := &Physmem_t{
		arena:  make([]uint8, (npage+1)*PGSIZE),
		frames: make([]frame_t, npage+1),
		npage:  npage,
		rr:     hashtable.MkHash(1024),
	}
	pm.free = make([]Pa_t, 0, npage)
	for i := npage; i >= 1; i-- {
		pm.free = append(pm.free, Pa_t(i))
	}
	return pm
}

// M is the process-wide allocator, sized from the active configuration.
var M = NewPhysmem(1 << 16)

// Alloc returns a zeroable frame of refcount 0, or ok=false on exhaustion.
// Contents are undefined until the caller zeroes or writes them. Every
// frame handed out anywhere in the core is also charged against
// limits.Default.NPages, the cluster-wide frame budget Config_t bounds.
func (pm *Physmem_t) Alloc() (Pa_t, bool) {
	if !limits.Default.NPages.Take() {
		return 0, false
	}
	pm.Lock()
	n := len(pm.free)
	if n == 0 {
		pm.Unlock()
		limits.Default.NPages.Give()
		return 0, false
	}
	pa := pm.free[n-1]
	pm.free = pm.free[:n-1]
	pm.frames[pa] = frame_t{}
	pm.Unlock()
	return pa, true
}

// AllocZero is Alloc followed by a zero-fill; most callers want this.
func (pm *Physmem_t) AllocZero() (Pa_t, bool) {
	pa, ok := pm.Alloc()
	if !ok {
		return 0, false
	}
	b := pm.Bytes(pa)
	for i := range b {
		b[i] = 0
	}
	return pa, true
}

// Bytes returns the frame's backing storage. Index 0 (the zero sentinel)
// is returned but must never be written by a caller.
func (pm *Physmem_t) Bytes(pa Pa_t) []uint8 {
	off := int(pa) * PGSIZE
	return pm.arena[off : off+PGSIZE]
}

// Pmap returns pa's backing storage reinterpreted as a page table level.
func (pm *Physmem_t) Pmap(pa Pa_t) *Pmap_t {
	return Bytepg2pmap(pm.Bytes(pa))
}

// Incref bumps pa's reference count. The zero sentinel is exempt: it has
// no owners to count.
func (pm *Physmem_t) Incref(pa Pa_t) {
	if pa == 0 {
		return
	}
	atomic.AddInt32(&pm.frames[pa].refcnt, 1)
}

// Refcnt returns pa's current reference count.
func (pm *Physmem_t) Refcnt(pa Pa_t) int32 {
	if pa == 0 {
		return 1<<31 - 1
	}
	return atomic.LoadInt32(&pm.frames[pa].refcnt)
}

// Decref drops pa's reference count by one, running dtor when it reaches
// zero. dtor recursively walks a page-table or page-directory frame
// before the frame itself is returned to the free list.
func (pm *Physmem_t) Decref(pa Pa_t, dtor Dtor_t) {
	if pa == 0 {
		return
	}
	if atomic.AddInt32(&pm.frames[pa].refcnt, -1) > 0 {
		return
	}
	switch dtor {
	case Dtor_ptab:
		pmv := pm.Pmap(pa)
		for _, e := range pmv {
			if e.Present() && !e.Remote() && !e.Global() && e.Pa() != 0 {
				pm.Decref(e.Pa(), Dtor_plain)
			}
		}
	case Dtor_pdir:
		pmv := pm.Pmap(pa)
		for _, e := range pmv {
			if e.Present() && !e.Remote() && !e.Global() && e.Pa() != 0 {
				pm.Decref(e.Pa(), Dtor_ptab)
			}
		}
	}
	pm.free_frame(pa)
}

func (pm *Physmem_t) free_frame(pa Pa_t) {
	pm.Lock()
	pm.frames[pa] = frame_t{}
	pm.free = append(pm.free, pa)
	pm.Unlock()
	limits.Default.NPages.Give()
}

// Rrshare records that pa has been transmitted to node (1-indexed).
func (pm *Physmem_t) Rrshare(pa Pa_t, node int) {
	if pa == 0 || node < 1 || node > 32 {
		return
	}
	bit := uint32(1) << uint(node-1)
	for {
		old := atomic.LoadUint32(&pm.frames[pa].sharemask)
		if atomic.CompareAndSwapUint32(&pm.frames[pa].sharemask, old, old|bit) {
			return
		}
	}
}

// Shared reports whether pa has ever been shared to node.
func (pm *Physmem_t) Shared(pa Pa_t, node int) bool {
	if pa == 0 || node < 1 || node > 32 {
		return false
	}
	bit := uint32(1) << uint(node-1)
	return atomic.LoadUint32(&pm.frames[pa].sharemask)&bit != 0
}

// Home returns the frame's recorded home RR; the zero value means the
// frame is locally owned.
func (pm *Physmem_t) Home(pa Pa_t) RR_t {
	if pa == 0 {
		return RR_t{}
	}
	pm.Lock()
	h := pm.frames[pa].home
	pm.Unlock()
	return h
}

// SetHome records that pa was pulled from rr, so pull-list code and
// PULLRQ validation can tell a locally-owned frame from a cached remote
// copy.
func (pm *Physmem_t) SetHome(pa Pa_t, rr RR_t) {
	pm.Lock()
	pm.frames[pa].home = rr
	pm.Unlock()
}

// Rrlookup returns the frame previously tracked under rr, ignoring
// rw_bits.
func (pm *Physmem_t) Rrlookup(rr RR_t) (Pa_t, bool) {
	v, ok := pm.rr.Get(rr.Key())
	if !ok {
		return 0, false
	}
	return v.(Pa_t), true
}

// Rrtrack records that rr now resolves to the local frame pa.
func (pm *Physmem_t) Rrtrack(rr RR_t, pa Pa_t) {
	pm.rr.Set(rr.Key(), pa)
}

// Phys2pi and Pi2phys are identity bijections: this core's "physical
// address" already is the arena index, unlike the teacher's direct-mapped
// hardware addresses which need translation. See DESIGN.md.
func Phys2pi(pa Pa_t) int { return int(pa) }
func Pi2phys(pi int) Pa_t { return Pa_t(pi) }

// Pi2ptr returns the byte slice backing frame index pi.
func (pm *Physmem_t) Pi2ptr(pi int) []uint8 {
	return pm.Bytes(Pa_t(pi))
}

// Ptr2pi inverts Pi2ptr via pointer arithmetic against the arena, the way
// Dmap_v2p inverts Dmap against the direct map.
func (pm *Physmem_t) Ptr2pi(p []uint8) int {
	if len(p) == 0 {
		panic("empty slice")
	}
	base := uintptr(unsafe.Pointer(&pm.arena[0]))
	off := uintptr(unsafe.Pointer(&p[0])) - base
	pi := int(off / PGSIZE)
	if pi < 0 || pi > pm.npage {
		panic("pointer outside arena")
	}
	return pi
}

// Npage returns the number of allocatable frames, excluding the zero
// sentinel: callers validating a remote reference's address bound it
// against this.
func (pm *Physmem_t) Npage() int { return pm.npage }
