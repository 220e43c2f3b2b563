// Package vm implements the address-space manager (component C2): a
// two-level page map with copy-on-write sharing, snapshot/merge, and
// permission overlays. Grounded primarily on kern/pmap.c's
// pmap_walk/pmap_insert/pmap_remove/pmap_copy/pmap_pagefault/
// pmap_mergepage/pmap_merge/pmap_setperm (the PIOS original this core's
// vocabulary traces back to), cross-checked against vm/as.go's Go idiom
// for the surrounding lock/Vm_t shape (embedded mutex, Lock_pmap/
// Unlock_pmap, Pgfault wrapper).
package vm

import (
	"fmt"

	"github.com/khannotations/pios/bounds"
	"github.com/khannotations/pios/caller"
	"github.com/khannotations/pios/defs"
	"github.com/khannotations/pios/limits"
	"github.com/khannotations/pios/mem"
	"github.com/khannotations/pios/res"
	"github.com/khannotations/pios/util"
)

// Cfg is the address window and page-table-span geometry shared by every
// address space; the same instance mem uses to bound its frame pool, so
// the two packages never see divergent configuration.
var Cfg = limits.Default

func pdx(va uint64) int {
	return int((va - Cfg.UserLo) / Cfg.PtSpan)
}

func ptx(va uint64) int {
	return int((va - Cfg.UserLo) % Cfg.PtSpan / mem.PGSIZE)
}

func checkUserVa(va uint64) {
	if va < Cfg.UserLo || va >= Cfg.UserHi {
		panic("va outside user window")
	}
}

// AddressSpace_t is one process's virtual memory: an owning page
// directory and a reference page directory holding the most recent
// snapshot, used as the common ancestor for three-way merge.
type AddressSpace_t struct {
	Pdir  mem.Pa_t
	Rpdir mem.Pa_t
}

// NewAddressSpace allocates an empty pdir and rpdir, each refcount 1.
func NewAddressSpace() (*AddressSpace_t, defs.Err_t) {
	pdir, ok := mem.M.AllocZero()
	if !ok {
		return nil, defs.ENOMEM
	}
	mem.M.Incref(pdir)
	rpdir, ok := mem.M.AllocZero()
	if !ok {
		mem.M.Decref(pdir, mem.Dtor_pdir)
		return nil, defs.ENOMEM
	}
	mem.M.Incref(rpdir)
	return &AddressSpace_t{Pdir: pdir, Rpdir: rpdir}, 0
}

// Free releases both page directories and everything they reference.
func (as *AddressSpace_t) Free() {
	mem.M.Decref(as.Pdir, mem.Dtor_pdir)
	mem.M.Decref(as.Rpdir, mem.Dtor_pdir)
}

// inval is a placeholder for TLB invalidation: this core has no real MMU
// to shoot down, so every caller that would call pmap_inval on real
// hardware calls this instead, kept as a named no-op so the structure of
// the original algorithm (and the call sites that must bracket a mapping
// change with invalidation) survives unchanged.
func inval(pdir mem.Pa_t, va uint64, size uint64) {}

// Walk returns a pointer to the page-table entry for va, allocating a new
// page table on demand iff writing. A shared (refcount > 1) table is
// copied before return when writing, and the copy's leaf pages are
// increfed since two tables now reference them.
func Walk(pdir mem.Pa_t, va uint64, writing bool) (*mem.Pte_t, defs.Err_t) {
	checkUserVa(va)
	pd := mem.M.Pmap(pdir)
	pde := &pd[pdx(va)]

	if pde.Present() {
		tab := pde.Pa()
		if !pde.Writable() && writing {
			if mem.M.Refcnt(tab) == 1 {
				tv := mem.M.Pmap(tab)
				for i := range tv {
					tv[i] &^= mem.PTE_W
				}
			} else {
				newpa, ok := mem.M.AllocZero()
				if !ok {
					return nil, defs.ENOMEM
				}
				mem.M.Incref(newpa)
				oldv := mem.M.Pmap(tab)
				newv := mem.M.Pmap(newpa)
				for i, e := range oldv {
					newv[i] = e &^ mem.PTE_W
					if e.Present() && !e.Remote() && e.Pa() != 0 {
						mem.M.Incref(e.Pa())
					}
				}
				mem.M.Decref(tab, mem.Dtor_ptab)
				tab = newpa
			}
			*pde = mem.MkPTE(tab, mem.PTE_P|mem.PTE_W)
		}
		tv := mem.M.Pmap(tab)
		return &tv[ptx(va)], 0
	}

	if !writing {
		return nil, 0
	}
	newpa, ok := mem.M.AllocZero()
	if !ok {
		return nil, defs.ENOMEM
	}
	mem.M.Incref(newpa)
	*pde = mem.MkPTE(newpa, mem.PTE_P|mem.PTE_W)
	tv := mem.M.Pmap(newpa)
	return &tv[ptx(va)], 0
}

// Insert maps frame pa at va with perm, replacing any existing mapping.
// Re-inserting the same frame at the same va is idempotent in refcount
// terms: this call's incref happens before the implicit remove's decref,
// so the two cancel and the frame is never freed in between.
func Insert(pdir mem.Pa_t, pa mem.Pa_t, va uint64, perm mem.Pte_t) (*mem.Pte_t, defs.Err_t) {
	entry, err := Walk(pdir, va, true)
	if err != 0 {
		return nil, err
	}
	mem.M.Incref(pa)
	if entry.Present() {
		Remove(pdir, va, mem.PGSIZE)
		entry, err = Walk(pdir, va, true)
		if err != 0 {
			mem.M.Decref(pa, mem.Dtor_plain)
			return nil, err
		}
	}
	*entry = mem.MkPTE(pa, perm|mem.PTE_P)
	return entry, 0
}

// Remove unmaps [va, va+size), decrementing refcounts and dropping whole
// page tables when the region covers one exactly.
func Remove(pdir mem.Pa_t, va uint64, size uint64) {
	inval(pdir, va, size)
	start, end := va, va+size
	pd := mem.M.Pmap(pdir)

	for start < end {
		pde := &pd[pdx(start)]
		if *pde == 0 {
			start = RoundupSpan(start)
			continue
		}
		if ptx(start) != 0 || start+Cfg.PtSpan > end {
			tv := mem.M.Pmap(pde.Pa())
			for start < end {
				e := &tv[ptx(start)]
				if e.Pa() != 0 || e.Remote() {
					if !e.Remote() {
						mem.M.Decref(e.Pa(), mem.Dtor_plain)
					}
				}
				*e = 0
				start += mem.PGSIZE
				if ptx(start) == 0 {
					break
				}
			}
			continue
		}
		mem.M.Decref(pde.Pa(), mem.Dtor_ptab)
		*pde = 0
		start += Cfg.PtSpan
	}
}

// RoundupSpan returns the start of the page-table span strictly after the
// one va falls in, built on util.Roundup the way the teacher's rounding
// helpers are shared rather than hand-rolled at each call site. net shares
// this implementation instead of keeping its own copy.
func RoundupSpan(va uint64) uint64 {
	return Cfg.UserLo + util.Roundup((va-Cfg.UserLo)+1, Cfg.PtSpan)
}

// Copy virtually copies [sva, sva+size) of spdir into [dva, dva+size) of
// dpdir by sharing page-table slots and clearing the hardware-writable
// bit on both sides, instituting copy-on-write. size, sva, dva must be
// page-table-span aligned.
func Copy(spdir mem.Pa_t, sva uint64, dpdir mem.Pa_t, dva uint64, size uint64) defs.Err_t {
	if size%Cfg.PtSpan != 0 || (sva-Cfg.UserLo)%Cfg.PtSpan != 0 || (dva-Cfg.UserLo)%Cfg.PtSpan != 0 {
		panic("copy region not page-table-span aligned")
	}
	inval(spdir, sva, size)
	inval(dpdir, dva, size)

	sp := mem.M.Pmap(spdir)
	dp := mem.M.Pmap(dpdir)
	start := sva
	end := sva + size
	d := dva
	for start < end {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_VM_T_COPY)) {
			return defs.ENOHEAP
		}
		sidx, didx := pdx(start), pdx(d)
		if sp[sidx] != 0 {
			mem.M.Incref(sp[sidx].Pa())
		}
		if dp[didx].Present() {
			Remove(dpdir, d, Cfg.PtSpan)
		}
		dp[didx] = sp[sidx]
		dp[didx] &^= mem.PTE_W
		sp[sidx] &^= mem.PTE_W
		start += Cfg.PtSpan
		d += Cfg.PtSpan
	}
	return 0
}

// ensureWritable makes *entry point at an exclusively-owned, hardware
// writable frame, copying the old contents first if it was shared or
// the zero sentinel. It does not consult or change nominal permission
// bits: Pagefault checks SYS_WRITE itself before calling this, and
// kernel-side copies (vm.WriteUser) are not subject to it at all, the
// same way the original's usercopy writes through a direct map instead
// of faulting.
func ensureWritable(entry *mem.Pte_t) defs.Err_t {
	pa := entry.Pa()
	if entry.Present() && entry.Writable() && !entry.Remote() && pa != 0 && mem.M.Refcnt(pa) <= 1 {
		return 0
	}
	newpa, ok := mem.M.AllocZero()
	if !ok {
		return defs.ENOMEM
	}
	if pa != 0 && !entry.Remote() {
		copy(mem.M.Bytes(newpa), mem.M.Bytes(pa))
		mem.M.Decref(pa, mem.Dtor_plain)
	}
	mem.M.Incref(newpa)
	*entry = mem.MkPTE(newpa, mem.PTE_P|mem.PTE_W|entry.Flags()&(mem.PTE_SYSR|mem.PTE_SYSW))
	return 0
}

// Pagefault resolves a hardware write-fault at fva inside pdir. If the
// entry lacks nominal SYS_WRITE, EFAULT is returned so the caller
// reflects a trap to the parent. Otherwise, if the frame is shared or is
// the zero sentinel, a private copy is made; the hardware-writable bit is
// restored either way.
func Pagefault(pdir mem.Pa_t, fva uint64) defs.Err_t {
	if fva < Cfg.UserLo || fva >= Cfg.UserHi {
		return defs.EFAULT
	}
	entry, err := Walk(pdir, fva, true)
	if err != 0 {
		return err
	}
	if !entry.SysWrite() {
		return defs.EFAULT
	}
	if err := ensureWritable(entry); err != 0 {
		return err
	}
	inval(pdir, fva, mem.PGSIZE)
	return 0
}

// Setperm rewrites nominal permissions on [va, va+size) to perm, a
// combination of PTE_SYSR/PTE_SYSW. Granting SYS_READ to an absent entry
// maps the zero sentinel read-only.
func Setperm(pdir mem.Pa_t, va uint64, size uint64, perm mem.Pte_t) {
	inval(pdir, va, size)
	start, end := va, va+size
	pd := mem.M.Pmap(pdir)
	for start < end {
		pde := &pd[pdx(start)]
		if *pde == 0 && perm&mem.PTE_SYSR == 0 {
			start = RoundupSpan(start)
			continue
		}
		entry, _ := Walk(pdir, start, true)
		for start < end {
			switch {
			case perm&mem.PTE_SYSR != 0 && perm&mem.PTE_SYSW != 0:
				*entry |= mem.PTE_SYSR | mem.PTE_SYSW | mem.PTE_P | mem.PTE_W
			case perm&mem.PTE_SYSR != 0:
				*entry &^= mem.PTE_SYSW | mem.PTE_W
				*entry |= mem.PTE_SYSR | mem.PTE_P
			default:
				*entry &^= mem.PTE_SYSR | mem.PTE_SYSW | mem.PTE_P | mem.PTE_W
			}
			start += mem.PGSIZE
			if ptx(start) == 0 {
				break
			}
			entry, _ = Walk(pdir, start, true)
		}
	}
}

// Snapshot captures pdir's user window into rpdir, to serve as the common
// ancestor for a later three-way Merge.
func Snapshot(pdir, rpdir mem.Pa_t) defs.Err_t {
	return Copy(pdir, Cfg.UserLo, rpdir, Cfg.UserLo, Cfg.UserHi-Cfg.UserLo)
}

// Merge combines rpdir (the common ancestor), spdir (source, e.g. a
// child's current state) and dpdir (destination, e.g. the parent) over
// [sva,sva+size) / [dva,dva+size), last-writer-wins on non-conflicting
// bytes and zeroing any page both sides wrote differently.
func Merge(rpdir, spdir mem.Pa_t, sva uint64, dpdir mem.Pa_t, dva uint64, size uint64) defs.Err_t {
	if size%Cfg.PtSpan != 0 || (sva-Cfg.UserLo)%Cfg.PtSpan != 0 || (dva-Cfg.UserLo)%Cfg.PtSpan != 0 {
		panic("merge region not page-table-span aligned")
	}
	inval(spdir, sva, size)
	inval(dpdir, dva, size)
	inval(rpdir, sva, size)

	rp := mem.M.Pmap(rpdir)
	sp := mem.M.Pmap(spdir)
	dp := mem.M.Pmap(dpdir)

	start := sva
	end := sva + size
	d := dva
	for start < end {
		si, di, ri := pdx(start), pdx(d), pdx(start)
		if sp[si] == rp[ri] {
			start += Cfg.PtSpan
			d += Cfg.PtSpan
			continue
		}
		if dp[di] == rp[ri] {
			if err := Copy(spdir, start, dpdir, d, Cfg.PtSpan); err != 0 {
				return err
			}
			start += Cfg.PtSpan
			d += Cfg.PtSpan
			continue
		}

		for i := 0; i < mem.NPTENTRIES; i++ {
			if !res.Resadd_noblock(bounds.Bounds(bounds.B_VM_T_MERGE)) {
				return defs.ENOHEAP
			}
			sva_i := start + uint64(i)*mem.PGSIZE
			dva_i := d + uint64(i)*mem.PGSIZE
			srcE, _ := Walk(spdir, sva_i, true)
			dstE, _ := Walk(dpdir, dva_i, true)
			snpE, _ := Walk(rpdir, sva_i, true)

			switch {
			case *srcE != *snpE && *dstE != *snpE:
				mergepage(snpE, srcE, dstE, dva_i)
			case *dstE == *snpE && *srcE != *snpE:
				if dstE.Pa() != 0 && !dstE.Remote() {
					mem.M.Decref(dstE.Pa(), mem.Dtor_plain)
				}
				if !srcE.Remote() {
					mem.M.Incref(srcE.Pa())
				}
				*dstE = *srcE
				*srcE &^= mem.PTE_W
				*dstE &^= mem.PTE_W
			}
		}
		start += Cfg.PtSpan
		d += Cfg.PtSpan
	}
	return 0
}

// mergepage byte-merges one page that diverged on both sides relative to
// the snapshot. Conflicting bytes zero the whole page and log once per
// distinct call site; non-conflicting bytes take the source's value.
func mergepage(rpte, spte, dpte *mem.Pte_t, dva uint64) {
	if dpte.Remote() || mem.M.Refcnt(dpte.Pa()) > 1 || dpte.Pa() == 0 {
		newpa, ok := mem.M.AllocZero()
		if !ok {
			panic("mergepage: page allocator exhausted")
		}
		if dpte.Pa() != 0 && !dpte.Remote() {
			copy(mem.M.Bytes(newpa), mem.M.Bytes(dpte.Pa()))
			mem.M.Decref(dpte.Pa(), mem.Dtor_plain)
		}
		mem.M.Incref(newpa)
		*dpte = mem.MkPTE(newpa, mem.PTE_P|mem.PTE_W|mem.PTE_SYSR|mem.PTE_SYSW)
	}

	dst := mem.M.Bytes(dpte.Pa())
	src := mem.M.Bytes(spte.Pa())
	snap := mem.M.Bytes(rpte.Pa())

	for i := 0; i < mem.PGSIZE; i++ {
		if src[i] != snap[i] && dst[i] != snap[i] {
			caller.Default.Warnf("merge conflict at va %#x byte %d", dva, i)
			*dpte = 0
			return
		}
		if dst[i] == snap[i] {
			dst[i] = src[i]
		}
	}
}

// CheckUserRegion reports whether [va, va+size) lies entirely inside the
// user window, with wrap-safe arithmetic: mirrors kern/syscall.c's
// checkva, generalized to share with ReadUser/WriteUser below.
func CheckUserRegion(va, size uint64) bool {
	end := va + size
	if end < va {
		return false
	}
	return va >= Cfg.UserLo && va < Cfg.UserHi && end <= Cfg.UserHi
}

// ReadUser copies size bytes starting at va out of pdir. Callers must
// have already validated the region with CheckUserRegion; ReadUser
// panics otherwise, since by the time it runs the caller has committed
// to the copy the way usercopy does after checkva.
func ReadUser(pdir mem.Pa_t, va uint64, size int) []byte {
	if !CheckUserRegion(va, uint64(size)) {
		panic("ReadUser: region outside user window")
	}
	out := make([]byte, size)
	copyUser(pdir, va, out, false)
	return out
}

// WriteUser copies data into pdir starting at va, resolving copy-on-write
// per touched page the way a hardware store's fault would, but without
// the nominal SYS_WRITE check Pagefault applies.
func WriteUser(pdir mem.Pa_t, va uint64, data []byte) {
	if !CheckUserRegion(va, uint64(len(data))) {
		panic("WriteUser: region outside user window")
	}
	copyUser(pdir, va, data, true)
}

// copyUser walks pdir one page at a time, reading from or writing into
// each page's backing bytes. Absent entries read as the zero sentinel;
// a write to an absent or shared entry resolves through ensureWritable
// first.
func copyUser(pdir mem.Pa_t, va uint64, buf []byte, writing bool) {
	off := 0
	for off < len(buf) {
		pageoff := int(va % mem.PGSIZE)
		base := va - uint64(pageoff)
		n := mem.PGSIZE - pageoff
		if n > len(buf)-off {
			n = len(buf) - off
		}

		entry, err := Walk(pdir, base, writing)
		if err != 0 {
			panic("copyUser: walk failed")
		}
		if writing {
			if entry == nil {
				panic("copyUser: walk returned no entry for a write")
			}
			if ferr := ensureWritable(entry); ferr != 0 {
				panic("copyUser: page allocator exhausted")
			}
		}

		if entry == nil || entry.Pa() == 0 || entry.Remote() {
			if writing {
				panic("copyUser: write landed on an unresolved entry")
			}
			for i := 0; i < n; i++ {
				buf[off+i] = 0
			}
		} else {
			pg := mem.M.Bytes(entry.Pa())
			if writing {
				copy(pg[pageoff:pageoff+n], buf[off:off+n])
			} else {
				copy(buf[off:off+n], pg[pageoff:pageoff+n])
			}
		}
		off += n
		va += uint64(n)
	}
}

func init() {
	if Cfg.PtSpan%mem.PGSIZE != 0 {
		panic(fmt.Sprintf("PtSpan %d not a multiple of PGSIZE", Cfg.PtSpan))
	}
}
