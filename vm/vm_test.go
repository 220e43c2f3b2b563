package vm_test

import (
	"testing"

	"github.com/khannotations/pios/defs"
	"github.com/khannotations/pios/mem"
	"github.com/khannotations/pios/vm"
)

func mustAS(t *testing.T) *vm.AddressSpace_t {
	t.Helper()
	as, err := vm.NewAddressSpace()
	if err != 0 {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	return as
}

func TestWalkAllocatesPageTableOnWrite(t *testing.T) {
	as := mustAS(t)
	defer as.Free()

	entry, err := vm.Walk(as.Pdir, vm.Cfg.UserLo, true)
	if err != 0 {
		t.Fatalf("Walk: %v", err)
	}
	if entry == nil {
		t.Fatal("Walk returned a nil entry for a writing walk")
	}
	if *entry != 0 {
		t.Fatalf("freshly walked entry = %#x, want 0", *entry)
	}
}

func TestWalkNonWritingAbsentReturnsNil(t *testing.T) {
	as := mustAS(t)
	defer as.Free()

	entry, err := vm.Walk(as.Pdir, vm.Cfg.UserLo, false)
	if err != 0 {
		t.Fatalf("Walk: %v", err)
	}
	if entry != nil {
		t.Fatal("non-writing Walk on an absent page directory entry returned non-nil")
	}
}

func TestInsertThenWalkRoundtrip(t *testing.T) {
	as := mustAS(t)
	defer as.Free()

	pa, ok := mem.M.AllocZero()
	if !ok {
		t.Fatal("alloc failed")
	}
	entry, err := vm.Insert(as.Pdir, pa, vm.Cfg.UserLo, mem.PTE_SYSR|mem.PTE_SYSW)
	if err != 0 {
		t.Fatalf("Insert: %v", err)
	}
	if entry.Pa() != pa || !entry.Present() || !entry.SysRead() || !entry.SysWrite() {
		t.Fatalf("inserted entry = %v, want present+SYSR+SYSW at frame %v", *entry, pa)
	}

	got, err2 := vm.Walk(as.Pdir, vm.Cfg.UserLo, false)
	if err2 != 0 {
		t.Fatalf("Walk: %v", err2)
	}
	if got.Pa() != pa {
		t.Fatalf("walked entry pa = %v, want %v", got.Pa(), pa)
	}
}

func TestRemoveClearsMappingAndDecrefs(t *testing.T) {
	as := mustAS(t)
	defer as.Free()

	pa, ok := mem.M.AllocZero()
	if !ok {
		t.Fatal("alloc failed")
	}
	if _, err := vm.Insert(as.Pdir, pa, vm.Cfg.UserLo, mem.PTE_SYSR|mem.PTE_SYSW); err != 0 {
		t.Fatalf("Insert: %v", err)
	}
	vm.Remove(as.Pdir, vm.Cfg.UserLo, mem.PGSIZE)

	if mem.M.Refcnt(pa) != 0 {
		t.Fatalf("refcnt after Remove = %d, want 0", mem.M.Refcnt(pa))
	}
	entry, err := vm.Walk(as.Pdir, vm.Cfg.UserLo, false)
	if err != 0 {
		t.Fatalf("Walk: %v", err)
	}
	if entry != nil && entry.Present() {
		t.Fatal("entry still present after Remove")
	}
}

func TestSetpermGrantsAndRevokes(t *testing.T) {
	as := mustAS(t)
	defer as.Free()

	vm.Setperm(as.Pdir, vm.Cfg.UserLo, mem.PGSIZE, mem.PTE_SYSR|mem.PTE_SYSW)
	entry, err := vm.Walk(as.Pdir, vm.Cfg.UserLo, false)
	if err != 0 || entry == nil {
		t.Fatalf("Walk after grant: entry=%v err=%v", entry, err)
	}
	if !entry.SysRead() || !entry.SysWrite() {
		t.Fatalf("entry = %v, want SYSR|SYSW set", *entry)
	}

	vm.Setperm(as.Pdir, vm.Cfg.UserLo, mem.PGSIZE, 0)
	entry2, err2 := vm.Walk(as.Pdir, vm.Cfg.UserLo, false)
	if err2 != 0 {
		t.Fatalf("Walk after revoke: %v", err2)
	}
	if entry2 != nil && (entry2.SysRead() || entry2.SysWrite()) {
		t.Fatalf("entry = %v, want permission bits cleared", *entry2)
	}
}

func TestPagefaultOutOfRange(t *testing.T) {
	as := mustAS(t)
	defer as.Free()

	if err := vm.Pagefault(as.Pdir, vm.Cfg.UserLo-1); err != defs.EFAULT {
		t.Fatalf("Pagefault below UserLo = %v, want EFAULT", err)
	}
}

func TestPagefaultRejectsWithoutSysWrite(t *testing.T) {
	as := mustAS(t)
	defer as.Free()

	vm.Setperm(as.Pdir, vm.Cfg.UserLo, mem.PGSIZE, mem.PTE_SYSR)
	if err := vm.Pagefault(as.Pdir, vm.Cfg.UserLo); err != defs.EFAULT {
		t.Fatalf("Pagefault on a read-only entry = %v, want EFAULT", err)
	}
}

// TestPagefaultCOWCopiesSharedFrame drives the real write-fault path: a
// page shared by Copy and nominally writable must fault into a private
// frame without disturbing the other side's contents.
func TestPagefaultCOWCopiesSharedFrame(t *testing.T) {
	parent := mustAS(t)
	defer parent.Free()
	child := mustAS(t)
	defer child.Free()

	vm.WriteUser(parent.Pdir, vm.Cfg.UserLo, []byte{'A'})
	if err := vm.Copy(parent.Pdir, vm.Cfg.UserLo, child.Pdir, vm.Cfg.UserLo, vm.Cfg.PtSpan); err != 0 {
		t.Fatalf("Copy: %v", err)
	}
	vm.Setperm(child.Pdir, vm.Cfg.UserLo, vm.Cfg.PtSpan, mem.PTE_SYSR|mem.PTE_SYSW)

	before, _ := vm.Walk(child.Pdir, vm.Cfg.UserLo, false)
	beforePa := before.Pa()

	if err := vm.Pagefault(child.Pdir, vm.Cfg.UserLo); err != 0 {
		t.Fatalf("Pagefault: %v", err)
	}

	after, _ := vm.Walk(child.Pdir, vm.Cfg.UserLo, false)
	if after.Pa() == beforePa {
		t.Fatal("Pagefault did not give the child a private frame")
	}
	if !after.Writable() {
		t.Fatal("entry not hardware-writable after Pagefault")
	}
	if got := vm.ReadUser(child.Pdir, vm.Cfg.UserLo, 1); got[0] != 'A' {
		t.Fatalf("child byte after Pagefault = %q, want 'A'", got[0])
	}
	if got := vm.ReadUser(parent.Pdir, vm.Cfg.UserLo, 1); got[0] != 'A' {
		t.Fatalf("parent byte after child's Pagefault = %q, want 'A'", got[0])
	}
}

// TestMergeSkipsUnchangedSource covers Merge's first branch: when the
// source span is byte-for-byte identical (in page-table-entry terms) to
// the snapshot, the destination's own divergent writes are left alone.
func TestMergeSkipsUnchangedSource(t *testing.T) {
	parent := mustAS(t)
	defer parent.Free()
	child := mustAS(t)
	defer child.Free()

	if err := vm.Copy(parent.Pdir, vm.Cfg.UserLo, child.Pdir, vm.Cfg.UserLo, vm.Cfg.PtSpan); err != 0 {
		t.Fatalf("seed copy: %v", err)
	}
	if err := vm.Snapshot(child.Pdir, child.Rpdir); err != 0 {
		t.Fatalf("snapshot: %v", err)
	}

	vm.WriteUser(parent.Pdir, vm.Cfg.UserLo+10, []byte{'P'})

	if err := vm.Merge(child.Rpdir, child.Pdir, vm.Cfg.UserLo, parent.Pdir, vm.Cfg.UserLo, vm.Cfg.PtSpan); err != 0 {
		t.Fatalf("merge: %v", err)
	}

	got := vm.ReadUser(parent.Pdir, vm.Cfg.UserLo+10, 1)
	if got[0] != 'P' {
		t.Fatalf("parent's own write = %q after merge, want untouched 'P'", got[0])
	}
}

// TestMergeCopiesWhenDestUnchanged covers Merge's second branch: when the
// destination span matches the snapshot but the source diverged, the
// whole span is copied from source to destination.
func TestMergeCopiesWhenDestUnchanged(t *testing.T) {
	parent := mustAS(t)
	defer parent.Free()
	child := mustAS(t)
	defer child.Free()

	if err := vm.Copy(parent.Pdir, vm.Cfg.UserLo, child.Pdir, vm.Cfg.UserLo, vm.Cfg.PtSpan); err != 0 {
		t.Fatalf("seed copy: %v", err)
	}
	if err := vm.Snapshot(child.Pdir, child.Rpdir); err != 0 {
		t.Fatalf("snapshot: %v", err)
	}

	vm.WriteUser(child.Pdir, vm.Cfg.UserLo+20, []byte{'C'})

	if err := vm.Merge(child.Rpdir, child.Pdir, vm.Cfg.UserLo, parent.Pdir, vm.Cfg.UserLo, vm.Cfg.PtSpan); err != 0 {
		t.Fatalf("merge: %v", err)
	}

	got := vm.ReadUser(parent.Pdir, vm.Cfg.UserLo+20, 1)
	if got[0] != 'C' {
		t.Fatalf("merged byte = %q, want child's 'C'", got[0])
	}
}

// TestMergeByteConflictZeroesPage covers mergepage's conflict branch:
// both sides write the same byte of a page that diverged on both sides,
// which must zero the entire page rather than pick a winner.
func TestMergeByteConflictZeroesPage(t *testing.T) {
	parent := mustAS(t)
	defer parent.Free()
	child := mustAS(t)
	defer child.Free()

	if err := vm.Copy(parent.Pdir, vm.Cfg.UserLo, child.Pdir, vm.Cfg.UserLo, vm.Cfg.PtSpan); err != 0 {
		t.Fatalf("seed copy: %v", err)
	}
	if err := vm.Snapshot(child.Pdir, child.Rpdir); err != 0 {
		t.Fatalf("snapshot: %v", err)
	}

	vm.WriteUser(parent.Pdir, vm.Cfg.UserLo+30, []byte{'X'})
	vm.WriteUser(child.Pdir, vm.Cfg.UserLo+30, []byte{'Y'})

	if err := vm.Merge(child.Rpdir, child.Pdir, vm.Cfg.UserLo, parent.Pdir, vm.Cfg.UserLo, vm.Cfg.PtSpan); err != 0 {
		t.Fatalf("merge: %v", err)
	}

	got := vm.ReadUser(parent.Pdir, vm.Cfg.UserLo+30, 1)
	if got[0] != 0 {
		t.Fatalf("conflicting byte = %q, want zeroed page", got[0])
	}
}

// TestMergeByteLevelNoConflict covers the non-conflicting path inside
// mergepage: two writes on the same page at different offsets both
// survive the merge instead of the whole page zeroing.
func TestMergeByteLevelNoConflict(t *testing.T) {
	parent := mustAS(t)
	defer parent.Free()
	child := mustAS(t)
	defer child.Free()

	if err := vm.Copy(parent.Pdir, vm.Cfg.UserLo, child.Pdir, vm.Cfg.UserLo, vm.Cfg.PtSpan); err != 0 {
		t.Fatalf("seed copy: %v", err)
	}
	if err := vm.Snapshot(child.Pdir, child.Rpdir); err != 0 {
		t.Fatalf("snapshot: %v", err)
	}

	vm.WriteUser(parent.Pdir, vm.Cfg.UserLo+40, []byte{'P'})
	vm.WriteUser(child.Pdir, vm.Cfg.UserLo+80, []byte{'C'})

	if err := vm.Merge(child.Rpdir, child.Pdir, vm.Cfg.UserLo, parent.Pdir, vm.Cfg.UserLo, vm.Cfg.PtSpan); err != 0 {
		t.Fatalf("merge: %v", err)
	}

	gotP := vm.ReadUser(parent.Pdir, vm.Cfg.UserLo+40, 1)
	gotC := vm.ReadUser(parent.Pdir, vm.Cfg.UserLo+80, 1)
	if gotP[0] != 'P' {
		t.Fatalf("parent's byte = %q, want untouched 'P'", gotP[0])
	}
	if gotC[0] != 'C' {
		t.Fatalf("child's byte = %q, want adopted 'C'", gotC[0])
	}
}
