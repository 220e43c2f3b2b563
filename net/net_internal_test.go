package net

import (
	"testing"

	"github.com/khannotations/pios/mem"
	"github.com/khannotations/pios/proc"
)

func TestEncodeDecodeRRRoundtrip(t *testing.T) {
	rr := mem.RR_t{Node: 3, Addr: 0xdeadbeef, RW: 2}
	got := decodeRR(encodeRR(rr))
	if got != rr {
		t.Fatalf("roundtrip = %+v, want %+v", got, rr)
	}
}

func TestPartLenCoversWholePage(t *testing.T) {
	sum := partLen(0) + partLen(1) + partLen(2)
	if sum != mem.PGSIZE {
		t.Fatalf("parts sum to %d, want %d", sum, mem.PGSIZE)
	}
}

func TestPermFromRR(t *testing.T) {
	perm := permFromRR(mem.RR_t{RW: 3})
	if !perm.Present() || !perm.SysRead() || !perm.SysWrite() {
		t.Fatalf("perm = %v, want P|SYSR|SYSW", perm)
	}
	perm0 := permFromRR(mem.RR_t{})
	if !perm0.Present() || perm0.SysRead() || perm0.SysWrite() {
		t.Fatalf("zero-RW perm = %v, want present only", perm0)
	}
}

func TestPullpteZeroRR(t *testing.T) {
	tr := &Transport_t{node: 1}
	entry := mem.MkPTERemote(mem.RR_t{RW: 1}, 0)
	ok := tr.pullpte(&proc.Proc_t{}, &entry, PtabLevel)
	if !ok {
		t.Fatal("a zero-addr RR should resolve immediately")
	}
	if entry.Remote() || entry.Pa() != 0 || !entry.SysRead() {
		t.Fatalf("entry = %v, want local zero-sentinel with read permission", entry)
	}
}

func TestPullpteLocalNode(t *testing.T) {
	tr := &Transport_t{node: 1}
	entry := mem.MkPTERemote(mem.RR_t{Node: 1, Addr: 7, RW: 3}, 0)
	ok := tr.pullpte(&proc.Proc_t{}, &entry, PtabLevel)
	if !ok {
		t.Fatal("an RR naming this node should resolve immediately")
	}
	if entry.Remote() || entry.Pa() != 7 {
		t.Fatalf("entry = %v, want local frame 7", entry)
	}
}

func TestPullpteCachedRR(t *testing.T) {
	tr := &Transport_t{node: 1}
	pa, ok := mem.M.AllocZero()
	if !ok {
		t.Fatal("alloc failed")
	}
	mem.M.Incref(pa)
	rr := mem.RR_t{Node: 9, Addr: 123, RW: 1}
	mem.M.Rrtrack(rr, pa)

	entry := mem.MkPTERemote(rr, 0)
	ok2 := tr.pullpte(&proc.Proc_t{}, &entry, PageLevel)
	if !ok2 {
		t.Fatal("a previously-tracked RR should resolve without a new pull")
	}
	if entry.Pa() != pa {
		t.Fatalf("entry pa = %d, want cached frame %d", entry.Pa(), pa)
	}
}
