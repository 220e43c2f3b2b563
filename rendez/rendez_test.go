package rendez_test

import (
	"sync"
	"testing"
	"time"

	"github.com/khannotations/pios/circbuf"
	"github.com/khannotations/pios/defs"
	"github.com/khannotations/pios/proc"
	"github.com/khannotations/pios/rendez"
	"github.com/khannotations/pios/stat"
	"github.com/khannotations/pios/vm"
)

var schedOnce sync.Once

// ensureScheduler starts exactly one simulated CPU's dispatch loop,
// shared across this file's tests the way a single ready queue is
// shared across every real CPU.
func ensureScheduler() {
	schedOnce.Do(func() {
		go proc.Ready.Sched(0)
	})
}

func mustAlloc(t *testing.T, parent *proc.Proc_t, slot int) *proc.Proc_t {
	t.Helper()
	p, err := proc.Alloc(parent, slot)
	if err != 0 {
		t.Fatalf("Alloc failed: %v", err)
	}
	return p
}

func TestCputsWritesConsole(t *testing.T) {
	ensureScheduler()
	p := mustAlloc(t, nil, 1)

	cb := &circbuf.Circbuf_t{}
	cb.Cb_init(64)
	rendez.Console = cb

	msg := []byte("hello")
	vm.WriteUser(p.AS.Pdir, vm.Cfg.UserLo, msg)

	tf := &proc.Trapframe_t{}
	tf.Regs[1] = vm.Cfg.UserLo
	tf.Regs[4] = uint64(len(msg))
	cmd := rendez.Cmd(rendez.SYS_CPUTS, rendez.MEMOP_NONE, 0)

	done := make(chan struct{})
	proc.Start(p, func(p *proc.Proc_t) {
		rendez.Syscall(p, tf, cmd, 0)
		close(done)
	})
	proc.Ready.Enqueue(p)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CPUTS never returned")
	}

	if got := cb.Snapshot(); got != "hello" {
		t.Fatalf("console = %q, want %q", got, "hello")
	}
}

func TestCputsBadAddressReflectsTrap(t *testing.T) {
	ensureScheduler()
	p := mustAlloc(t, nil, 1)

	tf := &proc.Trapframe_t{}
	tf.Regs[1] = 0 // below UserLo: outside the user window
	tf.Regs[4] = 8
	cmd := rendez.Cmd(rendez.SYS_CPUTS, rendez.MEMOP_NONE, 0)

	done := make(chan struct{})
	proc.Start(p, func(p *proc.Proc_t) {
		rendez.Guard(func() {
			rendez.Syscall(p, tf, cmd, 0)
		})
		close(done)
	})
	proc.Ready.Enqueue(p)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("guarded CPUTS never returned")
	}
	if tf.Trapno != defs.TRAP_PGFLT {
		t.Fatalf("trapno = %v, want TRAP_PGFLT", tf.Trapno)
	}
}

// TestPutStartsChild covers PUT's COPY+PERM+START ordering: a parent
// copies a page-table-span-aligned region into a pre-allocated child,
// grants it read-write permission, and starts it; the child observes
// the copied byte pattern once dispatched.
func TestPutStartsChild(t *testing.T) {
	ensureScheduler()
	parent := mustAlloc(t, nil, 1)
	child := mustAlloc(t, parent, 2)

	pattern := make([]byte, vm.Cfg.PageSize)
	for i := range pattern {
		pattern[i] = 0xAB
	}
	vm.WriteUser(parent.AS.Pdir, vm.Cfg.UserLo, pattern)

	childSaw := make(chan byte, 1)
	proc.Start(child, func(child *proc.Proc_t) {
		got := vm.ReadUser(child.AS.Pdir, vm.Cfg.UserLo, 1)
		childSaw <- got[0]
		rendez.Ret(child, &proc.Trapframe_t{}, 0)
	})

	tf := &proc.Trapframe_t{}
	tf.Regs[0] = 2 // child index: node 0 (use home), slot 2
	tf.Regs[2] = vm.Cfg.UserLo   // src
	tf.Regs[3] = vm.Cfg.UserLo   // dst
	tf.Regs[4] = vm.Cfg.PtSpan   // size: one full page-table span
	cmd := rendez.Cmd(rendez.SYS_PUT, rendez.MEMOP_COPY, rendez.F_PERM|rendez.F_READ|rendez.F_WRITE|rendez.F_START)

	parentDone := make(chan struct{})
	proc.Start(parent, func(parent *proc.Proc_t) {
		rendez.Syscall(parent, tf, cmd, 0)
		close(parentDone)
	})
	proc.Ready.Enqueue(parent)

	select {
	case <-parentDone:
	case <-time.After(time.Second):
		t.Fatal("parent PUT never returned")
	}

	select {
	case b := <-childSaw:
		if b != 0xAB {
			t.Fatalf("child saw byte %#x, want 0xab", b)
		}
	case <-time.After(time.Second):
		t.Fatal("child was never dispatched after START")
	}
}

// TestPutZeroMisalignedReflectsTrap covers PUT's ZERO direction taking
// the same alignment guard COPY does: a dst that isn't a page-table-span
// boundary relative to UserLo must reflect a general-protection fault rather than
// calling vm.Remove on an unaligned region.
func TestPutZeroMisalignedReflectsTrap(t *testing.T) {
	ensureScheduler()
	parent := mustAlloc(t, nil, 1)
	_ = mustAlloc(t, parent, 2)

	tf := &proc.Trapframe_t{}
	tf.Regs[0] = 2 // child index: node 0 (use home), slot 2
	tf.Regs[3] = vm.Cfg.UserLo + 1 // dst: one byte off a span boundary
	tf.Regs[4] = vm.Cfg.PtSpan
	cmd := rendez.Cmd(rendez.SYS_PUT, rendez.MEMOP_ZERO, 0)

	done := make(chan struct{})
	proc.Start(parent, func(parent *proc.Proc_t) {
		rendez.Guard(func() {
			rendez.Syscall(parent, tf, cmd, 0)
		})
		close(done)
	})
	proc.Ready.Enqueue(parent)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("misaligned ZERO PUT never returned")
	}
	if tf.Trapno != defs.TRAP_GPFLT {
		t.Fatalf("trapno = %v, want TRAP_GPFLT", tf.Trapno)
	}
}

// TestGetRegsReadsChildState covers GET's REGS direction: the parent
// reads the child's saved trapframe out, rather than writing into it as
// PUT does.
func TestGetRegsReadsChildState(t *testing.T) {
	ensureScheduler()
	parent := mustAlloc(t, nil, 1)
	child := mustAlloc(t, parent, 2)
	child.TF.Rip = 0xdeadbeef

	regsva := vm.Cfg.UserLo + vm.Cfg.PtSpan // some other page-aligned, mapped-on-demand address
	tf := &proc.Trapframe_t{}
	tf.Regs[0] = 2 // slot 2, node 0
	tf.Regs[1] = regsva
	cmd := rendez.Cmd(rendez.SYS_GET, rendez.MEMOP_NONE, rendez.F_REGS)

	done := make(chan struct{})
	proc.Start(parent, func(parent *proc.Proc_t) {
		rendez.Syscall(parent, tf, cmd, 0)
		close(done)
	})
	proc.Ready.Enqueue(parent)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GET never returned")
	}

	got := vm.ReadUser(parent.AS.Pdir, regsva, proc.TFSize)
	var tf2 proc.Trapframe_t
	tf2.Unmarshal(got)
	if tf2.Rip != 0xdeadbeef {
		t.Fatalf("GET REGS read back Rip = %#x, want 0xdeadbeef", tf2.Rip)
	}
}

// TestGetStatReadsChildState covers GET's F_STAT direction: the parent
// reads a D_STAT snapshot of the child's process-table row into the same
// destination register REGS would use.
func TestGetStatReadsChildState(t *testing.T) {
	ensureScheduler()
	parent := mustAlloc(t, nil, 1)
	child := mustAlloc(t, parent, 2)

	regsva := vm.Cfg.UserLo + vm.Cfg.PtSpan
	tf := &proc.Trapframe_t{}
	tf.Regs[0] = 2 // slot 2, node 0
	tf.Regs[1] = regsva
	cmd := rendez.Cmd(rendez.SYS_GET, rendez.MEMOP_NONE, rendez.F_STAT)

	done := make(chan struct{})
	proc.Start(parent, func(parent *proc.Proc_t) {
		rendez.Syscall(parent, tf, cmd, 0)
		close(done)
	})
	proc.Ready.Enqueue(parent)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GET F_STAT never returned")
	}

	got := vm.ReadUser(parent.AS.Pdir, regsva, stat.Size)
	st := stat.FromBytes(got)
	if st.Pid() != uint(child.Pid) {
		t.Fatalf("stat.Pid = %d, want %d", st.Pid(), child.Pid)
	}
	if st.Parent() != uint(parent.Pid) {
		t.Fatalf("stat.Parent = %d, want %d", st.Parent(), parent.Pid)
	}
	if st.State() != uint(proc.STOP) {
		t.Fatalf("stat.State = %d, want STOP (%d)", st.State(), proc.STOP)
	}
}
