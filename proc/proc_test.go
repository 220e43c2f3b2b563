package proc

import (
	"testing"
	"time"
)

func mkProc(t *testing.T) *Proc_t {
	t.Helper()
	p, err := Alloc(nil, 1)
	if err != 0 {
		t.Fatalf("Alloc failed: %v", err)
	}
	return p
}

// TestAllocOrphanSlotZero covers the one case slot 0 is legal: a
// parentless process, the way a freshly migrated-in proc with no local
// parent is allocated.
func TestAllocOrphanSlotZero(t *testing.T) {
	p, err := Alloc(nil, 0)
	if err != 0 {
		t.Fatalf("Alloc(nil, 0) failed: %v", err)
	}
	if p.Parent != nil {
		t.Fatal("orphan proc should have nil parent")
	}

	if _, err := Alloc(&Proc_t{}, 0); err == 0 {
		t.Fatal("Alloc(parent, 0) should still reject reserved slot 0")
	}
}

// TestAllocReadySched covers the basic alloc/ready/sched round trip: a
// process popped off the ready queue and dispatched via Run observes
// itself in state RUN.
func TestAllocReadySched(t *testing.T) {
	p := mkProc(t)
	seen := make(chan State_t, 1)
	Start(p, func(p *Proc_t) {
		p.Lock()
		seen <- p.State
		p.Unlock()
		p.parked <- nil
	})
	Ready.Enqueue(p)

	go Run(Ready.pop(), 0)

	select {
	case st := <-seen:
		if st != RUN {
			t.Fatalf("state = %v, want RUN", st)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for process to run")
	}
}

// TestYieldReenqueues checks that a process that yields ends up back on
// the ready queue with its saved trapframe intact for re-execution.
func TestYieldReenqueues(t *testing.T) {
	p := mkProc(t)
	tf := &Trapframe_t{Rip: 0x1000, Eflags: 0}
	done := make(chan struct{})
	Start(p, func(p *Proc_t) {
		Yield(p, tf)
		close(done)
	})
	Ready.Enqueue(p)
	Run(Ready.pop(), 0)

	p.Lock()
	st := p.State
	rip := p.TF.Rip
	p.Unlock()
	if st != READY {
		t.Fatalf("state after yield = %v, want READY", st)
	}
	if rip != 0x1000 {
		t.Fatalf("saved rip = %#x, want %#x (yield re-enters at same instruction)", rip, 0x1000)
	}

	// the process is now sitting on the ready queue; drain it so later
	// dispatches elsewhere aren't confused by a leftover entry, and let
	// it finish so the goroutine doesn't leak past the test.
	next := Ready.pop()
	if next != p {
		t.Fatal("yielded process was not re-enqueued")
	}
	Run(next, 0)
	<-done
}

// TestWaitRetHandoff is the handoff the ping-pong scenario relies on: a parent waits on a
// child, the child calls Ret, and control transfers directly to the
// parent on the same simulated CPU without another trip through the
// ready queue.
func TestWaitRetHandoff(t *testing.T) {
	parent := mkProc(t)
	child, err := Alloc(parent, 2)
	if err != 0 {
		t.Fatalf("Alloc child failed: %v", err)
	}

	parentResumed := make(chan struct{})
	childRan := make(chan struct{})

	Start(parent, func(parent *Proc_t) {
		tf := &Trapframe_t{Rip: 0x2000}
		Wait(parent, child, tf)
		close(parentResumed)
		parent.parked <- nil
	})
	Start(child, func(child *Proc_t) {
		<-childRan // wait until we know parent is actually waiting
		Ret(child, &Trapframe_t{Rip: 0x3000}, 1, 0)
	})

	Ready.Enqueue(parent)
	cpu := 0
	go func() {
		Run(Ready.pop(), cpu)
	}()

	// give the parent goroutine a moment to reach Wait and block.
	time.Sleep(10 * time.Millisecond)
	parent.Lock()
	if parent.State != WAIT {
		parent.Unlock()
		t.Fatal("parent never reached WAIT")
	}
	parent.Unlock()

	close(childRan)
	child.resume <- struct{}{} // dispatch the child directly, as Run would

	select {
	case <-parentResumed:
	case <-time.After(time.Second):
		t.Fatal("parent was never resumed by child's Ret")
	}

	child.Lock()
	cst := child.State
	child.Unlock()
	if cst != STOP {
		t.Fatalf("child state after Ret = %v, want STOP", cst)
	}
}

// TestSaveRewindsSyscall checks that Save with entry=0 rewinds Rip by the
// width of the syscall instruction so it re-executes on wake, and that
// entry=-1 (yield) leaves Rip untouched.
func TestSaveRewindsSyscall(t *testing.T) {
	p := mkProc(t)
	// a two-byte syscall opcode (0f 05) ending at offset 8.
	p.Text = []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x0f, 0x05}
	tf := &Trapframe_t{Rip: 8}
	Save(p, tf, 0)
	if p.TF.Rip != 6 {
		t.Fatalf("Rip after syscall-entry save = %#x, want 6", p.TF.Rip)
	}

	tf2 := &Trapframe_t{Rip: 8}
	Save(p, tf2, -1)
	if p.TF.Rip != 8 {
		t.Fatalf("Rip after yield-entry save = %#x, want 8", p.TF.Rip)
	}
}

func TestStateString(t *testing.T) {
	if READY.String() != "READY" {
		t.Fatalf("READY.String() = %q", READY.String())
	}
	if State_t(99).String() != "State_t(?)" {
		t.Fatalf("unknown state stringified as %q", State_t(99).String())
	}
}
