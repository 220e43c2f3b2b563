// Program pioscore exercises the core end to end: the six scenarios the
// component design is tested against (ping-pong, round-robin, trap
// reflection, copy-on-write, three-way merge, and a migration cycle),
// run against the real proc/vm/rendez/net packages rather than mocks.
// Grounded on the teacher's cmd/ layout convention (a thin main wiring
// already-tested packages together) generalized from a single boot
// sequence to a short scripted demo.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/khannotations/pios/circbuf"
	"github.com/khannotations/pios/defs"
	"github.com/khannotations/pios/net"
	"github.com/khannotations/pios/proc"
	"github.com/khannotations/pios/rendez"
	"github.com/khannotations/pios/vm"
)

func main() {
	go proc.Ready.Sched(0)
	go proc.Ready.Sched(1)

	cb := &circbuf.Circbuf_t{}
	cb.Cb_init(4096)
	rendez.Console = cb

	scenarios := []struct {
		name string
		run  func() error
	}{
		{"ping-pong", scenarioPingPong},
		{"round-robin", scenarioRoundRobin},
		{"trap-reflection", scenarioTrapReflection},
		{"cow-read-write", scenarioCOW},
		{"three-way-merge", scenarioMerge},
		{"migration-cycle", scenarioMigration},
	}

	failed := false
	for _, s := range scenarios {
		err := s.run()
		if err != nil {
			failed = true
			fmt.Printf("FAIL %-18s %v\n", s.name, err)
		} else {
			fmt.Printf("PASS %-18s\n", s.name)
		}
	}

	if cb.Used() > 0 {
		fmt.Printf("console: %q\n", cb.Snapshot())
	}
	if failed {
		os.Exit(1)
	}
}

func mustProc(parent *proc.Proc_t, slot int) *proc.Proc_t {
	p, err := proc.Alloc(parent, slot)
	if err != 0 {
		panic(err)
	}
	return p
}

// scenarioPingPong spawns two children off one parent and relays a
// shared byte through 10 rounds each: the parent PUTs its current copy
// into the child, starts it, waits for it to increment and return, then
// GETs the updated copy back. The final byte must equal the total number
// of relays, 2 children times 10 rounds (each relay adds one).
func scenarioPingPong() error {
	parent := mustProc(nil, 1)
	childA := mustProc(parent, 2)
	childB := mustProc(parent, 3)

	vm.WriteUser(parent.AS.Pdir, vm.Cfg.UserLo, []byte{0})

	rounds := 10
	for i := 0; i < rounds; i++ {
		for slot, child := range map[int]*proc.Proc_t{2: childA, 3: childB} {
			if err := relay(parent, child, slot); err != nil {
				return err
			}
		}
	}

	got := vm.ReadUser(parent.AS.Pdir, vm.Cfg.UserLo, 1)
	want := byte((2 * rounds) % 256)
	if got[0] != want {
		return fmt.Errorf("pingpong byte = %d, want %d", got[0], want)
	}
	return nil
}

// relay copies the parent's shared byte into child, starts it (the
// child increments its copy by one and returns), waits for it to stop,
// then copies the result back via GET COPY.
func relay(parent, child *proc.Proc_t, slot int) error {
	done := make(chan struct{})
	proc.Start(child, func(child *proc.Proc_t) {
		rendez.Guard(func() {
			b := vm.ReadUser(child.AS.Pdir, vm.Cfg.UserLo, 1)
			b[0]++
			vm.WriteUser(child.AS.Pdir, vm.Cfg.UserLo, b)
			rendez.Ret(child, &proc.Trapframe_t{}, 0)
		})
		close(done)
	})

	tf := &proc.Trapframe_t{}
	tf.Regs[0] = uint64(slot)
	tf.Regs[2] = vm.Cfg.UserLo
	tf.Regs[3] = vm.Cfg.UserLo
	tf.Regs[4] = vm.Cfg.PtSpan
	cmd := rendez.Cmd(rendez.SYS_PUT, rendez.MEMOP_COPY, rendez.F_PERM|rendez.F_READ|rendez.F_WRITE|rendez.F_START)

	putDone := make(chan struct{})
	proc.Start(parent, func(parent *proc.Proc_t) {
		rendez.Syscall(parent, tf, cmd, 0)
		close(putDone)
	})
	proc.Ready.Enqueue(parent)

	select {
	case <-putDone:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("PUT to slot %d never returned", slot)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("child in slot %d never stopped", slot)
	}

	gtf := &proc.Trapframe_t{}
	gtf.Regs[0] = uint64(slot)
	gtf.Regs[2] = vm.Cfg.UserLo
	gtf.Regs[3] = vm.Cfg.UserLo
	gtf.Regs[4] = vm.Cfg.PtSpan
	gcmd := rendez.Cmd(rendez.SYS_GET, rendez.MEMOP_COPY, 0)

	getDone := make(chan struct{})
	proc.Start(parent, func(parent *proc.Proc_t) {
		rendez.Syscall(parent, gtf, gcmd, 0)
		close(getDone)
	})
	proc.Ready.Enqueue(parent)

	select {
	case <-getDone:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("GET from slot %d never returned", slot)
	}
}

// scenarioRoundRobin starts 4 children that each yield a handful of
// times before stopping, and checks every one completes: with a single
// shared ready queue and two simulated CPUs, this is the cooperative
// preemption path (each yield re-enqueues instead of running to
// completion inline).
func scenarioRoundRobin() error {
	parent := mustProc(nil, 1)
	const nchild = 4
	const yields = 3

	doneCh := make(chan int, nchild)
	for slot := 2; slot < 2+nchild; slot++ {
		child := mustProc(parent, slot)
		proc.Start(child, func(child *proc.Proc_t) {
			for i := 0; i < yields; i++ {
				tf := &proc.Trapframe_t{Rip: 0x1000}
				proc.Yield(child, tf)
			}
			rendez.Ret(child, &proc.Trapframe_t{}, 0)
			doneCh <- child.Pid
		})
		proc.Ready.Enqueue(child)
	}

	seen := make(map[int]bool)
	deadline := time.After(3 * time.Second)
	for len(seen) < nchild {
		select {
		case pid := <-doneCh:
			seen[pid] = true
		case <-deadline:
			return fmt.Errorf("only %d/%d children completed", len(seen), nchild)
		}
	}
	return nil
}

// scenarioTrapReflection has a child synthesize a divide-by-zero trap
// (proc.Ret with entry=0, the re-execute convention) and checks the
// parent observes the trapno, then "fixes" rip and restarts the child,
// which resumes at the handler address. Neither process has real text
// backing it, so the faulting trapframe's Rip is left at 0: Save's
// entry=0 path rewinds Rip by the decoded syscall width, and decoding
// backward through a nil Text only stays in bounds when Rip is 0.
func scenarioTrapReflection() error {
	const handlerRip = 0x3000

	parent := mustProc(nil, 1)
	child := mustProc(parent, 2)

	waitDone := make(chan struct{})
	proc.Start(parent, func(parent *proc.Proc_t) {
		proc.Wait(parent, child, &proc.Trapframe_t{})
		close(waitDone)
	})
	proc.Ready.Enqueue(parent)

	time.Sleep(10 * time.Millisecond)

	proc.Start(child, func(child *proc.Proc_t) {
		tf := &proc.Trapframe_t{Trapno: defs.TRAP_DIVIDE}
		proc.Ret(child, tf, 0, 0)
	})
	proc.Ready.Enqueue(child)

	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("parent never resumed after child trapped")
	}

	child.Lock()
	trapno := child.TF.Trapno
	child.Unlock()
	if trapno != defs.TRAP_DIVIDE {
		return fmt.Errorf("trapno = %v, want TRAP_DIVIDE", trapno)
	}

	resumed := make(chan uint64, 1)
	proc.Start(child, func(child *proc.Proc_t) {
		child.Lock()
		resumed <- child.TF.Rip
		child.Unlock()
		rendez.Ret(child, &proc.Trapframe_t{}, 0)
	})
	child.Lock()
	child.TF.Rip = handlerRip
	child.Unlock()
	proc.Ready.Enqueue(child)

	select {
	case got := <-resumed:
		if got != handlerRip {
			return fmt.Errorf("resumed rip = %#x, want %#x", got, handlerRip)
		}
	case <-time.After(2 * time.Second):
		return fmt.Errorf("child never resumed at handler")
	}
	return nil
}

// scenarioCOW copies a full page-table span of pattern A from parent
// into a child, has the child overwrite its first byte, and checks the
// parent's copy is unaffected.
func scenarioCOW() error {
	parent := mustProc(nil, 1)
	child := mustProc(parent, 2)

	pattern := make([]byte, vm.Cfg.PageSize)
	for i := range pattern {
		pattern[i] = 'A'
	}
	vm.WriteUser(parent.AS.Pdir, vm.Cfg.UserLo, pattern)
	if err := vm.Copy(parent.AS.Pdir, vm.Cfg.UserLo, child.AS.Pdir, vm.Cfg.UserLo, vm.Cfg.PtSpan); err != 0 {
		return fmt.Errorf("copy: %v", err)
	}

	got := vm.ReadUser(child.AS.Pdir, vm.Cfg.UserLo, 1)
	if got[0] != 'A' {
		return fmt.Errorf("child before write = %q, want 'A'", got[0])
	}

	vm.WriteUser(child.AS.Pdir, vm.Cfg.UserLo, []byte{'B'})

	childByte := vm.ReadUser(child.AS.Pdir, vm.Cfg.UserLo, 1)
	parentByte := vm.ReadUser(parent.AS.Pdir, vm.Cfg.UserLo, 1)
	childRest := vm.ReadUser(child.AS.Pdir, vm.Cfg.UserLo+1, 1)
	if childByte[0] != 'B' {
		return fmt.Errorf("child after write = %q, want 'B'", childByte[0])
	}
	if parentByte[0] != 'A' {
		return fmt.Errorf("parent after child's write = %q, want 'A'", parentByte[0])
	}
	if childRest[0] != 'A' {
		return fmt.Errorf("child byte 1 = %q, want untouched 'A'", childRest[0])
	}
	return nil
}

// scenarioMerge snapshots a child, has the parent and child write to
// disjoint offsets, then merges the child's state back into the parent
// and checks both writes survived; a second case has both sides write
// the same byte and checks the conflicting page reads back zero.
func scenarioMerge() error {
	parent := mustProc(nil, 1)
	child := mustProc(parent, 2)

	base := make([]byte, vm.Cfg.PageSize)
	vm.WriteUser(parent.AS.Pdir, vm.Cfg.UserLo, base)
	if err := vm.Copy(parent.AS.Pdir, vm.Cfg.UserLo, child.AS.Pdir, vm.Cfg.UserLo, vm.Cfg.PtSpan); err != 0 {
		return fmt.Errorf("seed copy: %v", err)
	}
	if err := vm.Snapshot(child.AS.Pdir, child.AS.Rpdir); err != 0 {
		return fmt.Errorf("snapshot: %v", err)
	}

	vm.WriteUser(parent.AS.Pdir, vm.Cfg.UserLo+100, []byte{'P'})
	vm.WriteUser(child.AS.Pdir, vm.Cfg.UserLo+200, []byte{'C'})

	if err := vm.Merge(child.AS.Rpdir, child.AS.Pdir, vm.Cfg.UserLo, parent.AS.Pdir, vm.Cfg.UserLo, vm.Cfg.PtSpan); err != 0 {
		return fmt.Errorf("merge: %v", err)
	}

	p := vm.ReadUser(parent.AS.Pdir, vm.Cfg.UserLo+100, 1)
	c := vm.ReadUser(parent.AS.Pdir, vm.Cfg.UserLo+200, 1)
	if p[0] != 'P' {
		return fmt.Errorf("merged byte at 100 = %q, want 'P'", p[0])
	}
	if c[0] != 'C' {
		return fmt.Errorf("merged byte at 200 = %q, want 'C'", c[0])
	}

	conflictChild := mustProc(parent, 3)
	if err := vm.Copy(parent.AS.Pdir, vm.Cfg.UserLo+vm.Cfg.PtSpan, conflictChild.AS.Pdir, vm.Cfg.UserLo, vm.Cfg.PtSpan); err != 0 {
		return fmt.Errorf("conflict seed copy: %v", err)
	}
	if err := vm.Snapshot(conflictChild.AS.Pdir, conflictChild.AS.Rpdir); err != 0 {
		return fmt.Errorf("conflict snapshot: %v", err)
	}
	vm.WriteUser(parent.AS.Pdir, vm.Cfg.UserLo+vm.Cfg.PtSpan+300, []byte{'X'})
	vm.WriteUser(conflictChild.AS.Pdir, vm.Cfg.UserLo+300, []byte{'Y'})
	if err := vm.Merge(conflictChild.AS.Rpdir, conflictChild.AS.Pdir, vm.Cfg.UserLo, parent.AS.Pdir, vm.Cfg.UserLo+vm.Cfg.PtSpan, vm.Cfg.PtSpan); err != 0 {
		return fmt.Errorf("conflict merge: %v", err)
	}
	got := vm.ReadUser(parent.AS.Pdir, vm.Cfg.UserLo+vm.Cfg.PtSpan+300, 1)
	if got[0] != 0 {
		return fmt.Errorf("conflicting page byte = %q, want zeroed", got[0])
	}
	return nil
}

// migrateAndWait drives t.Migrate(p, ...) from p's own dispatched
// goroutine: Migrate's final ParkAway hands the CPU back to whichever
// Sched loop dispatched p, which only works if p was actually Run, so
// the call is wrapped in the same Start+Enqueue dance every other
// suspend point in this file uses.
func migrateAndWait(t *net.Transport_t, p *proc.Proc_t, tf *proc.Trapframe_t, destNode, entry int) {
	done := make(chan struct{})
	proc.Start(p, func(p *proc.Proc_t) {
		t.Migrate(p, tf, destNode, entry)
		close(done)
	})
	proc.Ready.Enqueue(p)
	<-done
}

// scenarioMigration runs a process through a full round trip: migrate
// from node 1 to node 2 (driving the real MIGRQ/MIGRP/PULLRQ/PULLRP
// protocol over loopback UDP), then back to node 1, checking that node 1
// resumes the same process once its pull sweep finishes.
func scenarioMigration() error {
	t1, err := net.Listen(1, "127.0.0.1:31901", map[int]string{2: "127.0.0.1:31902"})
	if err != nil {
		return fmt.Errorf("node 1 listen: %v", err)
	}
	defer t1.Close()

	var t2 *net.Transport_t
	node2spawned := make(chan *proc.Proc_t, 1)
	net.Spawn = func(p *proc.Proc_t) {
		// A process arriving by migration has no real code to run;
		// parking it away as soon as it is ever dispatched keeps the
		// scheduler's Run loop from blocking forever waiting for a
		// suspend that an empty body would never produce.
		proc.Start(p, func(p *proc.Proc_t) { proc.ParkAway(p) })
		node2spawned <- p
	}
	t2, err = net.Listen(2, "127.0.0.1:31902", map[int]string{1: "127.0.0.1:31901"})
	if err != nil {
		return fmt.Errorf("node 2 listen: %v", err)
	}
	defer t2.Close()

	p := mustProc(nil, 0)
	migrateAndWait(t1, p, &proc.Trapframe_t{Rip: 0x9000}, 2, 1)

	var onNode2 *proc.Proc_t
	select {
	case onNode2 = <-node2spawned:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("node 2 never received the migrating process")
	}

	// rxMigrq creates the process in AWAY and pull moves it to PULL until
	// the sweep finishes and enqueues it; a live scheduler can then
	// dispatch it onward from READY before this loop observes it, so
	// "neither AWAY nor PULL" is the robust completion signal rather than
	// "currently READY".
	deadline := time.Now().Add(5 * time.Second)
	for {
		onNode2.Lock()
		st := onNode2.State
		onNode2.Unlock()
		if st != proc.AWAY && st != proc.PULL {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("process never finished pulling on node 2; state = %v", st)
		}
		time.Sleep(time.Millisecond)
	}

	// Node 1 still tracks p as a process whose home it is, so the returning
	// MIGRQ resumes p itself instead of spawning a new process; p gets a
	// dispatch goroutine for when its pull sweep enqueues it.
	node1spawned := make(chan *proc.Proc_t, 1)
	net.Spawn = func(p *proc.Proc_t) {
		proc.Start(p, func(p *proc.Proc_t) { proc.ParkAway(p) })
		node1spawned <- p
	}
	backHome := p
	proc.Start(backHome, func(p *proc.Proc_t) { proc.ParkAway(p) })
	migrateAndWait(t2, onNode2, &proc.Trapframe_t{Rip: 0x9100}, 1, 1)

	deadline = time.Now().Add(5 * time.Second)
	for {
		backHome.Lock()
		st := backHome.State
		backHome.Unlock()
		if st != proc.AWAY && st != proc.PULL {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("process never finished pulling back on node 1; state = %v", st)
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case <-node1spawned:
		return fmt.Errorf("node 1 spawned a new process instead of resuming its home process")
	default:
	}

	if backHome.Home.Addr != uint32(p.Pid) {
		return fmt.Errorf("returning process home pid = %d, want %d", backHome.Home.Addr, p.Pid)
	}
	return nil
}
