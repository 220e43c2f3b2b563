// Package proc implements the process table and cooperative scheduler
// (component C3): a single FIFO ready queue, per-process state machine,
// and the rendezvous-visible save/run/yield/ret/wait operations.
// Grounded on kern/proc.c for the state transitions and the
// entry∈{-1,0,1} save semantics, and on vm/as.go for the Go idiom of an
// embedded per-process lock plus package-level global queues. Since this
// core runs as ordinary goroutines rather than ring 0 on real hardware,
// "run(p) -> !" and "sched() -> !" are modeled as a goroutine-per-process
// handoff over channels instead of an iret into a saved trapframe: Run
// wakes the process's goroutine and blocks until it next suspends: a
// direct translation of the C loop's non-returning control transfer into
// Go's cooperative scheduling primitives.
package proc

import (
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/arch/x86/x86asm"

	"github.com/khannotations/pios/accnt"
	"github.com/khannotations/pios/defs"
	"github.com/khannotations/pios/mem"
	"github.com/khannotations/pios/vm"
)

// State_t is a process's scheduling state.
type State_t int

const (
	FREE State_t = iota
	RESERVED
	STOP
	READY
	RUN
	WAIT
	MIGR
	PULL
	AWAY
)

func (s State_t) String() string {
	switch s {
	case FREE:
		return "FREE"
	case RESERVED:
		return "RESERVED"
	case STOP:
		return "STOP"
	case READY:
		return "READY"
	case RUN:
		return "RUN"
	case WAIT:
		return "WAIT"
	case MIGR:
		return "MIGR"
	case PULL:
		return "PULL"
	case AWAY:
		return "AWAY"
	default:
		return "State_t(?)"
	}
}

const NCHILD = 256

// Trapframe_t is the saved register state of a process. Rip/Eflags are
// the fields the rendezvous and migration paths actually inspect; Regs is
// an opaque general-purpose register file whose layout is the calling
// convention's business, not the kernel's.
type Trapframe_t struct {
	Rip    uint64
	Eflags uint64
	Regs   [16]uint64
	Trapno defs.Trapno_t
}

const (
	eflagsUserMask = 0xdd5
	eflagsIF       = 1 << 9
)

// TFSize is the wire/user-buffer size of a marshaled Trapframe_t: the
// rendezvous REGS transfer and the C5 migration packet both copy exactly
// this many bytes, so both can share one encoding.
const TFSize = 8 + 8 + 16*8 + 8

// Marshal encodes tf the way a PUT/GET REGS transfer or a migration
// packet carries a register snapshot across the user/kernel or
// node/node boundary.
func (tf *Trapframe_t) Marshal() []byte {
	b := make([]byte, TFSize)
	binary.LittleEndian.PutUint64(b[0:], tf.Rip)
	binary.LittleEndian.PutUint64(b[8:], tf.Eflags)
	for i, r := range tf.Regs {
		binary.LittleEndian.PutUint64(b[16+i*8:], r)
	}
	binary.LittleEndian.PutUint64(b[16+len(tf.Regs)*8:], uint64(tf.Trapno))
	return b
}

// Unmarshal is Marshal's inverse. b must be at least TFSize bytes.
func (tf *Trapframe_t) Unmarshal(b []byte) {
	tf.Rip = binary.LittleEndian.Uint64(b[0:])
	tf.Eflags = binary.LittleEndian.Uint64(b[8:])
	for i := range tf.Regs {
		tf.Regs[i] = binary.LittleEndian.Uint64(b[16+i*8:])
	}
	tf.Trapno = defs.Trapno_t(binary.LittleEndian.Uint64(b[16+len(tf.Regs)*8:]))
}

// Proc_t is one process-table row.
type Proc_t struct {
	sync.Mutex

	Pid      int
	Parent   *Proc_t
	Children [NCHILD]*Proc_t

	TF    Trapframe_t
	Entry int

	AS *vm.AddressSpace_t

	State     State_t
	Runcpu    int
	Home      mem.RR_t
	MigrDest  int
	WaitChild int

	PullRR     mem.RR_t
	PullLevel  int
	PullTarget mem.Pa_t
	Pullva     uint64
	Arrived    uint8

	Acct accnt.Accnt_t

	// Text is the instruction stream proc.Save decodes backward through
	// to measure the width of the syscall instruction at Rip. Real
	// processes would have this backed by their mapped text segment;
	// cmd/pioscore's simulated processes leave it nil, so Save falls back
	// to a width of 2.
	Text []byte

	next   *Proc_t
	resume chan struct{}
	// parked carries what the CPU that was running this process should do
	// next: nil means return to the scheduler's ready-queue loop, non-nil
	// names a process to run immediately on the same CPU without
	// revisiting the queue. ret's "directly resume the parent" handoff is
	// built on the latter, the goroutine equivalent of proc_ret's tail
	// call into proc_run.
	parked chan *Proc_t
}

var pidgen int64

func newPid() int {
	return int(atomic.AddInt64(&pidgen, 1))
}

// Alloc carves a new process, installing fresh page directories, and
// links it into parent's child slot table at slot. Slot 0 is reserved
// scratch and is rejected whenever parent is non-nil; a parentless
// process is linked nowhere, so any slot (including 0) is accepted.
func Alloc(parent *Proc_t, slot int) (*Proc_t, defs.Err_t) {
	if parent != nil && (slot <= 0 || slot >= NCHILD) {
		return nil, defs.EINVAL
	}
	as, err := vm.NewAddressSpace()
	if err != 0 {
		return nil, err
	}
	p := &Proc_t{
		Pid:    newPid(),
		Parent: parent,
		AS:     as,
		State:  STOP,
		resume: make(chan struct{}),
		parked: make(chan *Proc_t),
	}
	if parent != nil {
		parent.Lock()
		parent.Children[slot] = p
		parent.Unlock()
	}
	return p, 0
}

// Scheduler_t is the single global FIFO ready queue.
type Scheduler_t struct {
	sync.Mutex
	head, tail *Proc_t
}

// Ready is the process-wide ready queue every CPU dispatches from.
var Ready = &Scheduler_t{}

// Enqueue tail-enqueues p, transitioning it to READY. p must not already
// be on the ready queue, the migration list, or the pull list.
func (s *Scheduler_t) Enqueue(p *Proc_t) {
	p.Lock()
	p.State = READY
	p.Unlock()

	s.Lock()
	p.next = nil
	if s.tail == nil {
		s.head, s.tail = p, p
	} else {
		s.tail.next = p
		s.tail = p
	}
	s.Unlock()
}

// pop removes and returns the head of the ready queue, or nil if empty.
func (s *Scheduler_t) pop() *Proc_t {
	s.Lock()
	defer s.Unlock()
	if s.head == nil {
		return nil
	}
	p := s.head
	s.head = p.next
	if s.head == nil {
		s.tail = nil
	}
	p.next = nil
	return p
}

// Sched runs forever on the calling (simulated) CPU: pop the ready
// queue's head, or spin briefly if empty, then dispatch it via Run. Run
// blocks until that process next suspends, at which point Sched loops.
func (s *Scheduler_t) Sched(cpu int) {
	for {
		p := s.pop()
		if p == nil {
			spinWait()
			continue
		}
		Run(p, cpu)
	}
}

// spinWait is the scheduler's empty-queue idle loop: a cooperative
// handoff point for other goroutines (device-driven wakeups) rather than
// a busy spin that starves them.
func spinWait() {
	runtime.Gosched()
}

// Run transitions p to RUN on cpu and wakes its goroutine, then blocks
// until p parks. If p parks naming a successor (ret's direct resume of a
// waiting parent), Run continues the chain on the same CPU without
// returning to the scheduler's ready-queue loop; it returns only when a
// process parks with no successor.
func Run(p *Proc_t, cpu int) {
	for {
		p.Lock()
		p.State = RUN
		p.Runcpu = cpu
		p.Unlock()

		p.resume <- struct{}{}
		next := <-p.parked
		if next == nil {
			return
		}
		p = next
	}
}

// Start begins executing fn as p's user-mode goroutine. fn must park
// (via Yield/Wait/Ret/ParkAway) whenever it would trap back to the kernel,
// and must return only when the process goroutine should exit outright
// (after Ret, or on migration away). Start does not block; p remains
// STOP until Enqueue'd.
func Start(p *Proc_t, fn func(p *Proc_t)) {
	go func() {
		<-p.resume
		fn(p)
	}()
}

// Yield saves tf with entry=-1 (re-enter at the same instruction),
// enqueues p, and blocks until the scheduler dispatches it again.
func Yield(p *Proc_t, tf *Trapframe_t) {
	Save(p, tf, -1)
	Ready.Enqueue(p)
	p.parked <- nil
	<-p.resume
}

// Wait saves parent with entry=0 (re-execute the syscall on wake),
// transitions it to WAIT with waitchild set to child's pid, and blocks
// until Ret on that child directly resumes it.
func Wait(parent *Proc_t, child *Proc_t, tf *Trapframe_t) {
	Save(parent, tf, 0)
	parent.Lock()
	parent.State = WAIT
	parent.WaitChild = child.Pid
	parent.Unlock()
	parent.parked <- nil
	<-parent.resume
}

// ParkAway hands the CPU back to whichever scheduler dispatched p without
// re-enqueuing it: net.Migrate calls this once migration bookkeeping is
// complete, mirroring net_migrate's non-returning tail call into
// proc_sched() the way Yield and Wait mirror their own C counterparts.
func ParkAway(p *Proc_t) {
	p.parked <- nil
}

// MigrateFunc is installed by net so Ret/Put/Get can trigger back
// migration without proc importing net (which itself depends on proc for
// the process table). Signature mirrors net.Migrate.
var MigrateFunc func(p *Proc_t, tf *Trapframe_t, destNode int, entry int)

// Ret finishes a process's current syscall with the given entry tag. If
// its home node is not local, it migrates home first and does not
// return. Otherwise it stops, and if its parent is waiting on exactly
// this child, directly resumes the parent.
func Ret(p *Proc_t, tf *Trapframe_t, entry int, localNode int) {
	if !p.Home.IsZero() && int(p.Home.Node) != localNode {
		MigrateFunc(p, tf, int(p.Home.Node), 0)
		return
	}

	Save(p, tf, entry)
	p.Lock()
	p.State = STOP
	parent := p.Parent
	p.Unlock()

	if parent != nil {
		parent.Lock()
		if parent.State == WAIT && parent.WaitChild == p.Pid {
			parent.Unlock()
			p.parked <- parent
			return
		}
		parent.Unlock()
	}
	p.parked <- nil
}

// MaskEflagsUser clamps tf's Eflags to the bits user code may set plus
// the interrupt-enable bit, the way do_put resets a freshly loaded
// child's eflags before it ever runs.
func (tf *Trapframe_t) MaskEflagsUser() {
	tf.Eflags = (tf.Eflags & eflagsUserMask) | eflagsIF
}

// Save copies tf into p. entry ∈ {-1,0,1}: -1 is a pre-instruction save
// point (trap or yield); 0 rewinds Rip by the width of the syscall
// instruction so it re-executes on wake; 1 marks the syscall as
// completing, left as-is.
func Save(p *Proc_t, tf *Trapframe_t, entry int) {
	p.TF = *tf
	p.TF.Eflags = (p.TF.Eflags & eflagsUserMask) | eflagsIF
	if entry == 0 {
		p.TF.Rip -= uint64(syscallWidth(p.Text, int(tf.Rip)))
	}
	p.Entry = entry
}

// syscallWidth decodes backward from text[:ripOff] looking for an
// instruction that ends exactly at ripOff, the way a debugger
// disassembles backward to find where the current instruction started.
// It falls back to 2 (the width of a two-byte syscall opcode) if no
// candidate start position decodes cleanly.
func syscallWidth(text []byte, ripOff int) int {
	maxBack := 15
	if ripOff < maxBack {
		maxBack = ripOff
	}
	for back := 1; back <= maxBack; back++ {
		start := ripOff - back
		end := start + 15
		if end > len(text) {
			end = len(text)
		}
		inst, err := x86asm.Decode(text[start:end], 64)
		if err == nil && inst.Len == back {
			return inst.Len
		}
	}
	return 2
}
