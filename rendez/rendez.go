// Package rendez implements the rendezvous call interface (component
// C4): the CPUTS/PUT/GET/RET operations user code issues via a command
// word, decoded and dispatched the way kern/syscall.c's syscall()/
// do_cputs/do_put/do_get/do_ret do. usercopy/checkva's wrap-safe region
// validation lives in vm.CheckUserRegion/ReadUser/WriteUser since it is
// fundamentally an address-space operation; this package owns the
// register-layout convention, flag ordering, and trap-reflection
// unwind.
package rendez

import (
	"github.com/khannotations/pios/circbuf"
	"github.com/khannotations/pios/defs"
	"github.com/khannotations/pios/mem"
	"github.com/khannotations/pios/proc"
	"github.com/khannotations/pios/stat"
	"github.com/khannotations/pios/ustr"
	"github.com/khannotations/pios/vm"
)

// SysType_t is the low bits of a command word selecting which of the
// four rendezvous operations a syscall invokes.
type SysType_t uint32

const (
	SYS_CPUTS SysType_t = iota
	SYS_PUT
	SYS_GET
	SYS_RET
)

// MemOp_t is the region-operation field PUT/GET select in their command
// word.
type MemOp_t uint32

const (
	MEMOP_NONE MemOp_t = iota
	MEMOP_COPY
	MEMOP_ZERO
	MEMOP_MERGE
)

const (
	typeBits  = 2
	memopBits = 2
	flagShift = typeBits + memopBits
)

// Flag_t is the bitset of optional operations PUT/GET apply in a fixed
// order: PUT applies REGS, then the memop, then PERM, then SNAP, then
// START; GET applies the memop, then PERM, then REGS (or STAT) last.
type Flag_t uint32

const (
	F_REGS Flag_t = 1 << (flagShift + iota)
	F_PERM
	F_SNAP
	F_START
	F_READ
	F_WRITE
	// F_STAT is GET-only and mutually exclusive with F_REGS: it writes a
	// D_STAT snapshot of the child's process-table row to the same
	// destination register REGS would use, instead of its trapframe.
	F_STAT
)

// Cmd builds a command word the way the trapframe's command register
// carries type, memop and flags packed together.
func Cmd(typ SysType_t, memop MemOp_t, flags Flag_t) uint32 {
	return uint32(typ) | uint32(memop)<<typeBits | uint32(flags)
}

func decode(cmd uint32) (SysType_t, MemOp_t, Flag_t) {
	return SysType_t(cmd & 0x3), MemOp_t((cmd >> typeBits) & 0x3), Flag_t(cmd &^ 0xf)
}

// Register slots within Trapframe_t.Regs this package's calling
// convention assigns meaning to. An implementation is free to choose any
// equivalent convention; this one mirrors edx/ebx/esi/edi/ecx from
// kern/syscall.c closely enough to read the same way.
const (
	regChildIdx = 0 // edx: (node_id<<8)|slot, PUT/GET only
	regRegsPtr  = 1 // ebx: a marshaled Trapframe_t (PUT/GET) or the CPUTS buffer pointer
	regSrc      = 2 // esi
	regDst      = 3 // edi
	regSize     = 4 // ecx: byte count (PUT/GET) or string length (CPUTS)
)

func childIndex(tf *proc.Trapframe_t) (node, slot int) {
	v := uint32(tf.Regs[regChildIdx])
	return int(v>>8) & 0xff, int(v) & 0xff
}

// spanAligned reports whether va and size are aligned the way Copy and
// Merge require: size is a whole number of page-table spans and va
// falls on a span boundary relative to the user window's base.
func spanAligned(va, size uint64) bool {
	return size%vm.Cfg.PtSpan == 0 && (va-vm.Cfg.UserLo)%vm.Cfg.PtSpan == 0
}

func permFromFlags(flags Flag_t) mem.Pte_t {
	var perm mem.Pte_t
	if flags&F_READ != 0 {
		perm |= mem.PTE_SYSR
	}
	if flags&F_WRITE != 0 {
		perm |= mem.PTE_SYSW
	}
	return perm
}

// trapUnwind is panicked by a migrating PUT/GET to unwind the calling
// process's goroutine stack without every frame between Syscall and the
// migration hand-off needing to propagate a "doesn't return" signal by
// hand. Guard recovers it at a process's dispatch loop.
type trapUnwind struct{}

// Guard runs fn, absorbing a trap-reflection or migration unwind so a
// process's per-instruction dispatch loop can call Syscall in a plain
// loop without special-casing control paths that never return to their
// caller on the real kernel.
func Guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(trapUnwind); ok {
				return
			}
			panic(r)
		}
	}()
	fn()
}

// reflect generates a synthetic trap on tf and reflects it to p's
// parent exactly as systrap does: sets trapno, re-enters ret with
// entry=0 so the faulting instruction is re-executed once the parent
// fixes things up and resumes p, then unwinds.
func reflect(p *proc.Proc_t, tf *proc.Trapframe_t, trapno defs.Trapno_t, localNode int) {
	tf.Trapno = trapno
	proc.Ret(p, tf, 0, localNode)
	panic(trapUnwind{})
}

// Console is the sink CPUTS writes bounded byte buffers into. cmd/
// pioscore installs one per simulated node.
var Console *circbuf.Circbuf_t

// Cputs copies a caller-specified length (clamped to the configured
// console bound) out of user space and appends it to Console.
func Cputs(p *proc.Proc_t, tf *proc.Trapframe_t, localNode int) {
	uva := tf.Regs[regRegsPtr]
	n := int(tf.Regs[regSize])
	if n > vm.Cfg.ConsoleMax {
		n = vm.Cfg.ConsoleMax
	}
	if n < 0 || !vm.CheckUserRegion(uva, uint64(n)) {
		reflect(p, tf, defs.TRAP_PGFLT, localNode)
		return
	}
	raw := vm.ReadUser(p.AS.Pdir, uva, n)
	s := ustr.MkUstrBound(raw, vm.Cfg.ConsoleMax)
	if Console != nil {
		Console.Write(s)
	}
	proc.Ret(p, tf, 1, localNode)
}

// Put implements PUT: deliver register and/or memory state to a child,
// set its permissions, optionally snapshot it, and optionally start it
// running. Flags apply in the fixed order REGS, COPY/ZERO, PERM, SNAP,
// START.
func Put(p *proc.Proc_t, tf *proc.Trapframe_t, cmd uint32, localNode int) {
	_, memop, flags := decode(cmd)

	for {
		nodeID, slot := childIndex(tf)
		if nodeID == 0 {
			nodeID = int(p.Home.Node)
		}
		if localNode != nodeID {
			proc.MigrateFunc(p, tf, nodeID, 0)
			panic(trapUnwind{})
		}
		if memop == MEMOP_MERGE {
			reflect(p, tf, defs.TRAP_GPFLT, localNode)
			return
		}

		child := p.Children[slot]
		if child == nil {
			var err defs.Err_t
			child, err = proc.Alloc(p, slot)
			if err != 0 {
				reflect(p, tf, defs.TRAP_GPFLT, localNode)
				return
			}
		}

		child.Lock()
		busy := child.State != proc.STOP
		child.Unlock()
		if busy {
			proc.Wait(p, child, tf)
			continue
		}

		if flags&F_REGS != 0 {
			regsva := tf.Regs[regRegsPtr]
			if !vm.CheckUserRegion(regsva, proc.TFSize) {
				reflect(p, tf, defs.TRAP_GPFLT, localNode)
				return
			}
			raw := vm.ReadUser(p.AS.Pdir, regsva, proc.TFSize)
			child.TF.Unmarshal(raw)
			child.TF.MaskEflagsUser()
		}

		dst := tf.Regs[regDst]
		size := tf.Regs[regSize]
		src := tf.Regs[regSrc]

		if memop != MEMOP_NONE {
			if !vm.CheckUserRegion(dst, size) {
				reflect(p, tf, defs.TRAP_GPFLT, localNode)
				return
			}
			switch memop {
			case MEMOP_COPY:
				if !vm.CheckUserRegion(src, size) || !spanAligned(src, size) || !spanAligned(dst, size) {
					reflect(p, tf, defs.TRAP_GPFLT, localNode)
					return
				}
				if err := vm.Copy(p.AS.Pdir, src, child.AS.Pdir, dst, size); err != 0 {
					reflect(p, tf, defs.TRAP_PGFLT, localNode)
					return
				}
			case MEMOP_ZERO:
				if !spanAligned(dst, size) {
					reflect(p, tf, defs.TRAP_GPFLT, localNode)
					return
				}
				vm.Remove(child.AS.Pdir, dst, size)
			}
		}

		if flags&F_PERM != 0 {
			vm.Setperm(child.AS.Pdir, dst, size, permFromFlags(flags))
		}

		if flags&F_SNAP != 0 {
			vm.Snapshot(child.AS.Pdir, child.AS.Rpdir)
		}

		if flags&F_START != 0 {
			proc.Ready.Enqueue(child)
		}

		proc.Ret(p, tf, 1, localNode)
		return
	}
}

// Get implements GET: the symmetric operation to PUT, with the child as
// source and the parent as destination. Supports MERGE in place of
// COPY/ZERO; SNAP is invalid here (a child's snapshot belongs to PUT).
func Get(p *proc.Proc_t, tf *proc.Trapframe_t, cmd uint32, localNode int) {
	_, memop, flags := decode(cmd)
	if flags&F_SNAP != 0 {
		reflect(p, tf, defs.TRAP_GPFLT, localNode)
		return
	}

	for {
		nodeID, slot := childIndex(tf)
		if nodeID == 0 {
			nodeID = int(p.Home.Node)
		}
		if localNode != nodeID {
			proc.MigrateFunc(p, tf, nodeID, 0)
			panic(trapUnwind{})
		}

		child := p.Children[slot]
		if child == nil {
			reflect(p, tf, defs.TRAP_GPFLT, localNode)
			return
		}

		child.Lock()
		busy := child.State != proc.STOP
		child.Unlock()
		if busy {
			proc.Wait(p, child, tf)
			continue
		}

		dst := tf.Regs[regDst]
		size := tf.Regs[regSize]
		src := tf.Regs[regSrc]

		if memop != MEMOP_NONE {
			if !vm.CheckUserRegion(dst, size) {
				reflect(p, tf, defs.TRAP_GPFLT, localNode)
				return
			}
			switch memop {
			case MEMOP_COPY:
				if !vm.CheckUserRegion(src, size) || !spanAligned(src, size) || !spanAligned(dst, size) {
					reflect(p, tf, defs.TRAP_GPFLT, localNode)
					return
				}
				if err := vm.Copy(child.AS.Pdir, src, p.AS.Pdir, dst, size); err != 0 {
					reflect(p, tf, defs.TRAP_PGFLT, localNode)
					return
				}
			case MEMOP_MERGE:
				if !vm.CheckUserRegion(src, size) || !spanAligned(src, size) || !spanAligned(dst, size) {
					reflect(p, tf, defs.TRAP_GPFLT, localNode)
					return
				}
				if err := vm.Merge(child.AS.Rpdir, child.AS.Pdir, src, p.AS.Pdir, dst, size); err != 0 {
					reflect(p, tf, defs.TRAP_PGFLT, localNode)
					return
				}
			case MEMOP_ZERO:
				if !spanAligned(dst, size) {
					reflect(p, tf, defs.TRAP_GPFLT, localNode)
					return
				}
				vm.Remove(p.AS.Pdir, dst, size)
			}
		}

		if flags&F_PERM != 0 {
			vm.Setperm(p.AS.Pdir, dst, size, permFromFlags(flags))
		}

		if flags&F_REGS != 0 {
			regsva := tf.Regs[regRegsPtr]
			if !vm.CheckUserRegion(regsva, proc.TFSize) {
				reflect(p, tf, defs.TRAP_GPFLT, localNode)
				return
			}
			vm.WriteUser(p.AS.Pdir, regsva, child.TF.Marshal())
		} else if flags&F_STAT != 0 {
			regsva := tf.Regs[regRegsPtr]
			if !vm.CheckUserRegion(regsva, uint64(stat.Size)) {
				reflect(p, tf, defs.TRAP_GPFLT, localNode)
				return
			}
			child.Lock()
			var st stat.Stat_t
			st.Wpid(uint(child.Pid))
			st.Wstate(uint(child.State))
			parent := uint(0)
			if child.Parent != nil {
				parent = uint(child.Parent.Pid)
			}
			st.Wparent(parent)
			st.Whome(uint(child.Home.Node))
			st.Wusage(uint(child.Acct.Userns), uint(child.Acct.Sysns))
			child.Unlock()
			vm.WriteUser(p.AS.Pdir, regsva, st.Bytes())
		}

		proc.Ret(p, tf, 1, localNode)
		return
	}
}

// Ret implements RET: finish the current syscall with entry=1,
// migrating home first if the process isn't already there.
func Ret(p *proc.Proc_t, tf *proc.Trapframe_t, localNode int) {
	proc.Ret(p, tf, 1, localNode)
}

// Syscall decodes cmd's type field and dispatches to the matching
// operation, the way syscall() switches on SYS_TYPE. An unrecognized
// type is treated as an ordinary (unhandled) trap: callers that reach
// the default case should reflect whatever hardware trap actually
// fired, since this core defines no fifth rendezvous operation.
func Syscall(p *proc.Proc_t, tf *proc.Trapframe_t, cmd uint32, localNode int) {
	typ, _, _ := decode(cmd)
	switch typ {
	case SYS_CPUTS:
		Cputs(p, tf, localNode)
	case SYS_PUT:
		Put(p, tf, cmd, localNode)
	case SYS_GET:
		Get(p, tf, cmd, localNode)
	case SYS_RET:
		Ret(p, tf, localNode)
	}
}
