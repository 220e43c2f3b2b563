// Package net implements cross-node process migration and the on-demand
// page-pull protocol (component C5): MIGRQ/MIGRP migration request/ack,
// and PULLRQ/PULLRP page transfer split into three parts per page so each
// reply stays MTU-sized, with timer-driven retransmission of anything
// still outstanding. Grounded on kern/net.c's net_migrate/net_rx*/net_tx*
// family and net_pull/net_pullpte's recursive pull-on-demand sweep. The
// teacher's raw Ethernet framing (dev/e100, a hardware NIC driver with no
// Go equivalent in reach) is replaced with one UDP socket per node and an
// explicit source-node byte in place of a MAC's low byte; see DESIGN.md.
package net

import (
	"encoding/binary"
	stdnet "net"
	"sync"

	"github.com/khannotations/pios/bounds"
	"github.com/khannotations/pios/defs"
	"github.com/khannotations/pios/mem"
	"github.com/khannotations/pios/proc"
	"github.com/khannotations/pios/res"
	"github.com/khannotations/pios/util"
	"github.com/khannotations/pios/vm"
)

// MsgType is a wire frame's type tag, the first byte of every packet.
type MsgType byte

const (
	MIGRQ MsgType = 1 + iota
	MIGRP
	PULLRQ
	PULLRP
)

// Pull levels, mirroring PGLEV_PDIR/PGLEV_PTAB/PGLEV_PAGE: PdirLevel and
// PtabLevel carry translated page-table entries, PageLevel carries raw
// page bytes untouched.
const (
	PdirLevel = 0
	PtabLevel = 1
	PageLevel = 2
)

const rrLen = 6 // Node(1) + Addr(4) + RW(1)
const migrqLen = 2 + rrLen + rrLen + proc.TFSize

func encodeRR(rr mem.RR_t) []byte {
	b := make([]byte, rrLen)
	b[0] = rr.Node
	binary.LittleEndian.PutUint32(b[1:5], rr.Addr)
	b[5] = rr.RW
	return b
}

func decodeRR(b []byte) mem.RR_t {
	return mem.RR_t{
		Node: b[0],
		Addr: binary.LittleEndian.Uint32(b[1:5]),
		RW:   b[5],
	}
}

func permFromRR(rr mem.RR_t) mem.Pte_t {
	perm := mem.PTE_P
	if rr.RW&1 != 0 {
		perm |= mem.PTE_SYSR
	}
	if rr.RW&2 != 0 {
		perm |= mem.PTE_SYSW
	}
	return perm
}

func rwOf(e mem.Pte_t) uint8 {
	var rw uint8
	if e.SysRead() {
		rw |= 1
	}
	if e.SysWrite() {
		rw |= 2
	}
	return rw
}

func pdx(va uint64) int { return int((va - vm.Cfg.UserLo) / vm.Cfg.PtSpan) }
func ptx(va uint64) int { return int((va - vm.Cfg.UserLo) % vm.Cfg.PtSpan / mem.PGSIZE) }

func partLen(part int) int {
	ps := vm.Cfg.PartSize
	off := util.Min(part*ps, mem.PGSIZE)
	end := util.Min(off+ps, mem.PGSIZE)
	return end - off
}

func partSlice(buf []byte, part int) []byte {
	ps := vm.Cfg.PartSize
	off := part * ps
	end := off + ps
	if off > len(buf) {
		off = len(buf)
	}
	if end > len(buf) {
		end = len(buf)
	}
	return buf[off:end]
}

// Spawn, if set, is called with every process this node creates on behalf
// of an unrecognized incoming MIGRQ, so the caller can give it a dispatch
// goroutine (via proc.Start) before its page directory finishes pulling in
// and it is handed to the scheduler.
var Spawn func(p *proc.Proc_t)

// Transport_t is one node's network endpoint: a UDP socket, the cluster's
// address book, and the migration/pull lists net_tick retransmits from.
type Transport_t struct {
	sync.Mutex
	node  int
	conn  *stdnet.UDPConn
	peers map[int]*stdnet.UDPAddr

	migrlist []*proc.Proc_t
	pulllist []*proc.Proc_t

	// homeProcs tracks every process whose home is this node, keyed by
	// pid, so a later returning MIGRQ can find the same Proc_t again.
	homeProcs map[uint32]*proc.Proc_t
	// rrProcs tracks processes allocated here on behalf of some other
	// node's process, keyed by that process's home RR.
	rrProcs map[int64]*proc.Proc_t

	tick int
}

// Listen binds node's UDP socket at laddr, resolves the given peer
// addresses, and installs this transport as proc's migration hook. The
// returned Transport_t's receive loop runs in its own goroutine.
func Listen(node int, laddr string, peers map[int]string) (*Transport_t, error) {
	addr, err := stdnet.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, err
	}
	conn, err := stdnet.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	t := &Transport_t{
		node:      node,
		conn:      conn,
		peers:     make(map[int]*stdnet.UDPAddr, len(peers)),
		homeProcs: make(map[uint32]*proc.Proc_t),
		rrProcs:   make(map[int64]*proc.Proc_t),
	}
	for n, a := range peers {
		pa, err := stdnet.ResolveUDPAddr("udp", a)
		if err != nil {
			conn.Close()
			return nil, err
		}
		t.peers[n] = pa
	}
	proc.MigrateFunc = t.Migrate
	go t.recvLoop()
	return t, nil
}

func (t *Transport_t) Close() error {
	return t.conn.Close()
}

func (t *Transport_t) send(node int, pkt []byte) {
	addr, ok := t.peers[node]
	if !ok {
		return
	}
	t.conn.WriteToUDP(pkt, addr)
}

func (t *Transport_t) recvLoop() {
	buf := make([]byte, 9000)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		t.rx(pkt)
	}
}

func (t *Transport_t) rx(pkt []byte) {
	if len(pkt) < 2 {
		return
	}
	switch MsgType(pkt[0]) {
	case MIGRQ:
		t.rxMigrq(pkt)
	case MIGRP:
		t.rxMigrp(pkt)
	case PULLRQ:
		t.rxPullrq(pkt)
	case PULLRP:
		t.rxPullrp(pkt)
	}
}

// Migrate begins migrating p to destNode: save its state, mark it MIGR,
// add it to the migration list, and send the first MIGRQ. Mirrors
// net_migrate's non-returning tail call into proc_sched(): since the
// calling goroutine is done running p, Migrate parks it back to whichever
// CPU dispatched it before returning.
func (t *Transport_t) Migrate(p *proc.Proc_t, tf *proc.Trapframe_t, destNode int, entry int) {
	if destNode < 1 || destNode > vm.Cfg.Nodes {
		tf.Trapno = defs.TRAP_GPFLT
		proc.Ret(p, tf, 0, t.node)
		return
	}
	proc.Save(p, tf, entry)

	p.Lock()
	if p.Home.IsZero() {
		p.Home = mem.RR_t{Node: uint8(t.node), Addr: uint32(p.Pid)}
	}
	home := p.Home
	p.State = proc.MIGR
	p.MigrDest = destNode
	p.Unlock()

	mem.M.Rrshare(p.AS.Pdir, destNode)

	t.Lock()
	t.migrlist = append(t.migrlist, p)
	t.homeProcs[home.Addr] = p
	t.Unlock()

	t.txMigrq(p, home, destNode)
	proc.ParkAway(p)
}

func (t *Transport_t) txMigrq(p *proc.Proc_t, home mem.RR_t, destNode int) {
	p.Lock()
	pdirRR := mem.RR_t{Node: uint8(t.node), Addr: uint32(p.AS.Pdir)}
	tfBytes := p.TF.Marshal()
	p.Unlock()

	pkt := make([]byte, migrqLen)
	pkt[0] = byte(MIGRQ)
	pkt[1] = byte(t.node)
	copy(pkt[2:2+rrLen], encodeRR(home))
	copy(pkt[2+rrLen:2+2*rrLen], encodeRR(pdirRR))
	copy(pkt[2+2*rrLen:], tfBytes)
	t.send(destNode, pkt)
}

// rxMigrq handles an incoming migration request: find or create the local
// process this home RR names, reject it as a duplicate if already local,
// else copy in its state, swap in a fresh page directory, and begin
// pulling the remote one.
func (t *Transport_t) rxMigrq(pkt []byte) {
	if len(pkt) < migrqLen {
		return
	}
	srcNode := int(pkt[1])
	home := decodeRR(pkt[2 : 2+rrLen])
	pdirRR := decodeRR(pkt[2+rrLen : 2+2*rrLen])

	t.Lock()
	var p *proc.Proc_t
	if int(home.Node) == t.node {
		p = t.homeProcs[home.Addr]
	} else {
		p = t.rrProcs[home.Key()]
	}
	t.Unlock()

	if p == nil {
		var err defs.Err_t
		p, err = proc.Alloc(nil, 0)
		if err != 0 {
			return // out of memory: drop, sender retransmits
		}
		p.State = proc.AWAY
		p.Home = home
		t.Lock()
		t.rrProcs[home.Key()] = p
		t.Unlock()
		if Spawn != nil {
			Spawn(p)
		}
	}

	p.Lock()
	duplicate := p.State != proc.AWAY
	p.Unlock()
	if duplicate {
		t.txMigrp(srcNode, home)
		return
	}

	p.Lock()
	p.TF.Unmarshal(pkt[2+2*rrLen:])
	p.Pullva = vm.Cfg.UserLo
	p.Arrived = 0
	oldPdir := p.AS.Pdir
	p.Unlock()

	t.txMigrp(srcNode, home)

	mem.M.Decref(oldPdir, mem.Dtor_pdir)
	newPdir, ok := mem.M.AllocZero()
	if !ok {
		panic("rxMigrq: page allocator exhausted")
	}
	mem.M.Incref(newPdir)
	p.Lock()
	p.AS.Pdir = newPdir
	p.Unlock()

	t.pull(p, pdirRR, newPdir, PdirLevel)
}

func (t *Transport_t) txMigrp(destNode int, home mem.RR_t) {
	pkt := make([]byte, 2+rrLen)
	pkt[0] = byte(MIGRP)
	pkt[1] = byte(t.node)
	copy(pkt[2:], encodeRR(home))
	t.send(destNode, pkt)
}

func (t *Transport_t) rxMigrp(pkt []byte) {
	if len(pkt) < 2+rrLen {
		return
	}
	home := decodeRR(pkt[2 : 2+rrLen])

	t.Lock()
	var found *proc.Proc_t
	kept := t.migrlist[:0]
	for _, p := range t.migrlist {
		if found == nil && p.Home == home {
			found = p
			continue
		}
		kept = append(kept, p)
	}
	t.migrlist = kept
	t.Unlock()

	if found == nil {
		return // duplicate ack for an already-completed migration
	}
	found.Lock()
	found.State = proc.AWAY
	found.MigrDest = 0
	found.Unlock()
}

// pull adds p to the pull list awaiting rr's contents into target, and
// sends the first PULLRQ. Growing the pull list is charged against
// B_NET_T_PULL; when the burst allowance is exhausted the request is
// skipped for this tick and Tick's retransmission catches it up once the
// budget refills.
func (t *Transport_t) pull(p *proc.Proc_t, rr mem.RR_t, target mem.Pa_t, level int) {
	p.Lock()
	p.State = proc.PULL
	p.PullRR = rr
	p.PullLevel = level
	p.PullTarget = target
	p.Arrived = 0
	p.Unlock()

	t.Lock()
	t.pulllist = append(t.pulllist, p)
	t.Unlock()

	if res.Resadd_noblock(bounds.Bounds(bounds.B_NET_T_PULL)) {
		t.txPullrq(p)
	}
}

func (t *Transport_t) txPullrq(p *proc.Proc_t) {
	p.Lock()
	rr := p.PullRR
	level := p.PullLevel
	need := p.Arrived ^ 7
	p.Unlock()

	pkt := make([]byte, 2+rrLen+2)
	pkt[0] = byte(PULLRQ)
	pkt[1] = byte(t.node)
	copy(pkt[2:2+rrLen], encodeRR(rr))
	pkt[2+rrLen] = byte(level)
	pkt[2+rrLen+1] = need
	t.send(int(rr.Node), pkt)
}

// rxPullrq answers a page pull request: validate the page is ours and
// locally owned, record the requester in its share-mask, and reply with
// every part the requester asked for.
func (t *Transport_t) rxPullrq(pkt []byte) {
	if len(pkt) < 2+rrLen+2 {
		return
	}
	rqnode := int(pkt[1])
	rr := decodeRR(pkt[2 : 2+rrLen])
	level := int(pkt[2+rrLen])
	need := pkt[2+rrLen+1]

	if int(rr.Node) != t.node {
		return
	}
	pa := mem.Pa_t(rr.Addr)
	if pa == 0 || int(pa) > mem.M.Npage() || mem.M.Refcnt(pa) == 0 {
		return
	}
	if !mem.M.Home(pa).IsZero() {
		return
	}

	mem.M.Rrshare(pa, rqnode)
	for part := 0; part < 3; part++ {
		if need&(1<<uint(part)) == 0 {
			continue
		}
		t.txPullrp(rqnode, rr, level, part, pa)
	}
}

func (t *Transport_t) buildPart(pa mem.Pa_t, level, part int) []byte {
	raw := mem.M.Bytes(pa)
	if level == PageLevel {
		return partSlice(raw, part)
	}

	out := make([]byte, len(raw))
	pmv := mem.M.Pmap(pa)
	for i, e := range pmv {
		var encoded mem.Pte_t
		switch {
		case e.Global():
			encoded = 0
		case e.Remote():
			encoded = e
		case e.Present() && e.Pa() == 0:
			encoded = mem.MkPTERemote(mem.RR_t{RW: rwOf(e)}, 0)
		case e.Present():
			home := mem.M.Home(e.Pa())
			if home.IsZero() {
				encoded = mem.MkPTERemote(mem.RR_t{Node: uint8(t.node), Addr: uint32(e.Pa()), RW: rwOf(e)}, 0)
			} else {
				encoded = mem.MkPTERemote(home, 0)
			}
		default:
			encoded = 0
		}
		binary.LittleEndian.PutUint64(out[i*8:], uint64(encoded))
	}
	return partSlice(out, part)
}

func (t *Transport_t) txPullrp(rqnode int, rr mem.RR_t, level, part int, pa mem.Pa_t) {
	data := t.buildPart(pa, level, part)
	pkt := make([]byte, 2+rrLen+1+len(data))
	pkt[0] = byte(PULLRP)
	pkt[1] = byte(t.node)
	copy(pkt[2:2+rrLen], encodeRR(rr))
	pkt[2+rrLen] = byte(part)
	copy(pkt[2+rrLen+1:], data)
	t.send(rqnode, pkt)
}

// rxPullrp handles an incoming page-pull reply: file the part away, and
// once all three have arrived, resume the process's pull sweep.
func (t *Transport_t) rxPullrp(pkt []byte) {
	if len(pkt) < 2+rrLen+1 {
		return
	}
	rr := decodeRR(pkt[2 : 2+rrLen])
	part := int(pkt[2+rrLen])
	data := pkt[2+rrLen+1:]
	if part < 0 || part > 2 {
		return
	}

	t.Lock()
	var p *proc.Proc_t
	for _, cand := range t.pulllist {
		if cand.PullRR == rr {
			p = cand
			break
		}
	}
	t.Unlock()
	if p == nil {
		return // no process waiting: a reordered or duplicate retransmit
	}

	p.Lock()
	already := p.Arrived&(1<<uint(part)) != 0
	if !already && len(data) == partLen(part) {
		off := part * vm.Cfg.PartSize
		copy(mem.M.Bytes(p.PullTarget)[off:off+len(data)], data)
		p.Arrived |= 1 << uint(part)
	}
	done := p.Arrived == 7
	p.Unlock()

	if !done {
		return
	}

	t.Lock()
	kept := t.pulllist[:0]
	for _, cand := range t.pulllist {
		if cand != p {
			kept = append(kept, cand)
		}
	}
	t.pulllist = kept
	t.Unlock()

	t.sweep(p)
}

// sweep walks p's pull cursor from Pullva to UserHi, pulling any remote
// page-table or page entry it encounters and suspending the walk (to
// resume on the next arriving PULLRP) rather than blocking. Once the walk
// reaches UserHi, p has its entire address space and is handed back to
// the scheduler.
func (t *Transport_t) sweep(p *proc.Proc_t) {
	for {
		p.Lock()
		va := p.Pullva
		p.Unlock()
		if va >= vm.Cfg.UserHi {
			break
		}

		pdirMap := mem.M.Pmap(p.AS.Pdir)
		pde := &pdirMap[pdx(va)]
		if pde.Remote() {
			if !t.pullpte(p, pde, PtabLevel) {
				return
			}
		}
		if pde.Pa() == 0 {
			p.Lock()
			p.Pullva = vm.RoundupSpan(p.Pullva)
			p.Unlock()
			continue
		}

		ptab := mem.M.Pmap(pde.Pa())
		pte := &ptab[ptx(va)]
		if pte.Remote() {
			if !t.pullpte(p, pte, PageLevel) {
				return
			}
		}

		p.Lock()
		p.Pullva += mem.PGSIZE
		p.Unlock()
	}

	proc.Ready.Enqueue(p)
}

// pullpte resolves one remote entry: a permission-only RR resolves to the
// zero sentinel immediately, an RR already local to this node resolves
// directly, a previously-pulled RR is reused, and anything else triggers a
// fresh pull, installing the new frame into entry right away (the pull
// fills its contents asynchronously) and returning false to suspend the
// sweep.
func (t *Transport_t) pullpte(p *proc.Proc_t, entry *mem.Pte_t, level int) bool {
	rr := entry.RR()
	if rr.Addr == 0 {
		*entry = mem.MkPTE(0, permFromRR(rr))
		return true
	}
	if int(rr.Node) == t.node {
		*entry = mem.MkPTE(mem.Pa_t(rr.Addr), permFromRR(rr))
		return true
	}
	if pa, ok := mem.M.Rrlookup(rr); ok {
		*entry = mem.MkPTE(pa, permFromRR(rr))
		return true
	}

	pa, ok := mem.M.AllocZero()
	if !ok {
		panic("pullpte: page allocator exhausted")
	}
	mem.M.Incref(pa)
	*entry = mem.MkPTE(pa, permFromRR(rr))
	mem.M.Rrtrack(rr, pa)
	t.pull(p, rr, pa, level)
	return false
}

// Tick fires on every scheduler tick; every RetransmitTicks ticks it
// resends one packet for every entry on the migration and pull lists, the
// protocol's only recovery from a lost datagram.
func (t *Transport_t) Tick() {
	t.Lock()
	t.tick++
	fire := t.tick%vm.Cfg.RetransmitTicks == 0
	migr := append([]*proc.Proc_t(nil), t.migrlist...)
	pulls := append([]*proc.Proc_t(nil), t.pulllist...)
	t.Unlock()
	if !fire {
		return
	}

	for _, p := range migr {
		p.Lock()
		home := p.Home
		dest := p.MigrDest
		p.Unlock()
		t.txMigrq(p, home, dest)
	}
	for _, p := range pulls {
		t.txPullrq(p)
	}
}
