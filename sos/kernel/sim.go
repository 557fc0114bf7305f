package kernel

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"sos/defs"
)

// mapping is one installed virtual->physical translation.
type mapping struct {
	phys   PhysDesc
	rights defs.Rights
}

type space struct {
	mappings map[uintptr]mapping
}

type thread struct {
	space SpaceID
	mbox  chan Envelope
	name  string
}

// Sim is an in-process simulation of the microkernel port boundary. Frames
// are backed by a real unix.Mmap anonymous region (rather than a
// fabricated []byte with no addressing discipline), and IPC mailboxes are
// buffered channels keyed by thread id, giving FIFO per-sender delivery.
type Sim struct {
	mu sync.Mutex

	arena     []byte
	frameSize int
	nframes   int

	spaces  map[SpaceID]*space
	nextSp  SpaceID
	threads map[defs.Tid_t]*thread
	nextTid defs.Tid_t

	irqs map[int]bool

	rootTid defs.Tid_t
	rootCh  chan Envelope

	start time.Time
}

// NewSim allocates a simulated microkernel with the given number of
// page-sized physical frames.
func NewSim(nframes, pagesize int) (*Sim, error) {
	arena, err := unix.Mmap(-1, 0, nframes*pagesize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("kernel: mmap frame arena: %w", err)
	}
	s := &Sim{
		arena:     arena,
		frameSize: pagesize,
		nframes:   nframes,
		spaces:    make(map[SpaceID]*space),
		threads:   make(map[defs.Tid_t]*thread),
		irqs:      make(map[int]bool),
		start:     time.Now(),
	}
	s.rootCh = make(chan Envelope, 256)
	s.rootTid = s.allocTid()
	s.threads[s.rootTid] = &thread{mbox: s.rootCh, name: "rootserver"}
	return s, nil
}

// RootTid is the thread id the event loop itself runs as; Receive and
// ReplyAndReceive always operate on the root server's own mailbox.
func (s *Sim) RootTid() defs.Tid_t { return s.rootTid }

// FrameBytes returns the byte slice backing physical frame f, for the
// pager/disk code paths that need to read or write page contents directly.
func (s *Sim) FrameBytes(f int) []byte {
	off := f * s.frameSize
	return s.arena[off : off+s.frameSize]
}

func (s *Sim) allocTid() defs.Tid_t {
	s.nextTid++
	return s.nextTid
}

func (s *Sim) ThreadCreate(sp SpaceID, name string) (defs.Tid_t, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spaces[sp]; !ok && sp != 0 {
		return 0, fmt.Errorf("kernel: no such address space %d", sp)
	}
	tid := s.allocTid()
	s.threads[tid] = &thread{space: sp, mbox: make(chan Envelope, 64), name: name}
	return tid, nil
}

func (s *Sim) ThreadStart(tid defs.Tid_t, ip, sp uintptr) error {
	s.mu.Lock()
	_, ok := s.threads[tid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("kernel: no such thread %d", tid)
	}
	// The simulation does not execute user code; starting a thread only
	// marks it runnable. Real execution is driven by tests/callers
	// injecting page faults and syscalls on its behalf.
	return nil
}

func (s *Sim) ThreadKill(tid defs.Tid_t) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, tid)
	return nil
}

func (s *Sim) AddrspaceCreate() (SpaceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSp++
	id := s.nextSp
	s.spaces[id] = &space{mappings: make(map[uintptr]mapping)}
	return id, nil
}

func (s *Sim) AddrspaceDestroy(id SpaceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.spaces, id)
	return nil
}

func (s *Sim) SpaceOf(tid defs.Tid_t) (SpaceID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	if !ok {
		return 0, false
	}
	return t.space, true
}

func (s *Sim) Send(to defs.Tid_t, msg Msg) error {
	s.mu.Lock()
	t, ok := s.threads[to]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("kernel: send to dead thread %d", to)
	}
	select {
	case t.mbox <- Envelope{From: s.senderOf(t), Msg: msg}:
		return nil
	default:
		return fmt.Errorf("kernel: mailbox full for thread %d", to)
	}
}

func (s *Sim) senderOf(t *thread) defs.Tid_t {
	// Senders other than the root server are not modelled explicitly in
	// the simulation; callers that need a specific sender tid construct
	// the Envelope directly via InjectMessage.
	return s.rootTid
}

// InjectMessage delivers msg to the root server's mailbox as if sent by
// from. Test harnesses use this to simulate user-thread traps.
func (s *Sim) InjectMessage(from defs.Tid_t, msg Msg) {
	s.rootCh <- Envelope{From: from, Msg: msg}
}

// InjectNotification delivers an interrupt notification to the root
// server's event loop, as the microkernel would for a registered IRQ.
func (s *Sim) InjectNotification(irq int) {
	s.rootCh <- Envelope{Notif: &Notification{IRQ: irq}}
}

// InjectFault delivers a page fault taken by tid to the root server's
// event loop, standing in for the microkernel trapping a missing
// translation and forwarding it to the registered pager thread.
func (s *Sim) InjectFault(from defs.Tid_t, addr uintptr, write bool) {
	s.rootCh <- Envelope{From: from, Fault: &Fault{Addr: addr, Write: write}}
}

// InjectException delivers a non-page-fault exception taken by tid to
// the root server's event loop.
func (s *Sim) InjectException(from defs.Tid_t, reason string) {
	s.rootCh <- Envelope{From: from, Exception: &Exception{Reason: reason}}
}

func (s *Sim) Receive() (Envelope, error) {
	e := <-s.rootCh
	return e, nil
}

func (s *Sim) ReplyAndReceive(to defs.Tid_t, reply Msg) (Envelope, error) {
	if to != 0 {
		if err := s.Send(to, reply); err != nil {
			diagDropReply(to, err)
		}
	}
	return s.Receive()
}

// diagDropReply is split out so it is easy to find every place a reply
// silently fails (e.g. replying to a thread that has since died).
func diagDropReply(to defs.Tid_t, err error) {
	_ = to
	_ = err
}

func (s *Sim) MapFpage(sp SpaceID, vaddr uintptr, phys PhysDesc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa, ok := s.spaces[sp]
	if !ok {
		return fmt.Errorf("kernel: no such address space %d", sp)
	}
	sa.mappings[vaddr] = mapping{phys: phys, rights: phys.Rights}
	return nil
}

func (s *Sim) UnmapFpage(sp SpaceID, vaddr uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa, ok := s.spaces[sp]
	if !ok {
		return fmt.Errorf("kernel: no such address space %d", sp)
	}
	delete(sa.mappings, vaddr)
	return nil
}

// Lookup returns the mapping installed at vaddr in sp, if any. It is used
// by tests asserting that a faulted-in page ends up mapped with at most
// its region's rights.
func (s *Sim) Lookup(sp SpaceID, vaddr uintptr) (PhysDesc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa, ok := s.spaces[sp]
	if !ok {
		return PhysDesc{}, false
	}
	m, ok := sa.mappings[vaddr]
	return m.phys, ok
}

func (s *Sim) NotifyRegister(irq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.irqs[irq] = true
	return nil
}

func (s *Sim) NotifyAck(irq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.irqs[irq] {
		return fmt.Errorf("kernel: irq %d not registered", irq)
	}
	return nil
}

func (s *Sim) Tick() uint64 {
	return uint64(time.Since(s.start).Microseconds())
}
