// Package kernel is the root server's port boundary onto the microkernel.
// It is specified only by interface: everything the rest of the tree
// needs from threads, address spaces, synchronous IPC, and physical-memory
// mapping goes through Microkernel. A Sim backs the interface with Go
// channels standing in for L4-style synchronous IPC mailboxes, so the rest
// of the core can be exercised end to end without a real microkernel
// underneath.
package kernel

import (
	"sos/defs"
)

// SpaceID identifies a microkernel address space.
type SpaceID int

// Msg is an IPC message: a 16-bit label plus untyped data words, matching
// the wire shape of the syscall surface (one label, up to N untyped
// words).
type Msg struct {
	Label uint16
	Words [8]uint64
}

// Word returns word i, or 0 if the message carries fewer words.
func (m Msg) Word(i int) uint64 {
	if i < 0 || i >= len(m.Words) {
		return 0
	}
	return m.Words[i]
}

// Notification is delivered by the microkernel when a hardware interrupt
// (or the timer tick) fires; an Envelope carrying one has no sender
// thread, distinguishing it from a thread-originated message in the event
// loop's dispatch.
type Notification struct {
	IRQ int
}

// Fault is delivered in place of a thread-originated message when that
// thread takes a page fault: Addr is the faulting address (not yet
// page-aligned) and Write reports whether the access was a store. The
// event loop routes it to the pager rather than the syscall label table.
type Fault struct {
	Addr  uintptr
	Write bool
}

// Exception is delivered when the microkernel takes a thread off the CPU
// for a machine exception other than a recoverable page fault (an
// illegal instruction, a misaligned access, ...). The event loop has no
// recovery for these; it tears the sender down.
type Exception struct {
	Reason string
}

// Envelope is what Receive/ReplyAndReceive hands back to the event loop:
// a message from a thread, a notification, a page fault, or an
// exception. From identifies the faulting/excepting/sending thread;
// Notif-carrying envelopes have no sender (From == 0).
type Envelope struct {
	From      defs.Tid_t
	Msg       Msg
	Notif     *Notification
	Fault     *Fault
	Exception *Exception
}

// PhysDesc describes a physical frame and the rights to map it with.
type PhysDesc struct {
	Frame  int
	Rights defs.Rights
}

// Microkernel is the full kernel_* port boundary used by the root server.
type Microkernel interface {
	// ThreadCreate allocates a new thread id in the given address space.
	ThreadCreate(space SpaceID, name string) (defs.Tid_t, error)
	// ThreadStart begins execution of tid at the given instruction and
	// stack pointers.
	ThreadStart(tid defs.Tid_t, ip, sp uintptr) error
	// ThreadKill destroys a thread, waking anyone blocked sending to it.
	ThreadKill(tid defs.Tid_t) error

	// AddrspaceCreate allocates a fresh, empty address space.
	AddrspaceCreate() (SpaceID, error)
	// AddrspaceDestroy releases an address space and all its mappings.
	AddrspaceDestroy(SpaceID) error
	// SpaceOf returns the address space a thread runs in.
	SpaceOf(tid defs.Tid_t) (SpaceID, bool)

	// Send delivers msg to tid's mailbox; FIFO per sender.
	Send(to defs.Tid_t, msg Msg) error
	// Receive blocks until any message or notification arrives for the
	// calling (root server) thread.
	Receive() (Envelope, error)
	// ReplyAndReceive replies to `to` and waits for the next message in
	// one call, matching the event loop's single-receive-point
	// discipline.
	ReplyAndReceive(to defs.Tid_t, reply Msg) (Envelope, error)

	// MapFpage installs a virtual->physical mapping with the given
	// rights in the named address space.
	MapFpage(space SpaceID, vaddr uintptr, phys PhysDesc) error
	// UnmapFpage removes any mapping at vaddr in the named address space.
	UnmapFpage(space SpaceID, vaddr uintptr) error

	// NotifyRegister arranges for IRQ to be delivered as a Notification
	// to the root server's event loop.
	NotifyRegister(irq int) error
	// NotifyAck acknowledges IRQ, re-enabling its delivery.
	NotifyAck(irq int) error

	// Tick returns a monotonically increasing counter, the basis of
	// time_stamp.
	Tick() uint64
}
