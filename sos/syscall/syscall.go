// Package syscall is the root server's single-threaded event loop: block
// in Receive, dispatch whatever comes back (a page fault, a notification,
// or a labeled syscall message) to the right subsystem, and loop. It
// dispatches on a label through a handler table rather than a long
// switch, keeping a single receive point as the only place the loop
// blocks.
package syscall

import (
	"context"
	"fmt"

	"sos/defs"
	"sos/internal/diag"
	"sos/irq"
	"sos/kernel"
	"sos/proc"
	"sos/sharedbuf"
	"sos/timerserv"
	"sos/vfs"
	"sos/vm"
)

// PagerFault is satisfied by the pager; kept narrow so the event loop
// does not need the pager's full API surface.
type PagerFault interface {
	Fault(as *vm.AddressSpace, addr uintptr, write bool) error
}

// Handler processes one syscall message and returns the reply words to
// send back (nil for "don't reply now", used by the console's
// outstanding-read path).
type Handler func(loop *Loop, caller *proc.PCB, m kernel.Msg) (reply []uint64, ok bool)

// Loop is the event loop: the microkernel port, the process manager, the
// pager, the shared copy buffers, the v-node table, and the label
// dispatch table.
type Loop struct {
	K      kernel.Microkernel
	Procs  *proc.Manager
	Pager  PagerFault
	Bufs   *sharedbuf.Table
	IRQs   *irq.Table
	Timers *timerserv.Service
	Loader proc.Loader
	VFS    *vfs.Table
	Table  map[uint16]Handler
}

// New builds an event loop with the default syscall dispatch table
// installed. loader backs SYS_PROCESS_CREATE's image loading; vfsTable
// resolves path opens against whatever drivers have been mounted on it
// (console, NFS, pipefs).
func New(k kernel.Microkernel, procs *proc.Manager, pager PagerFault, bufs *sharedbuf.Table, irqs *irq.Table, timers *timerserv.Service, loader proc.Loader, vfsTable *vfs.Table) *Loop {
	l := &Loop{K: k, Procs: procs, Pager: pager, Bufs: bufs, IRQs: irqs, Timers: timers, Loader: loader, VFS: vfsTable}
	l.Table = defaultTable()
	return l
}

// Run is the root server's main loop: block for the next message or
// notification and dispatch it, replying and waiting for the next one in
// a single combined reply-then-receive call wherever the reply has a
// result ready immediately.
func (l *Loop) Run() error {
	var lastReplyTo defs.Tid_t
	var lastReply kernel.Msg

	for {
		env, err := l.K.ReplyAndReceive(lastReplyTo, lastReply)
		if err != nil {
			return fmt.Errorf("syscall: receive: %w", err)
		}
		lastReplyTo = 0
		lastReply = kernel.Msg{}

		if env.Notif != nil {
			if err := l.IRQs.Dispatch(env.Notif.IRQ); err != nil {
				continue
			}
			continue
		}

		if env.Fault != nil {
			l.handleFault(env.From, env.Fault)
			continue
		}

		if env.Exception != nil {
			l.handleException(env.From, env.Exception)
			continue
		}

		caller, ok := l.Procs.LookupByTid(env.From)
		if !ok {
			continue
		}

		h, ok := l.Table[env.Msg.Label]
		if !ok {
			continue
		}
		reply, respond := h(l, caller, env.Msg)
		if respond {
			var rm kernel.Msg
			for i, w := range reply {
				if i >= len(rm.Words) {
					break
				}
				rm.Words[i] = w
			}
			lastReplyTo = env.From
			lastReply = rm
		}
	}
}

// handleFault resolves a page fault reported against from's address
// space via the pager; a fault the pager cannot resolve (a segfault, a
// write against a read-only region, exhaustion with no swap left) kills
// the faulting process rather than wedging the loop on it. Unlike a
// syscall handler, the microkernel resumes the faulting thread directly
// once the mapping is installed, so there is no reply to send here.
func (l *Loop) handleFault(from defs.Tid_t, f *kernel.Fault) {
	caller, ok := l.Procs.LookupByTid(from)
	if !ok {
		return
	}
	if err := l.Pager.Fault(caller.AS, f.Addr, f.Write); err != nil {
		diag.Dprintf(1, "syscall: pid %d: unrecoverable fault at %#x: %v\n", caller.Pid, f.Addr, err)
		l.killFaulting(caller)
	}
}

// handleException tears down the process that took e rather than trying
// to recover it; the root server has no instruction-emulation path for
// exceptions other than a page fault.
func (l *Loop) handleException(from defs.Tid_t, e *kernel.Exception) {
	caller, ok := l.Procs.LookupByTid(from)
	if !ok {
		return
	}
	diag.Dprintf(1, "syscall: pid %d: exception: %s\n", caller.Pid, e.Reason)
	l.killFaulting(caller)
}

func (l *Loop) killFaulting(caller *proc.PCB) {
	if err := l.Procs.Delete(caller.Pid, -1); err != nil {
		diag.Dprintf(1, "syscall: pid %d: delete after fault: %v\n", caller.Pid, err)
	}
}

// sendReply delivers reply to tid directly, bypassing the loop's own
// combined reply-and-receive call: used by handlers whose result is not
// ready by the time they return, so the reply has to be driven by
// whatever goroutine later completes the underlying operation (a console
// byte arriving, an NFS backend call returning) rather than by Run's own
// dispatch.
func sendReply(k kernel.Microkernel, tid defs.Tid_t, reply []uint64) {
	var rm kernel.Msg
	for i, w := range reply {
		if i >= len(rm.Words) {
			break
		}
		rm.Words[i] = w
	}
	if err := k.Send(tid, rm); err != nil {
		diag.Dprintf(2, "syscall: drop deferred reply to tid %d: %v\n", tid, err)
	}
}

func defaultTable() map[uint16]Handler {
	return map[uint16]Handler{
		defs.SYS_KERNEL_PRINT: handleKernelPrint,
		defs.SYS_OPEN:         handleOpen,
		defs.SYS_CLOSE:        handleClose,
		defs.SYS_READ:         handleRead,
		defs.SYS_WRITE:        handleWrite,
		defs.SYS_FLUSH:        handleFlush,
		defs.SYS_LSEEK:        handleLseek,
		defs.SYS_GETDIRENT:    handleGetdirent,
		defs.SYS_STAT:         handleStat,
		defs.SYS_REMOVE:       handleRemove,
		defs.SYS_DUP:          handleDup,
		defs.SYS_TIME_STAMP:   handleTimeStamp,
		defs.SYS_USLEEP:       handleUsleep,
		defs.SYS_MY_ID:        handleMyID,
		defs.SYS_PROCESS_CREATE: handleProcessCreate,
		defs.SYS_PROCESS_STATUS: handleProcessStatus,
		defs.SYS_PROCESS_DELETE: handleProcessDelete,
		defs.SYS_PROCESS_WAIT:   handleProcessWait,
		defs.SYS_VPAGER:         handleVpager,
	}
}

func handleProcessCreate(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	name, err := l.Bufs.ReadString(caller.Pid)
	if err != nil {
		return []uint64{uint64(defs.PATHINV)}, true
	}
	child, err := l.Procs.Create(name, caller, l.Loader, "", "", "")
	if err != nil {
		return []uint64{uint64(defs.NOMEM)}, true
	}
	return []uint64{uint64(child.Pid)}, true
}

// handleVpager reports the thread id the pager's faults are attributed
// to; in this tree the pager runs inside the event loop's own thread
// rather than a dedicated one, so it reports the root server's tid.
func handleVpager(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	if s, ok := l.K.(*kernel.Sim); ok {
		return []uint64{uint64(s.RootTid())}, true
	}
	return []uint64{0}, true
}

func handleKernelPrint(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	buf, err := l.Bufs.Buffer(caller.Pid)
	if err != nil {
		return []uint64{uint64(defs.ERROR)}, true
	}
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	fmt.Print(string(buf[:n]))
	return nil, false
}

// finishOpen installs v (or errno) into caller's lowest free descriptor
// slot, the tail shared by handleOpen's synchronous and asynchronous
// completions.
func finishOpen(caller *proc.PCB, mode defs.Fmode_t, v *vfs.VNode, errno defs.Err_t) []uint64 {
	if errno != 0 {
		return []uint64{uint64(errno)}
	}
	fd := &vfs.Fildes{VNode: v, Mode: mode}
	slot, err := caller.Files.Alloc(fd)
	if err != nil {
		v.DecRefs(mode)
		return []uint64{uint64(defs.NOMORE)}
	}
	return []uint64{uint64(slot)}
}

// handleOpen resolves path against the mounted v-node table (reusing an
// already-open v-node, or asking the owning driver to open or create
// one) and installs the result in the caller's lowest free descriptor
// slot. When the mounted driver implements vfs.AsyncOpener (NFS, waiting
// on a remote backend), the reply is deferred and driven by the
// driver's own resume callback instead of being ready by the time this
// function returns.
func handleOpen(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	path, err := l.Bufs.ReadString(caller.Pid)
	if err != nil {
		return []uint64{uint64(defs.PATHINV)}, true
	}
	mode := defs.Fmode_t(m.Word(0))

	k, tid := l.K, caller.Tid
	v, errno, done := l.VFS.OpenAsync(path, mode, func(v *vfs.VNode, errno defs.Err_t) {
		sendReply(k, tid, finishOpen(caller, mode, v, errno))
	})
	if !done {
		return nil, false
	}
	return finishOpen(caller, mode, v, errno), true
}

func handleClose(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	slot := defs.Fildes_t(m.Word(0))
	fd, ok := caller.Files.Close(slot)
	if !ok {
		return []uint64{uint64(defs.NOFILE)}, true
	}
	if fd.VNode != nil {
		if remaining := fd.VNode.DecRefs(fd.Mode); remaining == 0 {
			fd.VNode.Driver.Close(fd.VNode, fd.Mode)
			l.VFS.Remove(fd.VNode)
		}
	}
	return []uint64{0}, true
}

// finishRead advances fd's position, copies the bytes read into the
// caller's shared buffer, and renders the reply words; shared by
// handleRead's synchronous and asynchronous completions.
func finishRead(l *Loop, caller *proc.PCB, fd *vfs.Fildes, buf []byte, n int, err error) []uint64 {
	if err != nil {
		return []uint64{uint64(defs.ERROR)}
	}
	fd.Pos += int64(n)
	l.Bufs.CopyOut(caller.Pid, buf[:n])
	return []uint64{uint64(n)}
}

// handleRead reads through fd's driver. A driver that implements
// vfs.AsyncReader (the console, waiting on serial input; NFS, waiting on
// a remote call) is never called synchronously on the loop's own
// goroutine: the reply is deferred until the driver's resume callback
// fires, possibly from a different goroutine entirely.
func handleRead(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	slot := defs.Fildes_t(m.Word(0))
	nbyte := int(m.Word(1))
	fd, ok := caller.Files.Get(slot)
	if !ok || fd.VNode == nil {
		return []uint64{uint64(defs.NOFILE)}, true
	}
	buf := make([]byte, nbyte)

	if ar, ok := fd.VNode.Driver.(vfs.AsyncReader); ok {
		k, tid := l.K, caller.Tid
		ar.BeginRead(fd.VNode, fd.Pos, buf, func(n int, err error) {
			sendReply(k, tid, finishRead(l, caller, fd, buf, n, err))
		})
		return nil, false
	}

	n, err := fd.VNode.Driver.Read(fd.VNode, fd.Pos, buf)
	return finishRead(l, caller, fd, buf, n, err), true
}

// finishWrite advances fd's position and renders the reply words;
// shared by handleWrite's synchronous and asynchronous completions.
func finishWrite(fd *vfs.Fildes, n int, err error) []uint64 {
	if err != nil {
		return []uint64{uint64(defs.ERROR)}
	}
	fd.Pos += int64(n)
	return []uint64{uint64(n)}
}

// handleWrite writes through fd's driver, deferring the reply to an
// async driver's resume callback exactly as handleRead does.
func handleWrite(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	slot := defs.Fildes_t(m.Word(0))
	nbyte := int(m.Word(1))
	fd, ok := caller.Files.Get(slot)
	if !ok || fd.VNode == nil {
		return []uint64{uint64(defs.NOFILE)}, true
	}
	buf := make([]byte, nbyte)
	l.Bufs.CopyIn(caller.Pid, buf)

	if aw, ok := fd.VNode.Driver.(vfs.AsyncWriter); ok {
		k, tid := l.K, caller.Tid
		aw.BeginWrite(fd.VNode, fd.Pos, buf, func(n int, err error) {
			sendReply(k, tid, finishWrite(fd, n, err))
		})
		return nil, false
	}

	n, err := fd.VNode.Driver.Write(fd.VNode, fd.Pos, buf)
	return finishWrite(fd, n, err), true
}

func handleFlush(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	slot := defs.Fildes_t(m.Word(0))
	fd, ok := caller.Files.Get(slot)
	if !ok || fd.VNode == nil {
		return []uint64{uint64(defs.NOFILE)}, true
	}
	if err := fd.VNode.Driver.Flush(fd.VNode); err != nil {
		return []uint64{uint64(defs.EOF)}, true
	}
	return []uint64{0}, true
}

// handleLseek implements SEEK_END as size - pos rather than the more
// common pos-from-end convention.
func handleLseek(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	slot := defs.Fildes_t(m.Word(0))
	off := int64(m.Word(1))
	whence := int(m.Word(2))
	fd, ok := caller.Files.Get(slot)
	if !ok || fd.VNode == nil {
		return []uint64{uint64(defs.NOFILE)}, true
	}
	switch whence {
	case defs.SEEK_SET:
		fd.Pos = off
	case defs.SEEK_CUR:
		fd.Pos += off
	case defs.SEEK_END:
		st, err := fd.VNode.Driver.Stat(fd.VNode.Path)
		if err != nil {
			return []uint64{uint64(defs.ERROR)}, true
		}
		fd.Pos = st.Size - off
	default:
		return []uint64{uint64(defs.BADMODE)}, true
	}
	return []uint64{uint64(fd.Pos)}, true
}

// directoryLister is implemented by drivers (NFS) whose Getdirent cannot
// be expressed through the plain path-less vfs.Driver method; console
// and pipefs v-nodes simply return NOTIMP through the ordinary path.
type directoryLister interface {
	GetdirentFor(ctx context.Context, dirPath string, pos int, nameOut []byte) (int, error)
}

// asyncDirectoryLister is directoryLister's continuation-based
// counterpart, for a remote directory listing that cannot complete by
// the time handleGetdirent returns.
type asyncDirectoryLister interface {
	BeginGetdirentFor(ctx context.Context, dirPath string, pos int, nameOut []byte, resume func(n int, err error))
}

// finishGetdirent copies the listed name into the caller's shared
// buffer and renders the reply words; shared by handleGetdirent's
// synchronous and asynchronous completions.
func finishGetdirent(l *Loop, caller *proc.PCB, nameBuf []byte, n int, err error) []uint64 {
	if err != nil {
		return []uint64{uint64(defs.NOMORE)}
	}
	l.Bufs.CopyOut(caller.Pid, nameBuf[:n])
	return []uint64{uint64(n)}
}

func handleGetdirent(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	slot := defs.Fildes_t(m.Word(0))
	pos := int(m.Word(1))
	fd, ok := caller.Files.Get(slot)
	if !ok || fd.VNode == nil {
		return []uint64{uint64(defs.NOFILE)}, true
	}
	nameBuf := make([]byte, defs.MaxPathName)

	if lister, ok := fd.VNode.Driver.(asyncDirectoryLister); ok {
		k, tid := l.K, caller.Tid
		lister.BeginGetdirentFor(context.Background(), fd.VNode.Path, pos, nameBuf, func(n int, err error) {
			sendReply(k, tid, finishGetdirent(l, caller, nameBuf, n, err))
		})
		return nil, false
	}

	var n int
	var err error
	if lister, ok := fd.VNode.Driver.(directoryLister); ok {
		n, err = lister.GetdirentFor(context.Background(), fd.VNode.Path, pos, nameBuf)
	} else {
		n, err = fd.VNode.Driver.Getdirent(pos, nameBuf)
	}
	return finishGetdirent(l, caller, nameBuf, n, err), true
}

func handleStat(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	path, err := l.Bufs.ReadString(caller.Pid)
	if err != nil {
		return []uint64{uint64(defs.PATHINV)}, true
	}
	v, ok := l.VFS.Find(path)
	var st defs.Stat
	if ok {
		st = v.Stat
	} else {
		drv, found := l.VFS.DriverFor(path)
		if !found {
			return []uint64{uint64(defs.NOVNODE)}, true
		}
		st, err = drv.Stat(path)
		if err != nil {
			return []uint64{uint64(defs.NOVNODE)}, true
		}
	}
	l.Bufs.WriteString(caller.Pid, statString(st))
	return []uint64{0}, true
}

// statString renders a Stat as the fixed line the sharedbuf copy-out
// protocol carries back to the caller's stat(2) wrapper.
func statString(st defs.Stat) string {
	return fmt.Sprintf("%d %d %d", st.Type, st.Size, st.Fmode)
}

func handleRemove(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	path, err := l.Bufs.ReadString(caller.Pid)
	if err != nil {
		return []uint64{uint64(defs.PATHINV)}, true
	}
	if _, open := l.VFS.Find(path); open {
		return []uint64{uint64(defs.BUSY)}, true
	}
	drv, found := l.VFS.DriverFor(path)
	if !found {
		return []uint64{uint64(defs.NOVNODE)}, true
	}
	if err := drv.Remove(path); err != nil {
		return []uint64{uint64(defs.ERROR)}, true
	}
	return []uint64{0}, true
}

func handleDup(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	from := defs.Fildes_t(m.Word(0))
	to := defs.Fildes_t(m.Word(1))
	if err := caller.Files.Dup(from, to); err != nil {
		return []uint64{uint64(defs.NOFILE)}, true
	}
	return []uint64{uint64(to)}, true
}

func handleTimeStamp(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	t := l.K.Tick()
	return []uint64{t, t >> 32}, true
}

func handleUsleep(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	l.Timers.Register(l.K.Tick(), m.Word(0), caller.Tid)
	return nil, false
}

func handleMyID(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	return []uint64{uint64(caller.Pid)}, true
}

func handleProcessStatus(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	n := int(m.Word(0))
	dst := make([]proc.PCB, n)
	count := l.Procs.Status(dst)
	return []uint64{uint64(count)}, true
}

func handleProcessDelete(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	pid := defs.Pid_t(m.Word(0))
	if err := l.Procs.Delete(pid, 0); err != nil {
		return []uint64{uint64(defs.ERROR)}, true
	}
	return []uint64{0}, true
}

func handleProcessWait(l *Loop, caller *proc.PCB, m kernel.Msg) ([]uint64, bool) {
	pid := defs.Pid_t(int64(m.Word(0)))
	donePid, status, err := l.Procs.Wait(caller, pid)
	if err != nil {
		return []uint64{uint64(defs.ERROR)}, true
	}
	return []uint64{uint64(donePid), uint64(status)}, true
}
