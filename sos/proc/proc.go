// Package proc is the process manager: the PCB table and the process
// lifecycle operations (create/delete/status/wait/my-id) the syscall
// loop dispatches to, using a pid-indexed table in place of an
// intrusive PCB list and a condition-variable-style channel fan-out in
// place of an explicit waiter list.
package proc

import (
	"fmt"
	"sync"

	"sos/defs"
	"sos/kernel"
	"sos/vfs"
	"sos/vm"
)

// State is a process's lifecycle state.
type State int

const (
	StateStart State = iota
	StateRunning
	StateZombie
)

// Loader loads an executable image into as and reports the entry point
// and initial stack pointer, standing in for the ELF-loading concern
// this tree leaves out of scope. Supplied by the caller (e.g.
// cmd/rootserver) so proc has no dependency on a specific image format.
type Loader interface {
	Load(as *vm.AddressSpace, path string) (ip, sp uintptr, err error)
}

// PCB is one process control block.
type PCB struct {
	Pid    defs.Pid_t
	Tid    defs.Tid_t
	Name   string
	Parent defs.Pid_t

	state State
	mu    sync.Mutex

	Space kernel.SpaceID
	AS    *vm.AddressSpace

	Files *vfs.FileTable

	exitStatus int
	waiters    []chan int
}

func (p *PCB) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PCB) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Manager owns the PCB table, a fixed-size slot array bounding the
// number of simultaneous address spaces.
type Manager struct {
	mu    sync.Mutex
	k     kernel.Microkernel
	table []*PCB // index i holds pid i, nil if free
	next  int
}

// NewManager builds a process manager with room for n simultaneous
// processes.
func NewManager(k kernel.Microkernel, n int) *Manager {
	return &Manager{k: k, table: make([]*PCB, n)}
}

func (m *Manager) reservePid() (defs.Pid_t, error) {
	for i := 0; i < len(m.table); i++ {
		idx := (m.next + i) % len(m.table)
		if m.table[idx] == nil {
			m.next = (idx + 1) % len(m.table)
			return defs.Pid_t(idx), nil
		}
	}
	return defs.NoPid, fmt.Errorf("proc: process table full")
}

// Create allocates a PCB, a fresh address space, loads the named
// executable via loader, and starts its initial thread. fdStdin/Stdout/
// Stderr name an existing file already open in parent (or "" to leave
// the corresponding descriptor unset), so a child can inherit specific
// open files from its parent by name rather than by a fixed fd layout.
func (m *Manager) Create(name string, parent *PCB, loader Loader, fdStdin, fdStdout, fdStderr string) (*PCB, error) {
	m.mu.Lock()
	pid, err := m.reservePid()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	space, err := m.k.AddrspaceCreate()
	if err != nil {
		return nil, fmt.Errorf("proc: create address space: %w", err)
	}
	as := vm.New(space)

	tid, err := m.k.ThreadCreate(space, name)
	if err != nil {
		return nil, fmt.Errorf("proc: create thread: %w", err)
	}

	pcb := &PCB{
		Pid:   pid,
		Tid:   tid,
		Name:  name,
		Space: space,
		AS:    as,
		Files: vfs.NewFileTable(defs.DefaultLimits.MaxFiles),
	}
	if parent != nil {
		pcb.Parent = parent.Pid
		inheritStdio(pcb, parent, fdStdin, fdStdout, fdStderr)
	} else {
		pcb.Parent = defs.NoPid
	}

	ip, sp, err := loader.Load(as, name)
	if err != nil {
		m.k.AddrspaceDestroy(space)
		return nil, fmt.Errorf("proc: load %s: %w", name, err)
	}

	m.mu.Lock()
	m.table[pid] = pcb
	m.mu.Unlock()

	pcb.setState(StateRunning)
	if err := m.k.ThreadStart(tid, ip, sp); err != nil {
		return nil, fmt.Errorf("proc: start thread: %w", err)
	}
	return pcb, nil
}

// inheritStdio duplicates the named descriptors from parent into child.
func inheritStdio(child, parent *PCB, stdin, stdout, stderr string) {
	for slot, name := range [3]string{stdin, stdout, stderr} {
		if name == "" {
			continue
		}
		if fd, ok := parent.Files.Lookup(name); ok {
			child.Files.InheritAt(defs.Fildes_t(slot), fd)
		}
	}
}

// Lookup returns the PCB for pid, if live.
func (m *Manager) Lookup(pid defs.Pid_t) (*PCB, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(pid) < 0 || int(pid) >= len(m.table) {
		return nil, false
	}
	p := m.table[pid]
	return p, p != nil
}

// LookupByTid scans for the PCB owning tid; the table is small enough
// that a linear scan is cheap enough not to need an index.
func (m *Manager) LookupByTid(tid defs.Tid_t) (*PCB, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.table {
		if p != nil && p.Tid == tid {
			return p, true
		}
	}
	return nil, false
}

// Delete tears a process down in a fixed order: close its files first
// (releasing v-node refcounts), then destroy its address space (freeing
// frames back to the pager), then wake anyone waiting on it, and finally
// remove the PCB from the table.
func (m *Manager) Delete(pid defs.Pid_t, status int) error {
	m.mu.Lock()
	pcb := m.table[pid]
	m.mu.Unlock()
	if pcb == nil {
		return fmt.Errorf("proc: no such pid %d", pid)
	}

	pcb.Files.CloseAll()

	if err := pcb.AS.Destroy(m.k); err != nil {
		return fmt.Errorf("proc: destroy address space for pid %d: %w", pid, err)
	}

	if err := m.k.ThreadKill(pcb.Tid); err != nil {
		return fmt.Errorf("proc: kill thread for pid %d: %w", pid, err)
	}

	pcb.mu.Lock()
	pcb.state = StateZombie
	pcb.exitStatus = status
	waiters := pcb.waiters
	pcb.waiters = nil
	pcb.mu.Unlock()

	for _, w := range waiters {
		w <- status
		close(w)
	}

	m.mu.Lock()
	m.table[pid] = nil
	m.mu.Unlock()
	return nil
}

// Wait blocks the caller until pid exits (or, for defs.NoPid, until any
// child of waiter exits), returning its exit status.
func (m *Manager) Wait(waiter *PCB, pid defs.Pid_t) (defs.Pid_t, int, error) {
	if pid != defs.NoPid {
		target, ok := m.Lookup(pid)
		if !ok {
			return defs.NoPid, 0, fmt.Errorf("proc: no such pid %d", pid)
		}
		ch := make(chan int, 1)
		target.mu.Lock()
		if target.state == StateZombie {
			status := target.exitStatus
			target.mu.Unlock()
			return pid, status, nil
		}
		target.waiters = append(target.waiters, ch)
		target.mu.Unlock()
		status := <-ch
		return pid, status, nil
	}

	// Waiting for "any child" fans out a waiter onto every live child of
	// waiter and returns on whichever fires first.
	m.mu.Lock()
	var chans []chan int
	var pids []defs.Pid_t
	for _, p := range m.table {
		if p != nil && p.Parent == waiter.Pid {
			ch := make(chan int, 1)
			p.mu.Lock()
			p.waiters = append(p.waiters, ch)
			p.mu.Unlock()
			chans = append(chans, ch)
			pids = append(pids, p.Pid)
		}
	}
	m.mu.Unlock()
	if len(chans) == 0 {
		return defs.NoPid, 0, fmt.Errorf("proc: no children to wait for")
	}

	type result struct {
		pid    defs.Pid_t
		status int
	}
	done := make(chan result, 1)
	for i, ch := range chans {
		i, ch := i, ch
		go func() {
			status, ok := <-ch
			if ok {
				select {
				case done <- result{pids[i], status}:
				default:
				}
			}
		}()
	}
	r := <-done
	return r.pid, r.status, nil
}

// Status fills dst with up to len(dst) live processes' (pid, name,
// state) snapshot, for SYS_PROCESS_STATUS.
func (m *Manager) Status(dst []PCB) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.table {
		if p == nil || n >= len(dst) {
			continue
		}
		p.mu.Lock()
		dst[n] = PCB{Pid: p.Pid, Tid: p.Tid, Name: p.Name, Parent: p.Parent, state: p.state}
		p.mu.Unlock()
		n++
	}
	return n
}
