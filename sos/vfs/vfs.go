// Package vfs implements the virtual filesystem layer: a path-keyed
// v-node table shared by every process, reader/writer refcounting per
// v-node, and a per-process file descriptor table, backed by a map and
// a slice rather than intrusive linked lists, with the same open/close
// refcount and fd-reuse semantics those lists would give.
package vfs

import (
	"container/list"
	"fmt"
	"sync"

	"sos/defs"
)

const unlimitedRW = -1

// Driver is one filesystem's callback surface: console, NFS, and pipefs
// each implement it. Each method returns its result directly; a driver
// whose operation may not complete before returning also implements
// AsyncOpener, AsyncReader or AsyncWriter below.
type Driver interface {
	Open(path string, mode defs.Fmode_t) error
	Close(v *VNode, mode defs.Fmode_t) error
	Read(v *VNode, pos int64, buf []byte) (n int, err error)
	Write(v *VNode, pos int64, buf []byte) (n int, err error)
	Flush(v *VNode) error
	Getdirent(pos int, nameOut []byte) (n int, err error)
	Stat(path string) (defs.Stat, error)
	Remove(path string) error
}

// AsyncOpener is implemented by drivers whose Open cannot always
// complete synchronously (NFS, waiting on a remote lookup or create
// call): resume runs later, from whatever goroutine the backend call
// completes on, with the error Open would otherwise have returned.
type AsyncOpener interface {
	BeginOpen(path string, mode defs.Fmode_t, resume func(err error))
}

// AsyncReader is Read's continuation-based counterpart, for drivers that
// cannot satisfy a read by the time the caller returns (the console
// waiting on serial input, NFS waiting on a remote read).
type AsyncReader interface {
	BeginRead(v *VNode, pos int64, buf []byte, resume func(n int, err error))
}

// AsyncWriter is Write's continuation-based counterpart.
type AsyncWriter interface {
	BeginWrite(v *VNode, pos int64, buf []byte, resume func(n int, err error))
}

// VNode is one open file's shared state: path, refcounts, and the driver
// that implements its operations.
type VNode struct {
	Path       string
	Driver     Driver
	MaxReaders int // unlimitedRW for no cap
	MaxWriters int

	mu      sync.Mutex
	Readers int
	Writers int
	Stat    defs.Stat

	elem *list.Element
}

// IncRefs applies mode's open to the v-node's refcounts, returning
// defs.WRITEFULL/READFULL if a capacity is exceeded. A reader grant
// that accompanies a failed writer grant is backed out before
// returning, so the two counts never diverge from what was actually
// granted.
func (v *VNode) IncRefs(mode defs.Fmode_t) defs.Err_t {
	v.mu.Lock()
	defer v.mu.Unlock()
	if mode&defs.FM_READ != 0 {
		if v.MaxReaders != unlimitedRW && v.Readers >= v.MaxReaders {
			return defs.READFULL
		}
		v.Readers++
	}
	if mode&defs.FM_WRITE != 0 {
		if v.MaxWriters != unlimitedRW && v.Writers >= v.MaxWriters {
			if mode&defs.FM_READ != 0 {
				v.Readers--
			}
			return defs.WRITEFULL
		}
		v.Writers++
	}
	return 0
}

// DecRefs releases mode's hold on the v-node; it returns the v-node's
// post-decrement total refcount so the caller can decide whether to
// evict it from the table.
func (v *VNode) DecRefs(mode defs.Fmode_t) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if mode&defs.FM_READ != 0 && v.Readers > 0 {
		v.Readers--
	}
	if mode&defs.FM_WRITE != 0 && v.Writers > 0 {
		v.Writers--
	}
	return v.Readers + v.Writers
}

// mount binds a path prefix to the driver that serves it.
type mount struct {
	prefix     string
	driver     Driver
	maxReaders int
	maxWriters int
}

// Table is the global, path-keyed v-node table. container/list backs the
// open-vnode list; the map gives O(1) lookups by path without a linear
// scan.
type Table struct {
	mu     sync.Mutex
	byPath map[string]*list.Element
	order  *list.List
	mounts []mount
}

// NewTable builds an empty v-node table.
func NewTable() *Table {
	return &Table{byPath: make(map[string]*list.Element), order: list.New()}
}

// Mount registers driver as the handler for every path beginning with
// prefix. Longer prefixes take priority over shorter ones, mirroring a
// most-specific-match static route table.
func (t *Table) Mount(prefix string, driver Driver, maxReaders, maxWriters int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mounts = append(t.mounts, mount{prefix, driver, maxReaders, maxWriters})
}

// DriverFor returns the driver mounted over path, for callers (stat,
// remove) that need to reach a driver without going through Open.
func (t *Table) DriverFor(path string) (Driver, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.driverFor(path)
	if !ok {
		return nil, false
	}
	return m.driver, true
}

func (t *Table) driverFor(path string) (mount, bool) {
	best := mount{}
	found := false
	for _, m := range t.mounts {
		if len(path) >= len(m.prefix) && path[:len(m.prefix)] == m.prefix {
			if !found || len(m.prefix) > len(best.prefix) {
				best, found = m, true
			}
		}
	}
	return best, found
}

// Open resolves path to an open v-node: reuse an
// already-open v-node if one exists, otherwise find the mounted driver
// for path, ask it to open (or create) the underlying file, and install
// a fresh v-node carrying that driver's Stat.
func (t *Table) Open(path string, mode defs.Fmode_t) (*VNode, defs.Err_t) {
	t.mu.Lock()
	if e, ok := t.byPath[path]; ok {
		v := e.Value.(*VNode)
		t.mu.Unlock()
		if errno := v.IncRefs(mode); errno != 0 {
			return nil, errno
		}
		return v, 0
	}
	m, ok := t.driverFor(path)
	t.mu.Unlock()
	if !ok {
		return nil, defs.NOVNODE
	}
	return t.finishOpen(m, path, mode, m.driver.Open(path, mode))
}

// finishOpen builds and installs the v-node for a completed (successful
// or failed) driver Open call; shared by Open's synchronous path and
// OpenAsync's deferred completion.
func (t *Table) finishOpen(m mount, path string, mode defs.Fmode_t, openErr error) (*VNode, defs.Err_t) {
	if openErr != nil {
		return nil, defs.NOVNODE
	}
	st, err := m.driver.Stat(path)
	if err != nil {
		return nil, defs.NOVNODE
	}
	v := &VNode{Path: path, Driver: m.driver, MaxReaders: m.maxReaders, MaxWriters: m.maxWriters, Stat: st}
	if errno := v.IncRefs(mode); errno != 0 {
		return nil, errno
	}
	t.Add(v)
	return v, 0
}

// OpenAsync is Open's continuation-based counterpart: when the mounted
// driver implements AsyncOpener, resume is invoked later, from whatever
// goroutine the driver's backend call completes on, and done reports
// false so the caller knows not to reply yet. Every other path (an
// already-open v-node, no mount, or a synchronous driver) completes
// before OpenAsync returns, with done true and resume left uncalled.
func (t *Table) OpenAsync(path string, mode defs.Fmode_t, resume func(*VNode, defs.Err_t)) (v *VNode, errno defs.Err_t, done bool) {
	t.mu.Lock()
	if e, ok := t.byPath[path]; ok {
		vn := e.Value.(*VNode)
		t.mu.Unlock()
		return vn, vn.IncRefs(mode), true
	}
	m, ok := t.driverFor(path)
	t.mu.Unlock()
	if !ok {
		return nil, defs.NOVNODE, true
	}
	if ao, ok := m.driver.(AsyncOpener); ok {
		ao.BeginOpen(path, mode, func(err error) {
			v, errno := t.finishOpen(m, path, mode, err)
			resume(v, errno)
		})
		return nil, 0, false
	}
	v, errno = t.finishOpen(m, path, mode, m.driver.Open(path, mode))
	return v, errno, true
}

// Find returns the v-node open at path, if any.
func (t *Table) Find(path string) (*VNode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byPath[path]
	if !ok {
		return nil, false
	}
	return e.Value.(*VNode), true
}

// Add inserts a freshly opened v-node into the table.
func (t *Table) Add(v *VNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.order.PushFront(v)
	v.elem = e
	t.byPath[v.Path] = e
}

// Remove evicts v from the table, e.g. once its refcount reaches zero.
func (t *Table) Remove(v *VNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.elem != nil {
		t.order.Remove(v.elem)
		v.elem = nil
	}
	delete(t.byPath, v.Path)
}

// Fildes is one entry in a process's file descriptor table: the v-node
// it refers to, the mode it was opened with, and the current file
// position.
type Fildes struct {
	VNode *VNode
	Mode  defs.Fmode_t
	Pos   int64
}

// FileTable is a process's fixed-size array of file descriptor slots.
type FileTable struct {
	mu    sync.Mutex
	slots []*Fildes
}

// NewFileTable builds an empty file table with n descriptor slots.
func NewFileTable(n int) *FileTable {
	return &FileTable{slots: make([]*Fildes, n)}
}

// Alloc finds the lowest free slot and installs fd there.
func (ft *FileTable) Alloc(fd *Fildes) (defs.Fildes_t, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i, s := range ft.slots {
		if s == nil {
			ft.slots[i] = fd
			return defs.Fildes_t(i), nil
		}
	}
	return -1, fmt.Errorf("vfs: %w", errNoMore)
}

var errNoMore = fmt.Errorf("too many open files")

// Get returns the descriptor at slot, if open.
func (ft *FileTable) Get(slot defs.Fildes_t) (*Fildes, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if int(slot) < 0 || int(slot) >= len(ft.slots) {
		return nil, false
	}
	s := ft.slots[slot]
	return s, s != nil
}

// InheritAt installs fd directly at slot, for stdio-by-name inheritance
// into a freshly created child's file table.
func (ft *FileTable) InheritAt(slot defs.Fildes_t, fd *Fildes) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if int(slot) >= 0 && int(slot) < len(ft.slots) {
		ft.slots[slot] = fd
	}
}

// Lookup finds the descriptor open on path (used by stdio inheritance,
// which names the parent's descriptor by its v-node path).
func (ft *FileTable) Lookup(path string) (*Fildes, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for _, s := range ft.slots {
		if s != nil && s.VNode != nil && s.VNode.Path == path {
			return s, true
		}
	}
	return nil, false
}

// Close releases slot and returns the descriptor it held; dropping the
// v-node's refcount is left to the caller.
func (ft *FileTable) Close(slot defs.Fildes_t) (*Fildes, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if int(slot) < 0 || int(slot) >= len(ft.slots) {
		return nil, false
	}
	s := ft.slots[slot]
	ft.slots[slot] = nil
	return s, s != nil
}

// Dup installs the descriptor at from into to, sharing the same
// underlying *Fildes (and so the same file position), and adds one
// reference of the descriptor's mode to its v-node, subject to the
// v-node's reader/writer caps.
func (ft *FileTable) Dup(from, to defs.Fildes_t) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if int(from) < 0 || int(from) >= len(ft.slots) || int(to) < 0 || int(to) >= len(ft.slots) {
		return fmt.Errorf("vfs: descriptor out of range")
	}
	src := ft.slots[from]
	if src == nil {
		return fmt.Errorf("vfs: %w", errBadFd)
	}
	if src.VNode != nil {
		if errno := src.VNode.IncRefs(src.Mode); errno != 0 {
			return fmt.Errorf("vfs: dup: %s", errno.String())
		}
	}
	ft.slots[to] = src
	return nil
}

var errBadFd = fmt.Errorf("no such open file")

// CloseAll releases every open descriptor, for process teardown.
func (ft *FileTable) CloseAll() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i := range ft.slots {
		ft.slots[i] = nil
	}
}
