// Package pipefs implements anonymous byte pipes: a fixed-capacity ring
// buffer shared between a read end and a write end, with blocking reads
// and writes, using the same circular-buffer idiom used elsewhere in
// this tree (head/tail indices modulo capacity).
package pipefs

import (
	"fmt"
	"sync"

	"sos/defs"
	"sos/vfs"
)

const capacity = defs.PGSIZE

// ring is the shared buffer state between a pipe's two ends.
type ring struct {
	mu         sync.Mutex
	buf        [capacity]byte
	head, tail int // both only grow; head-tail is the occupancy, so no separate "full" flag
	closed     bool

	notEmpty *sync.Cond
	notFull  *sync.Cond
}

func newRing() *ring {
	r := &ring{}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r
}

func (r *ring) used() int { return r.head - r.tail }
func (r *ring) full() bool { return r.used() == capacity }
func (r *ring) empty() bool { return r.used() == 0 }

func (r *ring) write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for n < len(p) {
		for r.full() && !r.closed {
			r.notFull.Wait()
		}
		if r.closed {
			return n, fmt.Errorf("pipefs: %w", errClosed)
		}
		hi := r.head % capacity
		r.buf[hi] = p[n]
		r.head++
		n++
		r.notEmpty.Signal()
	}
	return n, nil
}

func (r *ring) read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.empty() && !r.closed {
		r.notEmpty.Wait()
	}
	n := 0
	for n < len(p) && !r.empty() {
		ti := r.tail % capacity
		p[n] = r.buf[ti]
		r.tail++
		n++
	}
	r.notFull.Signal()
	return n, nil
}

func (r *ring) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.notEmpty.Broadcast()
	r.notFull.Broadcast()
}

var errClosed = fmt.Errorf("pipe closed")

// end is one side of a pipe (read or write), implementing vfs.Driver by
// delegating to the shared ring.
type end struct {
	r       *ring
	reading bool
}

// Pipe creates a connected pair of pipe v-nodes: index 0 is the read
// end, index 1 is the write end, matching a Unix pipe(2)-style pair.
func Pipe() (readDriver, writeDriver vfs.Driver) {
	r := newRing()
	return &end{r: r, reading: true}, &end{r: r, reading: false}
}

func (e *end) Open(path string, mode defs.Fmode_t) error {
	return fmt.Errorf("pipefs: %w", errNotImp)
}

func (e *end) Close(v *vfs.VNode, mode defs.Fmode_t) error {
	e.r.close()
	return nil
}

func (e *end) Read(v *vfs.VNode, pos int64, buf []byte) (int, error) {
	if !e.reading {
		return 0, fmt.Errorf("pipefs: %w", errBadMode)
	}
	return e.r.read(buf)
}

func (e *end) Write(v *vfs.VNode, pos int64, buf []byte) (int, error) {
	if e.reading {
		return 0, fmt.Errorf("pipefs: %w", errBadMode)
	}
	return e.r.write(buf)
}

func (e *end) Flush(v *vfs.VNode) error { return nil }

func (e *end) Getdirent(pos int, nameOut []byte) (int, error) {
	return 0, fmt.Errorf("pipefs: %w", errNotImp)
}

func (e *end) Stat(path string) (defs.Stat, error) {
	return defs.Stat{Type: defs.ST_SPECIAL, Fmode: defs.R | defs.W}, nil
}

func (e *end) Remove(path string) error { return fmt.Errorf("pipefs: %w", errNotImp) }

var errNotImp = fmt.Errorf("not implemented for pipe fs")
var errBadMode = fmt.Errorf("wrong end of pipe for this operation")
