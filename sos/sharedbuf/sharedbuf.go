// Package sharedbuf implements the per-process copy buffer the syscall
// loop reads path strings and read/write payloads through: one page
// mapped into both the client's and the root server's address spaces,
// with the client staging data there before trapping in. The table is
// indexed by pid rather than sized to a fixed maximum address-space
// count.
package sharedbuf

import (
	"fmt"
	"sync"

	"sos/defs"
)

// Size is the copy buffer's byte capacity: one page.
const Size = defs.PGSIZE

// Table holds one buffer per live process.
type Table struct {
	mu  sync.Mutex
	buf map[defs.Pid_t]*[Size]byte
}

// New builds an empty shared buffer table.
func New() *Table {
	return &Table{buf: make(map[defs.Pid_t]*[Size]byte)}
}

// Alloc installs a fresh zeroed buffer for pid, matching the allocation
// that happens alongside address-space creation.
func (t *Table) Alloc(pid defs.Pid_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf[pid] = &[Size]byte{}
}

// Free releases pid's buffer at process teardown.
func (t *Table) Free(pid defs.Pid_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buf, pid)
}

// Buffer returns pid's raw copy buffer.
func (t *Table) Buffer(pid defs.Pid_t) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buf[pid]
	if !ok {
		return nil, fmt.Errorf("sharedbuf: no buffer for pid %d", pid)
	}
	return b[:], nil
}

// ReadString reads a NUL-terminated path string out of pid's buffer,
// the convention open/remove-style syscalls use to pass a path through
// shared memory instead of a fixed-size argument.
func (t *Table) ReadString(pid defs.Pid_t) (string, error) {
	b, err := t.Buffer(pid)
	if err != nil {
		return "", err
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return "", fmt.Errorf("sharedbuf: unterminated string in pid %d buffer", pid)
}

// WriteString writes s plus a terminating NUL into pid's buffer,
// returning defs.PATHINV if it (plus the terminator) does not fit.
func (t *Table) WriteString(pid defs.Pid_t, s string) error {
	if len(s)+1 > Size {
		return fmt.Errorf("sharedbuf: %w", errPathInv)
	}
	b, err := t.Buffer(pid)
	if err != nil {
		return err
	}
	n := copy(b, s)
	b[n] = 0
	return nil
}

var errPathInv = fmt.Errorf(defs.PATHINV.String())

// CopyIn copies up to len(dst) bytes from pid's buffer into dst.
func (t *Table) CopyIn(pid defs.Pid_t, dst []byte) (int, error) {
	b, err := t.Buffer(pid)
	if err != nil {
		return 0, err
	}
	return copy(dst, b), nil
}

// CopyOut copies src into pid's buffer, truncating to Size.
func (t *Table) CopyOut(pid defs.Pid_t, src []byte) (int, error) {
	b, err := t.Buffer(pid)
	if err != nil {
		return 0, err
	}
	return copy(b, src), nil
}
