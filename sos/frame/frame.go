// Package frame implements the physical frame table: allocation, the
// clock-hand victim walk the pager uses for replacement, and per-frame
// leak-diagnosis bookkeeping. The table itself is an arena indexed by
// frame number with an intrusive free list threaded through the frames
// themselves, avoiding a separate free-list allocation.
package frame

import (
	"sync"

	"sos/kernel"
)

// Reason records why a frame was allocated, for leak diagnosis.
type Reason int

const (
	Stack Reason = iota
	Swapfile
	Morecore
	Swappin
	MmapRead
	Pagetable1
	Pagetable2
	Allocframes
	Pageralloc
)

func (r Reason) String() string {
	switch r {
	case Stack:
		return "stack"
	case Swapfile:
		return "swapfile"
	case Morecore:
		return "morecore"
	case Swappin:
		return "swappin"
	case MmapRead:
		return "mmap_read"
	case Pagetable1:
		return "pagetable1"
	case Pagetable2:
		return "pagetable2"
	case Allocframes:
		return "allocframes"
	case Pageralloc:
		return "pageralloc"
	default:
		return "unknown"
	}
}

// entry is one physical frame's bookkeeping. When free, next chains it
// into the free list; when allocated, owner/reason describe who holds it
// and why, and pinned excludes it from the clock walk.
type entry struct {
	free   bool
	next   int // free-list link; -1 at the tail
	reason Reason
	pinned bool
	// accessed is the clock algorithm's reference bit: set by Touch on
	// every translation the pager installs or revalidates, and cleared by
	// NextVictim's first pass rather than evicted outright, giving a
	// recently touched frame one more sweep before it can be chosen.
	accessed bool
	// owner is an opaque back-pointer (e.g. a *vm.Region/vaddr pair encoded
	// by the caller) so the pager can locate the PTE mapping this frame
	// when it is chosen as a swap victim.
	owner interface{}
}

// Table is the frame table. One Table is shared by every address space;
// frame numbers are indices into the kernel's physical arena.
type Table struct {
	mu sync.Mutex

	entries []entry
	freeHd  int // head of the free list, -1 if none
	nfree   int

	clockHand int

	allocCounts map[Reason]int64
}

// New builds a frame table over n physical frames, all initially free.
func New(n int) *Table {
	t := &Table{
		entries:     make([]entry, n),
		allocCounts: make(map[Reason]int64),
	}
	for i := range t.entries {
		t.entries[i] = entry{free: true, next: i + 1}
	}
	if n > 0 {
		t.entries[n-1].next = -1
	}
	t.freeHd = 0
	if n == 0 {
		t.freeHd = -1
	}
	t.nfree = n
	return t
}

// Alloc removes one frame from the free list, records reason for leak
// diagnosis, and returns its frame number. ok is false when the table is
// exhausted; callers fall back to the pager's swap-out path.
func (t *Table) Alloc(reason Reason) (frameNo int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.freeHd == -1 {
		return 0, false
	}
	f := t.freeHd
	t.freeHd = t.entries[f].next
	t.nfree--
	t.entries[f] = entry{free: false, reason: reason}
	t.allocCounts[reason]++
	return f, true
}

// Free returns frame f to the free list.
func (t *Table) Free(f int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[f] = entry{free: true, next: t.freeHd}
	t.freeHd = f
	t.nfree++
}

// Pin/Unpin exclude a frame from clock victim selection, e.g. while its
// contents are being copied in or out over a disk request.
func (t *Table) Pin(f int)   { t.mu.Lock(); t.entries[f].pinned = true; t.mu.Unlock() }
func (t *Table) Unpin(f int) { t.mu.Lock(); t.entries[f].pinned = false; t.mu.Unlock() }

// SetOwner records the mapping (address space, region, vaddr) that
// currently backs frame f, so the clock walk's caller can locate and
// invalidate the PTE when evicting it.
func (t *Table) SetOwner(f int, owner interface{}) {
	t.mu.Lock()
	t.entries[f].owner = owner
	t.mu.Unlock()
}

// Owner returns the owner previously recorded with SetOwner.
func (t *Table) Owner(f int) interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[f].owner
}

// Touch sets frame f's reference bit, giving it one more chance before
// NextVictim can select it for eviction. The pager calls this on every
// fault it resolves against an already- or newly-resident page.
func (t *Table) Touch(f int) {
	t.mu.Lock()
	t.entries[f].accessed = true
	t.mu.Unlock()
}

// NextVictim sweeps the clock hand over allocated, unpinned frames and
// returns the first one whose reference bit is clear. A frame with its
// bit set is not taken at once: the bit is cleared and the frame
// skipped, so a touched frame becomes a victim only when the hand comes
// back to it with no touch in between. Two passes bound the walk even
// when every frame is currently marked accessed.
func (t *Table) NextVictim() (frameNo int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.entries)
	if n == 0 {
		return 0, false
	}
	for pass := 0; pass < 2; pass++ {
		for i := 0; i < n; i++ {
			f := t.clockHand
			t.clockHand = (t.clockHand + 1) % n
			e := &t.entries[f]
			if e.free || e.pinned {
				continue
			}
			if e.accessed {
				e.accessed = false
				continue
			}
			return f, true
		}
	}
	return 0, false
}

// AllocatedCount, FreeCount, Total report the table's occupancy.
func (t *Table) AllocatedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries) - t.nfree
}

func (t *Table) FreeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nfree
}

func (t *Table) Total() int { return len(t.entries) }

// LeakCounts returns a snapshot of cumulative allocations by reason, fed
// to the leak-diagnosis profile dump.
func (t *Table) LeakCounts() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.allocCounts))
	for r, n := range t.allocCounts {
		out[r.String()] = n
	}
	return out
}

// Bytes returns the frame's backing storage out of the microkernel's
// arena, for code that needs to read or write its contents directly
// (swap-in/out, zero-fill).
func Bytes(k *kernel.Sim, f int) []byte {
	return k.FrameBytes(f)
}
