// Package vm implements one address space's region list and two-level
// software page table: a region is a contiguous [base, base+size) span
// with its own rights, and a lazily-allocated two-level table maps the
// pages actually touched within it.
package vm

import (
	"fmt"
	"sync"

	"sos/defs"
	"sos/kernel"
	"sos/util"
)

// RegionType classifies a region for accounting and heap/stack growth
// decisions.
type RegionType int

const (
	RegionStack RegionType = iota
	RegionHeap
	RegionOther
	RegionThreadInit
)

// Region is one mapped span of an address space.
type Region struct {
	Type       RegionType
	Base       uintptr
	Size       uintptr
	Rights     defs.Rights
	// MapDirectly marks a region whose frames are the faulting address
	// itself (used only for the root server's own identity-mapped
	// space); false for every ordinary user region.
	MapDirectly bool
	// ElfFilesize bounds how much of the region is backed by file data;
	// bytes beyond it within the region are demand-zeroed (bss tail).
	ElfFilesize uintptr
}

func (r *Region) contains(addr uintptr) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}

const pageTableSize2 = 1024

// pte is one page table entry: the zero value means "not yet backed by
// a frame". resident marks frame as valid; swapped marks swapSlot as
// holding the page's contents after the pager paged it out.
type pte struct {
	frame    int
	resident bool
	swapSlot int
	swapped  bool
}

type pageTable2 struct {
	entries [pageTableSize2]pte
}

// AddressSpace is one process's region list plus lazily allocated
// two-level page table.
type AddressSpace struct {
	mu sync.Mutex

	Space   kernel.SpaceID
	regions []*Region
	level1  map[int]*pageTable2
}

// New creates an empty address space bound to the given kernel space id.
func New(sp kernel.SpaceID) *AddressSpace {
	return &AddressSpace{Space: sp, level1: make(map[int]*pageTable2)}
}

// AddRegion appends a new region to the list; callers are responsible
// for disjointness.
func (as *AddressSpace) AddRegion(r *Region) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.regions = append(as.regions, r)
}

// FindRegion returns the region containing addr, or nil.
func (as *AddressSpace) FindRegion(addr uintptr) *Region {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.regions {
		if r.contains(addr) {
			return r
		}
	}
	return nil
}

// Regions returns a snapshot of the region list, used by Destroy and by
// callers that need to place a new region above the existing image.
func (as *AddressSpace) Regions() []*Region {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]*Region, len(as.regions))
	copy(out, as.regions)
	return out
}

// TopAddr returns the highest address any region currently occupies,
// page-aligned up, the base a loader uses to place a new region (stack,
// heap) above the existing image.
func (as *AddressSpace) TopAddr(pagesize uintptr) uintptr {
	as.mu.Lock()
	defer as.mu.Unlock()
	var top uintptr
	for _, r := range as.regions {
		top = util.Max(top, r.Base+r.Size)
	}
	return util.Roundup(top, pagesize)
}

func pageAlignUp(addr, pagesize uintptr) uintptr {
	return util.Roundup(addr, pagesize)
}

func pageIndex(addr uintptr, pagesize uintptr) int {
	return int(addr / pagesize)
}

// entryFor returns the PTE slot for addr, allocating the second-level
// table on first touch.
func (as *AddressSpace) entryFor(addr uintptr, pagesize uintptr) *pte {
	idx := pageIndex(addr, pagesize)
	l1 := idx / pageTableSize2
	l2 := idx % pageTableSize2
	t, ok := as.level1[l1]
	if !ok {
		t = &pageTable2{}
		as.level1[l1] = t
	}
	return &t.entries[l2]
}

// Translate looks up the frame currently backing addr, if resident.
func (as *AddressSpace) Translate(addr uintptr, pagesize uintptr) (frame int, resident bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	e := as.entryFor(addr, pagesize)
	return e.frame, e.resident
}

// SetResident installs frame as the mapping for addr.
func (as *AddressSpace) SetResident(addr uintptr, pagesize uintptr, frame int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	e := as.entryFor(addr, pagesize)
	*e = pte{frame: frame, resident: true}
}

// SetSwapped records that addr's contents now live at swap slot, freeing
// its frame from the caller's perspective.
func (as *AddressSpace) SetSwapped(addr uintptr, pagesize uintptr, slot int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	e := as.entryFor(addr, pagesize)
	*e = pte{swapSlot: slot, swapped: true}
}

// SwapSlot returns the slot previously recorded by SetSwapped.
func (as *AddressSpace) SwapSlot(addr uintptr, pagesize uintptr) (slot int, swapped bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	e := as.entryFor(addr, pagesize)
	return e.swapSlot, e.swapped
}

// Walk invokes fn for every resident PTE. Destroy and the pager do not
// call it.
func (as *AddressSpace) Walk(pagesize uintptr, fn func(addr uintptr, frame int)) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for l1idx, t := range as.level1 {
		for l2idx := range t.entries {
			e := &t.entries[l2idx]
			if e.resident {
				addr := uintptr(l1idx*pageTableSize2+l2idx) * pagesize
				fn(addr, e.frame)
			}
		}
	}
}

// Destroy releases every mapping in the address space via k, in
// preparation for the process manager reclaiming the PCB slot.
func (as *AddressSpace) Destroy(k kernel.Microkernel) error {
	as.mu.Lock()
	regions := as.regions
	as.regions = nil
	as.mu.Unlock()
	for _, r := range regions {
		_ = r
	}
	if err := k.AddrspaceDestroy(as.Space); err != nil {
		return fmt.Errorf("vm: destroy address space: %w", err)
	}
	return nil
}
