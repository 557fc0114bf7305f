// Package pager implements demand paging: resolving a fault to a region,
// allocating or evicting a frame, refilling its contents (zero, swap-in,
// or image data) and installing the translation, using a frame table
// paired with a swap file and clock-hand eviction rather than a single
// flat frame-number-as-address scheme.
package pager

import (
	"fmt"

	"sos/defs"
	"sos/frame"
	"sos/kernel"
	"sos/swap"
	"sos/vm"
)

// owner is the back-pointer frame.Table.SetOwner records against a
// resident frame, letting the clock sweep find the PTE to invalidate.
type owner struct {
	as   *vm.AddressSpace
	addr uintptr
}

// Pager ties together the frame table, swap file, and microkernel mapping
// calls used to resolve a fault in any address space.
type Pager struct {
	k        kernel.Microkernel
	frames   *frame.Table
	sf       *swap.File
	pagesize int
}

// New builds a pager over the given frame table and swap file.
func New(k kernel.Microkernel, frames *frame.Table, sf *swap.File, pagesize int) *Pager {
	return &Pager{k: k, frames: frames, sf: sf, pagesize: pagesize}
}

// Fault resolves one page fault at addr in as, mapping a frame with the
// enclosing region's rights, covering swap-in and eviction:
//
//  1. align addr down to a page boundary
//  2. find the region containing addr; no region is a segmentation fault
//  3. look up the PTE; if already resident, this is a spurious/duplicate
//     fault (another thread raced us) and we just re-map
//  4. if the PTE records a swap slot, evict a victim frame if none are
//     free, read the slot's contents into the fresh frame, and free the
//     slot
//  5. otherwise this is a first touch: zero-fill (or leave to the caller
//     to copy in image data for a direct-mapped region)
//  6. record ownership on the frame table for future eviction
//  7. install the PTE as resident
//  8. map the frame into the address space with the region's rights
//  9. on any allocation failure, return the error to the caller
func (p *Pager) Fault(as *vm.AddressSpace, faultAddr uintptr, write bool) error {
	addr := faultAddr &^ uintptr(p.pagesize-1)

	r := as.FindRegion(addr)
	if r == nil {
		return fmt.Errorf("pager: segmentation fault at %#x", addr)
	}
	if write && r.Rights&defs.W == 0 {
		return fmt.Errorf("pager: write fault in read-only region at %#x", addr)
	}

	if f, resident := as.Translate(addr, uintptr(p.pagesize)); resident {
		p.frames.Touch(f)
		return p.k.MapFpage(as.Space, addr, kernel.PhysDesc{Frame: f, Rights: r.Rights})
	}

	if r.MapDirectly {
		return p.k.MapFpage(as.Space, addr, kernel.PhysDesc{Frame: int(addr) / p.pagesize, Rights: r.Rights})
	}

	f, err := p.allocFrame(frame.Pageralloc)
	if err != nil {
		return err
	}

	if slot, swapped := as.SwapSlot(addr, uintptr(p.pagesize)); swapped {
		if err := p.sf.ReadSlot(slot, frame.Bytes(p.kSim(), f)); err != nil {
			p.frames.Free(f)
			return fmt.Errorf("pager: swap-in slot %d: %w", slot, err)
		}
		p.sf.Free(slot)
	} else {
		buf := frame.Bytes(p.kSim(), f)
		for i := range buf {
			buf[i] = 0
		}
	}

	p.frames.SetOwner(f, owner{as: as, addr: addr})
	as.SetResident(addr, uintptr(p.pagesize), f)
	p.frames.Touch(f)

	return p.k.MapFpage(as.Space, addr, kernel.PhysDesc{Frame: f, Rights: r.Rights})
}

// allocFrame allocates a free frame, evicting a clock victim via
// EvictOne first if the table is exhausted.
func (p *Pager) allocFrame(reason frame.Reason) (int, error) {
	if f, ok := p.frames.Alloc(reason); ok {
		return f, nil
	}
	if err := p.EvictOne(); err != nil {
		return 0, err
	}
	f, ok := p.frames.Alloc(reason)
	if !ok {
		return 0, fmt.Errorf("pager: %w", errNoMem)
	}
	return f, nil
}

var errNoMem = fmt.Errorf("out of frames and swap")

// EvictOne runs the clock hand to the next unpinned resident frame,
// writes its contents to a fresh swap slot, invalidates its mapping, and
// returns it to the frame table. Its only caller, allocFrame, runs it
// once the frame table has no free frame left.
func (p *Pager) EvictOne() error {
	f, ok := p.frames.NextVictim()
	if !ok {
		return fmt.Errorf("pager: no victim frame available")
	}
	ownerAny := p.frames.Owner(f)
	own, ok := ownerAny.(owner)
	if !ok {
		// A frame with no recorded owner (e.g. pagetable storage) cannot
		// be evicted safely; free nothing and report failure, which
		// allocFrame passes on to its caller.
		return fmt.Errorf("pager: victim frame %d has no owner", f)
	}

	slot, err := p.sf.Alloc()
	if err != nil {
		return fmt.Errorf("pager: evict: %w", err)
	}
	if err := p.sf.WriteSlot(slot, frame.Bytes(p.kSim(), f)); err != nil {
		p.sf.Free(slot)
		return fmt.Errorf("pager: evict: write slot: %w", err)
	}

	if err := p.k.UnmapFpage(own.as.Space, own.addr); err != nil {
		p.sf.Free(slot)
		return fmt.Errorf("pager: evict: unmap: %w", err)
	}
	own.as.SetSwapped(own.addr, uintptr(p.pagesize), slot)
	p.frames.Free(f)
	return nil
}

// kSim narrows the Microkernel interface down to the concrete Sim's frame
// arena accessor; the pager only ever runs against the simulation in this
// tree, so this assertion documents that assumption rather than hiding it
// behind an additional interface method every other caller would need to
// implement too.
func (p *Pager) kSim() *kernel.Sim {
	return p.k.(*kernel.Sim)
}
