package main

import (
	"fmt"
	"os"
	"path/filepath"

	"sos/defs"
	"sos/frame"
	"sos/kernel"
	"sos/sharedbuf"
	"sos/vm"
)

// flatLoader implements proc.Loader by eagerly loading a raw flat binary
// (no ELF parsing, which is explicitly left to a real toolchain rather
// than this tree) into fresh frames mapped at a fixed base address, with
// a stack region placed above the loaded image. It does not allocate the
// process's shared copy buffer; run does that separately.
type flatLoader struct {
	k        *kernel.Sim
	frames   *frame.Table
	dir      string
	pagesize int
	bufs     *sharedbuf.Table
}

const (
	imageBase = 0x400000
	stackSize = 16 * 4096
)

// Load reads dir/name fully into fresh frames mapped starting at
// imageBase, zero-extending the final page, then appends a stack region
// above the image so page faults into it are demand-paged normally by
// the pager.
func (l *flatLoader) Load(as *vm.AddressSpace, name string) (ip, sp uintptr, err error) {
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		return 0, 0, fmt.Errorf("flatLoader: read %s: %w", name, err)
	}

	npages := (len(data) + l.pagesize - 1) / l.pagesize
	if npages == 0 {
		npages = 1
	}

	for i := 0; i < npages; i++ {
		f, ok := l.frames.Alloc(frame.Allocframes)
		if !ok {
			return 0, 0, fmt.Errorf("flatLoader: out of frames loading %s", name)
		}
		buf := frame.Bytes(l.k, f)
		start := i * l.pagesize
		end := start + l.pagesize
		if end > len(data) {
			end = len(data)
		}
		n := copy(buf, data[start:end])
		for ; n < len(buf); n++ {
			buf[n] = 0
		}

		addr := uintptr(imageBase + start)
		as.SetResident(addr, uintptr(l.pagesize), f)
		if err := l.k.MapFpage(as.Space, addr, kernel.PhysDesc{Frame: f, Rights: defs.R | defs.W | defs.X}); err != nil {
			return 0, 0, fmt.Errorf("flatLoader: map %s: %w", name, err)
		}
	}

	imageTop := uintptr(imageBase) + uintptr(npages)*uintptr(l.pagesize)
	as.AddRegion(&vm.Region{
		Type:        vm.RegionOther,
		Base:        imageBase,
		Size:        uintptr(npages) * uintptr(l.pagesize),
		Rights:      defs.R | defs.W | defs.X,
		ElfFilesize: uintptr(len(data)),
	})

	stackBase := imageTop
	as.AddRegion(&vm.Region{
		Type:   vm.RegionStack,
		Base:   stackBase,
		Size:   stackSize,
		Rights: defs.R | defs.W,
	})

	return imageBase, stackBase + stackSize, nil
}
