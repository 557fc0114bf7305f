package swap

import (
	"bytes"
	"testing"
)

// fakeDisk is an in-memory disk.Disk standing in for a real backing file.
type fakeDisk struct {
	pages map[int64][]byte
}

func newFakeDisk() *fakeDisk { return &fakeDisk{pages: make(map[int64][]byte)} }

func (d *fakeDisk) ReadPage(page int64, buf []byte) error {
	if p, ok := d.pages[page]; ok {
		copy(buf, p)
	}
	return nil
}

func (d *fakeDisk) WritePage(page int64, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	d.pages[page] = cp
	return nil
}

func (d *fakeDisk) Sync() error  { return nil }
func (d *fakeDisk) Close() error { return nil }

func TestAllocFreeReusesSlots(t *testing.T) {
	sf := Init(newFakeDisk(), 4)
	if sf.Capacity() != 4 || sf.Usage() != 0 {
		t.Fatalf("fresh file: capacity=%d usage=%d, want 4/0", sf.Capacity(), sf.Usage())
	}

	s0, err := sf.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if sf.Usage() != 1 {
		t.Fatalf("usage after one alloc = %d, want 1", sf.Usage())
	}
	sf.Free(s0)
	if sf.Usage() != 0 {
		t.Fatalf("usage after free = %d, want 0", sf.Usage())
	}
	s1, err := sf.Alloc()
	if err != nil {
		t.Fatalf("Alloc after free: %v", err)
	}
	if s1 != s0 {
		t.Fatalf("Alloc after free returned %d, want reused slot %d", s1, s0)
	}
}

func TestAllocExhaustion(t *testing.T) {
	sf := Init(newFakeDisk(), 2)
	if _, err := sf.Alloc(); err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	if _, err := sf.Alloc(); err != nil {
		t.Fatalf("second alloc: %v", err)
	}
	if _, err := sf.Alloc(); err == nil {
		t.Fatal("Alloc succeeded past capacity")
	}
}

func TestReadWriteSlot(t *testing.T) {
	sf := Init(newFakeDisk(), 4)
	slot, _ := sf.Alloc()
	want := bytes.Repeat([]byte{0x11}, 4096)
	if err := sf.WriteSlot(slot, want); err != nil {
		t.Fatalf("WriteSlot: %v", err)
	}
	got := make([]byte, 4096)
	if err := sf.ReadSlot(slot, got); err != nil {
		t.Fatalf("ReadSlot: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("ReadSlot did not return what WriteSlot wrote")
	}
}

func TestDefaultSingleton(t *testing.T) {
	if Default() != nil {
		t.Skip("another test already installed a default swap file")
	}
	sf := Init(newFakeDisk(), 4)
	InitDefault(sf)
	if Default() != sf {
		t.Fatal("Default() did not return the file passed to InitDefault")
	}
}

func TestDefaultCapacityFitsOnePage(t *testing.T) {
	c := DefaultCapacity(4096)
	if c <= 0 {
		t.Fatalf("DefaultCapacity(4096) = %d, want positive", c)
	}
	// slots is an []int32, so the capacity must actually fit in one page
	// alongside the bookkeeping header.
	if c*4+16 > 4096 {
		t.Fatalf("DefaultCapacity(4096) = %d slots does not fit in one page", c)
	}
}
