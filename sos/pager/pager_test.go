package pager

import (
	"bytes"
	"testing"

	"sos/defs"
	"sos/disk"
	"sos/frame"
	"sos/kernel"
	"sos/swap"
	"sos/vm"
)

const pagesize = 4096

type testEnv struct {
	k      *kernel.Sim
	frames *frame.Table
	sf     *swap.File
	pg     *Pager
}

func newTestEnv(t *testing.T, nframes, swapSlots int) *testEnv {
	t.Helper()
	k, err := kernel.NewSim(nframes, pagesize)
	if err != nil {
		t.Fatalf("NewSim: %v", err)
	}
	d, err := disk.Open(t.TempDir()+"/swap.img", pagesize)
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	sf := swap.Init(d, swapSlots)
	frames := frame.New(nframes)
	return &testEnv{k: k, frames: frames, sf: sf, pg: New(k, frames, sf, pagesize)}
}

func newAddrSpace(t *testing.T, k *kernel.Sim) *vm.AddressSpace {
	t.Helper()
	sp, err := k.AddrspaceCreate()
	if err != nil {
		t.Fatalf("AddrspaceCreate: %v", err)
	}
	return vm.New(sp)
}

func TestFaultSegfaultOutsideAnyRegion(t *testing.T) {
	env := newTestEnv(t, 4, 4)
	as := newAddrSpace(t, env.k)
	if err := env.pg.Fault(as, 0x9000, false); err == nil {
		t.Fatal("Fault succeeded at an address with no covering region")
	}
}

func TestFaultWriteToReadOnlyRegion(t *testing.T) {
	env := newTestEnv(t, 4, 4)
	as := newAddrSpace(t, env.k)
	as.AddRegion(&vm.Region{Base: 0x1000, Size: pagesize, Rights: defs.R})
	if err := env.pg.Fault(as, 0x1000, true); err == nil {
		t.Fatal("write fault succeeded against a read-only region")
	}
}

func TestFaultFirstTouchZeroFills(t *testing.T) {
	env := newTestEnv(t, 4, 4)
	as := newAddrSpace(t, env.k)
	as.AddRegion(&vm.Region{Base: 0x1000, Size: pagesize, Rights: defs.R | defs.W})

	if err := env.pg.Fault(as, 0x1000, false); err != nil {
		t.Fatalf("Fault: %v", err)
	}
	f, resident := as.Translate(0x1000, pagesize)
	if !resident {
		t.Fatal("page not resident after Fault")
	}
	buf := frame.Bytes(env.k, f)
	if !bytes.Equal(buf, make([]byte, pagesize)) {
		t.Fatal("first-touch page was not zero-filled")
	}
	phys, ok := env.k.Lookup(as.Space, 0x1000)
	if !ok || phys.Frame != f {
		t.Fatalf("Lookup = (%+v, %v), want frame %d mapped", phys, ok, f)
	}
}

func TestFaultOnAlreadyResidentIsNoOp(t *testing.T) {
	env := newTestEnv(t, 4, 4)
	as := newAddrSpace(t, env.k)
	as.AddRegion(&vm.Region{Base: 0x1000, Size: pagesize, Rights: defs.R | defs.W})
	if err := env.pg.Fault(as, 0x1000, false); err != nil {
		t.Fatalf("first Fault: %v", err)
	}
	before := env.frames.AllocatedCount()
	if err := env.pg.Fault(as, 0x1000, false); err != nil {
		t.Fatalf("second Fault: %v", err)
	}
	if after := env.frames.AllocatedCount(); after != before {
		t.Fatalf("duplicate fault allocated a frame: before=%d after=%d", before, after)
	}
}

func TestEvictOneSwapsOutAndFreesFrame(t *testing.T) {
	env := newTestEnv(t, 1, 4)
	as := newAddrSpace(t, env.k)
	as.AddRegion(&vm.Region{Base: 0x1000, Size: pagesize, Rights: defs.R | defs.W})
	if err := env.pg.Fault(as, 0x1000, false); err != nil {
		t.Fatalf("Fault: %v", err)
	}
	if env.frames.FreeCount() != 0 {
		t.Fatalf("free count = %d, want 0 after filling the only frame", env.frames.FreeCount())
	}

	if err := env.pg.EvictOne(); err != nil {
		t.Fatalf("EvictOne: %v", err)
	}
	if env.frames.FreeCount() != 1 {
		t.Fatalf("free count = %d, want 1 after eviction", env.frames.FreeCount())
	}
	if _, resident := as.Translate(0x1000, pagesize); resident {
		t.Fatal("evicted page still reports resident")
	}
	if _, ok := env.k.Lookup(as.Space, 0x1000); ok {
		t.Fatal("evicted page's mapping was not torn down")
	}
}

func TestFaultSwapsBackInAfterEviction(t *testing.T) {
	env := newTestEnv(t, 1, 4)
	as := newAddrSpace(t, env.k)
	as.AddRegion(&vm.Region{Base: 0x1000, Size: pagesize, Rights: defs.R | defs.W})
	if err := env.pg.Fault(as, 0x1000, false); err != nil {
		t.Fatalf("Fault: %v", err)
	}
	f, _ := as.Translate(0x1000, pagesize)
	copy(frame.Bytes(env.k, f), []byte("hello world"))

	if err := env.pg.EvictOne(); err != nil {
		t.Fatalf("EvictOne: %v", err)
	}
	if err := env.pg.Fault(as, 0x1000, false); err != nil {
		t.Fatalf("re-Fault after eviction: %v", err)
	}
	f2, resident := as.Translate(0x1000, pagesize)
	if !resident {
		t.Fatal("page not resident after swap-in")
	}
	got := frame.Bytes(env.k, f2)[:11]
	if string(got) != "hello world" {
		t.Fatalf("swap-in content = %q, want %q", got, "hello world")
	}
}

func TestFaultAllocatesThroughEvictionWhenFramesExhausted(t *testing.T) {
	env := newTestEnv(t, 1, 4)
	as := newAddrSpace(t, env.k)
	as.AddRegion(&vm.Region{Base: 0x1000, Size: pagesize, Rights: defs.R | defs.W})
	as.AddRegion(&vm.Region{Base: 0x2000, Size: pagesize, Rights: defs.R | defs.W})

	if err := env.pg.Fault(as, 0x1000, false); err != nil {
		t.Fatalf("first Fault: %v", err)
	}
	if err := env.pg.Fault(as, 0x2000, false); err != nil {
		t.Fatalf("second Fault (should evict first page): %v", err)
	}
	if _, resident := as.Translate(0x1000, pagesize); resident {
		t.Fatal("first page still resident after second fault forced an eviction")
	}
	if _, resident := as.Translate(0x2000, pagesize); !resident {
		t.Fatal("second page not resident after allocating through eviction")
	}
}

func TestFaultDirectlyMappedRegionSkipsFrameTable(t *testing.T) {
	env := newTestEnv(t, 1, 4)
	as := newAddrSpace(t, env.k)
	as.AddRegion(&vm.Region{Base: 0, Size: 0x10000, Rights: defs.R | defs.W, MapDirectly: true})
	before := env.frames.AllocatedCount()
	if err := env.pg.Fault(as, 0x3000, false); err != nil {
		t.Fatalf("Fault: %v", err)
	}
	if env.frames.AllocatedCount() != before {
		t.Fatal("direct-mapped fault allocated a frame table entry")
	}
	phys, ok := env.k.Lookup(as.Space, 0x3000)
	if !ok || phys.Frame != 0x3000/pagesize {
		t.Fatalf("Lookup = (%+v, %v), want frame %d", phys, ok, 0x3000/pagesize)
	}
}
