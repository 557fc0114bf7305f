package main

import (
	"os"
	"path/filepath"
	"testing"

	"sos/frame"
	"sos/kernel"
	"sos/sharedbuf"
	"sos/vm"
)

func TestFlatLoaderLoadMapsImageAndStack(t *testing.T) {
	dir := t.TempDir()
	const pagesize = 4096
	payload := make([]byte, pagesize+10) // spans two pages, second partial
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := os.WriteFile(filepath.Join(dir, "prog"), payload, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	k, err := kernel.NewSim(8, pagesize)
	if err != nil {
		t.Fatalf("NewSim: %v", err)
	}
	sp, err := k.AddrspaceCreate()
	if err != nil {
		t.Fatalf("AddrspaceCreate: %v", err)
	}
	as := vm.New(sp)

	l := &flatLoader{k: k, frames: frame.New(8), dir: dir, pagesize: pagesize, bufs: sharedbuf.New()}
	ip, spAddr, err := l.Load(as, "prog")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ip != imageBase {
		t.Fatalf("ip = %#x, want %#x", ip, imageBase)
	}
	wantImagePages := uintptr(2)
	wantStackBase := uintptr(imageBase) + wantImagePages*pagesize
	wantSP := wantStackBase + stackSize
	if spAddr != wantSP {
		t.Fatalf("sp = %#x, want %#x", spAddr, wantSP)
	}

	f, resident := as.Translate(imageBase, pagesize)
	if !resident {
		t.Fatal("first image page not resident after Load")
	}
	got := frame.Bytes(k, f)
	for i := 0; i < pagesize; i++ {
		if got[i] != payload[i] {
			t.Fatalf("first page byte %d = %d, want %d", i, got[i], payload[i])
		}
	}

	f2, resident := as.Translate(imageBase+pagesize, pagesize)
	if !resident {
		t.Fatal("second image page not resident after Load")
	}
	got2 := frame.Bytes(k, f2)
	for i := 0; i < 10; i++ {
		if got2[i] != payload[pagesize+i] {
			t.Fatalf("second page byte %d = %d, want %d", i, got2[i], payload[pagesize+i])
		}
	}
	for i := 10; i < pagesize; i++ {
		if got2[i] != 0 {
			t.Fatalf("second page byte %d = %d, want 0 (zero-extended tail)", i, got2[i])
		}
	}

	regions := as.Regions()
	if len(regions) != 2 {
		t.Fatalf("Regions() = %d entries, want 2 (image + stack)", len(regions))
	}
	if regions[0].ElfFilesize != uintptr(len(payload)) {
		t.Fatalf("image region ElfFilesize = %d, want %d", regions[0].ElfFilesize, len(payload))
	}
	if regions[1].Base != wantStackBase || regions[1].Size != stackSize {
		t.Fatalf("stack region = %+v, want base %#x size %#x", regions[1], wantStackBase, stackSize)
	}
}

func TestFlatLoaderMissingFile(t *testing.T) {
	k, _ := kernel.NewSim(4, 4096)
	sp, _ := k.AddrspaceCreate()
	as := vm.New(sp)
	l := &flatLoader{k: k, frames: frame.New(4), dir: t.TempDir(), pagesize: 4096, bufs: sharedbuf.New()}
	if _, _, err := l.Load(as, "nope"); err == nil {
		t.Fatal("Load succeeded for a nonexistent file")
	}
}

func TestFlatLoaderOutOfFrames(t *testing.T) {
	dir := t.TempDir()
	payload := make([]byte, 4096*3)
	os.WriteFile(filepath.Join(dir, "prog"), payload, 0o644)

	k, _ := kernel.NewSim(1, 4096)
	sp, _ := k.AddrspaceCreate()
	as := vm.New(sp)
	l := &flatLoader{k: k, frames: frame.New(1), dir: dir, pagesize: 4096, bufs: sharedbuf.New()}
	if _, _, err := l.Load(as, "prog"); err == nil {
		t.Fatal("Load succeeded despite too few frames for a 3-page image")
	}
}
