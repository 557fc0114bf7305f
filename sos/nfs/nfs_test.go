package nfs

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"sos/defs"
	"sos/vfs"
)

type fakeBackend struct {
	mu       sync.Mutex
	files    map[string]string // path -> content
	handles  map[string]Handle
	nextID   int
	removed  []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{files: make(map[string]string), handles: make(map[string]Handle)}
}

func (b *fakeBackend) Lookup(ctx context.Context, path string) (Handle, defs.Stat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	content, ok := b.files[path]
	if !ok {
		return Handle{}, defs.Stat{}, fmt.Errorf("nfs: no such file %s", path)
	}
	return b.handles[path], defs.Stat{Type: defs.ST_FILE, Size: int64(len(content))}, nil
}

func (b *fakeBackend) Create(ctx context.Context, path string, mode defs.Fmode_t) (Handle, defs.Stat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	h := Handle{ID: fmt.Sprintf("h%d", b.nextID)}
	b.files[path] = ""
	b.handles[path] = h
	return h, defs.Stat{Type: defs.ST_FILE}, nil
}

func (b *fakeBackend) pathFor(h Handle) string {
	for p, hh := range b.handles {
		if hh == h {
			return p
		}
	}
	return ""
}

func (b *fakeBackend) Read(ctx context.Context, h Handle, pos int64, buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	content := b.files[b.pathFor(h)]
	if pos >= int64(len(content)) {
		return 0, nil
	}
	return copy(buf, content[pos:]), nil
}

func (b *fakeBackend) Write(ctx context.Context, h Handle, pos int64, buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pathFor(h)
	b.files[p] = b.files[p] + string(buf)
	return len(buf), nil
}

func (b *fakeBackend) Stat(ctx context.Context, h Handle) (defs.Stat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return defs.Stat{Type: defs.ST_FILE, Size: int64(len(b.files[b.pathFor(h)]))}, nil
}

func (b *fakeBackend) Readdir(ctx context.Context, h Handle, cookie int) (names []string, nextCookie int, eof bool, err error) {
	return nil, 0, true, nil
}

func (b *fakeBackend) Remove(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.files[path]; !ok {
		return fmt.Errorf("nfs: no such file %s", path)
	}
	delete(b.files, path)
	delete(b.handles, path)
	b.removed = append(b.removed, path)
	return nil
}

func TestOpenExistingFileLooksUpOnly(t *testing.T) {
	be := newFakeBackend()
	be.files["/a"] = "hi"
	be.handles["/a"] = Handle{ID: "h1"}
	d := NewDriver(be, 4)

	if err := d.Open("/a", defs.FM_READ); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if d.Inflight() != 0 {
		t.Fatalf("Inflight() after Open completed = %d, want 0", d.Inflight())
	}
}

func TestOpenMissingFileWithWriteCreatesIt(t *testing.T) {
	be := newFakeBackend()
	d := NewDriver(be, 4)
	if err := d.Open("/new", defs.FM_WRITE); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := be.files["/new"]; !ok {
		t.Fatal("backend has no record of the created file")
	}
}

func TestOpenMissingFileReadOnlyFails(t *testing.T) {
	be := newFakeBackend()
	d := NewDriver(be, 4)
	if err := d.Open("/missing", defs.FM_READ); err == nil {
		t.Fatal("Open succeeded for a missing file opened read-only")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	be := newFakeBackend()
	d := NewDriver(be, 4)
	if err := d.Open("/f", defs.FM_WRITE); err != nil {
		t.Fatalf("Open: %v", err)
	}
	v := &vfs.VNode{Path: "/f"}
	if _, err := d.Write(v, 0, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 5)
	n, err := d.Read(v, 0, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Fatalf("Read = (%d, %q), want (5, \"hello\")", n, buf)
	}
}

func TestReadWithoutOpenFails(t *testing.T) {
	be := newFakeBackend()
	d := NewDriver(be, 4)
	v := &vfs.VNode{Path: "/never-opened"}
	if _, err := d.Read(v, 0, make([]byte, 4)); err == nil {
		t.Fatal("Read succeeded against a path never opened")
	}
}

func TestRemoveDeletesHandleAndBackendFile(t *testing.T) {
	be := newFakeBackend()
	d := NewDriver(be, 4)
	d.Open("/gone", defs.FM_WRITE)
	if err := d.Remove("/gone"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := be.files["/gone"]; ok {
		t.Fatal("backend still has the file after Remove")
	}
	v := &vfs.VNode{Path: "/gone"}
	if _, err := d.Read(v, 0, make([]byte, 1)); err == nil {
		t.Fatal("Read succeeded on a path after Remove")
	}
}

func TestCloseForgetsHandle(t *testing.T) {
	be := newFakeBackend()
	d := NewDriver(be, 4)
	d.Open("/f", defs.FM_WRITE)
	v := &vfs.VNode{Path: "/f"}
	if err := d.Close(v, defs.FM_WRITE); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := d.Read(v, 0, make([]byte, 1)); err == nil {
		t.Fatal("Read succeeded after Close forgot the handle")
	}
}

func TestStatReturnsBackendSize(t *testing.T) {
	be := newFakeBackend()
	d := NewDriver(be, 4)
	d.Open("/f", defs.FM_WRITE)
	v := &vfs.VNode{Path: "/f"}
	d.Write(v, 0, []byte("12345"))
	st, err := d.Stat("/f")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size != 5 {
		t.Fatalf("Stat size = %d, want 5", st.Size)
	}
}

func TestBeginOpenMatchesSynchronousOpen(t *testing.T) {
	be := newFakeBackend()
	be.files["/a"] = "hi"
	be.handles["/a"] = Handle{ID: "h1"}
	d := NewDriver(be, 4)

	done := make(chan error, 1)
	d.BeginOpen("/a", defs.FM_READ, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("BeginOpen resumed with %v, want nil", err)
	}
}

func TestBeginReadAndBeginWriteRoundTrip(t *testing.T) {
	be := newFakeBackend()
	d := NewDriver(be, 4)
	if err := d.Open("/f", defs.FM_WRITE); err != nil {
		t.Fatalf("Open: %v", err)
	}
	v := &vfs.VNode{Path: "/f"}

	writeDone := make(chan struct {
		n   int
		err error
	}, 1)
	d.BeginWrite(v, 0, []byte("hello"), func(n int, err error) {
		writeDone <- struct {
			n   int
			err error
		}{n, err}
	})
	wr := <-writeDone
	if wr.err != nil || wr.n != 5 {
		t.Fatalf("BeginWrite resumed with (%d, %v), want (5, nil)", wr.n, wr.err)
	}

	buf := make([]byte, 5)
	readDone := make(chan struct {
		n   int
		err error
	}, 1)
	d.BeginRead(v, 0, buf, func(n int, err error) {
		readDone <- struct {
			n   int
			err error
		}{n, err}
	})
	rr := <-readDone
	if rr.err != nil || rr.n != 5 || string(buf) != "hello" {
		t.Fatalf("BeginRead resumed with (%d, %v, %q), want (5, nil, \"hello\")", rr.n, rr.err, buf)
	}
}

func TestBeginGetdirentForMatchesSynchronous(t *testing.T) {
	be := newFakeBackend()
	be.files["/dir"] = ""
	be.handles["/dir"] = Handle{ID: "hdir"}
	d := NewDriver(be, 4)
	if err := d.Open("/dir", defs.FM_READ); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// fakeBackend.Readdir always reports an empty, eof listing, so both
	// forms must agree on NOMORE at position 0.
	wantN, wantErr := d.GetdirentFor(context.Background(), "/dir", 0, make([]byte, 64))

	nameBuf := make([]byte, 64)
	done := make(chan struct {
		n   int
		err error
	}, 1)
	d.BeginGetdirentFor(context.Background(), "/dir", 0, nameBuf, func(n int, err error) {
		done <- struct {
			n   int
			err error
		}{n, err}
	})
	r := <-done
	if r.n != wantN || (r.err == nil) != (wantErr == nil) {
		t.Fatalf("BeginGetdirentFor = (%d, %v), want (%d, %v)", r.n, r.err, wantN, wantErr)
	}
}

func TestGetdirentNotImplemented(t *testing.T) {
	d := NewDriver(newFakeBackend(), 4)
	if _, err := d.Getdirent(0, nil); err == nil {
		t.Fatal("Getdirent succeeded, want not-implemented error")
	}
}
