// Package nfs implements the NFS-style remote filesystem driver: a
// token-keyed table of outstanding requests, lookup-then-create-on-ENOENT
// open semantics, and an iterative cookie-based readdir. Outstanding
// requests are admission bounded with a golang.org/x/sync/semaphore
// weighted semaphore, so a slow backend cannot let an unbounded number
// of client requests pile up.
package nfs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"sos/defs"
	"sos/vfs"
)

// Handle is an opaque remote file handle.
type Handle struct {
	ID string
}

// Backend is the remote server collaborator: whatever actually resolves
// paths to handles and serves read/write/stat/readdir/remove. The real
// network transport and NFS client protocol are out of scope; Backend is
// the seam a real implementation (or a test fake) plugs into.
type Backend interface {
	Lookup(ctx context.Context, path string) (Handle, defs.Stat, error)
	Create(ctx context.Context, path string, mode defs.Fmode_t) (Handle, defs.Stat, error)
	Read(ctx context.Context, h Handle, pos int64, buf []byte) (int, error)
	Write(ctx context.Context, h Handle, pos int64, buf []byte) (int, error)
	Stat(ctx context.Context, h Handle) (defs.Stat, error)
	Readdir(ctx context.Context, h Handle, cookie int) (names []string, nextCookie int, eof bool, err error)
	Remove(ctx context.Context, path string) error
}

// requestType classifies an outstanding request for diagnostics.
type requestType int

const (
	rtLookup requestType = iota
	rtRead
	rtWrite
	rtStat
	rtDir
	rtRemove
)

// request is one outstanding call to the backend, tracked by token for
// as long as the call runs. Replies are not matched by token, and no
// call is ever resent.
type request struct {
	rt    requestType
	token uint64
}

// Driver implements vfs.Driver against Backend, with admission control
// bounding how many backend calls can be outstanding at once and a
// token-keyed table of the calls currently in flight.
type Driver struct {
	backend Backend
	sem     *semaphore.Weighted

	mu       sync.Mutex
	handles  map[string]Handle // path -> resolved handle, populated on lookup
	nextTok  uint64
	inflight map[uint64]*request
}

// NewDriver builds an NFS driver bounding outstanding backend calls to
// maxInflight at once.
func NewDriver(backend Backend, maxInflight int64) *Driver {
	return &Driver{
		backend:  backend,
		sem:      semaphore.NewWeighted(maxInflight),
		handles:  make(map[string]Handle),
		inflight: make(map[uint64]*request),
	}
}

func (d *Driver) newToken() uint64 {
	return atomic.AddUint64(&d.nextTok, 1)
}

func (d *Driver) track(rt requestType) uint64 {
	tok := d.newToken()
	d.mu.Lock()
	d.inflight[tok] = &request{rt: rt, token: tok}
	d.mu.Unlock()
	return tok
}

func (d *Driver) untrack(tok uint64) {
	d.mu.Lock()
	delete(d.inflight, tok)
	d.mu.Unlock()
}

// admit bounds the number of concurrent backend calls in flight with a
// semaphore, rather than letting requests queue up unbounded.
func (d *Driver) admit(ctx context.Context) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("nfs: %w", err)
	}
	return nil
}

func (d *Driver) release() { d.sem.Release(1) }

// Open implements lookup-then-create: try to resolve path via the
// backend first, and if that fails create it when the caller asked for
// write access. The lookup error is not inspected, so any lookup
// failure is treated as ENOENT.
func (d *Driver) Open(path string, mode defs.Fmode_t) error {
	ctx := context.Background()
	if err := d.admit(ctx); err != nil {
		return err
	}
	tok := d.track(rtLookup)
	defer func() { d.release(); d.untrack(tok) }()

	h, _, err := d.backend.Lookup(ctx, path)
	if err != nil {
		if mode&defs.FM_WRITE == 0 {
			return fmt.Errorf("nfs: %w", errNoVnode)
		}
		h, _, err = d.backend.Create(ctx, path, mode)
		if err != nil {
			return fmt.Errorf("nfs: create %s: %w", path, err)
		}
	}
	d.mu.Lock()
	d.handles[path] = h
	d.mu.Unlock()
	return nil
}

var errNoVnode = fmt.Errorf(defs.NOVNODE.String())

func (d *Driver) handleFor(path string) (Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handles[path]
	return h, ok
}

func (d *Driver) Close(v *vfs.VNode, mode defs.Fmode_t) error {
	d.mu.Lock()
	delete(d.handles, v.Path)
	d.mu.Unlock()
	return nil
}

func (d *Driver) Read(v *vfs.VNode, pos int64, buf []byte) (int, error) {
	h, ok := d.handleFor(v.Path)
	if !ok {
		return 0, fmt.Errorf("nfs: %w", errNoVnode)
	}
	ctx := context.Background()
	if err := d.admit(ctx); err != nil {
		return 0, err
	}
	tok := d.track(rtRead)
	defer func() { d.release(); d.untrack(tok) }()
	return d.backend.Read(ctx, h, pos, buf)
}

func (d *Driver) Write(v *vfs.VNode, pos int64, buf []byte) (int, error) {
	h, ok := d.handleFor(v.Path)
	if !ok {
		return 0, fmt.Errorf("nfs: %w", errNoVnode)
	}
	ctx := context.Background()
	if err := d.admit(ctx); err != nil {
		return 0, err
	}
	tok := d.track(rtWrite)
	defer func() { d.release(); d.untrack(tok) }()
	return d.backend.Write(ctx, h, pos, buf)
}

func (d *Driver) Flush(v *vfs.VNode) error { return nil }

// Getdirent always returns NOTIMP, since it is not told which directory
// to list; listings go through GetdirentFor below.
func (d *Driver) Getdirent(pos int, nameOut []byte) (int, error) {
	return 0, fmt.Errorf("nfs: %w", errNotImp)
}

var errNotImp = fmt.Errorf(defs.NOTIMP.String())

// GetdirentFor is the v-node-aware form of Getdirent; the plain
// vfs.Driver method above cannot express "which directory", so callers
// that need directory listings use this one directly.
func (d *Driver) GetdirentFor(ctx context.Context, dirPath string, pos int, nameOut []byte) (int, error) {
	h, ok := d.handleFor(dirPath)
	if !ok {
		return 0, fmt.Errorf("nfs: %w", errNoVnode)
	}
	if err := d.admit(ctx); err != nil {
		return 0, err
	}
	tok := d.track(rtDir)
	defer func() { d.release(); d.untrack(tok) }()

	cookie := 0
	var names []string
	for {
		var batch []string
		var eof bool
		var err error
		batch, cookie, eof, err = d.backend.Readdir(ctx, h, cookie)
		if err != nil {
			return 0, fmt.Errorf("nfs: readdir %s: %w", dirPath, err)
		}
		names = append(names, batch...)
		if eof || len(names) > pos {
			break
		}
	}
	if pos >= len(names) {
		return 0, fmt.Errorf("nfs: %w", errNoMore)
	}
	return copy(nameOut, names[pos]), nil
}

var errNoMore = fmt.Errorf(defs.NOMORE.String())

func (d *Driver) Stat(path string) (defs.Stat, error) {
	h, ok := d.handleFor(path)
	if !ok {
		return defs.Stat{}, fmt.Errorf("nfs: %w", errNoVnode)
	}
	ctx := context.Background()
	if err := d.admit(ctx); err != nil {
		return defs.Stat{}, err
	}
	tok := d.track(rtStat)
	defer func() { d.release(); d.untrack(tok) }()
	return d.backend.Stat(ctx, h)
}

func (d *Driver) Remove(path string) error {
	ctx := context.Background()
	if err := d.admit(ctx); err != nil {
		return err
	}
	tok := d.track(rtRemove)
	defer func() { d.release(); d.untrack(tok) }()
	if err := d.backend.Remove(ctx, path); err != nil {
		return fmt.Errorf("nfs: remove %s: %w", path, err)
	}
	d.mu.Lock()
	delete(d.handles, path)
	d.mu.Unlock()
	return nil
}

// Inflight reports the number of requests currently outstanding, for
// diagnostics and tests.
func (d *Driver) Inflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// BeginOpen is Open's vfs.AsyncOpener form: the backend call runs on its
// own goroutine, tracked under the same token bookkeeping as every other
// outstanding request, so the event loop's own goroutine never blocks
// waiting on a remote lookup or create.
func (d *Driver) BeginOpen(path string, mode defs.Fmode_t, resume func(err error)) {
	go func() { resume(d.Open(path, mode)) }()
}

// BeginRead is Read's vfs.AsyncReader form.
func (d *Driver) BeginRead(v *vfs.VNode, pos int64, buf []byte, resume func(n int, err error)) {
	go func() {
		n, err := d.Read(v, pos, buf)
		resume(n, err)
	}()
}

// BeginWrite is Write's vfs.AsyncWriter form.
func (d *Driver) BeginWrite(v *vfs.VNode, pos int64, buf []byte, resume func(n int, err error)) {
	go func() {
		n, err := d.Write(v, pos, buf)
		resume(n, err)
	}()
}

// BeginGetdirentFor is GetdirentFor's async form.
func (d *Driver) BeginGetdirentFor(ctx context.Context, dirPath string, pos int, nameOut []byte, resume func(n int, err error)) {
	go func() {
		n, err := d.GetdirentFor(ctx, dirPath, pos, nameOut)
		resume(n, err)
	}()
}
