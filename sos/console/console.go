// Package console implements the console device driver: a buffered
// writer that flushes on a full buffer or an explicit flush, and a
// single-outstanding-reader-per-v-node read path fed by serial interrupt
// bytes accumulated until newline or the request buffer fills,
// generalized from a single fixed console to any number of console
// v-nodes.
package console

import (
	"fmt"
	"sync"

	"golang.org/x/text/transform"

	"sos/defs"
	"sos/vfs"
)

const bufSize = 4096

// Sink is where a flushed write buffer goes: a narrow interface so
// console can be driven by a test double or a real serial backend.
type Sink interface {
	Send(buf []byte) (int, error)
}

// readRequest is the single outstanding reader a console v-node can
// have: a second concurrent read is rejected rather than queued. resume
// is called exactly once, from whichever goroutine calls Feed, with the
// number of bytes the request ends up satisfied with.
type readRequest struct {
	buf    []byte
	nbyte  int
	rbyte  int
	resume func(n int)
}

// Device is one console file's state.
type Device struct {
	mu        sync.Mutex
	sink      Sink
	writeBuf  []byte
	writeUsed int

	reader *readRequest

	// discipline normalizes CRLF to LF in bytes written to the console
	// (doWrite); input handed to Feed is not run through it.
	discipline transform.Transformer
}

// New builds a console device writing through sink.
func New(sink Sink) *Device {
	return &Device{
		sink:       sink,
		writeBuf:   make([]byte, bufSize),
		discipline: crlfToLF{},
	}
}

var errNotImp = fmt.Errorf("not implemented for console fs")

type readFullErr struct{}

func (readFullErr) Error() string { return defs.READFULL.String() }

// beginRead registers buf as the single outstanding read request,
// returning defs.READFULL immediately if one is already outstanding.
// Otherwise resume is called later, from whatever goroutine calls Feed,
// once serial input satisfies the request (a newline or a full buffer);
// beginRead itself never blocks its caller.
func (d *Device) beginRead(buf []byte, resume func(n int)) error {
	d.mu.Lock()
	if d.reader != nil {
		d.mu.Unlock()
		return readFullErr{}
	}
	d.reader = &readRequest{buf: buf, nbyte: len(buf), resume: resume}
	d.mu.Unlock()
	return nil
}

// doRead is beginRead's blocking form, for callers (tests, and direct
// vfs.Driver.Read callers) with no event loop to resume into.
func (d *Device) doRead(buf []byte) (int, error) {
	done := make(chan int, 1)
	if err := d.beginRead(buf, func(n int) { done <- n }); err != nil {
		return 0, err
	}
	return <-done, nil
}

// Feed delivers one chunk of serial input, byte for byte as received,
// to the outstanding reader, if any, completing it on newline or
// buffer-full.
func (d *Device) Feed(chunk []byte) {
	d.mu.Lock()
	req := d.reader
	if req == nil {
		d.mu.Unlock()
		return
	}
	for _, c := range chunk {
		if req.rbyte < req.nbyte {
			req.buf[req.rbyte] = c
			req.rbyte++
		}
		if c == '\n' || req.rbyte >= req.nbyte {
			d.reader = nil
			d.mu.Unlock()
			req.resume(req.rbyte)
			return
		}
	}
	d.mu.Unlock()
}

// doWrite runs buf through the line discipline and appends the result to
// the write buffer, flushing to the sink whenever it fills.
func (d *Device) doWrite(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	norm := make([]byte, len(buf)*2)
	nDst, _, _ := d.discipline.Transform(norm, buf, true)
	d.discipline.Reset()
	buf = norm[:nDst]

	for i := 0; i < len(buf); {
		for d.writeUsed < bufSize && i < len(buf) {
			d.writeBuf[d.writeUsed] = buf[i]
			d.writeUsed++
			i++
		}
		if d.writeUsed >= bufSize {
			if _, err := d.flushLocked(); err != nil {
				return i, err
			}
		}
	}
	return len(buf), nil
}

// doFlush forces out any buffered write data.
func (d *Device) doFlush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.flushLocked()
	return err
}

func (d *Device) flushLocked() (int, error) {
	n, err := d.sink.Send(d.writeBuf[:d.writeUsed])
	d.writeUsed = 0
	return n, err
}

// Driver adapts a Device to the vfs.Driver interface. The console device
// ignores the VNode argument most filesystem calls carry (there is only
// ever one console file), unlike NFS or pipefs where it selects among
// several open files.
type Driver struct {
	*Device
	stat defs.Stat
}

// NewDriver wraps dev as a vfs.Driver, advertising st as the v-node's
// fixed stat info (a special file's size/mode never change).
func NewDriver(dev *Device, st defs.Stat) *Driver {
	return &Driver{Device: dev, stat: st}
}

// Open is a no-op: the console device already exists before any process
// opens it, so there is nothing to create or look up.
func (d *Driver) Open(path string, mode defs.Fmode_t) error { return nil }

// Close is a no-op: the console's buffered writer and accumulation state
// persist across opens rather than being torn down per file descriptor.
func (d *Driver) Close(v *vfs.VNode, mode defs.Fmode_t) error { return nil }

func (d *Driver) Read(v *vfs.VNode, pos int64, buf []byte) (int, error) {
	return d.doRead(buf)
}

// BeginRead is console's vfs.AsyncReader implementation: it never blocks
// the caller, instead arranging for resume to run once Feed supplies
// enough serial input to satisfy buf.
func (d *Driver) BeginRead(v *vfs.VNode, pos int64, buf []byte, resume func(n int, err error)) {
	if err := d.beginRead(buf, func(n int) { resume(n, nil) }); err != nil {
		resume(0, err)
	}
}

func (d *Driver) Write(v *vfs.VNode, pos int64, buf []byte) (int, error) {
	return d.doWrite(buf)
}

func (d *Driver) Flush(v *vfs.VNode) error { return d.doFlush() }

func (d *Driver) Getdirent(pos int, nameOut []byte) (int, error) {
	return 0, fmt.Errorf("console: %w", errNotImp)
}

func (d *Driver) Stat(path string) (defs.Stat, error) { return d.stat, nil }

func (d *Driver) Remove(path string) error { return fmt.Errorf("console: %w", errNotImp) }

// crlfToLF is the console's line discipline: a transform.Transformer
// collapsing CRLF sequences to a bare LF, the one normalization rule
// left to the terminal emulator on the far end of the serial link.
type crlfToLF struct{ transform.NopResetter }

func (crlfToLF) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c == '\r' {
			if nSrc+1 < len(src) && src[nSrc+1] == '\n' {
				nSrc++
				continue
			}
			if !atEOF && nSrc+1 == len(src) {
				return nDst, nSrc, transform.ErrShortSrc
			}
			c = '\n'
		}
		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	return nDst, nSrc, nil
}
