// Package disk is the backing-store collaborator the pager's swap file
// reads and writes pages through: a narrow interface backed by a real
// file. The NFS driver does not use it; it goes through nfs.Backend.
package disk

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Disk is the disk_* port boundary: block-addressed, page-sized reads and
// writes against a backing file.
type Disk interface {
	// ReadPage reads one page-sized block at the given page index into buf.
	ReadPage(page int64, buf []byte) error
	// WritePage writes buf (exactly one page) to the given page index.
	WritePage(page int64, buf []byte) error
	// Sync flushes any buffering to stable storage.
	Sync() error
	// Close releases the backing file.
	Close() error
}

// File is a Disk backed by a real file, using pread/pwrite so concurrent
// continuations never need to share a file offset.
type File struct {
	mu       sync.Mutex
	f        *os.File
	pagesize int
}

// Open opens (creating if necessary) path as a page-addressed backing
// store of the given page size.
func Open(path string, pagesize int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("disk: open %s: %w", path, err)
	}
	return &File{f: f, pagesize: pagesize}, nil
}

func (d *File) ReadPage(page int64, buf []byte) error {
	if len(buf) != d.pagesize {
		return fmt.Errorf("disk: read buffer size %d != page size %d", len(buf), d.pagesize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := unix.Pread(int(d.f.Fd()), buf, page*int64(d.pagesize))
	if err != nil {
		return fmt.Errorf("disk: pread page %d: %w", page, err)
	}
	for n < len(buf) {
		buf[n] = 0
		n++
	}
	return nil
}

func (d *File) WritePage(page int64, buf []byte) error {
	if len(buf) != d.pagesize {
		return fmt.Errorf("disk: write buffer size %d != page size %d", len(buf), d.pagesize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := unix.Pwrite(int(d.f.Fd()), buf, page*int64(d.pagesize))
	if err != nil {
		return fmt.Errorf("disk: pwrite page %d: %w", page, err)
	}
	return nil
}

func (d *File) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

func (d *File) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
