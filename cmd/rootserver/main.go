// Command rootserver wires every root server subsystem together and runs
// the syscall event loop: bring up the microkernel port, the frame table
// and swap file, the process manager, the mounted filesystems, and the
// event loop, then run until killed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sos/console"
	"sos/defs"
	"sos/disk"
	"sos/frame"
	"sos/irq"
	"sos/kernel"
	"sos/nfs"
	"sos/pager"
	"sos/pipefs"
	"sos/proc"
	"sos/sharedbuf"
	"sos/swap"
	"sos/syscall"
	"sos/timerserv"
	"sos/vfs"
)

func main() {
	imageDir := flag.String("images", ".", "directory holding process images")
	swapPath := flag.String("swapfile", "sos.swap", "path to the swap file's backing store")
	nframes := flag.Int("frames", defs.DefaultLimits.FrameCount, "number of simulated physical frames")
	initName := flag.String("init", "init", "name of the first process image to load")
	flag.Parse()

	if err := run(*imageDir, *swapPath, *nframes, *initName); err != nil {
		log.Fatal(err)
	}
}

func run(imageDir, swapPath string, nframes int, initName string) error {
	pagesize := defs.DefaultLimits.PageSize

	k, err := kernel.NewSim(nframes, pagesize)
	if err != nil {
		return fmt.Errorf("rootserver: %w", err)
	}

	sd, err := disk.Open(swapPath, pagesize)
	if err != nil {
		return fmt.Errorf("rootserver: %w", err)
	}
	defer sd.Close()

	sf := swap.Init(sd, swap.DefaultCapacity(pagesize))
	swap.InitDefault(sf)

	frames := frame.New(nframes)
	pg := pager.New(k, frames, sf, pagesize)

	bufs := sharedbuf.New()
	procs := proc.NewManager(k, defs.DefaultLimits.MaxAddrspaces)
	vfsTable := vfs.NewTable()

	consoleDev := mountConsole(vfsTable)
	mountScratchNFS(vfsTable)

	irqs := irq.New()
	timers := timerserv.New(10000) // 10ms per tick

	loader := &flatLoader{k: k, frames: frames, dir: imageDir, pagesize: pagesize, bufs: bufs}

	loop := syscall.New(k, procs, pg, bufs, irqs, timers, loader, vfsTable)

	initPCB, err := procs.Create(initName, nil, loader, "", "", "")
	if err != nil {
		return fmt.Errorf("rootserver: start %s: %w", initName, err)
	}
	bufs.Alloc(initPCB.Pid)
	wirePipe(initPCB)
	log.Printf("rootserver: started %s as pid %d", initName, initPCB.Pid)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run()
	})
	g.Go(func() error {
		return runTimerTicker(ctx, k, timers)
	})
	g.Go(func() error {
		return feedConsoleInput(ctx, consoleDev)
	})

	return g.Wait()
}

// feedConsoleInput copies stdin into dev a chunk at a time until ctx is
// cancelled or stdin closes: the goroutine Device.Feed's documentation
// promises will eventually complete the event loop's outstanding console
// read, running entirely off the loop's own goroutine so a blocked read
// never wedges the rest of the root server.
func feedConsoleInput(ctx context.Context, dev *console.Device) error {
	buf := make([]byte, 256)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			dev.Feed(buf[:n])
		}
		if err != nil {
			<-ctx.Done()
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// runTimerTicker fires every tick period and injects a notification for
// any thread whose sleep has expired, standing in for the microkernel's
// periodic timer interrupt in this simulation.
func runTimerTicker(ctx context.Context, k *kernel.Sim, timers *timerserv.Service) error {
	const tickPeriod = 10 * time.Millisecond
	t := time.NewTicker(tickPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			now := k.Tick()
			for _, tid := range timers.Expire(now) {
				k.InjectNotification(int(tid))
			}
		}
	}
}

// wirePipe installs a connected anonymous pipe pair directly into pcb's
// file table as descriptors 3 (read end) and 4 (write end), exercising
// pipefs end to end without needing a dedicated open-by-path syscall.
func wirePipe(pcb *proc.PCB) {
	r, w := pipefs.Pipe()
	rv := &vfs.VNode{Path: fmt.Sprintf("pipe:%d:r", pcb.Pid), Driver: r, MaxReaders: 1, MaxWriters: 0}
	wv := &vfs.VNode{Path: fmt.Sprintf("pipe:%d:w", pcb.Pid), Driver: w, MaxReaders: 0, MaxWriters: 1}
	rv.IncRefs(defs.FM_READ)
	wv.IncRefs(defs.FM_WRITE)
	pcb.Files.InheritAt(3, &vfs.Fildes{VNode: rv, Mode: defs.FM_READ})
	pcb.Files.InheritAt(4, &vfs.Fildes{VNode: wv, Mode: defs.FM_WRITE})
}

// mountConsole mounts the console device and returns it so the caller
// can wire stdin into it; the v-node table only ever sees it through
// the vfs.Driver interface.
func mountConsole(t *vfs.Table) *console.Device {
	dev := console.New(stdoutSink{})
	drv := console.NewDriver(dev, defs.Stat{Type: defs.ST_SPECIAL, Fmode: defs.R | defs.W})
	t.Mount("/dev/console", drv, 1, 1)
	return dev
}

type stdoutSink struct{}

func (stdoutSink) Send(buf []byte) (int, error) { return os.Stdout.Write(buf) }

// mountScratchNFS mounts an in-memory NFS backend at /nfs/, exercising
// the NFS driver end to end without a real network stack underneath.
func mountScratchNFS(t *vfs.Table) {
	backend := newMemBackend()
	drv := nfs.NewDriver(backend, 16)
	t.Mount("/nfs/", drv, -1, -1)
}

// memBackend is a trivial in-memory nfs.Backend, standing in for a real
// remote server: every file is a byte slice keyed by path. Readdir lists
// the base names of all stored paths in sorted order, whichever
// directory handle it is given.
type memBackend struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemBackend() *memBackend { return &memBackend{files: make(map[string][]byte)} }

func (b *memBackend) Lookup(ctx context.Context, path string) (nfs.Handle, defs.Stat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[path]
	if !ok {
		return nfs.Handle{}, defs.Stat{}, fmt.Errorf("memnfs: %s: %w", path, os.ErrNotExist)
	}
	return nfs.Handle{ID: path}, defs.Stat{Type: defs.ST_FILE, Size: int64(len(data))}, nil
}

func (b *memBackend) Create(ctx context.Context, path string, mode defs.Fmode_t) (nfs.Handle, defs.Stat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[path] = nil
	return nfs.Handle{ID: path}, defs.Stat{Type: defs.ST_FILE}, nil
}

func (b *memBackend) Read(ctx context.Context, h nfs.Handle, pos int64, buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := b.files[h.ID]
	if pos >= int64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[pos:]), nil
}

func (b *memBackend) Write(ctx context.Context, h nfs.Handle, pos int64, buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := b.files[h.ID]
	end := pos + int64(len(buf))
	if end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[pos:], buf)
	b.files[h.ID] = data
	return len(buf), nil
}

func (b *memBackend) Stat(ctx context.Context, h nfs.Handle) (defs.Stat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[h.ID]
	if !ok {
		return defs.Stat{}, fmt.Errorf("memnfs: %s: %w", h.ID, os.ErrNotExist)
	}
	return defs.Stat{Type: defs.ST_FILE, Size: int64(len(data))}, nil
}

func (b *memBackend) Readdir(ctx context.Context, h nfs.Handle, cookie int) (names []string, nextCookie int, eof bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sorted := make([]string, 0, len(b.files))
	for path := range b.files {
		sorted = append(sorted, path)
	}
	sort.Strings(sorted)
	if cookie >= len(sorted) {
		return nil, cookie, true, nil
	}
	return []string{filepath.Base(sorted[cookie])}, cookie + 1, cookie+1 >= len(sorted), nil
}

func (b *memBackend) Remove(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.files[path]; !ok {
		return fmt.Errorf("memnfs: %s: %w", path, os.ErrNotExist)
	}
	delete(b.files, path)
	return nil
}
