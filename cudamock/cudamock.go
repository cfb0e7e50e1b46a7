// Package cudamock implements cuda.Context in ordinary host memory, for tests and
// examples that run without a GPU.
//
// It simulates one device: allocations get fake device addresses, copies are
// memcpys, and IPC handles resolve through a registry local to the Context (so
// export/import round-trips work in-process, mapping to the same backing memory).
// Every driver entry point is counted, and one-shot faults can be armed to exercise
// error paths.
package cudamock

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/gomlx/gocuda/cuda"
)

// allocation is one span of fake device memory.
type allocation struct {
	data []byte
	// mapping marks an imported IPC mapping: it aliases the exporter's data and is
	// released with CloseIpcHandle, not Free.
	mapping bool
}

// Counters is a snapshot of how often each driver entry point ran, and how many
// bytes crossed the fake interconnect.
type Counters struct {
	Allocs, Frees         int64
	HostAllocs, HostFrees int64

	CopiesToDevice, CopiesToHost int64
	BytesToDevice, BytesToHost   int64

	IpcExports, IpcOpens, IpcCloses int64
}

// Context is an in-memory stand-in for a CUDA device.
type Context struct {
	mu        sync.Mutex
	nextAddr  uintptr
	nextToken uint64
	allocs    map[uintptr]*allocation
	hostBufs  map[*byte]int64
	exports   map[[cuda.IpcHandleSize]byte]uintptr
	counters  Counters
	faults    map[string]error
}

var _ cuda.Context = (*Context)(nil)

// Fake device addresses are spaced so that out-of-bounds accesses land between
// allocations and fail loudly.
const addrAlign = 256

// New returns an empty mock device context.
func New() *Context {
	return &Context{
		nextAddr: 0x10000,
		allocs:   make(map[uintptr]*allocation),
		hostBufs: make(map[*byte]int64),
		exports:  make(map[[cuda.IpcHandleSize]byte]uintptr),
		faults:   make(map[string]error),
	}
}

// Counters returns a snapshot of the call and byte counters.
func (c *Context) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// SetFault arms a one-shot error for the named operation: "allocate", "free",
// "copyHostToDevice", "copyDeviceToHost", "exportIpcHandle", "openIpcHandle",
// "closeIpcHandle", "allocateHost" or "freeHost". The next call to that operation
// fails with err and disarms the fault.
func (c *Context) SetFault(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[op] = err
}

// takeFault consumes an armed fault. Caller must hold mu.
func (c *Context) takeFault(op string) error {
	err := c.faults[op]
	if err != nil {
		delete(c.faults, op)
	}
	return err
}

// locate resolves a device address range to the backing bytes of the allocation
// containing it. Caller must hold mu.
func (c *Context) locate(addr uintptr, n int64) ([]byte, error) {
	for base, a := range c.allocs {
		if addr >= base && addr+uintptr(n) <= base+uintptr(len(a.data)) {
			off := int64(addr - base)
			return a.data[off : off+n], nil
		}
	}
	return nil, errors.Errorf("device address %#x (+%d bytes) does not fall inside any allocation", addr, n)
}

func (c *Context) Allocate(size int64) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFault("allocate"); err != nil {
		return 0, err
	}
	if size < 0 {
		return 0, errors.Errorf("cannot allocate %d bytes of device memory", size)
	}
	addr := c.place(size)
	c.allocs[addr] = &allocation{data: make([]byte, size)}
	c.counters.Allocs++
	return addr, nil
}

// place reserves an address range for size bytes. Caller must hold mu.
func (c *Context) place(size int64) uintptr {
	addr := c.nextAddr
	c.nextAddr += (uintptr(size)/addrAlign + 2) * addrAlign
	return addr
}

func (c *Context) Free(ptr uintptr, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFault("free"); err != nil {
		return err
	}
	a, ok := c.allocs[ptr]
	if !ok || a.mapping {
		return errors.Errorf("free of %#x: not the base address of a device allocation", ptr)
	}
	if int64(len(a.data)) != size {
		return errors.Errorf("free of %#x: allocation is %d bytes, freed as %d", ptr, len(a.data), size)
	}
	delete(c.allocs, ptr)
	c.counters.Frees++
	return nil
}

func (c *Context) CopyHostToDevice(dst uintptr, src []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFault("copyHostToDevice"); err != nil {
		return err
	}
	dev, err := c.locate(dst, int64(len(src)))
	if err != nil {
		return err
	}
	copy(dev, src)
	c.counters.CopiesToDevice++
	c.counters.BytesToDevice += int64(len(src))
	return nil
}

func (c *Context) CopyDeviceToHost(dst []byte, src uintptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFault("copyDeviceToHost"); err != nil {
		return err
	}
	dev, err := c.locate(src, int64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, dev)
	c.counters.CopiesToHost++
	c.counters.BytesToHost += int64(len(dst))
	return nil
}

func (c *Context) ExportIpcHandle(ptr uintptr) (*cuda.IpcMemHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFault("exportIpcHandle"); err != nil {
		return nil, err
	}
	a, ok := c.allocs[ptr]
	if !ok || a.mapping {
		return nil, errors.Errorf("cannot export %#x for IPC: not the base address of a device allocation", ptr)
	}
	c.nextToken++
	var token [cuda.IpcHandleSize]byte
	binary.LittleEndian.PutUint64(token[:], c.nextToken)
	c.exports[token] = ptr
	c.counters.IpcExports++
	return cuda.IpcMemHandleFromSerialized(token[:])
}

func (c *Context) OpenIpcHandle(handle *cuda.IpcMemHandle) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFault("openIpcHandle"); err != nil {
		return 0, err
	}
	var token [cuda.IpcHandleSize]byte
	copy(token[:], handle.Bytes())
	base, ok := c.exports[token]
	if !ok {
		return 0, errors.New("invalid IPC memory handle")
	}
	// The mapping aliases the exporter's bytes, so writes through either address are
	// visible through both, as they would be for real mappings of the same physical
	// memory.
	src := c.allocs[base]
	addr := c.place(int64(len(src.data)))
	c.allocs[addr] = &allocation{data: src.data, mapping: true}
	c.counters.IpcOpens++
	return addr, nil
}

func (c *Context) CloseIpcHandle(ptr uintptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFault("closeIpcHandle"); err != nil {
		return err
	}
	a, ok := c.allocs[ptr]
	if !ok || !a.mapping {
		return errors.Errorf("close of IPC mapping %#x: not an imported mapping", ptr)
	}
	delete(c.allocs, ptr)
	c.counters.IpcCloses++
	return nil
}

func (c *Context) AllocateHost(size int64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFault("allocateHost"); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, errors.Errorf("cannot allocate %d bytes of pinned host memory", size)
	}
	buf := make([]byte, size)
	if size > 0 {
		c.hostBufs[&buf[0]] = size
	}
	c.counters.HostAllocs++
	return buf, nil
}

func (c *Context) FreeHost(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFault("freeHost"); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	if _, ok := c.hostBufs[&buf[0]]; !ok {
		return errors.New("freeing pinned host memory that was not allocated by this context")
	}
	delete(c.hostBufs, &buf[0])
	c.counters.HostFrees++
	return nil
}
