package cuda

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ownership says how a Buffer relates to its underlying device allocation, and with
// that, what Close has to release. It is resolved at construction; the only later
// transition is ownsAllocation -> exportedForIpc.
type ownership int

const (
	// ownsAllocation: the buffer allocated the memory and frees it on Close.
	ownsAllocation ownership = iota
	// borrowedSlice: a view over a parent buffer's allocation; releases nothing.
	borrowedSlice
	// importedIpc: a local mapping of another process's allocation; Close closes the
	// mapping, never the allocation itself.
	importedIpc
	// exportedForIpc: was owning, then exported; local Close no longer frees, since
	// other processes may hold mappings. See Buffer.ExportForIpc.
	exportedForIpc
)

// bufferState holds the device-side state that requires cleanup. It is kept apart
// from Buffer so a GC cleanup can release leaked buffers (see newBuffer).
type bufferState struct {
	ctx  Context
	ptr  uintptr
	size int64
	own  ownership
}

// release frees whatever the ownership tag says this buffer is responsible for.
// It is a no-op when called a second time.
func (s *bufferState) release() error {
	if s.ctx == nil {
		// Already released.
		return nil
	}
	var err error
	switch s.own {
	case ownsAllocation:
		err = s.ctx.Free(s.ptr, s.size)
	case importedIpc:
		err = s.ctx.CloseIpcHandle(s.ptr)
	}
	s.ctx = nil
	s.ptr = 0
	buffersAlive.Add(-1)
	return err
}

var buffersAlive atomic.Int64

// BuffersAlive returns the number of device Buffers currently tracked. Useful to
// check for leaks in tests.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

// Buffer is a span of CUDA device memory. Its bytes are not addressable by the host;
// they move across the interconnect only through CopyToHost/CopyFromHost (or a
// BufferReader/BufferWriter layered on top).
//
// A Buffer may be shared across goroutines for reading; concurrent mutation of its
// contents must be serialized by the caller.
type Buffer struct {
	state *bufferState

	// parent keeps the buffer sliced from alive for as long as this view exists.
	// It is nil for non-slices.
	parent  *Buffer
	mutable bool
}

// newBuffer wraps device memory in a Buffer and registers it for cleanup in case it
// is garbage collected without Close.
func newBuffer(ctx Context, ptr uintptr, size int64, own ownership, parent *Buffer) *Buffer {
	b := &Buffer{
		state:   &bufferState{ctx: ctx, ptr: ptr, size: size, own: own},
		parent:  parent,
		mutable: own != borrowedSlice,
	}
	buffersAlive.Add(1)

	// Device memory is scarce and leaks are hard to observe from the host, so a
	// failure here is loud. A release failing indicates a driver-level inconsistency.
	runtime.AddCleanup(b, func(state *bufferState) {
		if err := state.release(); err != nil {
			klog.Errorf("cuda.Buffer was garbage collected without Close, and releasing it failed: %+v", err)
		}
	}, b.state)
	return b
}

// AllocateBuffer allocates size bytes of device memory on the given context.
// The returned buffer owns the allocation and frees it on Close.
func AllocateBuffer(ctx Context, size int64) (*Buffer, error) {
	if size < 0 {
		return nil, errors.Errorf("cannot allocate a device buffer of negative size %d", size)
	}
	ptr, err := ctx.Allocate(size)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate %d bytes of device memory", size)
	}
	return newBuffer(ctx, ptr, size, ownsAllocation, nil), nil
}

// ImportIpcBuffer opens a local mapping of the device allocation named by handle,
// exported by another process. The allocation's size is not carried by the handle
// and must be transmitted out-of-band along with it.
//
// Closing the returned buffer closes only the local mapping; the physical memory
// stays owned by the exporting process.
func ImportIpcBuffer(ctx Context, handle *IpcMemHandle, size int64) (*Buffer, error) {
	if size < 0 {
		return nil, errors.Errorf("cannot import a device buffer of negative size %d", size)
	}
	ptr, err := ctx.OpenIpcHandle(handle)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to open IPC memory handle")
	}
	return newBuffer(ctx, ptr, size, importedIpc, nil), nil
}

// Slice returns a view over [offset, offset+length) of the buffer. The view shares
// the underlying allocation, owns nothing, and keeps b alive for its own lifetime.
// Slices are not mutable.
func (b *Buffer) Slice(offset, length int64) (*Buffer, error) {
	if err := b.valid(); err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 || offset+length > b.state.size {
		return nil, errors.Errorf("slice [%d:%d) out of bounds of %d-byte device buffer",
			offset, offset+length, b.state.size)
	}
	return newBuffer(b.state.ctx, b.state.ptr+uintptr(offset), length, borrowedSlice, b), nil
}

// CopyToHost copies len(dst) bytes starting at offset from the device into dst.
// The call blocks until the transfer completes.
func (b *Buffer) CopyToHost(offset int64, dst []byte) error {
	if err := b.valid(); err != nil {
		return err
	}
	n := int64(len(dst))
	if offset < 0 || offset+n > b.state.size {
		return errors.Errorf("read of %d bytes at offset %d out of bounds of %d-byte device buffer",
			n, offset, b.state.size)
	}
	if n == 0 {
		return nil
	}
	return b.state.ctx.CopyDeviceToHost(dst, b.state.ptr+uintptr(offset))
}

// CopyFromHost copies len(src) bytes from src into the device buffer at offset.
// The call blocks until the transfer completes.
//
// The caller knows the buffer's size, so writing past its end is a programming
// error: CopyFromHost panics instead of returning an error, as it does when the
// buffer is not mutable.
func (b *Buffer) CopyFromHost(offset int64, src []byte) error {
	if err := b.valid(); err != nil {
		return err
	}
	if !b.mutable {
		panic("cuda.Buffer.CopyFromHost: buffer is not mutable")
	}
	n := int64(len(src))
	if offset < 0 || offset+n > b.state.size {
		panic(fmt.Sprintf("cuda.Buffer.CopyFromHost: write of %d bytes at offset %d overflows %d-byte buffer",
			n, offset, b.state.size))
	}
	if n == 0 {
		return nil
	}
	return b.state.ctx.CopyHostToDevice(b.state.ptr+uintptr(offset), src)
}

// ExportForIpc obtains the driver's IPC token for this buffer's allocation, so
// another process can map it with ImportIpcBuffer.
//
// After a successful export this buffer no longer frees the allocation on Close:
// other processes may hold mappings to it, and the driver's IPC lifetime rules leave
// the physical allocation with the exporting process until every mapping is closed.
// Exporting twice, exporting an imported mapping, or exporting a slice are invalid
// operations.
func (b *Buffer) ExportForIpc() (*IpcMemHandle, error) {
	if err := b.valid(); err != nil {
		return nil, err
	}
	switch b.state.own {
	case exportedForIpc:
		return nil, errors.New("device buffer has already been exported for IPC")
	case importedIpc:
		return nil, errors.New("device buffer is an imported IPC mapping and cannot be re-exported")
	case borrowedSlice:
		return nil, errors.New("cannot export a sub-buffer slice for IPC; export the parent buffer")
	}
	handle, err := b.state.ctx.ExportIpcHandle(b.state.ptr)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to export device buffer for IPC")
	}
	b.state.own = exportedForIpc
	return handle, nil
}

// Close releases whatever this buffer owns: the allocation if it was freshly
// allocated and never exported, the local mapping if it was imported, and nothing if
// it is a slice or was exported. Closing twice is a no-op.
func (b *Buffer) Close() error {
	if b.state == nil {
		return nil
	}
	err := b.state.release()
	b.parent = nil
	if err != nil {
		return errors.WithMessage(err, "failed to release device buffer")
	}
	return nil
}

func (b *Buffer) valid() error {
	if b == nil || b.state == nil || b.state.ctx == nil {
		return errors.New("device buffer is nil or has already been closed")
	}
	return nil
}

// Size returns the buffer's size in bytes.
func (b *Buffer) Size() int64 {
	if b == nil || b.state == nil {
		return 0
	}
	return b.state.size
}

// DevicePtr returns the buffer's device address. The address is not host
// addressable; it is only meaningful to the Context that produced it.
func (b *Buffer) DevicePtr() uintptr {
	if b == nil || b.state == nil {
		return 0
	}
	return b.state.ptr
}

// Context returns the device context the buffer lives on.
func (b *Buffer) Context() Context {
	if b == nil || b.state == nil {
		return nil
	}
	return b.state.ctx
}

// IsMutable reports whether the buffer's contents may be written. Slices are
// read-only views.
func (b *Buffer) IsMutable() bool {
	return b != nil && b.mutable
}

// IsIpc reports whether the buffer is a local mapping of another process's
// allocation.
func (b *Buffer) IsIpc() bool {
	return b != nil && b.state != nil && b.state.own == importedIpc
}

// OwnsData reports whether Close would free the underlying allocation.
func (b *Buffer) OwnsData() bool {
	return b != nil && b.state != nil && b.state.ctx != nil && b.state.own == ownsAllocation
}
