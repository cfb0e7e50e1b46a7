package cuda

import (
	"runtime"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// hostBufferState holds the pinned allocation so a GC cleanup can free it if the
// HostBuffer leaks.
type hostBufferState struct {
	ctx Context
	buf []byte
}

func (s *hostBufferState) release() error {
	if s.ctx == nil {
		return nil
	}
	err := s.ctx.FreeHost(s.buf)
	s.ctx = nil
	s.buf = nil
	return err
}

// HostBuffer is page-locked (pinned) host memory allocated through a Context.
// Pinned memory is excluded from paging, which the driver requires for
// maximum-throughput DMA transfers; BufferWriter uses it as its staging area.
type HostBuffer struct {
	state *hostBufferState
}

// AllocateHostBuffer allocates size bytes of pinned host memory on the given
// context. The buffer must be released with Close (a GC cleanup is registered as a
// safety net, logging any failure).
func AllocateHostBuffer(ctx Context, size int64) (*HostBuffer, error) {
	if size < 0 {
		return nil, errors.Errorf("cannot allocate a pinned host buffer of negative size %d", size)
	}
	buf, err := ctx.AllocateHost(size)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate %d bytes of pinned host memory", size)
	}
	hb := &HostBuffer{state: &hostBufferState{ctx: ctx, buf: buf}}
	runtime.AddCleanup(hb, func(state *hostBufferState) {
		if err := state.release(); err != nil {
			klog.Errorf("cuda.HostBuffer was garbage collected without Close, and freeing it failed: %+v", err)
		}
	}, hb.state)
	return hb, nil
}

// Bytes returns the pinned memory. The slice is owned by the buffer and is invalid
// after Close. Don't append to it: a reallocation would silently replace the pinned
// memory with pageable memory.
func (hb *HostBuffer) Bytes() []byte {
	if hb == nil || hb.state == nil {
		return nil
	}
	return hb.state.buf
}

// Size returns the buffer's size in bytes.
func (hb *HostBuffer) Size() int64 {
	return int64(len(hb.Bytes()))
}

// Close frees the pinned memory through the context. Closing twice is a no-op.
func (hb *HostBuffer) Close() error {
	if hb == nil || hb.state == nil {
		return nil
	}
	if err := hb.state.release(); err != nil {
		return errors.WithMessage(err, "failed to free pinned host buffer")
	}
	return nil
}
