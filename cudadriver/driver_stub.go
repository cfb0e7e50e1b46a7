//go:build !cuda

package cudadriver

import (
	"github.com/pkg/errors"

	"github.com/gomlx/gocuda/cuda"
)

// Context is a stub when the CUDA driver backend is not compiled in.
type Context struct{}

var _ cuda.Context = (*Context)(nil)

// New reports that the CUDA driver backend is unavailable in this build.
func New(deviceOrdinal int) (*Context, error) {
	return nil, errors.New("cudadriver: built without CUDA support (rebuild with -tags cuda)")
}

func (c *Context) Ordinal() int { return -1 }
func (c *Context) Close() error { return nil }

func (c *Context) Allocate(size int64) (uintptr, error) {
	panic("cudadriver: CUDA driver backend not available")
}

func (c *Context) Free(ptr uintptr, size int64) error {
	panic("cudadriver: CUDA driver backend not available")
}

func (c *Context) CopyHostToDevice(dst uintptr, src []byte) error {
	panic("cudadriver: CUDA driver backend not available")
}

func (c *Context) CopyDeviceToHost(dst []byte, src uintptr) error {
	panic("cudadriver: CUDA driver backend not available")
}

func (c *Context) ExportIpcHandle(ptr uintptr) (*cuda.IpcMemHandle, error) {
	panic("cudadriver: CUDA driver backend not available")
}

func (c *Context) OpenIpcHandle(handle *cuda.IpcMemHandle) (uintptr, error) {
	panic("cudadriver: CUDA driver backend not available")
}

func (c *Context) CloseIpcHandle(ptr uintptr) error {
	panic("cudadriver: CUDA driver backend not available")
}

func (c *Context) AllocateHost(size int64) ([]byte, error) {
	panic("cudadriver: CUDA driver backend not available")
}

func (c *Context) FreeHost(buf []byte) error {
	panic("cudadriver: CUDA driver backend not available")
}
