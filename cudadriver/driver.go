//go:build cuda

package cudadriver

/*
#cgo LDFLAGS: -lcuda
#include <cuda.h>
#include <stdlib.h>
*/
import "C"
import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gocuda/cuda"
)

// The token width assumed by cuda.IpcMemHandle must match the driver's.
var _ = [cuda.IpcHandleSize]byte(([C.sizeof_CUipcMemHandle]byte{}))

// toError translates a driver status into a Go error carrying the driver's own
// name and description for it.
func toError(status C.CUresult, op string) error {
	if status == C.CUDA_SUCCESS {
		return nil
	}
	var cName, cMsg *C.char
	C.cuGetErrorName(status, &cName)
	C.cuGetErrorString(status, &cMsg)
	return errors.Errorf("%s failed: %s (%s)", op, C.GoString(cMsg), C.GoString(cName))
}

var initOnce sync.Once
var initErr error

// Context implements cuda.Context for one CUDA device, using the device's primary
// context.
type Context struct {
	device  C.CUdevice
	cuCtx   C.CUcontext
	ordinal int
}

var _ cuda.Context = (*Context)(nil)

// New initializes the driver (once per process) and returns a context on the device
// with the given ordinal.
func New(deviceOrdinal int) (*Context, error) {
	initOnce.Do(func() {
		initErr = toError(C.cuInit(0), "cuInit")
	})
	if initErr != nil {
		return nil, initErr
	}
	var dev C.CUdevice
	if err := toError(C.cuDeviceGet(&dev, C.int(deviceOrdinal)), "cuDeviceGet"); err != nil {
		return nil, err
	}
	var cuCtx C.CUcontext
	if err := toError(C.cuDevicePrimaryCtxRetain(&cuCtx, dev), "cuDevicePrimaryCtxRetain"); err != nil {
		return nil, err
	}
	klog.V(1).Infof("cudadriver: retained primary context on device %d", deviceOrdinal)
	return &Context{device: dev, cuCtx: cuCtx, ordinal: deviceOrdinal}, nil
}

// Ordinal returns the device ordinal this context was created on.
func (c *Context) Ordinal() int {
	return c.ordinal
}

// Close releases the device's primary context. The Context must not be used
// afterwards.
func (c *Context) Close() error {
	return toError(C.cuDevicePrimaryCtxRelease(c.device), "cuDevicePrimaryCtxRelease")
}

func (c *Context) makeCurrent() error {
	return toError(C.cuCtxSetCurrent(c.cuCtx), "cuCtxSetCurrent")
}

func (c *Context) Allocate(size int64) (uintptr, error) {
	if size < 0 {
		return 0, errors.Errorf("cannot allocate %d bytes of device memory", size)
	}
	if size == 0 {
		// cuMemAlloc rejects zero-byte allocations; hand out a null span instead.
		return 0, nil
	}
	if err := c.makeCurrent(); err != nil {
		return 0, err
	}
	var dptr C.CUdeviceptr
	if err := toError(C.cuMemAlloc(&dptr, C.size_t(size)), "cuMemAlloc"); err != nil {
		return 0, err
	}
	return uintptr(dptr), nil
}

func (c *Context) Free(ptr uintptr, size int64) error {
	if ptr == 0 && size == 0 {
		return nil
	}
	if err := c.makeCurrent(); err != nil {
		return err
	}
	return toError(C.cuMemFree(C.CUdeviceptr(ptr)), "cuMemFree")
}

func (c *Context) CopyHostToDevice(dst uintptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if err := c.makeCurrent(); err != nil {
		return err
	}
	return toError(C.cuMemcpyHtoD(C.CUdeviceptr(dst),
		unsafe.Pointer(unsafe.SliceData(src)), C.size_t(len(src))), "cuMemcpyHtoD")
}

func (c *Context) CopyDeviceToHost(dst []byte, src uintptr) error {
	if len(dst) == 0 {
		return nil
	}
	if err := c.makeCurrent(); err != nil {
		return err
	}
	return toError(C.cuMemcpyDtoH(unsafe.Pointer(unsafe.SliceData(dst)),
		C.CUdeviceptr(src), C.size_t(len(dst))), "cuMemcpyDtoH")
}

func (c *Context) ExportIpcHandle(ptr uintptr) (*cuda.IpcMemHandle, error) {
	if err := c.makeCurrent(); err != nil {
		return nil, err
	}
	var cHandle C.CUipcMemHandle
	if err := toError(C.cuIpcGetMemHandle(&cHandle, C.CUdeviceptr(ptr)), "cuIpcGetMemHandle"); err != nil {
		return nil, err
	}
	token := unsafe.Slice((*byte)(unsafe.Pointer(&cHandle)), C.sizeof_CUipcMemHandle)
	return cuda.IpcMemHandleFromSerialized(token)
}

func (c *Context) OpenIpcHandle(handle *cuda.IpcMemHandle) (uintptr, error) {
	if err := c.makeCurrent(); err != nil {
		return 0, err
	}
	var cHandle C.CUipcMemHandle
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&cHandle)), C.sizeof_CUipcMemHandle), handle.Bytes())
	var dptr C.CUdeviceptr
	err := toError(C.cuIpcOpenMemHandle(&dptr, cHandle, C.CU_IPC_MEM_LAZY_ENABLE_PEER_ACCESS),
		"cuIpcOpenMemHandle")
	if err != nil {
		return 0, err
	}
	return uintptr(dptr), nil
}

func (c *Context) CloseIpcHandle(ptr uintptr) error {
	if err := c.makeCurrent(); err != nil {
		return err
	}
	return toError(C.cuIpcCloseMemHandle(C.CUdeviceptr(ptr)), "cuIpcCloseMemHandle")
}

func (c *Context) AllocateHost(size int64) ([]byte, error) {
	if size < 0 {
		return nil, errors.Errorf("cannot allocate %d bytes of pinned host memory", size)
	}
	if size == 0 {
		return nil, nil
	}
	if err := c.makeCurrent(); err != nil {
		return nil, err
	}
	var p unsafe.Pointer
	err := toError(C.cuMemHostAlloc(&p, C.size_t(size), C.CU_MEMHOSTALLOC_PORTABLE), "cuMemHostAlloc")
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), size), nil
}

func (c *Context) FreeHost(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if err := c.makeCurrent(); err != nil {
		return err
	}
	return toError(C.cuMemFreeHost(unsafe.Pointer(unsafe.SliceData(buf))), "cuMemFreeHost")
}
