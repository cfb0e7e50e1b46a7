// Package cuda provides buffers backed by CUDA device memory, with explicit
// host<->device transfer, cross-process sharing through driver IPC handles, and
// buffered stream readers/writers.
//
// All device access goes through a Context, which the caller obtains once (for
// example from the cudadriver package, or cudamock in tests) and passes explicitly
// to every constructor. There is no process-wide current device.
package cuda

// Context is the device manager a Buffer operates against: one CUDA device (or a
// test double) with its allocation, transfer and IPC primitives.
//
// Device memory is addressed by opaque uintptr device addresses; host memory crosses
// the boundary as []byte. All calls are synchronous and return only once the driver
// has completed (or failed) the operation.
type Context interface {
	// Allocate reserves size bytes of device memory and returns its device address.
	Allocate(size int64) (uintptr, error)

	// Free releases a device allocation previously returned by Allocate.
	// The size must be the size originally allocated.
	Free(ptr uintptr, size int64) error

	// CopyHostToDevice copies len(src) bytes from host memory to device address dst.
	CopyHostToDevice(dst uintptr, src []byte) error

	// CopyDeviceToHost copies len(dst) bytes from device address src to host memory.
	CopyDeviceToHost(dst []byte, src uintptr) error

	// ExportIpcHandle obtains the driver's IPC token for the device allocation that
	// starts at ptr. The token can be serialized and opened by another process.
	ExportIpcHandle(ptr uintptr) (*IpcMemHandle, error)

	// OpenIpcHandle establishes a local mapping of the allocation named by handle
	// and returns its local device address.
	OpenIpcHandle(handle *IpcMemHandle) (uintptr, error)

	// CloseIpcHandle closes a local mapping created by OpenIpcHandle. It never frees
	// the exporting process's allocation.
	CloseIpcHandle(ptr uintptr) error

	// AllocateHost allocates size bytes of page-locked (pinned) host memory,
	// suitable as a DMA staging area.
	AllocateHost(size int64) ([]byte, error)

	// FreeHost releases pinned host memory returned by AllocateHost.
	FreeHost(buf []byte) error
}
