package cuda

import (
	"github.com/pkg/errors"
)

// IpcHandleSize is the size in bytes of the driver's opaque IPC memory handle
// (CU_IPC_HANDLE_SIZE).
const IpcHandleSize = 64

// IpcMemHandle is the driver's opaque token naming a device allocation, so that a
// separate process can establish its own mapping to the same physical memory.
//
// The token is only ever copied byte-for-byte; its contents are meaningful to the
// driver alone, and only the driver can tell at import time whether two handles name
// the same memory.
type IpcMemHandle struct {
	handle [IpcHandleSize]byte
}

// IpcMemHandleFromSerialized reconstructs a handle from its serialized form.
// The only validation is the length: the driver validates the token when the handle
// is opened.
func IpcMemHandleFromSerialized(data []byte) (*IpcMemHandle, error) {
	if len(data) != IpcHandleSize {
		return nil, errors.Errorf("serialized IPC memory handle must be %d bytes, got %d", IpcHandleSize, len(data))
	}
	h := &IpcMemHandle{}
	copy(h.handle[:], data)
	return h, nil
}

// Serialize returns a fresh copy of the raw token, exactly IpcHandleSize bytes,
// suitable for transmission over any byte channel.
func (h *IpcMemHandle) Serialize() []byte {
	out := make([]byte, IpcHandleSize)
	copy(out, h.handle[:])
	return out
}

// Bytes returns the raw token. The returned slice is owned by the handle, to avoid
// creating a copy. Don't change it.
func (h *IpcMemHandle) Bytes() []byte {
	return h.handle[:]
}
