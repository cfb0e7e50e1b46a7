package cuda_test

// Common setup and helpers for the package's tests. All tests run against the
// in-memory device in package cudamock, so they exercise the real transfer and
// ownership logic without a GPU.

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/gomlx/gocuda/cuda"
	"github.com/gomlx/gocuda/cudamock"
)

func init() {
	klog.InitFlags(nil)
}

// Sentinel errors armed as one-shot faults on the mock device.
var (
	errAllocFault = errors.New("injected allocation failure")
	errCopyFault  = errors.New("injected copy failure")
	errFreeFault  = errors.New("injected free failure")
)

// newDeviceBuffer allocates a device buffer holding content, failing the test on any
// error.
func newDeviceBuffer(t *testing.T, ctx *cudamock.Context, content []byte) *cuda.Buffer {
	buffer, err := cuda.AllocateBuffer(ctx, int64(len(content)))
	require.NoError(t, err)
	require.NoError(t, buffer.CopyFromHost(0, content))
	return buffer
}

// deviceBytes reads back the full contents of a device buffer.
func deviceBytes(t *testing.T, buffer *cuda.Buffer) []byte {
	out := make([]byte, buffer.Size())
	require.NoError(t, buffer.CopyToHost(0, out))
	return out
}

// iotaBytes returns [0, 1, 2, ..., n-1] truncated to byte.
func iotaBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i)
	}
	return out
}
