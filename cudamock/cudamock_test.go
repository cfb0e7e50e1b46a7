package cudamock

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestAllocateFreeAndCounters(t *testing.T) {
	ctx := New()

	ptr, err := ctx.Allocate(128)
	require.NoError(t, err)
	require.NotZero(t, ptr)

	// Freeing with the wrong size or a non-base address is rejected, like the
	// driver would.
	require.Error(t, ctx.Free(ptr, 64))
	require.Error(t, ctx.Free(ptr+1, 128))

	require.NoError(t, ctx.Free(ptr, 128))
	require.Error(t, ctx.Free(ptr, 128))

	counters := ctx.Counters()
	require.EqualValues(t, 1, counters.Allocs)
	require.EqualValues(t, 1, counters.Frees)
}

func TestCopiesResolveInsideAllocations(t *testing.T) {
	ctx := New()
	ptr, err := ctx.Allocate(16)
	require.NoError(t, err)

	require.NoError(t, ctx.CopyHostToDevice(ptr+4, []byte{1, 2, 3}))
	got := make([]byte, 3)
	require.NoError(t, ctx.CopyDeviceToHost(got, ptr+4))
	require.Equal(t, []byte{1, 2, 3}, got)

	// Ranges crossing the end of the allocation do not resolve.
	require.Error(t, ctx.CopyHostToDevice(ptr+10, make([]byte, 7)))
	require.Error(t, ctx.CopyDeviceToHost(make([]byte, 17), ptr))

	counters := ctx.Counters()
	require.EqualValues(t, 1, counters.CopiesToDevice)
	require.EqualValues(t, 3, counters.BytesToDevice)
	require.EqualValues(t, 1, counters.CopiesToHost)
	require.EqualValues(t, 3, counters.BytesToHost)
}

func TestIpcMappingAliasesExporter(t *testing.T) {
	ctx := New()
	ptr, err := ctx.Allocate(8)
	require.NoError(t, err)
	require.NoError(t, ctx.CopyHostToDevice(ptr, []byte{42}))

	handle, err := ctx.ExportIpcHandle(ptr)
	require.NoError(t, err)

	// Handles are only valid for allocation base addresses.
	_, err = ctx.ExportIpcHandle(ptr + 1)
	require.Error(t, err)

	mapped, err := ctx.OpenIpcHandle(handle)
	require.NoError(t, err)
	require.NotEqual(t, ptr, mapped)

	got := make([]byte, 1)
	require.NoError(t, ctx.CopyDeviceToHost(got, mapped))
	require.Equal(t, []byte{42}, got)

	// A mapping is closed, not freed; the exporter's allocation is freed, not
	// closed.
	require.Error(t, ctx.Free(mapped, 8))
	require.Error(t, ctx.CloseIpcHandle(ptr))
	require.NoError(t, ctx.CloseIpcHandle(mapped))
	require.NoError(t, ctx.Free(ptr, 8))
}

func TestHostAllocations(t *testing.T) {
	ctx := New()
	buf, err := ctx.AllocateHost(32)
	require.NoError(t, err)
	require.Len(t, buf, 32)

	require.Error(t, ctx.FreeHost(make([]byte, 32)))
	require.NoError(t, ctx.FreeHost(buf))
	require.Error(t, ctx.FreeHost(buf))
	require.NoError(t, ctx.FreeHost(nil))
}

func TestFaultsAreOneShot(t *testing.T) {
	ctx := New()
	injected := errors.New("boom")

	ctx.SetFault("allocate", injected)
	_, err := ctx.Allocate(8)
	require.ErrorIs(t, err, injected)

	_, err = ctx.Allocate(8)
	require.NoError(t, err)
}
