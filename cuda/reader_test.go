package cuda_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/gocuda/cuda"
	"github.com/gomlx/gocuda/cudamock"
)

func TestReaderSequential(t *testing.T) {
	ctx := cudamock.New()
	content := iotaBytes(10)
	buffer := newDeviceBuffer(t, ctx, content)
	defer func() { require.NoError(t, buffer.Close()) }()

	r := cuda.NewBufferReader(buffer)
	p := make([]byte, 4)

	n, err := r.Read(p)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, content[:4], p)

	n, err = r.Read(p)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, content[4:8], p)

	// Short read at the end of the buffer is not an error.
	n, err = r.Read(p)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, content[8:10], p[:2])
	require.EqualValues(t, 10, r.Tell())

	_, err = r.Read(p)
	require.Equal(t, io.EOF, err)
}

func TestReaderReadBufferZeroCopy(t *testing.T) {
	ctx := cudamock.New()
	content := iotaBytes(16)
	buffer := newDeviceBuffer(t, ctx, content)
	defer func() { require.NoError(t, buffer.Close()) }()

	r := cuda.NewBufferReader(buffer)
	before := ctx.Counters().CopiesToHost

	view, err := r.ReadBuffer(6)
	require.NoError(t, err)
	require.EqualValues(t, 6, view.Size())
	require.Equal(t, buffer.DevicePtr(), view.DevicePtr())
	require.EqualValues(t, 6, r.Tell())

	// No bytes touched the host.
	require.Equal(t, before, ctx.Counters().CopiesToHost)

	// The view is clamped at the end of the buffer.
	view2, err := r.ReadBuffer(100)
	require.NoError(t, err)
	require.EqualValues(t, 10, view2.Size())
	require.Equal(t, buffer.DevicePtr()+6, view2.DevicePtr())
	require.EqualValues(t, 16, r.Tell())

	require.Equal(t, content[:6], deviceBytes(t, view))
	require.Equal(t, content[6:], deviceBytes(t, view2))

	require.NoError(t, view.Close())
	require.NoError(t, view2.Close())

	_, err = r.ReadBuffer(-1)
	require.Error(t, err)
}

func TestReaderSeek(t *testing.T) {
	ctx := cudamock.New()
	content := iotaBytes(8)
	buffer := newDeviceBuffer(t, ctx, content)
	defer func() { require.NoError(t, buffer.Close()) }()

	r := cuda.NewBufferReader(buffer)
	require.NoError(t, r.Seek(5))
	require.EqualValues(t, 5, r.Tell())

	p := make([]byte, 8)
	n, err := r.Read(p)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, content[5:], p[:3])

	// Seeking to the very end is allowed; past it is not.
	require.NoError(t, r.Seek(8))
	require.Error(t, r.Seek(9))
	require.Error(t, r.Seek(-1))
}
