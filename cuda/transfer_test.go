package cuda_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gomlx/gocuda/cuda"
	"github.com/gomlx/gocuda/cudamock"
)

func testScalarRoundTripImpl[T interface {
	float64 | float32 | int64 | int8 | uint16
}](t *testing.T, ctx *cudamock.Context, value T) {
	buffer, err := cuda.ScalarToBuffer(ctx, value)
	require.NoError(t, err)
	got, err := cuda.BufferToScalar[T](buffer)
	require.NoError(t, err)
	require.Equal(t, value, got)
	require.NoError(t, buffer.Close())
}

func TestScalarRoundTrip(t *testing.T) {
	ctx := cudamock.New()
	testScalarRoundTripImpl(t, ctx, float64(3.75))
	testScalarRoundTripImpl(t, ctx, float32(-1.5))
	testScalarRoundTripImpl(t, ctx, int64(-1))
	testScalarRoundTripImpl(t, ctx, int8(17))
	testScalarRoundTripImpl(t, ctx, uint16(0xBEEF))
}

func TestScalarRoundTripFloat16(t *testing.T) {
	ctx := cudamock.New()
	value := float16.Fromfloat32(2.5)
	buffer, err := cuda.ScalarToBuffer(ctx, value)
	require.NoError(t, err)
	require.EqualValues(t, 2, buffer.Size())

	got, err := cuda.BufferToScalar[float16.Float16](buffer)
	require.NoError(t, err)
	require.Equal(t, float32(2.5), got.Float32())
	require.NoError(t, buffer.Close())
}

func TestSliceRoundTrip(t *testing.T) {
	ctx := cudamock.New()
	values := []float32{1, 2, 3, 5, 8, 13}

	buffer, err := cuda.SliceToBuffer(ctx, values)
	require.NoError(t, err)
	require.EqualValues(t, 4*len(values), buffer.Size())

	got, err := cuda.BufferToSlice[float32](buffer)
	require.NoError(t, err)
	require.Equal(t, values, got)
	require.NoError(t, buffer.Close())
}

func TestBufferToSliceSizeMismatch(t *testing.T) {
	ctx := cudamock.New()
	buffer := newDeviceBuffer(t, ctx, iotaBytes(10))
	defer func() { require.NoError(t, buffer.Close()) }()

	// 10 bytes is not a whole number of float32s.
	_, err := cuda.BufferToSlice[float32](buffer)
	require.ErrorContains(t, err, "Float32")

	// But it is a whole number of uint16s.
	got, err := cuda.BufferToSlice[uint16](buffer)
	require.NoError(t, err)
	require.Len(t, got, 5)
}

func TestBufferToScalarTooSmall(t *testing.T) {
	ctx := cudamock.New()
	buffer := newDeviceBuffer(t, ctx, iotaBytes(2))
	defer func() { require.NoError(t, buffer.Close()) }()

	_, err := cuda.BufferToScalar[float64](buffer)
	require.Error(t, err)
}

func TestSliceToBufferEmpty(t *testing.T) {
	ctx := cudamock.New()
	buffer, err := cuda.SliceToBuffer(ctx, []int32(nil))
	require.NoError(t, err)
	require.EqualValues(t, 0, buffer.Size())

	got, err := cuda.BufferToSlice[int32](buffer)
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, buffer.Close())
}
