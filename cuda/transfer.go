package cuda

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/gomlx/gocuda/dtypes"
)

// rawBytes reinterprets a slice of supported values as its underlying bytes, without
// copying.
func rawBytes[T dtypes.Supported](values []T) []byte {
	if len(values) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(values))),
		len(values)*int(unsafe.Sizeof(values[0])))
}

// ScalarToBuffer allocates a device buffer holding the given scalar value.
func ScalarToBuffer[T dtypes.Supported](ctx Context, value T) (*Buffer, error) {
	src := unsafe.Slice((*byte)(unsafe.Pointer(&value)), unsafe.Sizeof(value))
	b, err := AllocateBuffer(ctx, int64(len(src)))
	if err != nil {
		return nil, err
	}
	if err := b.CopyFromHost(0, src); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// BufferToScalar transfers a device buffer back to the host as a scalar of the given
// type. The buffer must hold at least one T.
func BufferToScalar[T dtypes.Supported](b *Buffer) (value T, err error) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(&value)), unsafe.Sizeof(value))
	err = b.CopyToHost(0, dst)
	return
}

// SliceToBuffer allocates a device buffer holding the given values.
func SliceToBuffer[T dtypes.Supported](ctx Context, values []T) (*Buffer, error) {
	src := rawBytes(values)
	b, err := AllocateBuffer(ctx, int64(len(src)))
	if err != nil {
		return nil, err
	}
	if err := b.CopyFromHost(0, src); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// BufferToSlice transfers the whole device buffer back to the host as a slice of T.
// The buffer size must be a whole number of elements.
func BufferToSlice[T dtypes.Supported](b *Buffer) ([]T, error) {
	var zero T
	elemSize := int64(unsafe.Sizeof(zero))
	if b.Size()%elemSize != 0 {
		return nil, errors.Errorf("%d-byte device buffer is not a whole number of %s elements",
			b.Size(), dtypes.FromGenericsType[T]())
	}
	count := b.Size() / elemSize
	if count == 0 {
		return nil, nil
	}
	values := make([]T, count)
	if err := b.CopyToHost(0, rawBytes(values)); err != nil {
		return nil, err
	}
	return values, nil
}
