package cuda

import (
	"io"

	"github.com/pkg/errors"
)

// BufferReader is a sequential read cursor over a device Buffer.
//
// Read materializes device bytes into host memory; ReadBuffer hands out zero-copy
// device-side views instead. The reader never owns the underlying buffer.
//
// A BufferReader is for single-goroutine use.
type BufferReader struct {
	buffer   *Buffer
	position int64
}

// NewBufferReader returns a reader positioned at the start of buffer.
func NewBufferReader(buffer *Buffer) *BufferReader {
	return &BufferReader{buffer: buffer}
}

// Read copies up to len(p) bytes from the device into p and advances the cursor.
// A short read at the end of the buffer is not an error; once the buffer is
// exhausted Read returns io.EOF. Implements io.Reader.
func (r *BufferReader) Read(p []byte) (int, error) {
	remaining := r.buffer.Size() - r.position
	if remaining <= 0 {
		return 0, io.EOF
	}
	n := min(int64(len(p)), remaining)
	if n == 0 {
		return 0, nil
	}
	if err := r.buffer.CopyToHost(r.position, p[:n]); err != nil {
		return 0, err
	}
	r.position += n
	return int(n), nil
}

// ReadBuffer returns a zero-copy view over the next min(n, remaining) bytes and
// advances the cursor by the view's length. No bytes touch the host; the view
// shares the underlying device allocation and keeps it alive.
func (r *BufferReader) ReadBuffer(n int64) (*Buffer, error) {
	if n < 0 {
		return nil, errors.Errorf("cannot read a negative number of bytes (%d)", n)
	}
	n = min(n, r.buffer.Size()-r.position)
	out, err := r.buffer.Slice(r.position, n)
	if err != nil {
		return nil, err
	}
	r.position += n
	return out, nil
}

// Seek moves the cursor to an absolute position in [0, size].
func (r *BufferReader) Seek(position int64) error {
	if position < 0 || position > r.buffer.Size() {
		return errors.Errorf("seek position %d out of bounds [0, %d] of device buffer reader",
			position, r.buffer.Size())
	}
	r.position = position
	return nil
}

// Tell returns the current cursor position.
func (r *BufferReader) Tell() int64 {
	return r.position
}

// Buffer returns the device buffer being read.
func (r *BufferReader) Buffer() *Buffer {
	return r.buffer
}
