package cuda

import (
	"sync"

	"github.com/pkg/errors"
)

// BufferWriter is a write cursor over a mutable device Buffer.
//
// By default every Write issues one synchronous host->device transfer. With
// SetBufferSize, small writes are instead staged in a pinned host buffer and sent to
// the device in larger batches, amortizing the per-transfer cost of the
// interconnect. Buffering is purely a performance knob: the device contents after a
// Flush are identical whatever the staging capacity.
//
// Write, Seek, Flush and SetBufferSize are for single-goroutine use. WriteAt is safe
// to call from multiple goroutines sharing one writer.
type BufferWriter struct {
	mu sync.Mutex
	w  writerState
}

// writerState is the unsynchronized core of the writer, accessed only through
// BufferWriter's operations.
//
// Invariant: bytes [position-staged, position) of the logical stream live in the
// staging area and have not reached the device yet; everything before has.
type writerState struct {
	buffer   *Buffer
	position int64

	// Staging area. stagingSize == 0 means unbuffered.
	stagingSize int64
	staged      int64
	hostBuffer  *HostBuffer
}

// NewBufferWriter returns an unbuffered writer positioned at the start of buffer.
// The writer never owns the buffer; closing the writer does not free it.
// The buffer must be mutable.
func NewBufferWriter(buffer *Buffer) *BufferWriter {
	if !buffer.IsMutable() {
		panic("cuda.NewBufferWriter: buffer must be mutable")
	}
	return &BufferWriter{w: writerState{buffer: buffer}}
}

// flush commits the staged bytes, which belong at [position-staged, position) on the
// device, and empties the staging area.
func (s *writerState) flush() error {
	if s.staged == 0 {
		return nil
	}
	err := s.buffer.CopyFromHost(s.position-s.staged, s.hostBuffer.Bytes()[:s.staged])
	if err != nil {
		return err
	}
	s.staged = 0
	return nil
}

func (s *writerState) seek(position int64) error {
	if position < 0 || position >= s.buffer.Size() {
		return errors.Errorf("seek position %d out of bounds [0, %d) of device buffer writer",
			position, s.buffer.Size())
	}
	s.position = position
	return nil
}

func (s *writerState) write(p []byte) error {
	n := int64(len(p))
	if n == 0 {
		return nil
	}
	if s.stagingSize > 0 {
		if s.staged+n >= s.stagingSize {
			// The staging area would fill up: commit what is staged, then send this
			// write directly, rather than splitting it across two transfers.
			if err := s.flush(); err != nil {
				return err
			}
			if err := s.buffer.CopyFromHost(s.position, p); err != nil {
				return err
			}
		} else {
			copy(s.hostBuffer.Bytes()[s.staged:], p)
			s.staged += n
		}
	} else {
		if err := s.buffer.CopyFromHost(s.position, p); err != nil {
			return err
		}
	}
	s.position += n
	return nil
}

// releaseStaging flushes nothing; it only frees the pinned staging area.
func (s *writerState) releaseStaging() error {
	s.stagingSize = 0
	if s.hostBuffer == nil {
		return nil
	}
	err := s.hostBuffer.Close()
	s.hostBuffer = nil
	return err
}

// SetBufferSize configures the staging capacity. Pending staged bytes are flushed
// first, then a fresh pinned host buffer of the given size is allocated (the
// previous one, if any, is freed). A size of 0 returns the writer to unbuffered
// mode.
func (w *BufferWriter) SetBufferSize(size int64) error {
	if size < 0 {
		return errors.Errorf("staging buffer size must be >= 0, got %d", size)
	}
	if err := w.w.flush(); err != nil {
		return err
	}
	if err := w.w.releaseStaging(); err != nil {
		return err
	}
	if size > 0 {
		hb, err := AllocateHostBuffer(w.w.buffer.Context(), size)
		if err != nil {
			return err
		}
		w.w.hostBuffer = hb
		w.w.stagingSize = size
	}
	return nil
}

// Write writes p at the current position and advances it by len(p).
//
// Unbuffered, this is one direct host->device transfer. Buffered, p is appended to
// the staging area unless it would reach the staging capacity, in which case the
// staged bytes are flushed and p goes to the device directly (one logical write is
// never split across two transfers). Implements io.Writer.
func (w *BufferWriter) Write(p []byte) (int, error) {
	if err := w.w.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt is an atomic seek-then-write: concurrent calls on the same writer are
// serialized, so their staging and position updates cannot interleave.
func (w *BufferWriter) WriteAt(position int64, p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Staged bytes are relative to the pre-seek position and must land there.
	if err := w.w.flush(); err != nil {
		return err
	}
	if err := w.w.seek(position); err != nil {
		return err
	}
	return w.w.write(p)
}

// Flush commits any staged bytes to the device. A no-op when nothing is staged.
func (w *BufferWriter) Flush() error {
	return w.w.flush()
}

// Seek moves the write position to an absolute position in [0, size). Staged bytes
// are flushed first: they belong before the pre-seek position and must be committed
// before the cursor moves.
func (w *BufferWriter) Seek(position int64) error {
	if err := w.w.flush(); err != nil {
		return err
	}
	return w.w.seek(position)
}

// Tell returns the current write position, counting staged bytes.
func (w *BufferWriter) Tell() int64 {
	return w.w.position
}

// BufferSize returns the configured staging capacity (0 when unbuffered).
func (w *BufferWriter) BufferSize() int64 {
	return w.w.stagingSize
}

// BytesBuffered returns the number of bytes currently staged and not yet on the
// device.
func (w *BufferWriter) BytesBuffered() int64 {
	return w.w.staged
}

// Close flushes any staged bytes and frees the staging area. It does not free the
// device buffer, which the writer never owns.
func (w *BufferWriter) Close() error {
	if err := w.w.flush(); err != nil {
		return err
	}
	return w.w.releaseStaging()
}
