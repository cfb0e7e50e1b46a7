package cuda_test

import (
	"fmt"
	"testing"

	"github.com/janpfeifer/must"

	"github.com/gomlx/gocuda/cuda"
	"github.com/gomlx/gocuda/cudamock"
)

// The benchmarks run against the in-memory mock device, so they measure the
// writer's staging bookkeeping, not interconnect bandwidth.

func benchmarkWriter(b *testing.B, stagingCapacity int64, writeSize int) {
	ctx := cudamock.New()
	buffer := must.M1(cuda.AllocateBuffer(ctx, 1<<20))
	defer func() { must.M(buffer.Close()) }()

	w := cuda.NewBufferWriter(buffer)
	if stagingCapacity > 0 {
		must.M(w.SetBufferSize(stagingCapacity))
	}
	p := make([]byte, writeSize)
	b.SetBytes(int64(writeSize))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if w.Tell()+int64(writeSize) > buffer.Size() {
			must.M(w.Seek(0))
		}
		must.M1(w.Write(p))
	}
	b.StopTimer()
	must.M(w.Close())
}

func BenchmarkBufferWriter(b *testing.B) {
	for _, capacity := range []int64{0, 1 << 10, 1 << 16} {
		for _, writeSize := range []int{8, 64, 512, 4096} {
			b.Run(fmt.Sprintf("staging=%d/write=%d", capacity, writeSize), func(b *testing.B) {
				benchmarkWriter(b, capacity, writeSize)
			})
		}
	}
}
