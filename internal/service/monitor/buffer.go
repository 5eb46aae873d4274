package monitor

import (
	"container/ring"
	"sync"
)

// ringBuffer keeps the most recent n values; the oldest is overwritten first
type ringBuffer[T any] struct {
	mu sync.Mutex
	r  *ring.Ring
}

func newRingBuffer[T any](n int) *ringBuffer[T] {
	return &ringBuffer[T]{r: ring.New(n)}
}

func (b *ringBuffer[T]) push(v T) {
	b.mu.Lock()
	b.r.Value = v
	b.r = b.r.Next()
	b.mu.Unlock()
}

// snapshot returns the values oldest first
func (b *ringBuffer[T]) snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]T, 0, b.r.Len())
	b.r.Do(func(v any) {
		if v != nil {
			out = append(out, v.(T))
		}
	})
	return out
}
