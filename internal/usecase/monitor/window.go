package monitor

import (
	"sync"

	"agent-orchestrator/internal/domain"
)

// sampleWindow is a thread-safe, bounded sample buffer that evicts the
// oldest sample once capacity is reached.
type sampleWindow struct {
	mu      sync.Mutex
	buf     []domain.PerformanceSample
	head    int // index of the oldest sample
	size    int
	max     int
	written uint64 // samples ever recorded, including evicted ones
}

func newSampleWindow(capacity int) *sampleWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &sampleWindow{
		buf: make([]domain.PerformanceSample, 0, min(capacity, 64)),
		max: capacity,
	}
}

func (w *sampleWindow) add(s domain.PerformanceSample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.written++
	if w.size < w.max {
		if len(w.buf) < w.max {
			w.buf = append(w.buf, s)
		} else {
			w.buf[(w.head+w.size)%w.max] = s
		}
		w.size++
		return
	}
	w.buf[w.head] = s
	w.head = (w.head + 1) % w.max
}

// snapshot returns the samples oldest first.
func (w *sampleWindow) snapshot() []domain.PerformanceSample {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]domain.PerformanceSample, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

func (w *sampleWindow) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// totalWritten counts every sample ever added, including evicted ones.
func (w *sampleWindow) totalWritten() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}
