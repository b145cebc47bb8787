package capture

import "sync"

// ring is a bounded frame queue with drop-oldest backpressure: a push into a
// full ring evicts (and releases) the oldest frame so acquisition never
// blocks on a slow consumer.
type ring struct {
	mu       sync.Mutex
	frames   []Frame
	capacity int
}

func newRing(capacity int) *ring {
	return &ring{frames: make([]Frame, 0, capacity), capacity: capacity}
}

// push inserts a frame, evicting the oldest entry when full. Returns true
// when an eviction happened. Ownership of f transfers to the ring.
func (r *ring) push(f Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := false
	if len(r.frames) == r.capacity {
		oldest := r.frames[0]
		copy(r.frames, r.frames[1:])
		r.frames = r.frames[:len(r.frames)-1]
		oldest.Release()
		evicted = true
	}
	r.frames = append(r.frames, f)
	return evicted
}

// takeNewest removes and returns the freshest frame, releasing any older
// buffered frames: the consumer only ever wants the most recent view.
// Ownership of the returned frame transfers to the caller.
func (r *ring) takeNewest() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.frames) == 0 {
		return Frame{}, false
	}
	newest := r.frames[len(r.frames)-1]
	for i := 0; i < len(r.frames)-1; i++ {
		r.frames[i].Release()
	}
	r.frames = r.frames[:0]
	return newest, true
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// ids returns the buffered frame ids oldest-first.
func (r *ring) ids() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.ID
	}
	return out
}

// drain releases every buffered frame.
func (r *ring) drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.frames {
		r.frames[i].Release()
	}
	r.frames = r.frames[:0]
}
