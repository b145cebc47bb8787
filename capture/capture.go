// Package capture decouples frame production from consumption: a background
// acquisition goroutine reads from a Source at a target rate and pushes into
// a bounded drop-oldest ring, so the pipeline always sees the freshest frame
// and a slow tick never stalls the camera.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// Debug function wiring, provided by the main package.
var debugMsgFunc func(component, message string)

// SetDebugFunction allows the main package to provide the debug sink.
func SetDebugFunction(fn func(component, message string)) {
	debugMsgFunc = fn
}

func debugMsg(component, message string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message)
	}
}

// Frame is one captured image plus its identity metadata. A frame is owned
// exclusively by whichever stage currently holds it; ownership transfers on
// enqueue/dequeue, and the final holder must call Release.
type Frame struct {
	Image     gocv.Mat
	ID        int64
	Timestamp time.Time
	Modality  string
}

// Release closes the underlying pixel buffer.
func (f *Frame) Release() {
	if f.Image.Ptr() != nil {
		f.Image.Close()
	}
}

// Options configures a Buffer. Zero values fall back to the defaults.
type Options struct {
	Capacity   int           // buffered frames, default 30
	TargetFPS  int           // acquisition rate, default 10
	Modality   string        // stamped onto every frame
	MaxRetries int           // mid-stream reconnect attempts, default 5
	RetryDelay time.Duration // pause between reconnect attempts, default 1s
}

func (o *Options) applyDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = 30
	}
	if o.TargetFPS <= 0 {
		o.TargetFPS = 10
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
}

// BufferStats is a snapshot of the buffer's counters.
type BufferStats struct {
	Captured   int64
	Dropped    int64
	Reconnects int64
	Buffered   int
}

// Buffer owns the acquisition goroutine and the bounded frame ring.
type Buffer struct {
	source Source
	opts   Options
	ring   *ring

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	termErr error

	captured   atomic.Int64
	dropped    atomic.Int64
	reconnects atomic.Int64
}

// New creates a Buffer over a Source. The source is opened by Start.
func New(source Source, opts Options) *Buffer {
	opts.applyDefaults()
	return &Buffer{
		source: source,
		opts:   opts,
		ring:   newRing(opts.Capacity),
	}
}

// Start opens the source and launches the acquisition loop. An unreachable
// source fails with ErrSourceUnavailable.
func (b *Buffer) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("capture buffer already running")
	}
	if err := b.source.Open(); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	b.termErr = nil
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	b.running = true
	go b.acquireLoop(b.stop, b.done)

	debugMsg("CAPTURE", fmt.Sprintf("Started acquisition from %s at %d fps (capacity %d)",
		b.source.Descriptor(), b.opts.TargetFPS, b.opts.Capacity))
	return nil
}

// Next returns the freshest buffered frame without blocking, or false when
// nothing has been produced yet. Older buffered frames are released.
func (b *Buffer) Next() (Frame, bool) {
	return b.ring.takeNewest()
}

// Stop terminates the acquisition loop, closes the source and releases every
// buffered frame. Safe to call from any state and idempotent.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}
	close(b.stop)
	<-b.done
	b.source.Close()
	b.ring.drain()
	b.running = false
	debugMsg("CAPTURE", "Acquisition stopped")
}

// Err reports the terminal acquisition error, if the loop gave up.
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.termErr
}

// Stats returns a snapshot of the counters.
func (b *Buffer) Stats() BufferStats {
	return BufferStats{
		Captured:   b.captured.Load(),
		Dropped:    b.dropped.Load(),
		Reconnects: b.reconnects.Load(),
		Buffered:   b.ring.len(),
	}
}

func (b *Buffer) setTermErr(err error) {
	b.mu.Lock()
	b.termErr = err
	b.mu.Unlock()
}

func (b *Buffer) acquireLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := time.Second / time.Duration(b.opts.TargetFPS)
	nextID := int64(1)

	for {
		select {
		case <-stop:
			return
		default:
		}

		readStart := time.Now()
		img, err := b.source.Read()
		if err != nil {
			if errors.Is(err, ErrEndOfStream) {
				debugMsg("CAPTURE", "Source exhausted, stopping acquisition")
				b.setTermErr(ErrEndOfStream)
				return
			}
			debugMsg("CAPTURE", fmt.Sprintf("Read failed (%v), attempting reconnect", err))
			if !b.reconnect(stop) {
				b.setTermErr(fmt.Errorf("%w: reconnect attempts exhausted", ErrSourceInterrupted))
				return
			}
			continue
		}

		if !validFrame(img) {
			img.Close()
			continue
		}

		f := Frame{Image: img, ID: nextID, Timestamp: time.Now(), Modality: b.opts.Modality}
		nextID++
		if b.ring.push(f) {
			b.dropped.Add(1)
		}
		b.captured.Add(1)

		// Hold the target rate; reads faster than the interval wait out the
		// remainder, slower ones proceed immediately.
		if elapsed := time.Since(readStart); elapsed < interval {
			select {
			case <-stop:
				return
			case <-time.After(interval - elapsed):
			}
		}
	}
}

// reconnect runs the bounded recovery sequence after a mid-stream failure.
// Returns false when the retry budget is exhausted or a stop was requested.
func (b *Buffer) reconnect(stop <-chan struct{}) bool {
	b.source.Close()

	for attempt := 1; attempt <= b.opts.MaxRetries; attempt++ {
		select {
		case <-stop:
			return false
		case <-time.After(b.opts.RetryDelay):
		}

		if err := b.source.Open(); err != nil {
			debugMsg("CAPTURE", fmt.Sprintf("Reconnect attempt %d/%d failed: %v",
				attempt, b.opts.MaxRetries, err))
			continue
		}
		b.reconnects.Add(1)
		debugMsg("CAPTURE", fmt.Sprintf("Reconnected to %s (attempt %d)", b.source.Descriptor(), attempt))
		return true
	}
	debugMsg("CAPTURE", fmt.Sprintf("Giving up after %d reconnect attempts", b.opts.MaxRetries))
	return false
}

// validFrame rejects malformed capture output without touching CGO state.
func validFrame(img gocv.Mat) bool {
	if img.Ptr() == nil {
		return false
	}
	return img.Rows() > 0 && img.Cols() > 0 && img.Channels() > 0
}
