package pipeline

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

const latencyWindow = 256

// Stats tracks per-stage timing over a sliding window plus running counters.
type Stats struct {
	mu sync.Mutex

	segmentMs []float64
	fuseMs    []float64
	tickMs    []float64

	frames         int64
	resultsDropped int64
	remoteCalls    int64
	remoteFailures int64
	lastReport     time.Time
	reportFrames   int64
}

// Snapshot is a point-in-time view of the pipeline's performance.
type Snapshot struct {
	Frames         int64
	ResultsDropped int64
	RemoteCalls    int64
	RemoteFailures int64

	SegmentMeanMs float64
	SegmentP95Ms  float64
	FuseMeanMs    float64
	TickMeanMs    float64
	TickP95Ms     float64
}

func newStats() *Stats {
	return &Stats{lastReport: time.Now()}
}

func (s *Stats) recordTick(segment, fuse, total time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	s.reportFrames++
	s.segmentMs = slide(s.segmentMs, float64(segment)/float64(time.Millisecond))
	s.fuseMs = slide(s.fuseMs, float64(fuse)/float64(time.Millisecond))
	s.tickMs = slide(s.tickMs, float64(total)/float64(time.Millisecond))
}

func slide(w []float64, v float64) []float64 {
	if len(w) >= latencyWindow {
		w = w[1:]
	}
	return append(w, v)
}

func (s *Stats) recordDrop() {
	s.mu.Lock()
	s.resultsDropped++
	s.mu.Unlock()
}

func (s *Stats) recordRemote(failed bool) {
	s.mu.Lock()
	s.remoteCalls++
	if failed {
		s.remoteFailures++
	}
	s.mu.Unlock()
}

// Snapshot computes the current window statistics.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Frames:         s.frames,
		ResultsDropped: s.resultsDropped,
		RemoteCalls:    s.remoteCalls,
		RemoteFailures: s.remoteFailures,
		SegmentMeanMs:  mean(s.segmentMs),
		SegmentP95Ms:   quantile(s.segmentMs, 0.95),
		FuseMeanMs:     mean(s.fuseMs),
		TickMeanMs:     mean(s.tickMs),
		TickP95Ms:      quantile(s.tickMs, 0.95),
	}
}

// reportFPS returns frames per second since the previous report and resets
// the report window.
func (s *Stats) reportFPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(s.lastReport).Seconds()
	fps := 0.0
	if elapsed > 0 {
		fps = float64(s.reportFrames) / elapsed
	}
	s.lastReport = now
	s.reportFrames = 0
	return fps
}

func mean(w []float64) float64 {
	if len(w) == 0 {
		return 0
	}
	return stat.Mean(w, nil)
}

func quantile(w []float64, q float64) float64 {
	if len(w) == 0 {
		return 0
	}
	sorted := append([]float64(nil), w...)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.Empirical, sorted, nil)
}
