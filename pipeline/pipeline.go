// Package pipeline runs the dual-rate analysis loop: local segmentation on
// every tick, remote analysis on its own slower cadence, fused into one
// result stream. A slow consumer or a failing remote service never stalls
// the tick loop.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"neurovision/analyzer"
	"neurovision/capture"
	"neurovision/fusion"
	"neurovision/segmentation"
)

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

// State of the orchestrator lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Analyzer is the remote analysis boundary. The real implementation is
// analyzer.Client; tests substitute fakes.
type Analyzer interface {
	Allow() bool
	Analyze(ctx context.Context, frame gocv.Mat, mode analyzer.Mode, frameID int64, modality string) (*analyzer.Batch, error)
}

// Result is one fused frame delivered to the consumer. The consumer owns it
// and must call Release.
type Result struct {
	fusion.Result
	Frame *capture.Frame // set only with Config.KeepFrames
}

// Release frees the masks and, when present, the source frame.
func (r *Result) Release() {
	r.Result.Release()
	if r.Frame != nil {
		r.Frame.Release()
		r.Frame = nil
	}
}

// remoteSlot is the single-slot latest-wins cache for remote analysis.
// gen guards against late writes from calls issued before a Stop or a
// superseding result.
type remoteSlot struct {
	mu       sync.Mutex
	gen      int64
	batch    *analyzer.Batch
	degraded bool
}

func (s *remoteSlot) store(gen int64, b *analyzer.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	if s.batch == nil || b.FrameID >= s.batch.FrameID {
		s.batch = b
	}
	s.degraded = false
}

func (s *remoteSlot) markDegraded(gen int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.degraded = true
}

func (s *remoteSlot) load() (*analyzer.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch, s.degraded
}

func (s *remoteSlot) reset(gen int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen = gen
	s.batch = nil
	s.degraded = false
}

// Orchestrator drives the capture/segment/analyze/fuse loop.
type Orchestrator struct {
	source capture.Source
	remote Analyzer

	state atomic.Int32
	gen   atomic.Int64

	mu      sync.Mutex
	cfg     Config
	buffer  *capture.Buffer
	results chan Result
	cancel  context.CancelFunc
	done    chan struct{}
	termErr error

	slot     remoteSlot
	inFlight atomic.Bool
	stats    *Stats
}

// New creates an Orchestrator over a frame source. remote may be nil when
// the pipeline runs local-only.
func New(source capture.Source, remote Analyzer) *Orchestrator {
	return &Orchestrator{
		source: source,
		remote: remote,
		stats:  newStats(),
	}
}

// State reports the current lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Stats exposes the performance counters.
func (o *Orchestrator) Stats() *Stats {
	return o.stats
}

// Results returns the fused result stream. The channel is closed when the
// pipeline stops. Valid only between Start and the end of the run.
func (o *Orchestrator) Results() <-chan Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.results
}

// Err reports why the result stream ended, such as a source whose reconnect
// attempts were exhausted. Nil while running and after a clean Stop.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.termErr
}

// Start validates the configuration, opens the source and launches the tick
// loop. Configuration failures wrap ErrConfigurationInvalid; an unreachable
// source surfaces capture.ErrSourceUnavailable.
func (o *Orchestrator) Start(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	profile, err := segmentation.ProfileFor(cfg.Modality)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
	}

	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("%w: pipeline already running", ErrConfigurationInvalid)
	}

	buffer := capture.New(o.source, capture.Options{
		Capacity:  cfg.BufferCapacity,
		TargetFPS: cfg.CaptureTargetFPS,
		Modality:  cfg.Modality,
	})
	if err := buffer.Start(); err != nil {
		o.state.Store(int32(StateIdle))
		return err
	}

	if rl, ok := o.remote.(interface{ SetRate(float64) }); ok && cfg.RemoteEnabled {
		rl.SetRate(cfg.RemoteCallsPerSecond)
	}

	gen := o.gen.Add(1)
	o.slot.reset(gen)
	o.inFlight.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cfg = cfg
	o.buffer = buffer
	o.results = make(chan Result, cfg.ResultBuffer)
	o.cancel = cancel
	o.done = make(chan struct{})
	o.termErr = nil
	o.mu.Unlock()

	go o.run(ctx, cfg, profile, buffer, o.results, gen, o.done)

	debugMsg("PIPELINE", fmt.Sprintf("Started: modality=%s mode=%s remote=%v fps=%d",
		cfg.Modality, cfg.AnalysisMode, cfg.RemoteEnabled, cfg.CaptureTargetFPS))
	return nil
}

// Stop shuts the pipeline down and releases capture resources. Safe to call
// from any state and idempotent; the results channel is closed on return.
func (o *Orchestrator) Stop() {
	if !o.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}

	o.mu.Lock()
	cancel := o.cancel
	done := o.done
	buffer := o.buffer
	o.mu.Unlock()

	cancel()
	<-done
	buffer.Stop()
	o.slot.reset(o.gen.Add(1)) // invalidate any in-flight remote call

	o.state.Store(int32(StateIdle))
	debugMsg("PIPELINE", "Stopped")
}

func (o *Orchestrator) run(ctx context.Context, cfg Config, profile segmentation.Profile,
	buffer *capture.Buffer, results chan Result, gen int64, done chan struct{}) {

	defer close(done)
	defer close(results)

	interval := time.Second / time.Duration(cfg.CaptureTargetFPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	report := time.NewTicker(10 * time.Second)
	defer report.Stop()

	fuseCfg := fusion.Config{
		SafetyThreshold:   cfg.SafetyThreshold,
		ProximityMarginPx: cfg.ProximityMarginPx,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-report.C:
			snap := o.stats.Snapshot()
			debugMsg("PIPELINE", fmt.Sprintf("%.1f fps, segment %.1fms avg, tick %.1fms p95, %d dropped, remote %d/%d failed",
				o.stats.reportFPS(), snap.SegmentMeanMs, snap.TickP95Ms, snap.ResultsDropped, snap.RemoteFailures, snap.RemoteCalls))
		case <-ticker.C:
			frame, ok := buffer.Next()
			if !ok {
				if err := buffer.Err(); err != nil {
					debugMsg("PIPELINE", fmt.Sprintf("Capture terminated: %v", err))
					o.fail(err, buffer)
					return
				}
				continue
			}
			o.tick(ctx, cfg, profile, fuseCfg, frame, results, gen)
		}
	}
}

// fail records the terminal error and, unless a concurrent Stop already owns
// the shutdown, releases capture resources and leaves the running state.
func (o *Orchestrator) fail(err error, buffer *capture.Buffer) {
	o.mu.Lock()
	o.termErr = err
	o.mu.Unlock()

	if o.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		buffer.Stop()
		o.slot.reset(o.gen.Add(1))
		o.state.Store(int32(StateIdle))
	}
}

func (o *Orchestrator) tick(ctx context.Context, cfg Config, profile segmentation.Profile,
	fuseCfg fusion.Config, frame capture.Frame, results chan Result, gen int64) {

	tickStart := time.Now()

	masks := segmentation.Segment(frame.Image, profile)
	segmentDur := time.Since(tickStart)

	o.maybeAnalyze(ctx, cfg, frame, gen)

	batch, degraded := o.slot.load()
	stale := batch != nil && batch.FrameID < frame.ID

	fuseStart := time.Now()
	fused := fusion.Fuse(fusion.Input{
		FrameID:        frame.ID,
		Timestamp:      frame.Timestamp,
		Masks:          masks,
		Profile:        profile,
		Remote:         batch,
		RemoteStale:    stale,
		RemoteDegraded: degraded,
	}, fuseCfg)
	fuseDur := time.Since(fuseStart)

	res := Result{Result: fused}
	if cfg.KeepFrames {
		f := frame
		res.Frame = &f
	} else {
		frame.Release()
	}

	select {
	case results <- res:
	default:
		res.Release()
		o.stats.recordDrop()
	}

	o.stats.recordTick(segmentDur, fuseDur, time.Since(tickStart))
}

// maybeAnalyze issues a remote call when the cadence allows and no call is
// already in flight. The frame is cloned so the analysis owns its pixels.
func (o *Orchestrator) maybeAnalyze(ctx context.Context, cfg Config, frame capture.Frame, gen int64) {
	if !cfg.RemoteEnabled || o.remote == nil {
		return
	}
	if o.inFlight.Load() || !o.remote.Allow() {
		return
	}
	o.inFlight.Store(true)

	clone := frame.Image.Clone()
	id := frame.ID
	modality := frame.Modality

	go func() {
		defer o.inFlight.Store(false)
		defer clone.Close()

		callCtx, cancel := context.WithTimeout(ctx, cfg.RemoteTimeout)
		defer cancel()

		batch, err := o.remote.Analyze(callCtx, clone, analyzer.Mode(cfg.AnalysisMode), id, modality)
		if err != nil {
			o.stats.recordRemote(true)
			o.slot.markDegraded(gen)
			debugMsg("PIPELINE", fmt.Sprintf("Remote analysis failed for frame %d: %v", id, err))
			return
		}
		o.stats.recordRemote(false)
		o.slot.store(gen, batch)
	}()
}
