package pipeline

import (
	"errors"
	"fmt"
	"time"

	"neurovision/segmentation"
)

// ErrConfigurationInvalid is returned by Start when the supplied Config
// cannot describe a runnable pipeline.
var ErrConfigurationInvalid = errors.New("invalid pipeline configuration")

// Config describes one pipeline run.
type Config struct {
	Modality     string // segmentation profile name, e.g. "OR_CAMERA"
	AnalysisMode string // remote analysis mode

	RemoteEnabled        bool
	RemoteCallsPerSecond float64       // remote cadence ceiling, default 2
	RemoteTimeout        time.Duration // per-call budget, default 10s

	CaptureTargetFPS int // default 10
	BufferCapacity   int // default 30

	SafetyThreshold   int     // default 80
	ProximityMarginPx float64 // default 50

	ResultBuffer int  // results channel depth, default 8
	KeepFrames   bool // carry the source frame on each result
}

func (c *Config) applyDefaults() {
	if c.RemoteCallsPerSecond <= 0 {
		c.RemoteCallsPerSecond = 2
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = 10 * time.Second
	}
	if c.CaptureTargetFPS == 0 {
		c.CaptureTargetFPS = 10
	}
	if c.BufferCapacity == 0 {
		c.BufferCapacity = 30
	}
	if c.SafetyThreshold == 0 {
		c.SafetyThreshold = 80
	}
	if c.ProximityMarginPx == 0 {
		c.ProximityMarginPx = 50
	}
	if c.ResultBuffer <= 0 {
		c.ResultBuffer = 8
	}
}

// Validate applies defaults and rejects configurations that cannot run. All
// failures wrap ErrConfigurationInvalid.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.Modality == "" {
		return fmt.Errorf("%w: modality is required", ErrConfigurationInvalid)
	}
	if _, err := segmentation.ProfileFor(c.Modality); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
	}
	if c.CaptureTargetFPS < 0 || c.CaptureTargetFPS > 120 {
		return fmt.Errorf("%w: capture fps %d out of range", ErrConfigurationInvalid, c.CaptureTargetFPS)
	}
	if c.BufferCapacity < 0 {
		return fmt.Errorf("%w: buffer capacity must be positive", ErrConfigurationInvalid)
	}
	if c.SafetyThreshold < 0 || c.SafetyThreshold > 100 {
		return fmt.Errorf("%w: safety threshold %d out of range", ErrConfigurationInvalid, c.SafetyThreshold)
	}
	return nil
}
