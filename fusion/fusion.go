// Package fusion merges the fast local segmentation path with the latest
// remote analysis into a single scored result per frame. Fuse is pure: the
// same input always produces the same result, and timestamps come from the
// frame rather than the wall clock.
package fusion

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"neurovision/analyzer"
	"neurovision/segmentation"
)

// Severity levels, highest first.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityCaution  Severity = "CAUTION"
	SeverityInfo     Severity = "INFO"
)

var severityRank = map[Severity]int{
	SeverityCritical: 4,
	SeverityWarning:  3,
	SeverityCaution:  2,
	SeverityInfo:     1,
}

// Rank orders severities for comparison; higher is more severe.
func (s Severity) Rank() int { return severityRank[s] }

// Alert is one actionable finding attached to a fused result.
type Alert struct {
	Severity     Severity  `json:"severity"`
	Category     string    `json:"category"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	VoiceMessage string    `json:"voice_message,omitempty"`
}

// Config holds the fusion tuning knobs.
type Config struct {
	SafetyThreshold     int     // score below this raises a WARNING, default 80
	ProximityMarginPx   float64 // instrument-to-structure distance floor, default 50
	InstrumentStructure string  // profile structure treated as the instrument, default "instrument"
}

func (c *Config) applyDefaults() {
	if c.SafetyThreshold <= 0 {
		c.SafetyThreshold = 80
	}
	if c.ProximityMarginPx <= 0 {
		c.ProximityMarginPx = 50
	}
	if c.InstrumentStructure == "" {
		c.InstrumentStructure = "instrument"
	}
}

// Input is everything Fuse consumes for one frame.
type Input struct {
	FrameID   int64
	Timestamp time.Time
	Masks     map[string]segmentation.StructureMask
	Profile   segmentation.Profile

	Remote         *analyzer.Batch // latest remote analysis, may be nil
	RemoteStale    bool            // Remote predates this frame
	RemoteDegraded bool            // remote path currently failing
}

// Result is the fused per-frame output.
type Result struct {
	FrameID      int64                                 `json:"frame_id"`
	Timestamp    time.Time                             `json:"timestamp"`
	Masks        map[string]segmentation.StructureMask `json:"-"`
	SafetyScore  int                                   `json:"safety_score"`
	Alerts       []Alert                               `json:"alerts"`
	VoiceMessage string                                `json:"voice_message,omitempty"`
	Guidance     string                                `json:"guidance,omitempty"`

	Remote         *analyzer.Batch `json:"-"`
	RemoteStale    bool            `json:"remote_stale"`
	RemoteDegraded bool            `json:"remote_degraded"`
}

// Release closes the pixel buffers held by the result's masks.
func (r *Result) Release() {
	segmentation.ReleaseMasks(r.Masks)
	r.Masks = nil
}

// HighestSeverity returns the most severe alert level present, or "" when the
// result carries no alerts.
func (r Result) HighestSeverity() Severity {
	var best Severity
	for _, a := range r.Alerts {
		if a.Severity.Rank() > best.Rank() {
			best = a.Severity
		}
	}
	return best
}

// Fuse combines local masks and the latest remote batch into a scored result.
// Alert order is deterministic: proximity findings (structure name order),
// remote findings (service order), degraded-path notice, then the threshold
// warning appended after scoring.
func Fuse(in Input, cfg Config) Result {
	cfg.applyDefaults()

	alerts := proximityAlerts(in, cfg)
	alerts = append(alerts, remoteAlerts(in)...)
	if in.RemoteDegraded {
		alerts = append(alerts, Alert{
			Severity:  SeverityInfo,
			Category:  "system",
			Message:   "Remote analysis degraded, running with reduced capability",
			Timestamp: in.Timestamp,
		})
	}

	score := safetyScore(alerts)
	if score < cfg.SafetyThreshold {
		alerts = append(alerts, Alert{
			Severity:  SeverityWarning,
			Category:  "safety",
			Message:   fmt.Sprintf("Safety score %d below threshold %d", score, cfg.SafetyThreshold),
			Timestamp: in.Timestamp,
		})
	}

	res := Result{
		FrameID:        in.FrameID,
		Timestamp:      in.Timestamp,
		Masks:          in.Masks,
		SafetyScore:    score,
		Alerts:         alerts,
		Remote:         in.Remote,
		RemoteStale:    in.RemoteStale,
		RemoteDegraded: in.RemoteDegraded,
	}
	if in.Remote != nil {
		res.Guidance = in.Remote.Guidance
	}
	res.VoiceMessage = pickVoice(res)
	return res
}

// safetyScore applies the severity penalty model and clamps into [0, 100].
func safetyScore(alerts []Alert) int {
	score := 100
	for _, a := range alerts {
		switch a.Severity {
		case SeverityCritical:
			score -= 25
		case SeverityWarning:
			score -= 10
		case SeverityCaution:
			score -= 5
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// proximityAlerts raises a CRITICAL finding for every safety-critical
// structure with an instrument instance inside the safety margin.
func proximityAlerts(in Input, cfg Config) []Alert {
	instrument, ok := in.Masks[cfg.InstrumentStructure]
	if !ok || len(instrument.Instances) == 0 {
		return nil
	}

	names := make([]string, 0, len(in.Masks))
	for name := range in.Masks {
		if name == cfg.InstrumentStructure {
			continue
		}
		if spec, ok := in.Profile.Structures[name]; ok && spec.Critical {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var alerts []Alert
	for _, name := range names {
		dist, ok := segmentation.MinInstanceDistance(instrument, in.Masks[name])
		if !ok || dist > cfg.ProximityMarginPx {
			continue
		}
		alerts = append(alerts, Alert{
			Severity:     SeverityCritical,
			Category:     "proximity",
			Message:      fmt.Sprintf("Instrument within %.0fpx of %s (%.0fpx margin)", dist, name, cfg.ProximityMarginPx),
			Timestamp:    in.Timestamp,
			VoiceMessage: fmt.Sprintf("Warning: instrument near %s", name),
		})
	}
	return alerts
}

// remoteAlerts maps service findings into the local severity taxonomy.
func remoteAlerts(in Input) []Alert {
	if in.Remote == nil {
		return nil
	}
	var alerts []Alert
	for _, ra := range in.Remote.Alerts {
		alerts = append(alerts, Alert{
			Severity:  mapRemoteSeverity(ra.Severity),
			Category:  "remote",
			Message:   ra.Message,
			Timestamp: in.Timestamp,
		})
	}
	return alerts
}

func mapRemoteSeverity(s string) Severity {
	switch strings.ToLower(s) {
	case "critical":
		return SeverityCritical
	case "warning":
		return SeverityWarning
	case "caution":
		return SeverityCaution
	default:
		return SeverityInfo
	}
}

// pickVoice selects at most one voice line: the most severe non-INFO alert
// speaks, preferring its dedicated voice phrasing over its display message.
// With no alert above INFO the remote voice alert passes through.
func pickVoice(r Result) string {
	var best Alert
	for _, a := range r.Alerts {
		if a.Severity == SeverityInfo {
			continue
		}
		if a.Severity.Rank() > best.Severity.Rank() {
			best = a
		}
		if a.Severity.Rank() == best.Severity.Rank() && best.VoiceMessage == "" && a.VoiceMessage != "" {
			best = a
		}
	}
	if best.VoiceMessage != "" {
		return best.VoiceMessage
	}
	if best.Message != "" {
		return best.Message
	}
	if r.Remote != nil {
		return r.Remote.VoiceAlert
	}
	return ""
}
