package analyzer

import "time"

// Mode selects the analysis prompt the remote service applies to a frame.
type Mode string

const (
	ModeORSafety   Mode = "or_safety"
	ModeNavigation Mode = "navigation"
	ModeTraining   Mode = "training"
	ModeFull       Mode = "full"
)

// Detection is one structure or instrument the remote service located.
// Box coordinates are percentages of the frame, [x1 y1 x2 y2].
type Detection struct {
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Confidence     float64   `json:"confidence"`
	Box            []float64 `json:"bounding_box,omitempty"`
	SafetyCritical bool      `json:"safety_critical"`
	SafetyMarginMM float64   `json:"safety_margin_mm,omitempty"`
}

// RemoteAlert is a safety finding reported by the remote service. Severity
// uses the service's vocabulary (critical/warning/caution) and is mapped
// into the local taxonomy at fusion time.
type RemoteAlert struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Batch is one complete remote analysis of a single frame.
type Batch struct {
	Detections  []Detection   `json:"structures,omitempty"`
	Alerts      []RemoteAlert `json:"alerts,omitempty"`
	SafetyScore int           `json:"safety_score"`
	Guidance    string        `json:"guidance,omitempty"`
	VoiceAlert  string        `json:"voice_alert,omitempty"`

	Mode       Mode      `json:"-"`
	FrameID    int64     `json:"-"`
	ReceivedAt time.Time `json:"-"`
}

// CriticalDetections returns only the safety-critical structures.
func (b *Batch) CriticalDetections() []Detection {
	var out []Detection
	for _, d := range b.Detections {
		if d.SafetyCritical {
			out = append(out, d)
		}
	}
	return out
}
