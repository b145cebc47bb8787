// Package analyzer talks to the remote vision analysis service. Calls are
// rate limited with a skip-not-queue policy: when the cadence window has not
// elapsed the caller drops the frame rather than queueing it, so analysis
// always runs on fresh imagery.
package analyzer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// ErrAnalysisUnavailable covers every remote-path failure: transport errors,
// bad status, unparseable payloads. Callers degrade to local-only analysis.
var ErrAnalysisUnavailable = errors.New("remote analysis unavailable")

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

const defaultTimeout = 10 * time.Second

// Client is a rate-limited HTTP client for the vision analysis service.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client

	mu          sync.Mutex
	minInterval time.Duration
	lastCall    time.Time
}

// New creates a Client. callsPerSecond caps the request cadence; zero or
// negative disables the gate. timeout bounds each request round trip.
func New(endpoint, apiKey string, callsPerSecond float64, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
	if callsPerSecond > 0 {
		c.minInterval = time.Duration(float64(time.Second) / callsPerSecond)
	}
	return c
}

// Allow reports whether the cadence window has elapsed, and if so claims it.
// SetRate replaces the request cadence cap. Zero or negative disables the
// gate.
func (c *Client) SetRate(callsPerSecond float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minInterval = 0
	if callsPerSecond > 0 {
		c.minInterval = time.Duration(float64(time.Second) / callsPerSecond)
	}
}

// A true result commits the caller to making the call; frames arriving inside
// the window are skipped, not queued.
func (c *Client) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Sub(c.lastCall) < c.minInterval {
		return false
	}
	c.lastCall = now
	return true
}

type analysisRequest struct {
	Mode      Mode   `json:"mode"`
	FrameID   int64  `json:"frame_id"`
	Modality  string `json:"modality,omitempty"`
	MediaType string `json:"media_type"`
	Image     string `json:"image"`
}

// Analyze JPEG-encodes the frame, submits it to the service and parses the
// response. Never panics; every failure comes back wrapped in
// ErrAnalysisUnavailable.
func (c *Client) Analyze(ctx context.Context, frame gocv.Mat, mode Mode, frameID int64, modality string) (*Batch, error) {
	buf, err := gocv.IMEncode(".jpg", frame)
	if err != nil {
		return nil, fmt.Errorf("%w: jpeg encode: %v", ErrAnalysisUnavailable, err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf.GetBytes())
	buf.Close()

	body, err := json.Marshal(analysisRequest{
		Mode:      mode,
		FrameID:   frameID,
		Modality:  modality,
		MediaType: "image/jpeg",
		Image:     encoded,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrAnalysisUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrAnalysisUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnalysisUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: service returned %d", ErrAnalysisUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrAnalysisUnavailable, err)
	}

	batch, err := parseBatch(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnalysisUnavailable, err)
	}
	batch.Mode = mode
	batch.FrameID = frameID
	batch.ReceivedAt = time.Now()

	debugMsg("ANALYZER", fmt.Sprintf("Frame %d analyzed: %d detections, %d alerts, score %d",
		frameID, len(batch.Detections), len(batch.Alerts), batch.SafetyScore))
	return batch, nil
}

// parseBatch decodes a service response. Some backends wrap the JSON payload
// in markdown code fences; those are stripped before decoding.
func parseBatch(raw []byte) (*Batch, error) {
	text := stripFences(string(raw))
	var b Batch
	if err := json.Unmarshal([]byte(text), &b); err != nil {
		return nil, fmt.Errorf("parse response: %v", err)
	}
	return &b, nil
}

func stripFences(text string) string {
	if i := strings.Index(text, "```json"); i >= 0 {
		text = text[i+len("```json"):]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	} else if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+len("```"):]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	}
	return strings.TrimSpace(text)
}
