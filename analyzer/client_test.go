package analyzer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

const sampleResponse = `{
	"structures": [
		{"name": "left ICA", "type": "vessel", "confidence": 0.91, "safety_critical": true, "safety_margin_mm": 5},
		{"name": "tumor mass", "type": "tumor", "confidence": 0.88, "safety_critical": false}
	],
	"alerts": [
		{"severity": "critical", "message": "Instrument approaching vessel"}
	],
	"safety_score": 72,
	"guidance": "Continue medial resection",
	"voice_alert": "Caution, vessel ahead"
}`

func testMat(t *testing.T) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSize(16, 16, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAnalyzeParsesResponse(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-API-Key")
		w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", 0, time.Second)
	batch, err := c.Analyze(context.Background(), testMat(t), ModeNavigation, 42, "USG")
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotAuth)
	assert.Equal(t, int64(42), batch.FrameID)
	assert.Equal(t, ModeNavigation, batch.Mode)
	assert.Equal(t, 72, batch.SafetyScore)
	assert.Len(t, batch.Detections, 2)
	assert.Len(t, batch.Alerts, 1)
	assert.Equal(t, "critical", batch.Alerts[0].Severity)
	assert.Equal(t, "Caution, vessel ahead", batch.VoiceAlert)
	assert.False(t, batch.ReceivedAt.IsZero())

	crit := batch.CriticalDetections()
	require.Len(t, crit, 1)
	assert.Equal(t, "left ICA", crit[0].Name)
}

func TestAnalyzeStripsMarkdownFences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Here is the analysis:\n```json\n" + sampleResponse + "\n```\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, "", 0, time.Second)
	batch, err := c.Analyze(context.Background(), testMat(t), ModeORSafety, 1, "")
	require.NoError(t, err)
	assert.Equal(t, 72, batch.SafetyScore)
}

func TestAnalyzeBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 0, time.Second)
	_, err := c.Analyze(context.Background(), testMat(t), ModeFull, 1, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAnalysisUnavailable))
}

func TestAnalyzeMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	c := New(srv.URL, "", 0, time.Second)
	_, err := c.Analyze(context.Background(), testMat(t), ModeFull, 1, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAnalysisUnavailable))
}

func TestAnalyzeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	c := New(srv.URL, "", 0, 20*time.Millisecond)
	_, err := c.Analyze(context.Background(), testMat(t), ModeFull, 1, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAnalysisUnavailable))
}

func TestAllowSkipsInsideWindow(t *testing.T) {
	c := New("http://unused", "", 2, time.Second) // 500ms window

	assert.True(t, c.Allow())
	assert.False(t, c.Allow())

	c.mu.Lock()
	c.lastCall = time.Now().Add(-time.Second)
	c.mu.Unlock()
	assert.True(t, c.Allow())
}

func TestAllowUnlimitedWhenDisabled(t *testing.T) {
	c := New("http://unused", "", 0, time.Second)
	for i := 0; i < 5; i++ {
		assert.True(t, c.Allow())
	}
}

func TestSetRateReplacesWindow(t *testing.T) {
	c := New("http://unused", "", 0, time.Second)

	c.SetRate(2)
	assert.True(t, c.Allow())
	assert.False(t, c.Allow())

	c.SetRate(0)
	for i := 0; i < 5; i++ {
		assert.True(t, c.Allow())
	}
}
