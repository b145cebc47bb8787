package capture

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// fakeSource produces synthetic frames and lets tests script failures.
type fakeSource struct {
	mu        sync.Mutex
	openErrs  []error // consumed per Open call, nil entries succeed
	readFails int     // upcoming Read calls that fail
	opens     int
	reads     int
	closed    int
	eof       bool
}

func (s *fakeSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if len(s.openErrs) > 0 {
		err := s.openErrs[0]
		s.openErrs = s.openErrs[1:]
		return err
	}
	return nil
}

func (s *fakeSource) Read() (gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eof {
		return gocv.NewMat(), ErrEndOfStream
	}
	if s.readFails > 0 {
		s.readFails--
		return gocv.NewMat(), ErrSourceInterrupted
	}
	s.reads++
	return gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC1), nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSource) Descriptor() string { return "fake" }

func testFrame(id int64) Frame {
	return Frame{
		Image:     gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC1),
		ID:        id,
		Timestamp: time.Now(),
	}
}

func TestRingDropsOldestAtCapacity(t *testing.T) {
	r := newRing(5)
	dropped := 0
	for id := int64(1); id <= 12; id++ {
		if r.push(testFrame(id)) {
			dropped++
		}
	}

	assert.Equal(t, 5, r.len())
	assert.Equal(t, 7, dropped)
	assert.Equal(t, []int64{8, 9, 10, 11, 12}, r.ids())

	f, ok := r.takeNewest()
	require.True(t, ok)
	assert.Equal(t, int64(12), f.ID)
	assert.Equal(t, 0, r.len())
	f.Release()
	r.drain()
}

func TestRingTakeNewestEmpty(t *testing.T) {
	r := newRing(3)
	_, ok := r.takeNewest()
	assert.False(t, ok)
}

func TestStartUnavailableSource(t *testing.T) {
	src := &fakeSource{openErrs: []error{fmt.Errorf("no such device")}}
	b := New(src, Options{})

	err := b.Start()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceUnavailable))
}

func TestFramesFlowWithIncreasingIDs(t *testing.T) {
	src := &fakeSource{}
	b := New(src, Options{Capacity: 4, TargetFPS: 200, Modality: "USG"})
	require.NoError(t, b.Start())
	defer b.Stop()

	var last int64
	seen := 0
	require.Eventually(t, func() bool {
		f, ok := b.Next()
		if !ok {
			return false
		}
		defer f.Release()
		assert.Greater(t, f.ID, last)
		assert.Equal(t, "USG", f.Modality)
		last = f.ID
		seen++
		return seen >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReconnectRecovers(t *testing.T) {
	src := &fakeSource{readFails: 2}
	b := New(src, Options{TargetFPS: 200, MaxRetries: 5, RetryDelay: time.Millisecond})
	require.NoError(t, b.Start())
	defer b.Stop()

	require.Eventually(t, func() bool {
		f, ok := b.Next()
		if ok {
			f.Release()
		}
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	assert.NoError(t, b.Err())
	assert.GreaterOrEqual(t, b.Stats().Reconnects, int64(1))
}

func TestReconnectExhausted(t *testing.T) {
	src := &fakeSource{
		readFails: 1,
		openErrs:  []error{nil, errors.New("gone"), errors.New("gone"), errors.New("gone")},
	}
	b := New(src, Options{TargetFPS: 200, MaxRetries: 3, RetryDelay: time.Millisecond})
	require.NoError(t, b.Start())
	defer b.Stop()

	require.Eventually(t, func() bool {
		return b.Err() != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, errors.Is(b.Err(), ErrSourceInterrupted))
}

func TestEndOfStreamTerminal(t *testing.T) {
	src := &fakeSource{eof: true}
	b := New(src, Options{TargetFPS: 200})
	require.NoError(t, b.Start())
	defer b.Stop()

	require.Eventually(t, func() bool {
		return errors.Is(b.Err(), ErrEndOfStream)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopIdempotent(t *testing.T) {
	src := &fakeSource{}
	b := New(src, Options{TargetFPS: 200})
	require.NoError(t, b.Start())

	b.Stop()
	b.Stop()
	assert.Equal(t, 0, b.Stats().Buffered)
}

func TestDetectKind(t *testing.T) {
	cases := []struct {
		descriptor string
		want       SourceKind
	}{
		{"0", SourceDevice},
		{"2", SourceDevice},
		{"rtsp://10.0.0.4/stream", SourceStream},
		{"http://camera.local/mjpeg", SourceStream},
		{"recording.mp4", SourceFile},
		{"scan.png", SourceImage},
		{"slice.jpg", SourceImage},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DetectKind(tc.descriptor), tc.descriptor)
	}
}
