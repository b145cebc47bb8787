package capture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
)

var (
	// ErrSourceUnavailable means the source could not be opened at all.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSourceInterrupted means a mid-stream read failed; a bounded
	// reconnect sequence is attempted before giving up.
	ErrSourceInterrupted = errors.New("source interrupted")
	// ErrEndOfStream means a finite source ran out of frames.
	ErrEndOfStream = errors.New("end of stream")
)

// SourceKind identifies how a source descriptor should be opened.
type SourceKind string

const (
	SourceDevice SourceKind = "device"
	SourceStream SourceKind = "stream"
	SourceFile   SourceKind = "file"
	SourceImage  SourceKind = "image"
)

// Source is the frame-source boundary. Read returns a Mat owned by the
// caller; the implementation must not retain it.
type Source interface {
	Open() error
	Read() (gocv.Mat, error)
	Close() error
	Descriptor() string
}

// DetectKind guesses the source kind from a descriptor: a bare integer is a
// device index, rtsp/http URLs are network streams, still-image extensions
// are static frames, anything else is a video file.
func DetectKind(descriptor string) SourceKind {
	if _, err := strconv.Atoi(descriptor); err == nil {
		return SourceDevice
	}
	lower := strings.ToLower(descriptor)
	for _, prefix := range []string{"rtsp://", "rtmp://", "http://", "https://"} {
		if strings.HasPrefix(lower, prefix) {
			return SourceStream
		}
	}
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff"} {
		if strings.HasSuffix(lower, ext) {
			return SourceImage
		}
	}
	return SourceFile
}

// NewSource builds a Source for the descriptor.
func NewSource(kind SourceKind, descriptor string) (Source, error) {
	switch kind {
	case SourceDevice:
		id, err := strconv.Atoi(descriptor)
		if err != nil {
			return nil, fmt.Errorf("device source needs a numeric index, got %q", descriptor)
		}
		return &deviceSource{id: id, descriptor: descriptor}, nil
	case SourceStream:
		return &videoSource{descriptor: descriptor, loop: false}, nil
	case SourceFile:
		return &videoSource{descriptor: descriptor, loop: true}, nil
	case SourceImage:
		return &imageSource{descriptor: descriptor}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
}

// deviceSource captures from a local camera device.
type deviceSource struct {
	id         int
	descriptor string
	cap        *gocv.VideoCapture
}

func (s *deviceSource) Open() error {
	cap, err := gocv.OpenVideoCapture(s.id)
	if err != nil {
		return fmt.Errorf("open device %d: %w", s.id, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return fmt.Errorf("device %d not opened", s.id)
	}
	// Keep the driver buffer at one frame so reads stay close to live.
	cap.Set(gocv.VideoCaptureBufferSize, 1)
	s.cap = cap
	return nil
}

func (s *deviceSource) Read() (gocv.Mat, error) {
	return readCapture(s.cap)
}

func (s *deviceSource) Close() error {
	if s.cap == nil {
		return nil
	}
	err := s.cap.Close()
	s.cap = nil
	return err
}

func (s *deviceSource) Descriptor() string { return s.descriptor }

// videoSource captures from a network stream or a video file. File sources
// loop back to the first frame on exhaustion; stream sources report
// interruption so the buffer's reconnect policy kicks in.
type videoSource struct {
	descriptor string
	loop       bool
	cap        *gocv.VideoCapture
}

func (s *videoSource) Open() error {
	cap, err := gocv.VideoCaptureFile(s.descriptor)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.descriptor, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return fmt.Errorf("%s not opened", s.descriptor)
	}
	cap.Set(gocv.VideoCaptureBufferSize, 1)
	s.cap = cap
	return nil
}

func (s *videoSource) Read() (gocv.Mat, error) {
	img, err := readCapture(s.cap)
	if err == nil {
		return img, nil
	}
	if !s.loop {
		return gocv.Mat{}, err
	}
	// Rewind and retry once: a looping file behaves like an endless stream.
	s.cap.Set(gocv.VideoCapturePosFrames, 0)
	img, err = readCapture(s.cap)
	if err != nil {
		return gocv.Mat{}, ErrEndOfStream
	}
	return img, nil
}

func (s *videoSource) Close() error {
	if s.cap == nil {
		return nil
	}
	err := s.cap.Close()
	s.cap = nil
	return err
}

func (s *videoSource) Descriptor() string { return s.descriptor }

// imageSource serves one decoded still frame over and over.
type imageSource struct {
	descriptor string
	img        gocv.Mat
}

func (s *imageSource) Open() error {
	img := gocv.IMRead(s.descriptor, gocv.IMReadColor)
	if img.Empty() {
		img.Close()
		return fmt.Errorf("could not read image %s", s.descriptor)
	}
	s.img = img
	return nil
}

func (s *imageSource) Read() (gocv.Mat, error) {
	if s.img.Ptr() == nil || s.img.Empty() {
		return gocv.Mat{}, ErrSourceInterrupted
	}
	return s.img.Clone(), nil
}

func (s *imageSource) Close() error {
	if s.img.Ptr() != nil {
		s.img.Close()
		s.img = gocv.Mat{}
	}
	return nil
}

func (s *imageSource) Descriptor() string { return s.descriptor }

func readCapture(cap *gocv.VideoCapture) (gocv.Mat, error) {
	if cap == nil {
		return gocv.Mat{}, ErrSourceInterrupted
	}
	img := gocv.NewMat()
	if ok := cap.Read(&img); !ok {
		img.Close()
		return gocv.Mat{}, ErrSourceInterrupted
	}
	if img.Empty() {
		img.Close()
		return gocv.Mat{}, ErrSourceInterrupted
	}
	return img, nil
}
