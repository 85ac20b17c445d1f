// Package decoder wraps the hardware video decode path. The exported
// contract is small on purpose: open an RTSP URL, then either decode a
// frame fully or skip it. Skipping advances the decoder state without
// paying for the device-to-host copy, which is what makes frame-skip
// cheap.
//
// The production implementation rides on gocv's VideoCapture (FFmpeg
// backend, hardware decoders where the platform build provides them).
// Pipeline tests substitute their own FrameSource.
package decoder

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gocv.io/x/gocv"
)

var (
	ErrOpenFailed   = errors.New("cannot open rtsp stream")
	ErrDecodeFailed = errors.New("decode failed or stream ended")
)

// Config controls how the stream is opened.
type Config struct {
	RtspURL        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	TCPTransport   bool
}

// StreamInfo is the negotiated stream geometry, fixed for the lifetime of
// one open session.
type StreamInfo struct {
	Width     int
	Height    int
	FPS       float64
	CodecName string
}

// Frame is one decoded frame. The receiver owns Image and must Release()
// it at the end of the iteration.
type Frame struct {
	Image       *gocv.Mat // nil when a stub source carries no pixels
	Width       int
	Height      int
	PTS         int64 // container clock, milliseconds
	TimestampMS int64 // wall clock, milliseconds since epoch
}

func (f *Frame) Release() {
	if f.Image != nil {
		f.Image.Close()
		f.Image = nil
	}
}

// FrameSource is one open decode session.
type FrameSource interface {
	Info() StreamInfo

	// DecodeFrame blocks until the next frame is fully decoded and
	// extracted, or returns ErrDecodeFailed when the stream ends or the
	// read times out.
	DecodeFrame() (*Frame, error)

	// SkipFrame advances the decoder past one frame without extracting
	// pixel data. Failures surface on the next DecodeFrame.
	SkipFrame() error

	Close()
}

// OpenFunc opens a decode session. The stream pipelines hold one of these
// rather than calling Open directly, so tests can drive a stub source.
type OpenFunc func(cfg Config) (FrameSource, error)

// Open connects to the RTSP URL and prepares the decoder.
func Open(cfg Config) (FrameSource, error) {
	// The FFmpeg backend reads its RTSP options from the environment.
	opts := []string{}
	if cfg.TCPTransport {
		opts = append(opts, "rtsp_transport;tcp")
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, fmt.Sprintf("stimeout;%d", cfg.ConnectTimeout.Microseconds()))
	}
	if cfg.ReadTimeout > 0 {
		opts = append(opts, fmt.Sprintf("rw_timeout;%d", cfg.ReadTimeout.Microseconds()))
	}
	os.Setenv("OPENCV_FFMPEG_CAPTURE_OPTIONS", strings.Join(opts, "|"))

	capture, err := gocv.OpenVideoCapture(cfg.RtspURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v (%v)", ErrOpenFailed, cfg.RtspURL, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, cfg.RtspURL)
	}
	// Keep the capture buffer shallow so frames stay fresh.
	capture.Set(gocv.VideoCaptureBufferSize, 1)

	info := StreamInfo{
		Width:     int(capture.Get(gocv.VideoCaptureFrameWidth)),
		Height:    int(capture.Get(gocv.VideoCaptureFrameHeight)),
		FPS:       capture.Get(gocv.VideoCaptureFPS),
		CodecName: capture.CodecString(),
	}
	return &rtspSource{
		capture: capture,
		info:    info,
	}, nil
}

type rtspSource struct {
	capture *gocv.VideoCapture
	info    StreamInfo
}

func (s *rtspSource) Info() StreamInfo {
	return s.info
}

func (s *rtspSource) DecodeFrame() (*Frame, error) {
	mat := gocv.NewMat()
	if ok := s.capture.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		return nil, ErrDecodeFailed
	}
	pts := int64(s.capture.Get(gocv.VideoCapturePosMsec))
	return &Frame{
		Image:       &mat,
		Width:       mat.Cols(),
		Height:      mat.Rows(),
		PTS:         pts,
		TimestampMS: time.Now().UnixMilli(),
	}, nil
}

func (s *rtspSource) SkipFrame() error {
	// Grab advances the demuxer/decoder without the retrieve step, so the
	// frame is dropped inside the driver.
	s.capture.Grab(1)
	return nil
}

func (s *rtspSource) Close() {
	s.capture.Close()
}
