// Package accel is the 2D image-processing layer between the decoder and
// the NPU: color conversion plus resize, producing the packed RGB888
// buffers that inference tasks and the JPEG cache consume.
//
// The operations are stateless procedures, safe to call concurrently from
// distinct pipeline threads.
package accel

import (
	"errors"
	"fmt"
	"image"

	"github.com/huangchao99/infer-server/server/decoder"
	"github.com/swdee/go-rknnlite/preprocess"
	"github.com/swdee/go-rknnlite/render"
	"gocv.io/x/gocv"
)

var ErrEmptyFrame = errors.New("empty frame")

// Processor converts decoded frames into packed RGB888 buffers.
type Processor interface {
	// ResizeToModel letterboxes the frame to the model input shape and
	// returns an owned RGB888 buffer of exactly 3*width*height bytes.
	ResizeToModel(frame *decoder.Frame, width, height int) ([]byte, error)

	// ResizeForCache plainly resizes the frame to the cache resolution and
	// returns an owned RGB888 buffer.
	ResizeForCache(frame *decoder.Frame, width, height int) ([]byte, error)
}

// ProportionalHeight computes the cache height preserving aspect ratio for
// a target width, aligned down to 2 pixels for the encoder.
func ProportionalHeight(srcW, srcH, targetW int) int {
	if srcW <= 0 {
		return 0
	}
	h := targetW * srcH / srcW
	h &= ^1
	if h < 2 {
		h = 2
	}
	return h
}

// NewProcessor returns the gocv-backed processor.
func NewProcessor() Processor {
	return &gocvProcessor{}
}

type gocvProcessor struct{}

func (p *gocvProcessor) ResizeToModel(frame *decoder.Frame, width, height int) ([]byte, error) {
	if frame.Image == nil || frame.Image.Empty() {
		return nil, ErrEmptyFrame
	}
	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(*frame.Image, &rgb, gocv.ColorBGRToRGB)

	resizer := preprocess.NewResizer(frame.Width, frame.Height, width, height)
	dst := gocv.NewMat()
	defer dst.Close()
	resizer.LetterBoxResize(rgb, &dst, render.Black)

	return matBytes(&dst, width, height)
}

func (p *gocvProcessor) ResizeForCache(frame *decoder.Frame, width, height int) ([]byte, error) {
	if frame.Image == nil || frame.Image.Empty() {
		return nil, ErrEmptyFrame
	}
	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(*frame.Image, &rgb, gocv.ColorBGRToRGB)

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(rgb, &dst, image.Pt(width, height), 0, 0, gocv.InterpolationArea)

	return matBytes(&dst, width, height)
}

func matBytes(mat *gocv.Mat, width, height int) ([]byte, error) {
	buf, err := mat.ToBytes()
	if err != nil {
		return nil, err
	}
	if len(buf) != 3*width*height {
		return nil, fmt.Errorf("resize produced %v bytes, want %v", len(buf), 3*width*height)
	}
	return buf, nil
}
