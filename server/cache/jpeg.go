package cache

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
)

// JpegEncoder compresses packed RGB888 buffers for the ring cache.
// Each stream pipeline owns its own encoder; encoders are not shared
// between streams.
type JpegEncoder struct {
	quality int
}

func NewJpegEncoder(quality int) *JpegEncoder {
	if quality < 1 || quality > 100 {
		quality = 75
	}
	return &JpegEncoder{quality: quality}
}

// Encode compresses an RGB888 buffer of exactly 3*width*height bytes.
func (e *JpegEncoder) Encode(rgb []byte, width, height int) ([]byte, error) {
	if len(rgb) != 3*width*height {
		return nil, fmt.Errorf("rgb buffer size %v does not match %vx%v", len(rgb), width, height)
	}
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	copy(img.Pixels, rgb)
	return cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, e.quality, 0))
}

func (e *JpegEncoder) Quality() int {
	return e.quality
}
