// Package cache keeps a short rolling ring of JPEG snapshots per stream,
// so alarm consumers can fetch the image matching any recent detection.
//
// Each stream has its own ring and mutex; readers of one ring never block
// writers of another. The global byte counter is atomic and always equals
// the sum of the per-ring counters.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
)

// Frame is one cached JPEG snapshot. The JPEG bytes are shared, never
// copied: the ring and any number of concurrent HTTP responses may hold
// the same slice. Nobody mutates it after insertion.
type Frame struct {
	CamID       string
	FrameID     uint64
	TimestampMS int64
	Width       int
	Height      int
	JPEG        []byte
}

func (f *Frame) JPEGSize() int {
	return len(f.JPEG)
}

type streamRing struct {
	mu sync.Mutex
	// frames is ordered by TimestampMS ascending. Appends happen at the
	// tail (the pipeline is a single producer delivering in timestamp
	// order); eviction pops from the head.
	frames      []Frame
	memoryBytes int64
}

// ImageCache is the set of per-stream rings with time-based retention and
// a global byte budget.
type ImageCache struct {
	log       logs.Log
	duration  time.Duration
	maxMemory int64 // 0 = unlimited

	mu      sync.Mutex // guards streams map
	streams map[string]*streamRing

	totalMemory atomic.Int64
}

// NewImageCache creates a cache retaining duration worth of frames per
// stream, with maxMemoryMB as the global budget (0 = unlimited).
func NewImageCache(logger logs.Log, duration time.Duration, maxMemoryMB int) *ImageCache {
	logger.Infof("ImageCache created: duration=%v, max_memory=%vMB", duration, maxMemoryMB)
	return &ImageCache{
		log:       logger,
		duration:  duration,
		maxMemory: int64(maxMemoryMB) * 1024 * 1024,
		streams:   map[string]*streamRing{},
	}
}

// AddStream registers a ring for the stream. Optional: AddFrame creates
// rings on demand.
func (c *ImageCache) AddStream(camID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.streams[camID]; !ok {
		c.streams[camID] = &streamRing{}
	}
}

// RemoveStream drops the ring and debits its bytes from the global
// counter.
func (c *ImageCache) RemoveStream(camID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ring, ok := c.streams[camID]; ok {
		ring.mu.Lock()
		c.totalMemory.Add(-ring.memoryBytes)
		ring.frames = nil
		ring.memoryBytes = 0
		ring.mu.Unlock()
		delete(c.streams, camID)
	}
}

// AddFrame appends a frame to its stream's ring, evicting frames older
// than the retention window, then enforces the global byte budget.
func (c *ImageCache) AddFrame(frame Frame) {
	ring := c.getOrCreateRing(frame.CamID)
	frameSize := int64(frame.JPEGSize())

	ring.mu.Lock()
	c.evictExpired(ring, frame.TimestampMS)
	ring.frames = append(ring.frames, frame)
	ring.memoryBytes += frameSize
	ring.mu.Unlock()

	c.totalMemory.Add(frameSize)

	if c.maxMemory > 0 && c.totalMemory.Load() > c.maxMemory {
		c.evictGlobal()
	}
}

// GetFrame returns the frame with exactly the given timestamp.
func (c *ImageCache) GetFrame(camID string, timestampMS int64) (Frame, bool) {
	ring := c.getRing(camID)
	if ring == nil {
		return Frame{}, false
	}
	ring.mu.Lock()
	defer ring.mu.Unlock()
	for i := range ring.frames {
		if ring.frames[i].TimestampMS == timestampMS {
			return ring.frames[i], true
		}
	}
	return Frame{}, false
}

// GetNearestFrame returns the frame minimizing |frame.ts - ts|.
func (c *ImageCache) GetNearestFrame(camID string, timestampMS int64) (Frame, bool) {
	ring := c.getRing(camID)
	if ring == nil {
		return Frame{}, false
	}
	ring.mu.Lock()
	defer ring.mu.Unlock()
	if len(ring.frames) == 0 {
		return Frame{}, false
	}
	best := 0
	bestDiff := absDiff(ring.frames[0].TimestampMS, timestampMS)
	for i := 1; i < len(ring.frames); i++ {
		diff := absDiff(ring.frames[i].TimestampMS, timestampMS)
		if diff < bestDiff {
			bestDiff = diff
			best = i
		}
	}
	return ring.frames[best], true
}

// GetLatestFrame returns the newest frame of the stream.
func (c *ImageCache) GetLatestFrame(camID string) (Frame, bool) {
	ring := c.getRing(camID)
	if ring == nil {
		return Frame{}, false
	}
	ring.mu.Lock()
	defer ring.mu.Unlock()
	if len(ring.frames) == 0 {
		return Frame{}, false
	}
	return ring.frames[len(ring.frames)-1], true
}

func (c *ImageCache) TotalMemoryBytes() int64 {
	return c.totalMemory.Load()
}

func (c *ImageCache) TotalFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, ring := range c.streams {
		ring.mu.Lock()
		count += len(ring.frames)
		ring.mu.Unlock()
	}
	return count
}

func (c *ImageCache) StreamFrameCount(camID string) int {
	ring := c.getRing(camID)
	if ring == nil {
		return 0
	}
	ring.mu.Lock()
	defer ring.mu.Unlock()
	return len(ring.frames)
}

func (c *ImageCache) StreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *ImageCache) getOrCreateRing(camID string) *streamRing {
	c.mu.Lock()
	defer c.mu.Unlock()
	ring, ok := c.streams[camID]
	if !ok {
		ring = &streamRing{}
		c.streams[camID] = ring
	}
	return ring
}

func (c *ImageCache) getRing(camID string) *streamRing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[camID]
}

// evictExpired pops frames older than the retention window, measured from
// the incoming frame's timestamp. Caller holds ring.mu.
func (c *ImageCache) evictExpired(ring *streamRing, nowMS int64) {
	threshold := nowMS - c.duration.Milliseconds()
	evicted := int64(0)
	i := 0
	for ; i < len(ring.frames) && ring.frames[i].TimestampMS < threshold; i++ {
		evicted += int64(ring.frames[i].JPEGSize())
	}
	if i > 0 {
		ring.frames = append([]Frame{}, ring.frames[i:]...)
		ring.memoryBytes -= evicted
		c.totalMemory.Add(-evicted)
	}
}

// evictGlobal pops the globally oldest head frame, across all rings, until
// the byte budget is met or every ring is empty.
func (c *ImageCache) evictGlobal() {
	c.mu.Lock()
	defer c.mu.Unlock()

	evictCount := 0
	for c.totalMemory.Load() > c.maxMemory {
		var oldest *streamRing
		oldestTS := int64(0)
		for _, ring := range c.streams {
			ring.mu.Lock()
			if len(ring.frames) > 0 {
				ts := ring.frames[0].TimestampMS
				if oldest == nil || ts < oldestTS {
					oldestTS = ts
					oldest = ring
				}
			}
			ring.mu.Unlock()
		}
		if oldest == nil {
			break
		}
		oldest.mu.Lock()
		if len(oldest.frames) > 0 {
			size := int64(oldest.frames[0].JPEGSize())
			oldest.frames = append([]Frame{}, oldest.frames[1:]...)
			oldest.memoryBytes -= size
			c.totalMemory.Add(-size)
			evictCount++
		}
		oldest.mu.Unlock()
	}

	if evictCount > 0 {
		c.log.Debugf("ImageCache: evicted %v frames for memory limit (%v / %v bytes)",
			evictCount, c.totalMemory.Load(), c.maxMemory)
	}
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
