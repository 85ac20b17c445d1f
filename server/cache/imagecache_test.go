package cache

import (
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func makeFrame(camID string, frameID uint64, timestampMS int64, jpegSize int) Frame {
	return Frame{
		CamID:       camID,
		FrameID:     frameID,
		TimestampMS: timestampMS,
		Width:       640,
		Height:      360,
		JPEG:        make([]byte, jpegSize),
	}
}

// sumStreamBytes recomputes the global byte counter from the per-stream
// observers, to check they agree.
func sumStreamBytes(c *ImageCache, camIDs []string) int64 {
	total := int64(0)
	for _, id := range camIDs {
		ring := c.getRing(id)
		if ring == nil {
			continue
		}
		ring.mu.Lock()
		total += ring.memoryBytes
		ring.mu.Unlock()
	}
	return total
}

func TestEvictionByTime(t *testing.T) {
	c := NewImageCache(logs.NewTestingLog(t), 2*time.Second, 0)
	for i := 1; i <= 6; i++ {
		c.AddFrame(makeFrame("cam-1", uint64(i), int64(i)*1000, 100))
	}

	// Inserting at t=6000 with 2s retention leaves {4000,5000,6000}
	require.Equal(t, 3, c.StreamFrameCount("cam-1"))
	for _, ts := range []int64{1000, 2000, 3000} {
		_, ok := c.GetFrame("cam-1", ts)
		require.False(t, ok, "frame at %v should have been evicted", ts)
	}
	for _, ts := range []int64{4000, 5000, 6000} {
		f, ok := c.GetFrame("cam-1", ts)
		require.True(t, ok)
		require.Equal(t, ts, f.TimestampMS)
	}
	require.Equal(t, int64(300), c.TotalMemoryBytes())
}

func TestEvictionByMemory(t *testing.T) {
	c := NewImageCache(logs.NewTestingLog(t), 60*time.Second, 1)
	for i := 1; i <= 6; i++ {
		c.AddFrame(makeFrame("cam-1", uint64(i), int64(i)*1000, 200*1024))
		require.LessOrEqual(t, c.TotalMemoryBytes(), int64(1024*1024))
	}
	require.LessOrEqual(t, c.StreamFrameCount("cam-1"), 5)

	// The survivors are the newest frames
	latest, ok := c.GetLatestFrame("cam-1")
	require.True(t, ok)
	require.Equal(t, int64(6000), latest.TimestampMS)
}

func TestGlobalEvictionTakesOldestAcrossStreams(t *testing.T) {
	c := NewImageCache(logs.NewTestingLog(t), 60*time.Second, 1)
	c.AddFrame(makeFrame("cam-old", 1, 1000, 600*1024))
	c.AddFrame(makeFrame("cam-new", 1, 9000, 600*1024))

	// Second insert blew the budget; the oldest head (cam-old) goes
	require.LessOrEqual(t, c.TotalMemoryBytes(), int64(1024*1024))
	require.Equal(t, 0, c.StreamFrameCount("cam-old"))
	require.Equal(t, 1, c.StreamFrameCount("cam-new"))
}

func TestByteCountersAgree(t *testing.T) {
	c := NewImageCache(logs.NewTestingLog(t), 3*time.Second, 2)
	camIDs := []string{"a", "b", "c"}
	ts := int64(1000)
	for round := 0; round < 40; round++ {
		for i, id := range camIDs {
			ts += 137
			c.AddFrame(makeFrame(id, uint64(round), ts, 50*1024+i*1000))
			require.Equal(t, sumStreamBytes(c, camIDs), c.TotalMemoryBytes())
		}
	}
}

func TestTimestampsMonotonePerStream(t *testing.T) {
	c := NewImageCache(logs.NewTestingLog(t), 5*time.Second, 0)
	for i := 1; i <= 20; i++ {
		c.AddFrame(makeFrame("cam-1", uint64(i), int64(i)*250, 100))
	}
	ring := c.getRing("cam-1")
	require.NotNil(t, ring)
	ring.mu.Lock()
	defer ring.mu.Unlock()
	for i := 1; i < len(ring.frames); i++ {
		require.Greater(t, ring.frames[i].TimestampMS, ring.frames[i-1].TimestampMS)
	}
}

func TestGetNearestFrame(t *testing.T) {
	c := NewImageCache(logs.NewTestingLog(t), 60*time.Second, 0)
	for _, ts := range []int64{1000, 2000, 3000} {
		c.AddFrame(makeFrame("cam-1", uint64(ts), ts, 10))
	}

	f, ok := c.GetNearestFrame("cam-1", 2300)
	require.True(t, ok)
	require.Equal(t, int64(2000), f.TimestampMS)

	f, ok = c.GetNearestFrame("cam-1", 2600)
	require.True(t, ok)
	require.Equal(t, int64(3000), f.TimestampMS)

	f, ok = c.GetNearestFrame("cam-1", -500)
	require.True(t, ok)
	require.Equal(t, int64(1000), f.TimestampMS)

	_, ok = c.GetNearestFrame("no-such-cam", 2000)
	require.False(t, ok)
}

func TestGetLatestFrame(t *testing.T) {
	c := NewImageCache(logs.NewTestingLog(t), 60*time.Second, 0)
	_, ok := c.GetLatestFrame("cam-1")
	require.False(t, ok)

	c.AddFrame(makeFrame("cam-1", 1, 1000, 10))
	c.AddFrame(makeFrame("cam-1", 2, 2000, 10))
	f, ok := c.GetLatestFrame("cam-1")
	require.True(t, ok)
	require.Equal(t, uint64(2), f.FrameID)
}

func TestRemoveStream(t *testing.T) {
	c := NewImageCache(logs.NewTestingLog(t), 60*time.Second, 0)
	c.AddFrame(makeFrame("cam-1", 1, 1000, 500))
	c.AddFrame(makeFrame("cam-2", 1, 1000, 300))
	require.Equal(t, 2, c.StreamCount())
	require.Equal(t, int64(800), c.TotalMemoryBytes())

	c.RemoveStream("cam-1")
	require.Equal(t, 1, c.StreamCount())
	require.Equal(t, int64(300), c.TotalMemoryBytes())
	require.Equal(t, 0, c.StreamFrameCount("cam-1"))

	// Removing again is harmless
	c.RemoveStream("cam-1")
	require.Equal(t, int64(300), c.TotalMemoryBytes())
}

func TestAddStreamExplicit(t *testing.T) {
	c := NewImageCache(logs.NewTestingLog(t), 60*time.Second, 0)
	c.AddStream("cam-1")
	require.Equal(t, 1, c.StreamCount())
	require.Equal(t, 0, c.StreamFrameCount("cam-1"))
	c.AddStream("cam-1")
	require.Equal(t, 1, c.StreamCount())
}
