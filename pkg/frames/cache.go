// Package frames keeps a rolling buffer of recently displayed frames.
//
// The cache serves three purposes: immediate display to newly connected
// viewers, the current-frame API endpoint, and keeping the last image on
// screen across brief producer disconnects.
package frames

import (
	"sync"
	"time"

	"github.com/luxiasl/dreamwindow/pkg/types"
)

const (
	DefaultMaxFrames = 30

	// fpsWindow bounds the rolling-average FPS calculation.
	fpsWindow = 30 * time.Second
)

// Cache is a fixed-capacity ring of recent frames plus rolling-window and
// per-session FPS statistics. All methods are safe for concurrent use.
type Cache struct {
	maxFrames int
	now       func() time.Time

	mu      sync.Mutex
	ring    []types.Frame
	current *types.Frame

	totalFramesReceived uint64
	totalBytesReceived  uint64
	startTime           time.Time

	frameTimestamps []time.Time
	sessionStart    time.Time
	sessionFrames   uint64
}

func NewCache(maxFrames int) *Cache {
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	c := &Cache{
		maxFrames: maxFrames,
		now:       time.Now,
	}
	c.startTime = c.now()
	return c
}

// Add appends a frame to the ring, evicting the oldest entry on overflow,
// and records its arrival for the FPS windows.
func (c *Cache) Add(data []byte, frameNumber, keyframeNumber uint64, generationTimeMS uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	frame := types.Frame{
		Data:             data,
		FrameNumber:      frameNumber,
		KeyframeNumber:   keyframeNumber,
		ReceivedAt:       now,
		GenerationTimeMS: generationTimeMS,
	}

	c.ring = append(c.ring, frame)
	if len(c.ring) > c.maxFrames {
		c.ring = c.ring[len(c.ring)-c.maxFrames:]
	}
	c.current = &frame

	c.totalFramesReceived++
	c.totalBytesReceived += uint64(len(data))

	c.frameTimestamps = append(c.frameTimestamps, now)
	c.sessionFrames++
	if c.sessionStart.IsZero() {
		c.sessionStart = now
	}

	cutoff := now.Add(-fpsWindow)
	trimmed := 0
	for trimmed < len(c.frameTimestamps) && c.frameTimestamps[trimmed].Before(cutoff) {
		trimmed++
	}
	c.frameTimestamps = c.frameTimestamps[trimmed:]
}

// Current returns the most recent frame, or false when nothing has been
// cached yet.
func (c *Cache) Current() (types.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return types.Frame{}, false
	}
	return *c.current, true
}

// Recent returns up to n of the most recent frames, oldest first.
func (c *Cache) Recent(n int) []types.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.ring) {
		n = len(c.ring)
	}
	out := make([]types.Frame, n)
	copy(out, c.ring[len(c.ring)-n:])
	return out
}

func (c *Cache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	stats := types.CacheStats{
		FramesCached:        len(c.ring),
		MaxFrames:           c.maxFrames,
		TotalFramesReceived: c.totalFramesReceived,
		TotalBytesReceived:  c.totalBytesReceived,
		UptimeSeconds:       now.Sub(c.startTime).Seconds(),
	}

	if len(c.frameTimestamps) >= 2 {
		span := c.frameTimestamps[len(c.frameTimestamps)-1].Sub(c.frameTimestamps[0]).Seconds()
		if span > 0 {
			stats.AverageFPS = float64(len(c.frameTimestamps)-1) / span
		}
	}

	if !c.sessionStart.IsZero() && c.sessionFrames > 0 {
		elapsed := now.Sub(c.sessionStart).Seconds()
		if elapsed > 0 {
			stats.SessionFPS = float64(c.sessionFrames) / elapsed
		}
	}

	if c.current != nil {
		stats.CurrentFrameNumber = c.current.FrameNumber
		stats.CurrentKeyframeNumber = c.current.KeyframeNumber
	}

	return stats
}

// ResetSession clears the rolling window and session counters. The ring is
// kept so viewers still see the last image while the producer bounces.
func (c *Cache) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionStart = time.Time{}
	c.sessionFrames = 0
	c.frameTimestamps = nil
}

// Clear drops everything, including the ring.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring = nil
	c.current = nil
	c.frameTimestamps = nil
	c.sessionStart = time.Time{}
	c.sessionFrames = 0
}
