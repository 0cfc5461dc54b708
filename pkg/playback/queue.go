// Package playback smooths bursty producer frame arrivals into a steady
// broadcast cadence.
//
// The producer delivers frames at whatever rate the network allows; the
// queue releases them at slightly below the production rate so a small
// buffer accumulates. On underrun it emits nothing (viewers hold the last
// frame); on overrun it drops the oldest frames to stay live.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/luxiasl/dreamwindow/pkg/types"
)

const (
	DefaultTargetFPS = 5.0

	// FPSCushion is subtracted from the target rate so playback runs
	// slightly slower than production and the buffer grows.
	FPSCushion = 0.3

	// MinBufferFrames must be queued before playback starts (about one
	// second of content at the default rate).
	MinBufferFrames = 5

	MaxQueueSize  = 50
	OverrunTrimTo = 30

	// bufferPoll is how often the loop re-checks the buffer threshold
	// before playback has started.
	bufferPoll = 100 * time.Millisecond
)

// BroadcastFunc delivers one frame payload to every connected viewer.
type BroadcastFunc func(data []byte)

// DisplayedFunc is invoked after a frame has been broadcast, with the hub
// frame number it was enqueued under.
type DisplayedFunc func(data []byte, frameNumber uint64)

type queuedFrame struct {
	data        []byte
	frameNumber uint64
	receivedAt  time.Time
}

// Queue is a bounded FIFO with a paced release loop. Enqueue and the loop
// run on different goroutines; all shared state sits behind one mutex.
type Queue struct {
	broadcast   BroadcastFunc
	onDisplayed DisplayedFunc
	now         func() time.Time

	mu        sync.Mutex
	queue     []queuedFrame
	targetFPS float64
	started   bool
	startTime time.Time

	framesReceived  uint64
	framesDisplayed uint64
	framesDropped   uint64
	underruns       uint64
}

func NewQueue(broadcast BroadcastFunc, onDisplayed DisplayedFunc) *Queue {
	return &Queue{
		broadcast:   broadcast,
		onDisplayed: onDisplayed,
		now:         time.Now,
		targetFPS:   DefaultTargetFPS,
	}
}

// Enqueue appends a frame. When the queue exceeds MaxQueueSize the oldest
// frames are trimmed down to OverrunTrimTo so playback stays live.
func (q *Queue) Enqueue(data []byte, frameNumber uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.queue = append(q.queue, queuedFrame{
		data:        data,
		frameNumber: frameNumber,
		receivedAt:  q.now(),
	})
	q.framesReceived++

	if len(q.queue) > MaxQueueSize {
		dropped := len(q.queue) - OverrunTrimTo
		q.queue = q.queue[dropped:]
		q.framesDropped += uint64(dropped)
		log.Warn().
			Int("dropped", dropped).
			Int("queue", len(q.queue)).
			Msg("playback overrun, dropped oldest frames")
	}

	if q.framesReceived%50 == 0 {
		log.Info().
			Int("queue", len(q.queue)).
			Float64("buffer_seconds", q.bufferSecondsLocked()).
			Uint64("received", q.framesReceived).
			Uint64("displayed", q.framesDisplayed).
			Msg("playback queue status")
	}
}

// Run is the playback loop. It returns when ctx is cancelled; errors inside
// a tick are logged and the loop continues.
func (q *Queue) Run(ctx context.Context) {
	q.mu.Lock()
	q.started = false
	target, effective := q.targetFPS, q.effectiveFPSLocked()
	q.mu.Unlock()

	log.Info().
		Float64("target_fps", target).
		Float64("effective_fps", effective).
		Msg("playback loop started")

	for ctx.Err() == nil {
		q.tick(ctx)
	}

	log.Info().Msg("playback loop stopped")
}

func (q *Queue) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("playback tick failed")
			sleepCtx(ctx, 500*time.Millisecond)
		}
	}()

	q.mu.Lock()

	if !q.started {
		if len(q.queue) < MinBufferFrames {
			q.mu.Unlock()
			sleepCtx(ctx, bufferPoll)
			return
		}
		q.started = true
		q.startTime = q.now()
		log.Info().
			Int("buffered", len(q.queue)).
			Float64("buffer_seconds", q.bufferSecondsLocked()).
			Msg("playback starting")
	}

	interval := time.Duration(float64(time.Second) / q.effectiveFPSLocked())
	tickStart := q.now()

	var frame queuedFrame
	popped := false
	if len(q.queue) > 0 {
		frame = q.queue[0]
		q.queue = q.queue[1:]
		popped = true
	} else {
		q.underruns++
		if q.underruns == 1 || q.underruns%10 == 0 {
			log.Warn().Uint64("underruns", q.underruns).Msg("playback underrun, holding last frame")
		}
	}
	q.mu.Unlock()

	if popped {
		// Callbacks run outside the lock; a slow broadcast delays this
		// tick, never an Enqueue.
		q.broadcast(frame.data)
		if q.onDisplayed != nil {
			q.onDisplayed(frame.data, frame.frameNumber)
		}
		q.mu.Lock()
		q.framesDisplayed++
		q.mu.Unlock()
	}

	sleepCtx(ctx, interval-q.now().Sub(tickStart))
}

// SetTargetFPS updates the producer-configured cadence; non-positive values
// are ignored.
func (q *Queue) SetTargetFPS(fps float64) {
	if fps <= 0 {
		return
	}
	q.mu.Lock()
	old := q.targetFPS
	q.targetFPS = fps
	q.mu.Unlock()
	log.Info().Float64("old", old).Float64("new", fps).Msg("playback target fps updated")
}

func (q *Queue) TargetFPS() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.targetFPS
}

// EffectiveFPS is the actual release rate: the target minus the cushion,
// floored at 1 fps.
func (q *Queue) EffectiveFPS() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.effectiveFPSLocked()
}

func (q *Queue) effectiveFPSLocked() float64 {
	effective := q.targetFPS - FPSCushion
	if effective < 1.0 {
		effective = 1.0
	}
	return effective
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func (q *Queue) bufferSecondsLocked() float64 {
	if q.targetFPS <= 0 {
		return 0
	}
	return float64(len(q.queue)) / q.targetFPS
}

// Clear empties the queue and rewinds the started flag, keeping counters.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = nil
	q.started = false
}

// Reset returns the queue to its initial state. Called when a producer
// session begins.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = nil
	q.started = false
	q.startTime = time.Time{}
	q.framesReceived = 0
	q.framesDisplayed = 0
	q.framesDropped = 0
	q.underruns = 0
}

func (q *Queue) Stats() types.PlaybackStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var actual float64
	if !q.startTime.IsZero() && q.framesDisplayed > 0 {
		elapsed := q.now().Sub(q.startTime).Seconds()
		if elapsed > 0 {
			actual = float64(q.framesDisplayed) / elapsed
		}
	}

	return types.PlaybackStats{
		QueueDepth:      len(q.queue),
		BufferSeconds:   q.bufferSecondsLocked(),
		TargetFPS:       q.targetFPS,
		EffectiveFPS:    q.effectiveFPSLocked(),
		ActualFPS:       actual,
		FramesReceived:  q.framesReceived,
		FramesDisplayed: q.framesDisplayed,
		FramesDropped:   q.framesDropped,
		Underruns:       q.underruns,
		PlaybackStarted: q.started,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
