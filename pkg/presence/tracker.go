// Package presence tracks connected viewers and read-API activity and
// turns them into debounced pod start/stop requests.
//
// Brief disconnects must not cycle the GPU: a shutdown is armed only when
// the last viewer leaves, waits out a grace period, and re-checks both the
// viewer set and recent API activity before firing.
package presence

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/luxiasl/dreamwindow/pkg/types"
)

// PodChecker reports whether the pod is already running or starting; it
// gates duplicate start requests.
type PodChecker interface {
	ActiveOrStarting() bool
}

// Tracker maintains the viewer set and the shutdown debounce timer.
// Callbacks are invoked on their own goroutine and must not call back into
// the tracker synchronously.
type Tracker struct {
	shutdownDelay time.Duration
	apiTimeout    time.Duration
	onShouldStart func()
	onShouldStop  func()
	now           func() time.Time

	mu                sync.Mutex
	viewers           map[any]struct{}
	lastAPIAccess     time.Time
	shutdownTimer     *time.Timer
	shutdownGen       uint64
	pod               PodChecker
	producerConnected bool
}

func NewTracker(shutdownDelay, apiTimeout time.Duration, onShouldStart, onShouldStop func()) *Tracker {
	return &Tracker{
		shutdownDelay: shutdownDelay,
		apiTimeout:    apiTimeout,
		onShouldStart: onShouldStart,
		onShouldStop:  onShouldStop,
		now:           time.Now,
		viewers:       make(map[any]struct{}),
	}
}

// SetPodChecker installs the controller used for the already-active gate.
func (t *Tracker) SetPodChecker(pod PodChecker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pod = pod
}

// SetProducerConnected records whether the producer socket is attached; a
// live producer counts as an active pod even before the controller has
// reconciled.
func (t *Tracker) SetProducerConnected(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.producerConnected = connected
}

func (t *Tracker) ViewerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.viewers)
}

func (t *Tracker) HasViewers() bool {
	return t.ViewerCount() > 0
}

func (t *Tracker) HasRecentAPIActivity() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasRecentAPIActivityLocked()
}

func (t *Tracker) hasRecentAPIActivityLocked() bool {
	if t.lastAPIAccess.IsZero() {
		return false
	}
	return t.now().Sub(t.lastAPIAccess) < t.apiTimeout
}

func (t *Tracker) activeOrStartingLocked() bool {
	if t.producerConnected {
		return true
	}
	return t.pod != nil && t.pod.ActiveOrStarting()
}

// OnViewerConnect adds a viewer, cancels any armed shutdown and requests a
// pod start unless one is already active or starting.
func (t *Tracker) OnViewerConnect(viewer any) {
	t.mu.Lock()
	t.viewers[viewer] = struct{}{}
	count := len(t.viewers)
	t.cancelShutdownLocked("viewer connected")
	shouldStart := !t.activeOrStartingLocked()
	t.mu.Unlock()

	log.Info().Int("viewers", count).Msg("viewer connected")

	if shouldStart && t.onShouldStart != nil {
		log.Info().Msg("requesting pod start for viewer")
		go t.onShouldStart()
	}
}

// OnViewerDisconnect removes a viewer and, when the set empties, arms the
// shutdown timer.
func (t *Tracker) OnViewerDisconnect(viewer any) {
	t.mu.Lock()
	delete(t.viewers, viewer)
	count := len(t.viewers)
	if count == 0 && t.shutdownTimer == nil {
		t.armShutdownLocked()
	}
	t.mu.Unlock()

	log.Info().Int("viewers", count).Msg("viewer disconnected")
}

// OnAPIAccess records read-API activity, cancels any armed shutdown and,
// when triggerStart is set, requests a pod start under the same gate as a
// viewer connect. Admin endpoints pass triggerStart=false.
func (t *Tracker) OnAPIAccess(triggerStart bool) {
	t.mu.Lock()
	t.lastAPIAccess = t.now()
	t.cancelShutdownLocked("api access")
	shouldStart := triggerStart && !t.activeOrStartingLocked()
	t.mu.Unlock()

	if shouldStart && t.onShouldStart != nil {
		log.Info().Msg("requesting pod start for api access")
		go t.onShouldStart()
	}
}

func (t *Tracker) armShutdownLocked() {
	t.shutdownGen++
	gen := t.shutdownGen
	t.shutdownTimer = time.AfterFunc(t.shutdownDelay, func() {
		t.shutdownExpired(gen)
	})
	log.Debug().Dur("delay", t.shutdownDelay).Msg("shutdown armed")
}

func (t *Tracker) cancelShutdownLocked(reason string) {
	if t.shutdownTimer == nil {
		return
	}
	t.shutdownTimer.Stop()
	t.shutdownTimer = nil
	log.Debug().Str("reason", reason).Msg("pending shutdown cancelled")
}

func (t *Tracker) shutdownExpired(gen uint64) {
	t.mu.Lock()
	if gen != t.shutdownGen || t.shutdownTimer == nil {
		// A cancel raced the timer firing.
		t.mu.Unlock()
		return
	}
	t.shutdownTimer = nil

	if len(t.viewers) > 0 {
		t.mu.Unlock()
		log.Debug().Msg("shutdown skipped: viewers reconnected")
		return
	}
	if t.hasRecentAPIActivityLocked() {
		t.mu.Unlock()
		log.Debug().Msg("shutdown skipped: recent api activity")
		return
	}
	t.mu.Unlock()

	log.Info().Msg("grace period expired, requesting pod stop")
	if t.onShouldStop != nil {
		t.onShouldStop()
	}
}

func (t *Tracker) Status() types.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := types.PresenceStatus{
		ViewerCount:          len(t.viewers),
		HasViewers:           len(t.viewers) > 0,
		HasRecentAPIActivity: t.hasRecentAPIActivityLocked(),
		ProducerConnected:    t.producerConnected,
		ShutdownPending:      t.shutdownTimer != nil,
	}
	if !t.lastAPIAccess.IsZero() {
		since := t.now().Sub(t.lastAPIAccess).Seconds()
		status.SecondsSinceAPIAccess = &since
	}
	return status
}
