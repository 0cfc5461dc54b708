// Package pod manages the lifecycle of the orchestrated GPU pods behind the
// dream stream.
//
// The controller is a small state machine (idle, starting, running,
// stopping, error) wrapping the external orchestrator. It debounces
// duplicate lifecycle requests and reconciles its state against what the
// orchestrator reports. The starting -> running transition is driven by the
// producer socket actually connecting, not by the orchestrator call
// returning.
package pod

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/luxiasl/dreamwindow/pkg/types"
)

// ErrNotConfigured is returned when no orchestrator endpoint is set; pod
// lifecycle management is disabled in that case.
var ErrNotConfigured = errors.New("pod orchestrator not configured")

const (
	// actionDebounce suppresses repeated identical lifecycle calls while a
	// transition is already in flight.
	actionDebounce = 10 * time.Second

	defaultWatchInterval  = 30 * time.Second
	defaultStartupTimeout = 120 * time.Second
	frameStaleAfter       = 60 * time.Second
)

// StateChangeFunc observes controller transitions. It runs on its own
// goroutine, after the transition is committed, and must not call back into
// the controller synchronously.
type StateChangeFunc func(state types.PodState, errorMessage string)

type Controller struct {
	orch          Orchestrator
	onStateChange StateChangeFunc
	now           func() time.Time

	debounce       time.Duration
	watchInterval  time.Duration
	startupTimeout time.Duration

	mu             sync.Mutex
	state          types.PodState
	errMsg         string
	lastActionTime time.Time
	startAttempts  int
	startTime      time.Time
	framesReceived uint64
	lastFrameTime  time.Time
	renderer       string
	generator      string
	watchCancel    context.CancelFunc
}

// NewController wraps orch, which may be nil when lifecycle management is
// disabled.
func NewController(orch Orchestrator, onStateChange StateChangeFunc) *Controller {
	return &Controller{
		orch:           orch,
		onStateChange:  onStateChange,
		now:            time.Now,
		debounce:       actionDebounce,
		watchInterval:  defaultWatchInterval,
		startupTimeout: defaultStartupTimeout,
		state:          types.PodStateIdle,
	}
}

func (c *Controller) State() types.PodState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveOrStarting reports whether a start request would be redundant.
func (c *Controller) ActiveOrStarting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == types.PodStateStarting || c.state == types.PodStateRunning
}

// Start requests a pod start. It is idempotent while a start is in flight
// or the pods are running.
func (c *Controller) Start(ctx context.Context) error {
	if c.orch == nil {
		return ErrNotConfigured
	}

	c.mu.Lock()
	now := c.now()
	if c.state == types.PodStateStarting && now.Sub(c.lastActionTime) < c.debounce {
		c.mu.Unlock()
		log.Debug().Msg("pod start debounced")
		return nil
	}
	if c.state == types.PodStateRunning {
		c.mu.Unlock()
		log.Debug().Msg("pods already running")
		return nil
	}
	c.startAttempts++
	c.lastActionTime = now
	changed := c.setStateLocked(types.PodStateStarting, "")
	c.mu.Unlock()
	c.notify(changed, types.PodStateStarting, "")

	if err := c.orch.Start(ctx); err != nil {
		msg := err.Error()
		c.transition(types.PodStateError, msg)
		return fmt.Errorf("start pods: %w", err)
	}

	c.startWatchdog()
	return nil
}

// Stop requests a pod stop. Stops are best-effort: the controller ends up
// idle whether or not the orchestrator call succeeded.
func (c *Controller) Stop(ctx context.Context) error {
	if c.orch == nil {
		return ErrNotConfigured
	}

	c.mu.Lock()
	now := c.now()
	if c.state == types.PodStateStopping && now.Sub(c.lastActionTime) < c.debounce {
		c.mu.Unlock()
		log.Debug().Msg("pod stop debounced")
		return nil
	}
	c.lastActionTime = now
	changed := c.setStateLocked(types.PodStateStopping, "")
	c.mu.Unlock()
	c.notify(changed, types.PodStateStopping, "")

	c.stopWatchdog()

	err := c.orch.Stop(ctx)
	c.transition(types.PodStateIdle, "")
	if err != nil {
		log.Error().Err(err).Msg("pod stop failed, forcing idle")
		return fmt.Errorf("stop pods: %w", err)
	}
	return nil
}

// Refresh pulls the orchestrator's status and reconciles local state: both
// pods RUNNING promotes to running; either pod STARTING or CREATED while
// locally idle promotes to starting. Any other combination leaves local
// state as is.
func (c *Controller) Refresh(ctx context.Context) (types.PodStatus, error) {
	if c.orch == nil {
		return c.Snapshot(), ErrNotConfigured
	}

	st, err := c.orch.Status(ctx)
	if err != nil {
		return c.Snapshot(), err
	}

	c.mu.Lock()
	c.renderer = st.Renderer
	c.generator = st.Generator

	var changed bool
	var next types.PodState
	switch {
	case st.Renderer == SubStatusRunning && st.Generator == SubStatusRunning && c.state != types.PodStateRunning:
		next = types.PodStateRunning
		changed = c.setStateLocked(next, "")
	case (isStartingStatus(st.Renderer) || isStartingStatus(st.Generator)) && c.state == types.PodStateIdle:
		next = types.PodStateStarting
		changed = c.setStateLocked(next, "")
	}
	c.mu.Unlock()
	c.notify(changed, next, "")

	return c.Snapshot(), nil
}

func isStartingStatus(s string) bool {
	return s == SubStatusStarting || s == SubStatusCreated
}

// OnProducerConnected marks the pods running: the producer socket is the
// definitive readiness signal.
func (c *Controller) OnProducerConnected() {
	c.mu.Lock()
	c.startTime = c.now()
	changed := c.setStateLocked(types.PodStateRunning, "")
	c.mu.Unlock()
	c.notify(changed, types.PodStateRunning, "")
}

// OnProducerDisconnected performs no transition: the pods may outlive the
// socket, and the presence tracker decides whether to stop them.
func (c *Controller) OnProducerDisconnected() {
	log.Debug().Msg("producer disconnected, pod state unchanged")
}

// OnFrameReceived feeds the frame-freshness watchdog.
func (c *Controller) OnFrameReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.framesReceived++
	c.lastFrameTime = c.now()
}

func (c *Controller) Snapshot() types.PodStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := types.PodStatus{
		Configured:      c.orch != nil,
		State:           c.state,
		Running:         c.state == types.PodStateRunning,
		FramesReceived:  c.framesReceived,
		StartAttempts:   c.startAttempts,
		ErrorMessage:    c.errMsg,
		RendererStatus:  c.renderer,
		GeneratorStatus: c.generator,
	}
	if c.state == types.PodStateRunning && !c.startTime.IsZero() {
		status.UptimeSeconds = c.now().Sub(c.startTime).Seconds()
	}
	if !c.lastFrameTime.IsZero() {
		age := c.now().Sub(c.lastFrameTime).Seconds()
		status.LastFrameAge = &age
	}
	return status
}

// setStateLocked commits a transition and reports whether anything changed.
// Callers fire the observer via notify after releasing the lock.
func (c *Controller) setStateLocked(state types.PodState, errMsg string) bool {
	if c.state == state {
		c.errMsg = errMsg
		return false
	}
	log.Info().
		Str("from", string(c.state)).
		Str("to", string(state)).
		Str("error", errMsg).
		Msg("pod state transition")
	c.state = state
	c.errMsg = errMsg
	return true
}

func (c *Controller) transition(state types.PodState, errMsg string) {
	c.mu.Lock()
	changed := c.setStateLocked(state, errMsg)
	c.mu.Unlock()
	c.notify(changed, state, errMsg)
}

func (c *Controller) notify(changed bool, state types.PodState, errMsg string) {
	if changed && c.onStateChange != nil {
		go c.onStateChange(state, errMsg)
	}
}

// startWatchdog supervises an in-flight start: it polls the orchestrator,
// fails the start after the startup timeout, and once running warns when
// frames go stale.
func (c *Controller) startWatchdog() {
	c.mu.Lock()
	if c.watchCancel != nil {
		c.watchCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.watchCancel = cancel
	c.mu.Unlock()

	go c.watch(ctx, c.now())
}

func (c *Controller) stopWatchdog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
}

func (c *Controller) watch(ctx context.Context, startedAt time.Time) {
	ticker := time.NewTicker(c.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		state := c.state
		lastFrame := c.lastFrameTime
		c.mu.Unlock()

		switch state {
		case types.PodStateStarting:
			if c.now().Sub(startedAt) > c.startupTimeout {
				log.Error().Dur("timeout", c.startupTimeout).Msg("pod startup timed out")
				c.transition(types.PodStateError, "startup timeout")
				return
			}
			if _, err := c.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Msg("watchdog status poll failed")
			}
		case types.PodStateRunning:
			if !lastFrame.IsZero() {
				if age := c.now().Sub(lastFrame); age > frameStaleAfter {
					log.Warn().Dur("age", age).Msg("no frames received recently")
				}
			}
		default:
			return
		}
	}
}
