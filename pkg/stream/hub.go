// Package stream is the central hub for Dream Window sockets: it owns the
// viewer set and the single producer slot, decodes producer messages,
// paces frames through the playback queue and fans them out to viewers.
package stream

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/luxiasl/dreamwindow/pkg/frames"
	"github.com/luxiasl/dreamwindow/pkg/playback"
	"github.com/luxiasl/dreamwindow/pkg/presence"
	"github.com/luxiasl/dreamwindow/pkg/store"
)

// ErrNoProducer is returned when a control message has no producer to go to.
var ErrNoProducer = errors.New("no producer connected")

const (
	// viewerSendTimeout bounds every hub -> viewer write. A peer that
	// cannot take a message within this window is evicted; it must never
	// hold up the other viewers.
	viewerSendTimeout = 5 * time.Second

	// producerSendTimeout bounds best-effort control messages to the
	// producer.
	producerSendTimeout = 10 * time.Second
)

// PodNotifier receives producer lifecycle events; implemented by the pod
// controller.
type PodNotifier interface {
	OnProducerConnected()
	OnProducerDisconnected()
	OnFrameReceived()
}

// Hub coordinates viewers, the producer, the playback queue, the frame
// cache, presence tracking and state persistence.
type Hub struct {
	cache         *frames.Cache
	presence      *presence.Tracker
	store         *store.Store
	queue         *playback.Queue
	producerToken string

	mu              sync.Mutex
	viewers         map[*Viewer]struct{}
	producer        *Viewer
	pod             PodNotifier
	nextFrameNumber uint64
	status          string
	statusMessage   string
	lastFrameTime   time.Time
	playbackCancel  context.CancelFunc
	playbackDone    chan struct{}
}

func NewHub(cache *frames.Cache, tracker *presence.Tracker, stateStore *store.Store, producerToken string) *Hub {
	h := &Hub{
		cache:         cache,
		presence:      tracker,
		store:         stateStore,
		producerToken: producerToken,
		viewers:       make(map[*Viewer]struct{}),
		status:        StatusIdle,
		statusMessage: "Waiting for connection...",
	}
	h.queue = playback.NewQueue(h.BroadcastFrame, h.onFrameDisplayed)
	return h
}

// SetPodNotifier installs the pod controller; optional.
func (h *Hub) SetPodNotifier(pod PodNotifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pod = pod
}

func (h *Hub) podNotifier() PodNotifier {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pod
}

// Queue exposes the playback queue for configuration and stats.
func (h *Hub) Queue() *playback.Queue {
	return h.queue
}

func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

func (h *Hub) ProducerConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.producer != nil
}

// Status returns the user-facing status label and message.
func (h *Hub) Status() (string, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.statusMessage
}

// LastFrameAge is the seconds since the producer last sent anything, nil
// before the first message.
func (h *Hub) LastFrameAge() *float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastFrameTime.IsZero() {
		return nil
	}
	age := time.Since(h.lastFrameTime).Seconds()
	return &age
}

// ServeViewer runs one viewer session: register, send status and the
// current frame, then consume control messages until the socket dies.
func (h *Hub) ServeViewer(conn *websocket.Conn) {
	v := newViewer(conn)

	h.mu.Lock()
	h.viewers[v] = struct{}{}
	count := len(h.viewers)
	h.mu.Unlock()

	h.presence.OnViewerConnect(v)
	log.Info().Str("viewer", v.ID()).Int("viewers", count).Msg("viewer socket connected")

	if err := v.sendJSON(h.statusPayload(), viewerSendTimeout); err != nil {
		log.Warn().Str("viewer", v.ID()).Err(err).Msg("failed to send initial status")
	}

	if frame, ok := h.cache.Current(); ok {
		msg := make([]byte, 1+len(frame.Data))
		msg[0] = MsgFrame
		copy(msg[1:], frame.Data)
		if err := v.sendBinary(msg, viewerSendTimeout); err != nil {
			log.Warn().Str("viewer", v.ID()).Err(err).Msg("failed to send initial frame")
		}
	}

	defer h.removeViewer(v)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.TextMessage {
			h.handleViewerMessage(v, data)
		}
	}
}

func (h *Hub) handleViewerMessage(v *Viewer, data []byte) {
	var msg viewerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		preview := data
		if len(preview) > 100 {
			preview = preview[:100]
		}
		log.Warn().Str("viewer", v.ID()).Str("data", string(preview)).Msg("invalid viewer message")
		return
	}

	switch msg.Type {
	case "ping":
		if err := v.sendJSON(pongMessage{Type: "pong"}, viewerSendTimeout); err != nil {
			log.Debug().Str("viewer", v.ID()).Err(err).Msg("pong failed")
		}
	default:
		log.Debug().Str("viewer", v.ID()).Str("type", msg.Type).Msg("ignoring viewer message")
	}
}

// removeViewer drops a viewer from the set and notifies presence exactly
// once, whether the death came from its read loop or a broadcast sweep.
func (h *Hub) removeViewer(v *Viewer) {
	h.mu.Lock()
	_, present := h.viewers[v]
	if present {
		delete(h.viewers, v)
	}
	count := len(h.viewers)
	h.mu.Unlock()

	if !present {
		return
	}
	log.Info().Str("viewer", v.ID()).Int("viewers", count).Msg("viewer socket removed")
	h.presence.OnViewerDisconnect(v)
}

// ServeProducer runs one producer session. The bearer token is compared in
// constant time; an empty configured token accepts anything (dev mode).
// Only one producer may exist: a second one is closed with code 4000.
func (h *Hub) ServeProducer(conn *websocket.Conn, authorization string) {
	p := newViewer(conn)

	if !h.authorizeProducer(authorization) {
		log.Warn().Msg("producer authentication failed")
		p.close(CloseAuthFailed, "authentication failed")
		return
	}

	h.mu.Lock()
	if h.producer != nil {
		h.mu.Unlock()
		log.Warn().Msg("producer already connected, rejecting")
		p.close(CloseDuplicateProducer, "producer already connected")
		return
	}
	h.producer = p
	h.nextFrameNumber = 1
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.playbackCancel = cancel
	h.playbackDone = done
	h.mu.Unlock()

	h.cache.ResetSession()
	h.queue.Reset()
	go func() {
		defer close(done)
		h.queue.Run(ctx)
	}()

	h.presence.SetProducerConnected(true)
	if pod := h.podNotifier(); pod != nil {
		pod.OnProducerConnected()
	}

	log.Info().Msg("producer connected")
	h.BroadcastStatus(StatusReady, "Dreams flowing...")

	defer h.disconnectProducer(p)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			h.handleProducerMessage(data)
		}
	}
}

func (h *Hub) authorizeProducer(authorization string) bool {
	if h.producerToken == "" {
		log.Warn().Msg("no producer token configured, accepting producer (dev mode)")
		return true
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return false
	}
	token := strings.TrimPrefix(authorization, prefix)
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.producerToken)) == 1
}

func (h *Hub) disconnectProducer(p *Viewer) {
	h.mu.Lock()
	if h.producer != p {
		h.mu.Unlock()
		return
	}
	h.producer = nil
	cancel := h.playbackCancel
	done := h.playbackDone
	h.playbackCancel = nil
	h.playbackDone = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	h.presence.SetProducerConnected(false)
	if pod := h.podNotifier(); pod != nil {
		pod.OnProducerDisconnected()
	}

	log.Info().Msg("producer disconnected")
	h.BroadcastStatus(StatusIdle, "Dream machine sleeping...")
}

func (h *Hub) handleProducerMessage(data []byte) {
	if len(data) == 0 {
		return
	}
	msgType := data[0]
	payload := data[1:]

	switch msgType {
	case MsgFrame:
		h.handleProducerFrame(payload)

	case MsgState:
		if h.store == nil {
			return
		}
		// Persistence happens off the socket read loop; the store worker
		// serializes the writes.
		go func() {
			if err := h.store.Save(payload); err != nil {
				log.Error().Err(err).Msg("failed to persist producer state")
			}
		}()

	case MsgHeartbeat:
		h.mu.Lock()
		h.lastFrameTime = time.Now()
		h.mu.Unlock()

	case MsgStatus:
		var status producerStatus
		if err := json.Unmarshal(payload, &status); err != nil {
			log.Warn().Err(err).Msg("failed to parse producer status")
			return
		}
		if status.TargetFPS != nil {
			h.queue.SetTargetFPS(*status.TargetFPS)
			h.broadcastConfig(*status.TargetFPS)
		}

	default:
		log.Debug().Uint8("type", msgType).Msg("ignoring unknown producer message")
	}
}

func (h *Hub) handleProducerFrame(payload []byte) {
	h.mu.Lock()
	h.lastFrameTime = time.Now()
	n := h.nextFrameNumber
	h.nextFrameNumber++
	h.mu.Unlock()

	if pod := h.podNotifier(); pod != nil {
		pod.OnFrameReceived()
	}

	h.queue.Enqueue(payload, n)
}

// onFrameDisplayed is the playback queue's display callback: frames enter
// the cache only once they have actually been shown to viewers.
func (h *Hub) onFrameDisplayed(data []byte, frameNumber uint64) {
	h.cache.Add(data, frameNumber, 0, 0)
}

// BroadcastFrame sends one 0x01 frame message to every viewer. Invoked by
// the playback queue each tick.
func (h *Hub) BroadcastFrame(data []byte) {
	msg := make([]byte, 1+len(data))
	msg[0] = MsgFrame
	copy(msg[1:], data)
	h.sweepBroadcast(func(v *Viewer) error {
		return v.sendBinary(msg, viewerSendTimeout)
	})
}

// BroadcastStatus updates the hub status and pushes it to every viewer.
func (h *Hub) BroadcastStatus(status, message string) {
	h.mu.Lock()
	h.status = status
	h.statusMessage = message
	h.mu.Unlock()

	log.Info().Str("status", status).Str("message", message).Msg("status changed")

	payload := h.statusPayload()
	h.sweepBroadcast(func(v *Viewer) error {
		return v.sendJSON(payload, viewerSendTimeout)
	})
}

func (h *Hub) broadcastConfig(targetFPS float64) {
	payload := configMessage{Type: "config", TargetFPS: targetFPS}
	h.sweepBroadcast(func(v *Viewer) error {
		return v.sendJSON(payload, viewerSendTimeout)
	})
	log.Debug().Float64("target_fps", targetFPS).Msg("config broadcast")
}

func (h *Hub) statusPayload() statusMessage {
	h.mu.Lock()
	status, message, count := h.status, h.statusMessage, len(h.viewers)
	h.mu.Unlock()
	return statusMessage{
		Type:        "status",
		Status:      status,
		Message:     message,
		FrameCount:  h.cache.Stats().TotalFramesReceived,
		ViewerCount: count,
	}
}

// sweepBroadcast sends to a snapshot of the viewer set concurrently and
// evicts every peer whose send failed or timed out. Eviction feeds the
// presence tracker like a normal disconnect.
func (h *Hub) sweepBroadcast(send func(v *Viewer) error) {
	h.mu.Lock()
	snapshot := make([]*Viewer, 0, len(h.viewers))
	for v := range h.viewers {
		snapshot = append(snapshot, v)
	}
	h.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	var wg sync.WaitGroup
	var deadMu sync.Mutex
	var dead []*Viewer

	for _, v := range snapshot {
		wg.Add(1)
		go func(v *Viewer) {
			defer wg.Done()
			if err := send(v); err != nil {
				deadMu.Lock()
				dead = append(dead, v)
				deadMu.Unlock()
			}
		}(v)
	}
	wg.Wait()

	for _, v := range dead {
		log.Warn().Str("viewer", v.ID()).Msg("evicting dead viewer")
		h.removeViewer(v)
	}
}

// SendToProducer delivers a control message to the producer, best-effort.
func (h *Hub) SendToProducer(msgType byte, payload []byte) error {
	h.mu.Lock()
	p := h.producer
	h.mu.Unlock()

	if p == nil {
		return ErrNoProducer
	}

	msg := make([]byte, 1+len(payload))
	msg[0] = msgType
	copy(msg[1:], payload)

	if err := p.sendBinary(msg, producerSendTimeout); err != nil {
		log.Error().Err(err).Uint8("type", msgType).Msg("failed to send control message to producer")
		return err
	}
	return nil
}

// RequestSaveState asks the producer to snapshot its generation state.
func (h *Hub) RequestSaveState() error {
	return h.SendToProducer(MsgSaveState, nil)
}

// RequestShutdown asks the producer to save state and exit.
func (h *Hub) RequestShutdown() error {
	return h.SendToProducer(MsgShutdown, nil)
}
