// Package types holds the value types shared between the streaming hub,
// the pod controller and the edge API.
package types

import "time"

// PodState is the lifecycle state of the orchestrated GPU pods.
type PodState string

const (
	PodStateIdle     PodState = "idle"
	PodStateStarting PodState = "starting"
	PodStateRunning  PodState = "running"
	PodStateStopping PodState = "stopping"
	PodStateError    PodState = "error"
)

// Frame is one compressed image received from the producer plus the
// metadata the hub attached at receive time. FrameNumber is assigned by
// the hub, monotonically from 1 per producer session; numbering sent by
// the producer is ignored.
type Frame struct {
	Data             []byte
	FrameNumber      uint64
	KeyframeNumber   uint64
	ReceivedAt       time.Time
	GenerationTimeMS uint32
}

// CacheStats is the frame cache statistics block of the status API.
type CacheStats struct {
	FramesCached          int     `json:"frames_cached"`
	MaxFrames             int     `json:"max_frames"`
	TotalFramesReceived   uint64  `json:"total_frames_received"`
	TotalBytesReceived    uint64  `json:"total_bytes_received"`
	AverageFPS            float64 `json:"average_fps"`
	SessionFPS            float64 `json:"session_fps"`
	UptimeSeconds         float64 `json:"uptime_seconds"`
	CurrentFrameNumber    uint64  `json:"current_frame_number"`
	CurrentKeyframeNumber uint64  `json:"current_keyframe_number"`
}

// PlaybackStats is the playback queue statistics block of the status API.
type PlaybackStats struct {
	QueueDepth      int     `json:"queue_depth"`
	BufferSeconds   float64 `json:"buffer_seconds"`
	TargetFPS       float64 `json:"target_fps"`
	EffectiveFPS    float64 `json:"effective_fps"`
	ActualFPS       float64 `json:"actual_fps"`
	FramesReceived  uint64  `json:"frames_received"`
	FramesDisplayed uint64  `json:"frames_displayed"`
	FramesDropped   uint64  `json:"frames_dropped"`
	Underruns       uint64  `json:"underruns"`
	PlaybackStarted bool    `json:"playback_started"`
}

// PresenceStatus is the presence tracker block of the status API.
type PresenceStatus struct {
	ViewerCount           int      `json:"viewer_count"`
	HasViewers            bool     `json:"has_viewers"`
	HasRecentAPIActivity  bool     `json:"has_recent_api_activity"`
	ProducerConnected     bool     `json:"producer_connected"`
	ShutdownPending       bool     `json:"shutdown_pending"`
	SecondsSinceAPIAccess *float64 `json:"seconds_since_api_access"`
}

// PodStatus is the pod controller block of the status API.
type PodStatus struct {
	Configured      bool     `json:"configured"`
	State           PodState `json:"state"`
	Running         bool     `json:"running"`
	UptimeSeconds   float64  `json:"uptime_seconds"`
	FramesReceived  uint64   `json:"frames_received"`
	StartAttempts   int      `json:"start_attempts"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	RendererStatus  string   `json:"renderer_status,omitempty"`
	GeneratorStatus string   `json:"generator_status,omitempty"`
	LastFrameAge    *float64 `json:"last_frame_age"`
}

// StateInfo is the persisted-state metadata returned by the state API.
type StateInfo struct {
	SavedAt    float64 `json:"saved_at"`
	SavedAtISO string  `json:"saved_at_iso"`
	SizeBytes  int64   `json:"size_bytes"`
	AgeSeconds float64 `json:"age_seconds,omitempty"`
}

// RendererEndpoint is a registered rendering pod endpoint.
type RendererEndpoint struct {
	URL             string   `json:"url"`
	IP              string   `json:"ip"`
	Port            int      `json:"port"`
	AuthUser        string   `json:"auth_user,omitempty"`
	AuthPass        string   `json:"auth_pass,omitempty"`
	PodID           string   `json:"pod_id,omitempty"`
	RegisteredAt    float64  `json:"registered_at"`
	Healthy         bool     `json:"healthy"`
	LastHealthCheck *float64 `json:"last_health_check"`
}

// RegistryStatus is the renderer registry block of the status API.
type RegistryStatus struct {
	Registered bool              `json:"registered"`
	Endpoint   *RendererEndpoint `json:"endpoint"`
}
