package stream

// Binary message framing: one type byte followed by the payload.
//
// Producer -> hub:
//	0x01 frame (compressed image bytes)
//	0x02 state snapshot (opaque blob, persisted)
//	0x03 heartbeat (empty)
//	0x04 status JSON (recognized key: target_fps)
//
// Hub -> producer control:
//	0x12 request save-state
//	0x13 request shutdown
//
// Hub -> viewer binary reuses 0x01 for frames; everything else a viewer
// receives is a JSON text message with a "type" field.
const (
	MsgFrame     byte = 0x01
	MsgState     byte = 0x02
	MsgHeartbeat byte = 0x03
	MsgStatus    byte = 0x04

	MsgSaveState byte = 0x12
	MsgShutdown  byte = 0x13
)

// WebSocket close codes for producer handshake failures.
const (
	CloseDuplicateProducer = 4000
	CloseAuthFailed        = 4001
)

// User-facing hub status labels.
const (
	StatusIdle     = "idle"
	StatusStarting = "starting"
	StatusReady    = "ready"
	StatusStopping = "stopping"
	StatusError    = "error"
)

type statusMessage struct {
	Type        string `json:"type"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	FrameCount  uint64 `json:"frame_count"`
	ViewerCount int    `json:"viewer_count"`
}

type configMessage struct {
	Type      string  `json:"type"`
	TargetFPS float64 `json:"target_fps"`
}

type pongMessage struct {
	Type string `json:"type"`
}

// viewerMessage is the envelope for viewer -> hub JSON; only "ping" is
// acted on, unknown types are ignored.
type viewerMessage struct {
	Type string `json:"type"`
}

// producerStatus is the JSON payload of a 0x04 producer message. Unknown
// fields are ignored.
type producerStatus struct {
	TargetFPS *float64 `json:"target_fps"`
}
