package stream

import "github.com/luxiasl/dreamwindow/pkg/types"

// OnPodStateChange maps pod controller transitions onto the user-facing
// status labels and broadcasts them. Wired as the controller's state-change
// observer at startup.
func (h *Hub) OnPodStateChange(state types.PodState, errorMessage string) {
	switch state {
	case types.PodStateIdle:
		h.BroadcastStatus(StatusIdle, "Dream machine sleeping...")
	case types.PodStateStarting:
		h.BroadcastStatus(StatusStarting, "Waking the dream machine...")
	case types.PodStateRunning:
		h.BroadcastStatus(StatusReady, "Dreams flowing...")
	case types.PodStateStopping:
		h.BroadcastStatus(StatusStopping, "Dream machine winding down...")
	case types.PodStateError:
		message := errorMessage
		if message == "" {
			message = "Dream machine error"
		}
		h.BroadcastStatus(StatusError, message)
	}
}
