package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/luxiasl/dreamwindow/pkg/store"
	"github.com/luxiasl/dreamwindow/pkg/stream"
	"github.com/luxiasl/dreamwindow/pkg/types"
)

// StatusResponse is the consolidated body of GET /api/dreams/status.
type StatusResponse struct {
	Status            string               `json:"status"`
	Message           string               `json:"message"`
	ViewerCount       int                  `json:"viewer_count"`
	ProducerConnected bool                 `json:"producer_connected"`
	LastFrameAge      *float64             `json:"last_frame_age_seconds"`
	Cache             types.CacheStats     `json:"cache"`
	Playback          types.PlaybackStats  `json:"playback"`
	Presence          types.PresenceStatus `json:"presence"`
	Pod               types.PodStatus      `json:"pod"`
	Renderer          types.RegistryStatus `json:"renderer"`
}

func (s *DreamServer) getStatus(_ http.ResponseWriter, r *http.Request) (StatusResponse, error) {
	s.presence.OnAPIAccess(true)

	podStatus, err := s.pod.Refresh(r.Context())
	if err != nil {
		log.Debug().Err(err).Msg("pod status refresh failed, using local state")
	}

	status, message := s.hub.Status()
	return StatusResponse{
		Status:            status,
		Message:           message,
		ViewerCount:       s.hub.ViewerCount(),
		ProducerConnected: s.hub.ProducerConnected(),
		LastFrameAge:      s.hub.LastFrameAge(),
		Cache:             s.cache.Stats(),
		Playback:          s.hub.Queue().Stats(),
		Presence:          s.presence.Status(),
		Pod:               podStatus,
		Renderer:          s.registry.Status(),
	}, nil
}

func (s *DreamServer) getCurrentFrame(w http.ResponseWriter, _ *http.Request) {
	s.presence.OnAPIAccess(true)

	frame, ok := s.cache.Current()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "image/webp")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("X-Frame-Number", fmt.Sprint(frame.FrameNumber))
	w.Header().Set("X-Keyframe-Number", fmt.Sprint(frame.KeyframeNumber))
	w.Header().Set("X-Generation-Time-Ms", fmt.Sprint(frame.GenerationTimeMS))
	if _, err := w.Write(frame.Data); err != nil {
		log.Debug().Err(err).Msg("failed to write current frame")
	}
}

// EmbedResponse tells external pages how to embed the stream.
type EmbedResponse struct {
	EmbedURL  string `json:"embed_url"`
	ImageURL  string `json:"image_url"`
	StreamURL string `json:"stream_url"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

func (s *DreamServer) getEmbed(_ http.ResponseWriter, _ *http.Request) (EmbedResponse, error) {
	base := strings.TrimRight(s.cfg.WebServer.PublicURL, "/")

	wsBase := base
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	case strings.HasPrefix(wsBase, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}

	return EmbedResponse{
		EmbedURL:  base + "/dreams/embed",
		ImageURL:  base + "/api/dreams/current",
		StreamURL: wsBase + "/ws/dreams",
		Width:     1024,
		Height:    512,
	}, nil
}

func (s *DreamServer) getStateInfo(_ http.ResponseWriter, _ *http.Request) (types.StateInfo, error) {
	s.presence.OnAPIAccess(false)

	info, err := s.store.Info()
	if errors.Is(err, store.ErrNoState) {
		return types.StateInfo{}, NewHTTPError(http.StatusNotFound, "no saved state")
	}
	if err != nil {
		return types.StateInfo{}, err
	}
	return info, nil
}

func (s *DreamServer) clearState(_ http.ResponseWriter, _ *http.Request) (map[string]bool, error) {
	s.presence.OnAPIAccess(false)

	if err := s.store.Clear(); err != nil {
		return nil, err
	}
	return map[string]bool{"cleared": true}, nil
}

func (s *DreamServer) requestSaveState(_ http.ResponseWriter, _ *http.Request) (map[string]bool, error) {
	s.presence.OnAPIAccess(false)

	if err := s.hub.RequestSaveState(); err != nil {
		if errors.Is(err, stream.ErrNoProducer) {
			return nil, NewHTTPError(http.StatusBadGateway, "no producer connected")
		}
		return nil, err
	}
	return map[string]bool{"requested": true}, nil
}

type registerRendererRequest struct {
	URL      string `json:"url"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	AuthUser string `json:"auth_user"`
	AuthPass string `json:"auth_pass"`
	PodID    string `json:"pod_id"`
}

func (s *DreamServer) registerRenderer(_ http.ResponseWriter, r *http.Request) (map[string]bool, error) {
	s.presence.OnAPIAccess(false)

	var req registerRendererRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, NewHTTPError(http.StatusBadRequest, "invalid registration body: %s", err)
	}
	if req.URL == "" && req.IP == "" {
		return nil, NewHTTPError(http.StatusBadRequest, "url or ip is required")
	}
	if req.Port == 0 {
		req.Port = 8188
	}

	s.registry.Register(req.URL, req.IP, req.Port, req.AuthUser, req.AuthPass, req.PodID)

	// Probe it right away so the status endpoint reflects reality soon.
	// Detached from the request context: the handler returns immediately.
	go s.registry.HealthCheck(context.Background())

	return map[string]bool{"registered": true}, nil
}

func (s *DreamServer) getRenderer(_ http.ResponseWriter, _ *http.Request) (types.RendererEndpoint, error) {
	s.presence.OnAPIAccess(false)

	endpoint, ok := s.registry.Endpoint()
	if !ok {
		return types.RendererEndpoint{}, NewHTTPError(http.StatusNotFound, "no renderer registered")
	}
	return endpoint, nil
}

func (s *DreamServer) unregisterRenderer(_ http.ResponseWriter, _ *http.Request) (map[string]bool, error) {
	s.presence.OnAPIAccess(false)

	s.registry.Unregister()
	return map[string]bool{"unregistered": true}, nil
}
