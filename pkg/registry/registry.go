// Package registry tracks the rendering pod's endpoint so the frame
// generator can discover it at runtime.
//
// The two pods don't know each other's addresses at deployment time: the
// orchestrator registers the renderer's proxy URL here when it starts the
// pods, and the generator asks this service where to connect.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/luxiasl/dreamwindow/pkg/types"
)

const healthCheckTimeout = 10 * time.Second

type endpoint struct {
	url             string
	ip              string
	port            int
	authUser        string
	authPass        string
	podID           string
	registeredAt    time.Time
	healthy         bool
	lastHealthCheck time.Time
}

// Registry holds at most one renderer endpoint; registration replaces any
// previous one.
type Registry struct {
	hc  *http.Client
	now func() time.Time

	mu sync.Mutex
	ep *endpoint
}

func New() *Registry {
	return &Registry{
		hc:  &http.Client{Timeout: healthCheckTimeout},
		now: time.Now,
	}
}

// Register records the renderer endpoint. An empty url falls back to
// http://ip:port.
func (r *Registry) Register(url, ip string, port int, authUser, authPass, podID string) {
	if url == "" {
		url = fmt.Sprintf("http://%s:%d", ip, port)
	}

	r.mu.Lock()
	r.ep = &endpoint{
		url:          url,
		ip:           ip,
		port:         port,
		authUser:     authUser,
		authPass:     authPass,
		podID:        podID,
		registeredAt: r.now(),
	}
	r.mu.Unlock()

	log.Info().Str("url", url).Str("pod_id", podID).Msg("renderer registered")
}

// Endpoint returns the registered endpoint, or false when none is known.
func (r *Registry) Endpoint() (types.RendererEndpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ep == nil {
		return types.RendererEndpoint{}, false
	}
	return r.ep.view(), true
}

func (r *Registry) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ep != nil
}

// Unregister clears the endpoint; called when the renderer pod stops.
func (r *Registry) Unregister() {
	r.mu.Lock()
	r.ep = nil
	r.mu.Unlock()
	log.Info().Msg("renderer unregistered")
}

// HealthCheck probes the renderer's stats endpoint and records the result.
func (r *Registry) HealthCheck(ctx context.Context) bool {
	r.mu.Lock()
	if r.ep == nil {
		r.mu.Unlock()
		return false
	}
	url := r.ep.url + "/system_stats"
	user, pass := r.ep.authUser, r.ep.authPass
	r.mu.Unlock()

	healthy := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err == nil {
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		resp, err := r.hc.Do(req)
		if err == nil {
			healthy = resp.StatusCode == http.StatusOK
			resp.Body.Close()
			if !healthy {
				log.Warn().Int("status", resp.StatusCode).Str("url", url).Msg("renderer health check failed")
			}
		} else {
			log.Warn().Err(err).Msg("renderer health check failed")
		}
	}

	r.mu.Lock()
	if r.ep != nil {
		r.ep.healthy = healthy
		r.ep.lastHealthCheck = r.now()
	}
	r.mu.Unlock()

	return healthy
}

func (r *Registry) Status() types.RegistryStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ep == nil {
		return types.RegistryStatus{Registered: false}
	}
	view := r.ep.view()
	return types.RegistryStatus{Registered: true, Endpoint: &view}
}

func (e *endpoint) view() types.RendererEndpoint {
	view := types.RendererEndpoint{
		URL:          e.url,
		IP:           e.ip,
		Port:         e.port,
		AuthUser:     e.authUser,
		AuthPass:     e.authPass,
		PodID:        e.podID,
		RegisteredAt: float64(e.registeredAt.UnixMilli()) / 1000.0,
		Healthy:      e.healthy,
	}
	if !e.lastHealthCheck.IsZero() {
		ts := float64(e.lastHealthCheck.UnixMilli()) / 1000.0
		view.LastHealthCheck = &ts
	}
	return view
}
