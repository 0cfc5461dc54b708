package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxiasl/dreamwindow/pkg/config"
	"github.com/luxiasl/dreamwindow/pkg/frames"
	"github.com/luxiasl/dreamwindow/pkg/pod"
	"github.com/luxiasl/dreamwindow/pkg/presence"
	"github.com/luxiasl/dreamwindow/pkg/registry"
	"github.com/luxiasl/dreamwindow/pkg/store"
	"github.com/luxiasl/dreamwindow/pkg/stream"
)

type testEnv struct {
	srv   *httptest.Server
	cache *frames.Cache
	store *store.Store
	hub   *stream.Hub
}

func newTestServer(t *testing.T, mutate func(*config.ServerConfig)) *testEnv {
	t.Helper()

	cfg := config.ServerConfig{
		WebServer: config.WebServer{
			Host:      "127.0.0.1",
			Port:      0,
			PublicURL: "https://dreams.example.com",
		},
		Dreams: config.Dreams{
			ShutdownDelay:  time.Hour,
			APITimeout:     time.Hour,
			FrameCacheSize: 10,
			TargetFPS:      5.0,
		},
		RateLimit: config.RateLimit{
			Requests: 1000,
			Window:   time.Minute,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	cache := frames.NewCache(cfg.Dreams.FrameCacheSize)
	tracker := presence.NewTracker(cfg.Dreams.ShutdownDelay, cfg.Dreams.APITimeout, nil, nil)
	stateStore := store.NewStore(t.TempDir())
	t.Cleanup(stateStore.Close)

	hub := stream.NewHub(cache, tracker, stateStore, cfg.Dreams.ProducerToken)
	controller := pod.NewController(nil, hub.OnPodStateChange)
	tracker.SetPodChecker(controller)
	hub.SetPodNotifier(controller)

	s := NewServer(Options{
		Config:   cfg,
		Hub:      hub,
		Cache:    cache,
		Presence: tracker,
		Pod:      controller,
		Store:    stateStore,
		Registry: registry.New(),
	})

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, cache: cache, store: stateStore, hub: hub}
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthz(t *testing.T) {
	env := newTestServer(t, nil)

	var body map[string]string
	resp := getJSON(t, env.srv.URL+"/healthz", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestServer(t, nil)

	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", resp.Header.Get("Referrer-Policy"))
}

func TestGetStatus(t *testing.T) {
	env := newTestServer(t, nil)

	env.cache.Add([]byte("frame"), 3, 1, 40)

	var body StatusResponse
	resp := getJSON(t, env.srv.URL+"/api/dreams/status", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "idle", body.Status)
	assert.Equal(t, 0, body.ViewerCount)
	assert.False(t, body.ProducerConnected)
	assert.Equal(t, uint64(1), body.Cache.TotalFramesReceived)
	assert.Equal(t, uint64(3), body.Cache.CurrentFrameNumber)
	assert.Equal(t, 10, body.Cache.MaxFrames)
	assert.False(t, body.Pod.Configured)
	assert.Equal(t, 5.0, body.Playback.TargetFPS)
	assert.False(t, body.Renderer.Registered)

	// A status hit counts as API activity.
	assert.True(t, body.Presence.HasRecentAPIActivity || body.Presence.SecondsSinceAPIAccess == nil)
}

func TestGetCurrentFrameEmpty(t *testing.T) {
	env := newTestServer(t, nil)

	resp, err := http.Get(env.srv.URL + "/api/dreams/current")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestGetCurrentFrame(t *testing.T) {
	env := newTestServer(t, nil)

	env.cache.Add([]byte("webp-data"), 17, 4, 250)

	resp, err := http.Get(env.srv.URL + "/api/dreams/current")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/webp", resp.Header.Get("Content-Type"))
	assert.Equal(t, "17", resp.Header.Get("X-Frame-Number"))
	assert.Equal(t, "4", resp.Header.Get("X-Keyframe-Number"))
	assert.Equal(t, "250", resp.Header.Get("X-Generation-Time-Ms"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", resp.Header.Get("Cache-Control"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("webp-data"), body)
}

func TestGetEmbed(t *testing.T) {
	env := newTestServer(t, nil)

	var body EmbedResponse
	resp := getJSON(t, env.srv.URL+"/api/dreams/embed", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "https://dreams.example.com/api/dreams/current", body.ImageURL)
	assert.Equal(t, "wss://dreams.example.com/ws/dreams", body.StreamURL)
	assert.Equal(t, 1024, body.Width)
	assert.Equal(t, 512, body.Height)
}

func TestStateEndpoints(t *testing.T) {
	env := newTestServer(t, nil)

	resp, err := http.Get(env.srv.URL + "/api/dreams/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, env.store.Save([]byte("snapshot")))

	var info struct {
		SizeBytes  int64   `json:"size_bytes"`
		AgeSeconds float64 `json:"age_seconds"`
	}
	resp = getJSON(t, env.srv.URL+"/api/dreams/state", &info)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(8), info.SizeBytes)

	req, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/api/dreams/state", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/api/dreams/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequestSaveStateWithoutProducer(t *testing.T) {
	env := newTestServer(t, nil)

	resp, err := http.Post(env.srv.URL+"/api/dreams/save", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["detail"], "no producer")
}

func TestRendererEndpoints(t *testing.T) {
	env := newTestServer(t, nil)

	resp, err := http.Get(env.srv.URL + "/api/dreams/renderer")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	payload := bytes.NewBufferString(`{"url":"https://pod-8188.proxy.example.net","pod_id":"pod-42","auth_user":"dreamer"}`)
	resp, err = http.Post(env.srv.URL+"/api/dreams/renderer/register", "application/json", payload)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var endpoint struct {
		URL      string `json:"url"`
		PodID    string `json:"pod_id"`
		AuthUser string `json:"auth_user"`
	}
	resp = getJSON(t, env.srv.URL+"/api/dreams/renderer", &endpoint)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://pod-8188.proxy.example.net", endpoint.URL)
	assert.Equal(t, "pod-42", endpoint.PodID)
	assert.Equal(t, "dreamer", endpoint.AuthUser)

	req, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/api/dreams/renderer", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/api/dreams/renderer")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRendererRegisterValidation(t *testing.T) {
	env := newTestServer(t, nil)

	resp, err := http.Post(env.srv.URL+"/api/dreams/renderer/register", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(env.srv.URL+"/api/dreams/renderer/register", "application/json", bytes.NewBufferString(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitExceeded(t *testing.T) {
	env := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.RateLimit.Requests = 3
	})

	for i := 0; i < 3; i++ {
		resp, err := http.Get(env.srv.URL + "/api/dreams/status")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, err := http.Get(env.srv.URL + "/api/dreams/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["detail"], "Rate limit exceeded")

	// The embed endpoint is not rate limited.
	resp, err = http.Get(env.srv.URL + "/api/dreams/embed")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
