package pod

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminClientStart(t *testing.T) {
	var calls atomic.Int64
	var gotAuth atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/dreams/pods/start", r.URL.Path)
		gotAuth.Store(r.Header.Get("Authorization"))
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewAdminClient(srv.URL, "admin-token")
	require.NoError(t, client.Start(context.Background()))
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, "Bearer admin-token", gotAuth.Load())
}

func TestAdminClientStartRejectionIsFinal(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewAdminClient(srv.URL, "")
	err := client.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	// HTTP-level rejections must not be retried.
	assert.Equal(t, int64(1), calls.Load())
}

func TestAdminClientStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/dreams/pods/stop", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewAdminClient(srv.URL, "")
	require.NoError(t, client.Stop(context.Background()))
}

func TestAdminClientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/dreams/pods/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"renderer":{"status":"RUNNING"},"generator":{"status":"STARTING"}}`))
	}))
	defer srv.Close()

	client := NewAdminClient(srv.URL, "")
	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SubStatusRunning, status.Renderer)
	assert.Equal(t, SubStatusStarting, status.Generator)
}

func TestAdminClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewAdminClient(srv.URL, "")
	_, err := client.Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestAdminClientTrimsTrailingSlash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/dreams/pods/start", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewAdminClient(srv.URL+"/", "")
	require.NoError(t, client.Start(context.Background()))
}
