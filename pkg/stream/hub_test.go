package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxiasl/dreamwindow/pkg/frames"
	"github.com/luxiasl/dreamwindow/pkg/presence"
)

func newTestHub(t *testing.T, producerToken string) (*Hub, *httptest.Server) {
	t.Helper()

	cache := frames.NewCache(10)
	tracker := presence.NewTracker(time.Hour, time.Hour, nil, nil)
	hub := NewHub(cache, tracker, nil, producerToken)

	up := websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/dreams", func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		hub.ServeViewer(conn)
	})
	mux.HandleFunc("/ws/gpu", func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		hub.ServeProducer(conn, r.Header.Get("Authorization"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hub, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dialViewer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/dreams"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func dialProducer(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/gpu"), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return msgType, data
}

func decodeJSON(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestViewerReceivesStatusOnConnect(t *testing.T) {
	_, srv := newTestHub(t, "")

	conn := dialViewer(t, srv)

	msgType, data := readMessage(t, conn)
	assert.Equal(t, websocket.TextMessage, msgType)

	msg := decodeJSON(t, data)
	assert.Equal(t, "status", msg["type"])
	assert.Equal(t, StatusIdle, msg["status"])
	assert.Equal(t, float64(1), msg["viewer_count"])
}

func TestViewerReceivesCachedFrame(t *testing.T) {
	hub, srv := newTestHub(t, "")

	hub.cache.Add([]byte("webp-bytes"), 12, 3, 0)

	conn := dialViewer(t, srv)

	msgType, _ := readMessage(t, conn)
	assert.Equal(t, websocket.TextMessage, msgType)

	msgType, data := readMessage(t, conn)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	require.NotEmpty(t, data)
	assert.Equal(t, MsgFrame, data[0])
	assert.Equal(t, []byte("webp-bytes"), data[1:])
}

func TestViewerPingPong(t *testing.T) {
	_, srv := newTestHub(t, "")

	conn := dialViewer(t, srv)
	readMessage(t, conn) // initial status

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	_, data := readMessage(t, conn)
	assert.Equal(t, "pong", decodeJSON(t, data)["type"])
}

func TestViewerUnknownMessageIgnored(t *testing.T) {
	hub, srv := newTestHub(t, "")

	conn := dialViewer(t, srv)
	readMessage(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"quality","level":3}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json at all`)))

	// The connection survives both.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	_, data := readMessage(t, conn)
	assert.Equal(t, "pong", decodeJSON(t, data)["type"])

	assert.Equal(t, 1, hub.ViewerCount())
}

func TestViewerDisconnectUpdatesCount(t *testing.T) {
	hub, srv := newTestHub(t, "")

	conn := dialViewer(t, srv)
	readMessage(t, conn)
	require.Equal(t, 1, hub.ViewerCount())

	conn.Close()

	require.Eventually(t, func() bool {
		return hub.ViewerCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProducerAuthRejected(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{name: "missing token", token: ""},
		{name: "wrong token", token: "not-the-secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, srv := newTestHub(t, "the-secret")

			conn := dialProducer(t, srv, tt.token)
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
			_, _, err := conn.ReadMessage()
			require.Error(t, err)
			assert.True(t, websocket.IsCloseError(err, CloseAuthFailed), "expected close code 4001, got %v", err)
			assert.False(t, hub.ProducerConnected())
		})
	}
}

func TestProducerAuthAccepted(t *testing.T) {
	hub, srv := newTestHub(t, "the-secret")

	dialProducer(t, srv, "the-secret")

	require.Eventually(t, func() bool {
		return hub.ProducerConnected()
	}, 2*time.Second, 10*time.Millisecond)

	status, _ := hub.Status()
	assert.Equal(t, StatusReady, status)
}

func TestDuplicateProducerRejected(t *testing.T) {
	hub, srv := newTestHub(t, "")

	dialProducer(t, srv, "")
	require.Eventually(t, func() bool {
		return hub.ProducerConnected()
	}, 2*time.Second, 10*time.Millisecond)

	second := dialProducer(t, srv, "")
	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, CloseDuplicateProducer), "expected close code 4000, got %v", err)

	// The original producer slot is untouched.
	assert.True(t, hub.ProducerConnected())
}

func TestProducerFrameNumberingResetsPerSession(t *testing.T) {
	hub, srv := newTestHub(t, "")

	conn := dialProducer(t, srv, "")
	require.Eventually(t, func() bool {
		return hub.ProducerConnected()
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, append([]byte{MsgFrame}, byte(i))))
	}

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return hub.nextFrameNumber == 4
	}, 2*time.Second, 10*time.Millisecond)

	// Seed the cache as if a frame had been displayed, then bounce the
	// producer: the current frame must survive, numbering must not.
	hub.cache.Add([]byte("last"), 3, 0, 0)

	conn.Close()
	require.Eventually(t, func() bool {
		return !hub.ProducerConnected()
	}, 2*time.Second, 10*time.Millisecond)

	dialProducer(t, srv, "")
	require.Eventually(t, func() bool {
		return hub.ProducerConnected()
	}, 2*time.Second, 10*time.Millisecond)

	hub.mu.Lock()
	next := hub.nextFrameNumber
	hub.mu.Unlock()
	assert.Equal(t, uint64(1), next)

	current, ok := hub.cache.Current()
	require.True(t, ok)
	assert.Equal(t, []byte("last"), current.Data)

	// Session FPS counters were reset with the new session.
	require.Eventually(t, func() bool {
		return hub.cache.Stats().SessionFPS == 0.0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProducerStatusUpdatesTargetFPS(t *testing.T) {
	hub, srv := newTestHub(t, "")

	producer := dialProducer(t, srv, "")
	require.Eventually(t, func() bool {
		return hub.ProducerConnected()
	}, 2*time.Second, 10*time.Millisecond)

	viewer := dialViewer(t, srv)
	readMessage(t, viewer) // status: ready

	require.NoError(t, producer.WriteMessage(websocket.BinaryMessage, append([]byte{MsgStatus}, []byte(`{"target_fps":8,"ignored":"field"}`)...)))

	_, data := readMessage(t, viewer)
	msg := decodeJSON(t, data)
	assert.Equal(t, "config", msg["type"])
	assert.Equal(t, float64(8), msg["target_fps"])

	assert.Equal(t, 8.0, hub.Queue().TargetFPS())
}

func TestProducerUnknownMessageIgnored(t *testing.T) {
	hub, srv := newTestHub(t, "")

	conn := dialProducer(t, srv, "")
	require.Eventually(t, func() bool {
		return hub.ProducerConnected()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x7f, 1, 2, 3}))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{}))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{MsgHeartbeat}))

	// Still connected and tracking heartbeats.
	require.Eventually(t, func() bool {
		return hub.LastFrameAge() != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, hub.ProducerConnected())
}

func TestProducerDisconnectBroadcastsIdle(t *testing.T) {
	hub, srv := newTestHub(t, "")

	producer := dialProducer(t, srv, "")
	require.Eventually(t, func() bool {
		return hub.ProducerConnected()
	}, 2*time.Second, 10*time.Millisecond)

	viewer := dialViewer(t, srv)
	readMessage(t, viewer) // status: ready

	producer.Close()

	_, data := readMessage(t, viewer)
	msg := decodeJSON(t, data)
	assert.Equal(t, "status", msg["type"])
	assert.Equal(t, StatusIdle, msg["status"])
}

func TestEndToEndPlayback(t *testing.T) {
	hub, srv := newTestHub(t, "")

	producer := dialProducer(t, srv, "")
	require.Eventually(t, func() bool {
		return hub.ProducerConnected()
	}, 2*time.Second, 10*time.Millisecond)

	viewer := dialViewer(t, srv)
	readMessage(t, viewer) // status: ready

	// Crank the rate so the test doesn't wait on real pacing.
	require.NoError(t, producer.WriteMessage(websocket.BinaryMessage, append([]byte{MsgStatus}, []byte(`{"target_fps":50}`)...)))

	for i := 1; i <= 6; i++ {
		require.NoError(t, producer.WriteMessage(websocket.BinaryMessage, append([]byte{MsgFrame}, byte(i))))
	}

	// The viewer sees the config broadcast, then paced binary frames in
	// producer order once the buffer threshold is crossed.
	var got []byte
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, viewer.SetReadDeadline(time.Now().Add(3*time.Second)))
		msgType, data, err := viewer.ReadMessage()
		require.NoError(t, err)
		if msgType == websocket.BinaryMessage {
			require.Equal(t, MsgFrame, data[0])
			got = append(got, data[1])
			if len(got) >= 2 {
				break
			}
		}
	}

	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, byte(1), got[0])
	assert.Equal(t, byte(2), got[1])

	// Displayed frames land in the cache with hub-assigned numbers.
	require.Eventually(t, func() bool {
		current, ok := hub.cache.Current()
		return ok && current.FrameNumber >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastEvictsDeadViewer(t *testing.T) {
	hub, srv := newTestHub(t, "")

	healthy := dialViewer(t, srv)
	readMessage(t, healthy)

	dying := dialViewer(t, srv)
	readMessage(t, dying)

	require.Equal(t, 2, hub.ViewerCount())

	// Kill the second viewer's TCP connection; the next broadcast write
	// fails and the sweep evicts it without disturbing the healthy one.
	dying.Close()

	require.Eventually(t, func() bool {
		hub.BroadcastFrame([]byte("payload"))
		return hub.ViewerCount() == 1
	}, 3*time.Second, 50*time.Millisecond)

	// The healthy viewer received the broadcasts.
	msgType, data := readMessage(t, healthy)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, MsgFrame, data[0])
}

func TestSendToProducerWithoutProducer(t *testing.T) {
	hub, _ := newTestHub(t, "")

	assert.ErrorIs(t, hub.RequestSaveState(), ErrNoProducer)
	assert.ErrorIs(t, hub.RequestShutdown(), ErrNoProducer)
}

func TestRequestSaveStateReachesProducer(t *testing.T) {
	hub, srv := newTestHub(t, "")

	producer := dialProducer(t, srv, "")
	require.Eventually(t, func() bool {
		return hub.ProducerConnected()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.RequestSaveState())

	require.NoError(t, producer.SetReadDeadline(time.Now().Add(3*time.Second)))
	msgType, data, err := producer.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	require.Len(t, data, 1)
	assert.Equal(t, MsgSaveState, data[0])
}

func TestOnPodStateChangeMapsLabels(t *testing.T) {
	hub, srv := newTestHub(t, "")

	viewer := dialViewer(t, srv)
	readMessage(t, viewer) // initial status

	hub.OnPodStateChange("starting", "")
	_, data := readMessage(t, viewer)
	assert.Equal(t, StatusStarting, decodeJSON(t, data)["status"])

	hub.OnPodStateChange("error", "quota exhausted")
	_, data = readMessage(t, viewer)
	msg := decodeJSON(t, data)
	assert.Equal(t, StatusError, msg["status"])
	assert.Equal(t, "quota exhausted", msg["message"])
}
