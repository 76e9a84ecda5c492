package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/huikka/subathon/internal/engine"
	"github.com/huikka/subathon/internal/models"
)

type fakeController struct {
	snapshot engine.Snapshot
	startCh  chan int
	stopCh   chan struct{}
}

func newFakeController(snapshot engine.Snapshot) *fakeController {
	return &fakeController{
		snapshot: snapshot,
		startCh:  make(chan int, 1),
		stopCh:   make(chan struct{}, 1),
	}
}

func (f *fakeController) Start(ctx context.Context, initialMinutes int) error {
	f.startCh <- initialMinutes
	return nil
}

func (f *fakeController) Stop(ctx context.Context) error {
	f.stopCh <- struct{}{}
	return nil
}

func (f *fakeController) Snapshot() engine.Snapshot { return f.snapshot }

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg.Type, msg.Data
}

func TestHub_SnapshotOnConnect(t *testing.T) {
	snapshot := engine.Snapshot{
		TimeRemaining: 1234,
		IsActive:      true,
		Events:        []models.Event{{Event: "Follow", User: "viewer", Time: time.Now().UTC()}},
		Config:        &models.SubathonConfig{Points: 3},
	}
	h := NewHub(DefaultConfig(), newFakeController(snapshot))

	conn := dialHub(t, h)

	msgType, data := readServerMessage(t, conn)
	require.Equal(t, "state-update", msgType)

	var got engine.Snapshot
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, int64(1234), got.TimeRemaining)
	require.True(t, got.IsActive)
	require.Len(t, got.Events, 1)
	require.Equal(t, int64(3), got.Config.Points)
}

func TestHub_BroadcastReachesViewer(t *testing.T) {
	h := NewHub(DefaultConfig(), newFakeController(engine.Snapshot{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dialHub(t, h)
	readServerMessage(t, conn) // initial snapshot

	require.Eventually(t, func() bool { return h.SessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.StateChanged(engine.Snapshot{TimeRemaining: 999, IsActive: true})

	msgType, data := readServerMessage(t, conn)
	require.Equal(t, "state-update", msgType)

	var got engine.Snapshot
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, int64(999), got.TimeRemaining)

	h.PointsChanged(5)
	msgType, data = readServerMessage(t, conn)
	require.Equal(t, "points-update", msgType)
	require.JSONEq(t, `{"points":5}`, string(data))
}

// wsPipe returns a client-side connection to a server that never reads or
// writes, so a session built on it has no pump draining its buffer.
func wsPipe(t *testing.T) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		t.Cleanup(func() { c.Close() })
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_DropsSlowViewerKeepsHealthyPeer(t *testing.T) {
	h := NewHub(DefaultConfig(), newFakeController(engine.Snapshot{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	healthy := dialHub(t, h)
	readServerMessage(t, healthy) // initial snapshot
	require.Eventually(t, func() bool { return h.SessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	slow := h.newSession(wsPipe(t))
	slow.send = make(chan []byte, 1)
	slow.send <- []byte("backlog") // buffer full, nothing draining it
	h.register(slow)
	require.Equal(t, 2, h.SessionCount())

	h.StateChanged(engine.Snapshot{TimeRemaining: 42, IsActive: true})

	msgType, data := readServerMessage(t, healthy)
	require.Equal(t, "state-update", msgType)

	var got engine.Snapshot
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, int64(42), got.TimeRemaining)

	require.Eventually(t, func() bool { return h.SessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	select {
	case <-slow.done:
	default:
		t.Fatal("slow session was not closed")
	}
}

func TestHub_DisconnectDuringBroadcast(t *testing.T) {
	h := NewHub(DefaultConfig(), newFakeController(engine.Snapshot{}))

	sessions := make([]*session, 0, 64)
	for i := 0; i < 64; i++ {
		s := h.newSession(wsPipe(t))
		s.send = make(chan []byte, 1)
		h.register(s)
		sessions = append(sessions, s)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.fanOut([]byte(`{"type":"state-update","data":{}}`))
		}
	}()
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			h.unregister(s)
		}(s)
	}
	wg.Wait()

	require.Equal(t, 0, h.SessionCount())
}

func TestHub_ForwardsStartAndStop(t *testing.T) {
	ctrl := newFakeController(engine.Snapshot{})
	h := NewHub(DefaultConfig(), ctrl)

	conn := dialHub(t, h)
	readServerMessage(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start","minutes":45}`)))
	select {
	case minutes := <-ctrl.startCh:
		require.Equal(t, 45, minutes)
	case <-time.After(2 * time.Second):
		t.Fatal("start was not forwarded")
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))
	select {
	case <-ctrl.stopCh:
	case <-time.After(2 * time.Second):
		t.Fatal("stop was not forwarded")
	}
}
