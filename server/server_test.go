package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/patchspool/pulse"
	"github.com/teranos/patchspool/watchdog"
)

func dial(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ClientCount() == n }, 5*time.Second, 10*time.Millisecond)
}

func TestHubStreamsWatchdogSnapshots(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f.http.URL)
	waitForClients(t, f.server.Hub(), 1)

	_, err := f.watchdog.Register(context.Background(), []byte(`{}`), "domainB/x.json")
	require.NoError(t, err)

	msg := readMessage(t, conn)
	assert.Equal(t, MessageWatchdogStatus, msg.Type)
	data := msg.Data.(map[string]interface{})
	assert.EqualValues(t, 1, data["totalPatches"])
}

func TestHubReplaysLastSnapshotToNewSubscribers(t *testing.T) {
	f := newFixture(t)
	f.server.Hub().Publish(watchdog.Snapshot{TotalPatches: 7, ActivePatches: []watchdog.ActivePatch{}})

	conn := dial(t, f.http.URL)
	msg := readMessage(t, conn)
	assert.Equal(t, MessageWatchdogStatus, msg.Type)
	assert.EqualValues(t, 7, msg.Data.(map[string]interface{})["totalPatches"])
}

func TestHubStreamsStageProgress(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f.http.URL)
	waitForClients(t, f.server.Hub(), 1)

	var emitter pulse.ProgressEmitter = f.server.Hub()
	emitter.EmitStage(pulse.StageEvent{Domain: "domainA", PatchID: "p-1", Stage: "mutation", Status: "running"})
	emitter.EmitComplete(pulse.StageEvent{Domain: "domainA", PatchID: "p-1", Status: "completed"})

	first := readMessage(t, conn)
	assert.Equal(t, MessageStage, first.Type)
	second := readMessage(t, conn)
	assert.Equal(t, MessageComplete, second.Type)
}

func TestHubCloseDisconnectsSubscribers(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f.http.URL)
	waitForClients(t, f.server.Hub(), 1)

	f.server.Hub().Close()
	assert.Zero(t, f.server.Hub().ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// publishing after close is a no-op
	f.server.Hub().Publish(watchdog.Snapshot{})
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t).Sugar())
	c := &Client{hub: h, send: make(chan []byte, 1), id: "slow"}
	h.clients[c] = true

	h.EmitStage(pulse.StageEvent{Stage: "a"})
	h.EmitStage(pulse.StageEvent{Stage: "b"})
	h.EmitStage(pulse.StageEvent{Stage: "c"})
	assert.EqualValues(t, 2, h.Drops())
}

func TestServerStartStop(t *testing.T) {
	srv := New("127.0.0.1:0", Deps{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))
}

func TestServerStartFailsOnBusyAddress(t *testing.T) {
	first := New("127.0.0.1:0", Deps{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, first.Start())
	defer first.Stop(context.Background())

	second := New(first.Addr(), Deps{}, zaptest.NewLogger(t).Sugar())
	err := second.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}
