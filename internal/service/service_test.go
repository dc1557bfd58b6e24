package service

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/shellmux/shellmux/internal/infrastructure/config"
	"github.com/shellmux/shellmux/internal/infrastructure/logging"
	"github.com/shellmux/shellmux/internal/infrastructure/monitoring"
	"github.com/shellmux/shellmux/internal/protocol"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default().Service
	cfg.Shell = "/bin/sh"
	cfg.PollInterval = 100 * time.Millisecond

	metrics := monitoring.New(prometheus.NewRegistry())
	srv := NewServer(cfg, logging.NewDevelopment(), metrics)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/shell"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn, timeout time.Duration) protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func sendCmd(t *testing.T, ws *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

// waitFor reads events until the predicate matches, failing on timeout.
func waitFor(t *testing.T, ws *websocket.Conn, timeout time.Duration, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg := readEvent(t, ws, time.Until(deadline))
		if match(msg) {
			return msg
		}
	}
	t.Fatal("timed out waiting for event")
	return protocol.Message{}
}

func spawnSession(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	info := readEvent(t, ws, 5*time.Second)
	require.Equal(t, protocol.TypeShellInfo, info.Type)

	sendCmd(t, ws, protocol.Message{Type: protocol.TypeSpawn, Cols: 80, Rows: 24})
	spawned := readEvent(t, ws, 5*time.Second)
	require.Equal(t, protocol.TypeSpawned, spawned.Type)
	require.Greater(t, spawned.PID, 0)
	return spawned
}

func TestShellInfoOnConnect(t *testing.T) {
	ts := newTestServer(t)
	ws := dial(t, ts)

	info := readEvent(t, ws, 5*time.Second)
	assert.Equal(t, protocol.TypeShellInfo, info.Type)
	assert.Equal(t, "/bin/sh", info.Shell)
	assert.NotEmpty(t, info.User)
	assert.NotEmpty(t, info.Home)
	assert.Equal(t, info.Home, info.Cwd)
}

func TestSpawnAndEcho(t *testing.T) {
	ts := newTestServer(t)
	ws := dial(t, ts)
	spawnSession(t, ws)

	sendCmd(t, ws, protocol.Message{Type: protocol.TypeInput, Data: "echo svc-echo-test\n"})
	out := waitFor(t, ws, 5*time.Second, func(m protocol.Message) bool {
		return m.Type == protocol.TypeOutput && strings.Contains(m.Data, "svc-echo-test")
	})
	assert.Contains(t, out.Data, "svc-echo-test")
}

func TestResizeReflected(t *testing.T) {
	ts := newTestServer(t)
	ws := dial(t, ts)
	spawnSession(t, ws)

	sendCmd(t, ws, protocol.Message{Type: protocol.TypeResize, Cols: 120, Rows: 40})
	// Give the ioctl a moment to land before asking the shell.
	time.Sleep(200 * time.Millisecond)

	sendCmd(t, ws, protocol.Message{Type: protocol.TypeInput, Data: "stty size\n"})
	out := waitFor(t, ws, 5*time.Second, func(m protocol.Message) bool {
		return m.Type == protocol.TypeOutput && strings.Contains(m.Data, "40 120")
	})
	assert.Contains(t, out.Data, "40 120")
}

func TestKillEmitsExited(t *testing.T) {
	ts := newTestServer(t)
	ws := dial(t, ts)
	spawned := spawnSession(t, ws)

	sendCmd(t, ws, protocol.Message{Type: protocol.TypeKill})
	exited := waitFor(t, ws, 5*time.Second, func(m protocol.Message) bool {
		return m.Type == protocol.TypeExited
	})
	require.NotNil(t, exited.ExitCode)
	assert.Equal(t, -1, *exited.ExitCode)

	// The child process must actually be gone.
	assert.Error(t, unix.Kill(spawned.PID, 0))

	// A second kill must not produce a second exited event.
	sendCmd(t, ws, protocol.Message{Type: protocol.TypeKill})
	sendCmd(t, ws, protocol.Message{Type: protocol.TypeSpawn, Cols: 80, Rows: 24})
	next := readEvent(t, ws, 5*time.Second)
	assert.Equal(t, protocol.TypeSpawned, next.Type)
}

func TestShellExitEmitsExitCode(t *testing.T) {
	ts := newTestServer(t)
	ws := dial(t, ts)
	spawnSession(t, ws)

	sendCmd(t, ws, protocol.Message{Type: protocol.TypeInput, Data: "exit 5\n"})
	exited := waitFor(t, ws, 5*time.Second, func(m protocol.Message) bool {
		return m.Type == protocol.TypeExited
	})
	require.NotNil(t, exited.ExitCode)
	assert.Equal(t, 5, *exited.ExitCode)
}

func TestSpawnReplacesSession(t *testing.T) {
	ts := newTestServer(t)
	ws := dial(t, ts)
	first := spawnSession(t, ws)

	sendCmd(t, ws, protocol.Message{Type: protocol.TypeSpawn, Cols: 80, Rows: 24})
	second := waitFor(t, ws, 5*time.Second, func(m protocol.Message) bool {
		return m.Type == protocol.TypeSpawned
	})

	assert.NotEqual(t, first.PID, second.PID)
	assert.Error(t, unix.Kill(first.PID, 0), "replaced shell must be dead")
}

func TestSignalInterruptsCommand(t *testing.T) {
	ts := newTestServer(t)
	ws := dial(t, ts)
	spawnSession(t, ws)

	sendCmd(t, ws, protocol.Message{Type: protocol.TypeInput, Data: "sleep 600\n"})
	time.Sleep(500 * time.Millisecond)

	sendCmd(t, ws, protocol.Message{Type: protocol.TypeSignal, Sig: "INT"})
	sendCmd(t, ws, protocol.Message{Type: protocol.TypeInput, Data: "echo after-interrupt\n"})

	out := waitFor(t, ws, 10*time.Second, func(m protocol.Message) bool {
		require.NotEqual(t, protocol.TypeExited, m.Type, "INT must interrupt the command, not the shell")
		return m.Type == protocol.TypeOutput && strings.Contains(m.Data, "after-interrupt")
	})
	assert.Contains(t, out.Data, "after-interrupt")
}

func TestMalformedFramesIgnored(t *testing.T) {
	ts := newTestServer(t)
	ws := dial(t, ts)
	spawnSession(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"cols":80}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"wibble"}`)))

	// The connection survives and keeps serving the session.
	sendCmd(t, ws, protocol.Message{Type: protocol.TypeInput, Data: "echo still-alive\n"})
	out := waitFor(t, ws, 5*time.Second, func(m protocol.Message) bool {
		return m.Type == protocol.TypeOutput && strings.Contains(m.Data, "still-alive")
	})
	assert.Contains(t, out.Data, "still-alive")
}

func TestInputIgnoredWithoutSession(t *testing.T) {
	ts := newTestServer(t)
	ws := dial(t, ts)

	info := readEvent(t, ws, 5*time.Second)
	require.Equal(t, protocol.TypeShellInfo, info.Type)

	// No session yet: input/resize/signal must be silently ignored.
	sendCmd(t, ws, protocol.Message{Type: protocol.TypeInput, Data: "echo nope\n"})
	sendCmd(t, ws, protocol.Message{Type: protocol.TypeResize, Cols: 10, Rows: 10})
	sendCmd(t, ws, protocol.Message{Type: protocol.TypeSignal, Sig: "TERM"})

	sendCmd(t, ws, protocol.Message{Type: protocol.TypeSpawn, Cols: 80, Rows: 24})
	msg := readEvent(t, ws, 5*time.Second)
	assert.Equal(t, protocol.TypeSpawned, msg.Type)
}

func TestPeerDisconnectReleasesSession(t *testing.T) {
	ts := newTestServer(t)
	ws := dial(t, ts)
	spawned := spawnSession(t, ws)

	ws.Close()

	// The service must reap the orphaned shell on its own.
	require.Eventually(t, func() bool {
		return unix.Kill(spawned.PID, 0) != nil
	}, 5*time.Second, 100*time.Millisecond, "shell must die after peer disconnect")
}

func TestSpawnFailureLeavesConnectionUsable(t *testing.T) {
	cfg := config.Default().Service
	cfg.Shell = "/nonexistent/shell"
	cfg.PollInterval = 100 * time.Millisecond

	metrics := monitoring.New(prometheus.NewRegistry())
	srv := NewServer(cfg, logging.NewDevelopment(), metrics)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ws := dial(t, ts)
	info := readEvent(t, ws, 5*time.Second)
	require.Equal(t, protocol.TypeShellInfo, info.Type)

	sendCmd(t, ws, protocol.Message{Type: protocol.TypeSpawn, Cols: 80, Rows: 24})
	errMsg := readEvent(t, ws, 5*time.Second)
	assert.Equal(t, protocol.TypeError, errMsg.Type)
	assert.NotEmpty(t, errMsg.Message)

	// Still NO_SESSION, not dead: a later frame is still handled.
	sendCmd(t, ws, protocol.Message{Type: protocol.TypeKill})
	sendCmd(t, ws, protocol.Message{Type: protocol.TypeSpawn, Cols: 80, Rows: 24})
	again := readEvent(t, ws, 5*time.Second)
	assert.Equal(t, protocol.TypeError, again.Type)
}
