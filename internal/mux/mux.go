package mux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shellmux/shellmux/internal/history"
	"github.com/shellmux/shellmux/internal/infrastructure/logging"
	"github.com/shellmux/shellmux/internal/infrastructure/monitoring"
	"github.com/shellmux/shellmux/internal/protocol"
	"github.com/shellmux/shellmux/internal/shared/id"
)

// handshakeTimeout bounds the shell_info/spawned exchange during spawn.
const handshakeTimeout = 10 * time.Second

// Sink receives retagged events for forwarding upstream. Implementations
// must tolerate being called from multiple relay goroutines.
type Sink interface {
	Deliver(msg protocol.Message)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(msg protocol.Message)

// Deliver implements Sink.
func (f SinkFunc) Deliver(msg protocol.Message) { f(msg) }

// Recorder persists finished sessions. Satisfied by *history.Store.
type Recorder interface {
	Save(ctx context.Context, rec history.Record) error
}

// ManagedSession is one tracked terminal: a dedicated shell service
// connection plus the relay goroutine retagging its events.
type ManagedSession struct {
	id      string
	shell   string
	pid     int
	started time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex

	cancel    context.CancelFunc
	done      chan struct{}
	connected atomic.Bool

	tail *tailBuffer
}

// Mux routes tagged terminal commands to per-session shell service
// connections and retags their events on the way back.
type Mux struct {
	serviceURL string
	dialer     *websocket.Dialer
	sink       Sink
	logger     *zap.Logger
	metrics    *monitoring.Metrics
	recorder   Recorder

	mu       sync.Mutex
	sessions map[string]*ManagedSession
}

// New creates a multiplexer that dials serviceURL for each session and
// forwards retagged events to sink.
func New(serviceURL string, sink Sink, logger *logging.Logger, metrics *monitoring.Metrics) *Mux {
	return &Mux{
		serviceURL: serviceURL,
		dialer:     websocket.DefaultDialer,
		sink:       sink,
		logger:     logger.Logger,
		metrics:    metrics,
		sessions:   make(map[string]*ManagedSession),
	}
}

// WithRecorder attaches a history recorder for finished sessions.
func (m *Mux) WithRecorder(r Recorder) *Mux {
	m.recorder = r
	return m
}

// Spawn opens a terminal for session_id. Any existing session with the
// same id is torn down first, so at most one is ever live per id.
func (m *Mux) Spawn(ctx context.Context, sessionID string, cols, rows int) error {
	m.remove(sessionID)

	conn, _, err := m.dialer.DialContext(ctx, m.serviceURL, nil)
	if err != nil {
		return fmt.Errorf("dial shell service: %w", err)
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	spawned, err := m.handshake(conn, cols, rows)
	if err != nil {
		conn.Close()
		return err
	}

	ms := &ManagedSession{
		id:      sessionID,
		shell:   spawned.Shell,
		pid:     spawned.PID,
		started: time.Now(),
		conn:    conn,
		done:    make(chan struct{}),
		tail:    newTailBuffer(history.MaxOutputBytes),
	}
	ms.connected.Store(true)

	relayCtx, cancel := context.WithCancel(context.Background())
	ms.cancel = cancel

	m.mu.Lock()
	old := m.sessions[sessionID]
	m.sessions[sessionID] = ms
	m.mu.Unlock()
	if old != nil {
		// A concurrent spawn raced us for the same id; the newest wins.
		old.teardown()
	}

	m.metrics.MuxSessionsActive.Inc()
	m.logger.Info("session spawned",
		zap.String("session_id", sessionID),
		zap.Int("pid", ms.pid),
		zap.String("shell", ms.shell),
	)

	// Forward the retagged confirmation before any output can follow.
	spawned.SessionID = sessionID
	m.deliver(spawned)

	go m.relay(relayCtx, ms)
	return nil
}

// handshake consumes shell_info, requests the spawn, and waits for the
// confirmation.
func (m *Mux) handshake(conn *websocket.Conn, cols, rows int) (protocol.Message, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return protocol.Message{}, fmt.Errorf("set handshake deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	info, err := readEvent(conn)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("read shell_info: %w", err)
	}
	if info.Type != protocol.TypeShellInfo {
		return protocol.Message{}, fmt.Errorf("unexpected %s frame before shell_info", info.Type)
	}

	frame, err := protocol.Encode(protocol.Message{Type: protocol.TypeSpawn, Cols: cols, Rows: rows})
	if err != nil {
		return protocol.Message{}, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return protocol.Message{}, fmt.Errorf("send spawn: %w", err)
	}

	for {
		msg, err := readEvent(conn)
		if err != nil {
			return protocol.Message{}, fmt.Errorf("await spawned: %w", err)
		}
		switch msg.Type {
		case protocol.TypeSpawned:
			return msg, nil
		case protocol.TypeError:
			return protocol.Message{}, fmt.Errorf("shell service: %s", msg.Message)
		default:
			// Anything else before spawned is noise; skip it.
		}
	}
}

// relay forwards every event from one service connection upstream,
// retagged with the owning session_id, until the session ends or the
// relay is cancelled by Kill.
func (m *Mux) relay(ctx context.Context, ms *ManagedSession) {
	defer close(ms.done)

	sawExited := false
	for {
		_, data, err := ms.conn.ReadMessage()
		if err != nil {
			break
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}

		msg.SessionID = ms.id
		switch msg.Type {
		case protocol.TypeOutput:
			ms.tail.Write([]byte(msg.Data))
		case protocol.TypeExited:
			sawExited = true
			ms.connected.Store(false)
		}
		m.deliver(msg)

		if sawExited {
			code := -1
			if msg.ExitCode != nil {
				code = *msg.ExitCode
			}
			m.record(ms, code)
			return
		}
	}

	// The connection dropped. If the relay was cancelled this is an
	// orderly kill; otherwise synthesize the session's death so the
	// caller sees exactly one exited event.
	ms.connected.Store(false)
	if ctx.Err() == nil && !sawExited {
		m.logger.Warn("service connection dropped", zap.String("session_id", ms.id))
		exited := protocol.Exited(-1)
		exited.SessionID = ms.id
		m.deliver(exited)
		m.record(ms, -1)
	}
}

// SendInput forwards keystrokes to a session. Unknown or disconnected
// sessions drop the frame silently; a later input corrects any drift.
func (m *Mux) SendInput(sessionID, data string) {
	m.send(sessionID, protocol.Message{Type: protocol.TypeInput, Data: data})
}

// Resize forwards a window size change to a session.
func (m *Mux) Resize(sessionID string, cols, rows int) {
	m.send(sessionID, protocol.Message{Type: protocol.TypeResize, Cols: cols, Rows: rows})
}

// SendSignal forwards a named signal to a session.
func (m *Mux) SendSignal(sessionID, sig string) {
	m.send(sessionID, protocol.Message{Type: protocol.TypeSignal, Sig: sig})
}

func (m *Mux) send(sessionID string, msg protocol.Message) {
	m.mu.Lock()
	ms := m.sessions[sessionID]
	m.mu.Unlock()

	if ms == nil || !ms.connected.Load() {
		m.metrics.MuxDroppedFrames.Inc()
		return
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	ms.writeMu.Lock()
	err = ms.conn.WriteMessage(websocket.TextMessage, frame)
	ms.writeMu.Unlock()
	if err != nil {
		// The relay will observe the dead connection and synthesize
		// the exited event; nothing more to do here.
		m.logger.Debug("send failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Kill tears down a session and removes it from the registry. The relay
// is cancelled and its connection reclaimed before Kill returns, so the
// session id can be reused immediately.
func (m *Mux) Kill(sessionID string) {
	if ms := m.remove(sessionID); ms != nil {
		m.logger.Info("session killed", zap.String("session_id", sessionID))
	}
}

// CloseAll kills every tracked session. Called when the upstream goes
// away so no shell service connections or PTYs are orphaned.
func (m *Mux) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*ManagedSession)
	m.mu.Unlock()

	for _, ms := range sessions {
		ms.teardown()
		m.metrics.MuxSessionsActive.Dec()
	}
	if len(sessions) > 0 {
		m.logger.Info("closed all sessions", zap.Int("count", len(sessions)))
	}
}

// Sessions returns the ids of all tracked sessions.
func (m *Mux) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for sid := range m.sessions {
		ids = append(ids, sid)
	}
	return ids
}

// remove unregisters and tears down one session, returning it if found.
func (m *Mux) remove(sessionID string) *ManagedSession {
	m.mu.Lock()
	ms := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if ms == nil {
		return nil
	}
	ms.teardown()
	m.metrics.MuxSessionsActive.Dec()
	return ms
}

// teardown cancels the relay, asks the service to kill the shell, and
// reclaims the connection. Safe to call more than once.
func (ms *ManagedSession) teardown() {
	ms.cancel()
	if ms.connected.CompareAndSwap(true, false) {
		if frame, err := protocol.Encode(protocol.Message{Type: protocol.TypeKill}); err == nil {
			ms.writeMu.Lock()
			_ = ms.conn.WriteMessage(websocket.TextMessage, frame)
			ms.writeMu.Unlock()
		}
	}
	ms.conn.Close()
	<-ms.done
}

func (m *Mux) deliver(msg protocol.Message) {
	m.metrics.MuxEventsRelayed.WithLabelValues(msg.Type).Inc()
	m.sink.Deliver(msg)
}

// record persists the finished session if a recorder is attached.
func (m *Mux) record(ms *ManagedSession, exitCode int) {
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := history.Record{
		ID:         string(id.NewRecordID()),
		SessionID:  ms.id,
		Shell:      ms.shell,
		PID:        ms.pid,
		Output:     ms.tail.String(),
		ExitCode:   exitCode,
		StartedAt:  ms.started,
		FinishedAt: time.Now(),
	}
	if err := m.recorder.Save(ctx, rec); err != nil {
		m.logger.Warn("failed to persist session history",
			zap.String("session_id", ms.id), zap.Error(err))
	}
}

func readEvent(conn *websocket.Conn) (protocol.Message, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Decode(data)
}
