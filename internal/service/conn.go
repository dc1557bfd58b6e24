package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shellmux/shellmux/internal/infrastructure/monitoring"
	"github.com/shellmux/shellmux/internal/protocol"
	"github.com/shellmux/shellmux/internal/pty"
)

// State is the per-connection session state.
type State int32

const (
	StateNoSession State = iota
	StateSpawning
	StateRunning
	StateExited
)

// conn is one WebSocket connection and its at-most-one PTY session.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex // relay goroutine and control loop share the socket

	logger  *zap.Logger
	metrics *monitoring.Metrics

	shell        string // optional shell override
	pollInterval time.Duration

	state atomic.Int32

	// Owned by the control loop; the relay receives the session as an
	// argument and never touches these.
	session     *pty.Session
	relayCancel context.CancelFunc
	relayDone   chan struct{}

	// exactly one exited event per spawned session
	exitedSent atomic.Bool
}

func (c *conn) getState() State  { return State(c.state.Load()) }
func (c *conn) setState(s State) { c.state.Store(int32(s)) }

// run drives the control loop until the peer goes away.
func (c *conn) run() {
	defer c.cleanup()

	info := pty.CurrentUser()
	if c.shell != "" {
		info.Shell = c.shell
	}
	if err := c.send(protocol.ShellInfo(info.Shell, info.User, info.Home, info.Cwd)); err != nil {
		return
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// Malformed control frames are ignored, not fatal.
			c.logger.Debug("ignoring malformed frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case protocol.TypeSpawn:
			if err := c.handleSpawn(msg); err != nil {
				return
			}
		case protocol.TypeInput:
			if c.getState() == StateRunning {
				c.session.Write([]byte(msg.Data))
				c.metrics.InputBytes.Add(float64(len(msg.Data)))
			}
		case protocol.TypeResize:
			if c.getState() == StateRunning {
				c.session.Resize(msg.Cols, msg.Rows)
			}
		case protocol.TypeSignal:
			if c.getState() == StateRunning {
				c.session.Signal(pty.SignalByName(msg.Sig))
			}
		case protocol.TypeKill:
			if err := c.handleKill(); err != nil {
				return
			}
		default:
			// Unknown types fall under the malformed-frame policy.
		}
	}
}

// handleSpawn replaces any running session with a fresh PTY shell.
func (c *conn) handleSpawn(msg protocol.Message) error {
	c.dropSession()
	c.setState(StateSpawning)

	sess, err := pty.Spawn(pty.Config{
		Shell: c.shell,
		Cols:  msg.Cols,
		Rows:  msg.Rows,
	})
	if err != nil {
		c.setState(StateNoSession)
		c.metrics.SpawnFailures.Inc()
		c.logger.Warn("spawn failed", zap.Error(err))
		return c.send(protocol.Error("spawn failed: " + err.Error()))
	}

	c.session = sess
	c.exitedSent.Store(false)
	c.setState(StateRunning)
	c.metrics.SpawnsTotal.Inc()
	c.metrics.SessionsActive.Inc()
	c.logger.Info("session spawned",
		zap.Int("pid", sess.Pid()),
		zap.String("shell", sess.Shell()),
	)

	if err := c.send(protocol.Spawned(sess.Pid(), sess.Shell())); err != nil {
		c.dropSession()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.relayCancel = cancel
	c.relayDone = make(chan struct{})
	go c.relay(ctx, sess, c.relayDone)
	return nil
}

// handleKill terminates the session and acknowledges with exited{-1}.
func (c *conn) handleKill() error {
	if c.session == nil {
		return nil
	}
	c.dropSession()
	c.setState(StateNoSession)
	if c.exitedSent.CompareAndSwap(false, true) {
		c.metrics.SessionsExited.WithLabelValues("killed").Inc()
		return c.send(protocol.Exited(-1))
	}
	return nil
}

// relay moves PTY output to the peer until the shell exits or the relay
// is cancelled. The bounded readiness wait keeps liveness checks and
// kill latency within one poll interval.
func (c *conn) relay(ctx context.Context, sess *pty.Session, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		if !sess.WaitReadable(c.pollInterval) {
			if ctx.Err() != nil {
				return
			}
			if !sess.IsAlive() {
				c.finish(sess)
				return
			}
			continue
		}

		data, err := sess.Read(pty.MaxRead)
		if err != nil {
			// End of stream: the child is gone.
			c.finish(sess)
			return
		}
		if len(data) == 0 {
			continue
		}

		c.metrics.OutputBytes.Add(float64(len(data)))
		if err := c.send(protocol.Output(data)); err != nil {
			// Dead peer: release the session, the control loop will
			// unwind on its own read error.
			sess.Kill()
			c.metrics.SessionsActive.Dec()
			return
		}
	}
}

// finish reaps the exit status and reports the session end.
func (c *conn) finish(sess *pty.Session) {
	sess.WaitExit(time.Second)
	code := sess.ExitCode()
	sess.Kill() // releases the master; the child is already gone

	c.state.CompareAndSwap(int32(StateRunning), int32(StateExited))
	c.metrics.SessionsActive.Dec()
	c.metrics.SessionsExited.WithLabelValues("exited").Inc()
	c.logger.Info("session exited", zap.Int("exit_code", code))

	if c.exitedSent.CompareAndSwap(false, true) {
		_ = c.send(protocol.Exited(code))
	}
}

// dropSession cancels the relay and kills the current session, if any.
// The relay is fully stopped before the session is touched so the PTY
// master is never read after release.
func (c *conn) dropSession() {
	if c.relayCancel != nil {
		c.relayCancel()
		<-c.relayDone
		c.relayCancel = nil
		c.relayDone = nil
	}
	if c.session != nil {
		if c.session.IsAlive() {
			c.metrics.SessionsActive.Dec()
		}
		c.session.Kill()
		c.session = nil
	}
}

func (c *conn) cleanup() {
	c.dropSession()
	c.ws.Close()
	c.metrics.ConnectionsActive.Dec()
	c.logger.Info("client disconnected")
}

// send encodes and writes one event frame.
func (c *conn) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
