package pty

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const (
	// DefaultCols and DefaultRows size a session whose caller did not
	// report a terminal size.
	DefaultCols = 120
	DefaultRows = 30

	// MaxRead bounds a single non-blocking read from the master.
	MaxRead = 64 * 1024
)

// Config describes the shell to spawn.
type Config struct {
	Shell string // defaults to DetectShell()
	Cols  int
	Rows  int
	Dir   string            // working directory, defaults to the user's home
	Env   map[string]string // extra environment entries
}

// Session owns one PTY master and its attached child shell process.
// It is exclusively owned by the connection that spawned it.
type Session struct {
	shell string
	pid   int
	ptmx  *os.File
	fd    int

	mu    sync.Mutex
	cols  int
	rows  int
	alive bool
	term  *Termination
}

// Spawn allocates a PTY pair and forks the shell as a login shell with a
// controlled environment. It returns once the child is started; it does
// not wait for shell readiness.
func Spawn(cfg Config) (*Session, error) {
	info := CurrentUser()

	shell := cfg.Shell
	if shell == "" {
		shell = info.Shell
	}
	dir := cfg.Dir
	if dir == "" {
		dir = info.Home
	}
	cols, rows := cfg.Cols, cfg.Rows
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}

	cmd := exec.Command(shell)
	// Login-shell convention: argv[0] is "-zsh", "-bash", etc.
	cmd.Args = []string{"-" + filepath.Base(shell)}
	cmd.Dir = dir
	cmd.Env = sessionEnv(shell, info, cfg.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	// The relay loop drives the master with poll(2)+read(2) directly,
	// so readiness waits stay bounded and a read never parks a goroutine.
	fd := int(ptmx.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = cmd.Process.Kill()
		ptmx.Close()
		return nil, fmt.Errorf("set pty non-blocking: %w", err)
	}

	return &Session{
		shell: shell,
		pid:   cmd.Process.Pid,
		ptmx:  ptmx,
		fd:    fd,
		cols:  cols,
		rows:  rows,
		alive: true,
	}, nil
}

// sessionEnv builds the child environment on top of the parent's,
// forcing a capable terminal type and a marker variable so shell
// startup scripts can detect they are inside a managed session.
func sessionEnv(shell string, info UserInfo, extra map[string]string) []string {
	overrides := map[string]string{
		"TERM":            "xterm-256color",
		"COLORTERM":       "truecolor",
		"SHELL":           shell,
		"HOME":            info.Home,
		"USER":            info.User,
		"LOGNAME":         info.User,
		"SHELLMUX_SESSION": "1",
	}
	if os.Getenv("LANG") == "" {
		overrides["LANG"] = "en_US.UTF-8"
	}
	for k, v := range extra {
		overrides[k] = v
	}

	env := make([]string, 0, len(os.Environ())+len(overrides))
	for _, kv := range os.Environ() {
		key := kv[:strings.IndexByte(kv, '=')]
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range overrides {
		if v == "" {
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}

// Pid returns the child process id.
func (s *Session) Pid() int { return s.pid }

// Shell returns the path of the spawned shell.
func (s *Session) Shell() string { return s.shell }

// Size returns the current window size.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Write forwards raw bytes to the shell's input. No-op once dead.
func (s *Session) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive {
		return
	}
	for len(data) > 0 {
		n, err := unix.Write(s.fd, data)
		if err != nil {
			if err == unix.EAGAIN {
				// PTY input buffer full; give the line discipline a
				// moment to drain, then retry the remainder.
				time.Sleep(time.Millisecond)
				continue
			}
			return
		}
		data = data[n:]
	}
}

// Read performs a non-blocking read from the master. A nil slice with a
// nil error means no data is currently available; io.EOF means the
// child has exited and the stream is finished.
func (s *Session) Read(max int) ([]byte, error) {
	s.mu.Lock()
	alive := s.alive
	s.mu.Unlock()
	if !alive {
		return nil, io.EOF
	}
	if max <= 0 || max > MaxRead {
		max = MaxRead
	}

	buf := make([]byte, max)
	n, err := unix.Read(s.fd, buf)
	switch {
	case err == unix.EAGAIN:
		return nil, nil
	case err != nil:
		// EIO on Linux once the slave side is gone.
		return nil, io.EOF
	case n == 0:
		return nil, io.EOF
	}
	return buf[:n], nil
}

// WaitReadable blocks until the master has data or the timeout expires,
// so callers can recheck liveness even when the shell is silent.
func (s *Session) WaitReadable(timeout time.Duration) bool {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil || n == 0 {
		return false
	}
	return fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
}

// Resize updates the window size and delivers SIGWINCH so full-screen
// programs redraw.
func (s *Session) Resize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive || cols <= 0 || rows <= 0 {
		return
	}
	s.cols, s.rows = cols, rows

	ws := &unix.Winsize{Col: uint16(cols), Row: uint16(rows)}
	if err := unix.IoctlSetWinsize(s.fd, unix.TIOCSWINSZ, ws); err != nil {
		return
	}
	// TIOCSWINSZ already signals the foreground process group; signal
	// the shell explicitly as well in case it is backgrounded.
	_ = unix.Kill(s.pid, unix.SIGWINCH)
}

// Signal delivers a signal to the terminal's foreground process group,
// mirroring what the kernel does for Ctrl+C: an interrupt lands on the
// running command, not on the shell that spawned it. Falls back to the
// shell pid when the foreground group cannot be read. Process-already-
// gone errors are swallowed; the next liveness check converges the
// state.
func (s *Session) Signal(sig syscall.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive {
		return
	}
	if pgrp, err := unix.IoctlGetInt(s.fd, unix.TIOCGPGRP); err == nil && pgrp > 0 {
		_ = unix.Kill(-pgrp, sig)
		return
	}
	_ = unix.Kill(s.pid, sig)
}

// IsAlive reaps the child with WNOHANG and reports whether it is still
// running. Once false it stays false.
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkAliveLocked()
}

func (s *Session) checkAliveLocked() bool {
	if !s.alive {
		return false
	}
	var ws unix.WaitStatus
	pid, err := unix.Wait4(s.pid, &ws, unix.WNOHANG, nil)
	switch {
	case err != nil:
		// ECHILD: already reaped elsewhere. Treat as dead with an
		// unknown status.
		s.alive = false
	case pid == 0:
		return true
	default:
		term := terminationFromStatus(ws)
		s.term = &term
		s.alive = false
	}
	return false
}

// Termination reports how the child ended. The second return is false
// while the child is still running or if the status was lost.
func (s *Session) Termination() (Termination, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alive || s.term == nil {
		return Termination{}, false
	}
	return *s.term, true
}

// ExitCode returns the flattened exit code, or -1 when unknown. Valid
// only once the session is no longer alive.
func (s *Session) ExitCode() int {
	if term, ok := s.Termination(); ok {
		return term.ExitCode()
	}
	return -1
}

// WaitExit polls until the child's status is reaped or the deadline
// passes. Used after an end-of-stream read so the exit code is available
// before the exited event is emitted.
func (s *Session) WaitExit(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for s.IsAlive() {
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Kill terminates the session: SIGHUP to let the shell clean up, SIGKILL
// to make sure, a non-blocking reap, then the master is released.
// Idempotent.
func (s *Session) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.alive {
		_ = unix.Kill(s.pid, unix.SIGHUP)
		_ = unix.Kill(s.pid, unix.SIGKILL)
		s.alive = false
	}

	// Reap without blocking; a straggler is collected by the next
	// WNOHANG attempt or abandoned to init on process exit.
	var ws unix.WaitStatus
	for range 20 {
		pid, err := unix.Wait4(s.pid, &ws, unix.WNOHANG, nil)
		if err != nil || pid == s.pid {
			if pid == s.pid && s.term == nil {
				term := terminationFromStatus(ws)
				s.term = &term
			}
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if s.ptmx != nil {
		s.ptmx.Close()
		s.ptmx = nil
	}
}
