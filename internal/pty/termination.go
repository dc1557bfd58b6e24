package pty

import (
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// TerminationKind discriminates how a child process ended.
type TerminationKind int

const (
	// TerminationExited means the process returned an exit code.
	TerminationExited TerminationKind = iota
	// TerminationSignaled means the process was killed by a signal.
	TerminationSignaled
)

// Termination describes how a child process ended.
type Termination struct {
	Kind   TerminationKind
	Code   int            // valid when Kind == TerminationExited
	Signal syscall.Signal // valid when Kind == TerminationSignaled
}

// ExitCode flattens the termination into the POSIX shell convention:
// the exit code for a normal exit, 128+signal for a signal death.
func (t Termination) ExitCode() int {
	switch t.Kind {
	case TerminationExited:
		return t.Code
	case TerminationSignaled:
		return 128 + int(t.Signal)
	}
	return -1
}

func (t Termination) String() string {
	if t.Kind == TerminationSignaled {
		return fmt.Sprintf("signaled(%s)", unix.SignalName(t.Signal))
	}
	return fmt.Sprintf("exited(%d)", t.Code)
}

func terminationFromStatus(ws unix.WaitStatus) Termination {
	if ws.Signaled() {
		return Termination{Kind: TerminationSignaled, Signal: ws.Signal()}
	}
	return Termination{Kind: TerminationExited, Code: ws.ExitStatus()}
}

var signalsByName = map[string]syscall.Signal{
	"INT":  unix.SIGINT,
	"TSTP": unix.SIGTSTP,
	"QUIT": unix.SIGQUIT,
	"TERM": unix.SIGTERM,
	"KILL": unix.SIGKILL,
	"HUP":  unix.SIGHUP,
}

// SignalByName maps a protocol signal name to the OS signal. Unrecognized
// names fall back to SIGINT, matching the behavior terminal frontends
// already depend on for the interrupt key.
func SignalByName(name string) syscall.Signal {
	if sig, ok := signalsByName[strings.ToUpper(name)]; ok {
		return sig
	}
	return unix.SIGINT
}
