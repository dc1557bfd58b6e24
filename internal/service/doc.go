// Package service implements the shell service: a WebSocket endpoint
// that binds each connection to at most one PTY shell session.
//
// Per-connection state machine:
//
//	NO_SESSION → SPAWNING → RUNNING → EXITED
//
// On connect the service immediately emits shell_info so a client can
// render a prompt before spawning. spawn replaces any running session,
// never stacks. input/resize/signal apply only while RUNNING. The
// output relay runs in its own goroutine with a bounded readiness wait,
// so control frames are handled concurrently with PTY output and a kill
// is serviced within one poll interval even when the shell is silent.
//
// Fault isolation: a malformed frame is ignored, a spawn failure leaves
// the connection usable in NO_SESSION, and a dead network peer tears
// down only its own session.
package service
