// Package pty owns the pseudo-terminal side of a shell session.
//
// A Session wraps exactly one PTY master and its attached child shell
// process. It is the only place in the codebase that touches OS
// process-control primitives (fork/exec with a controlling terminal,
// waitpid, signal delivery, TIOCSWINSZ), so an alternate terminal
// allocation mechanism can be substituted per platform without touching
// the wire protocol or the multiplexer.
//
// Lifecycle:
//   - Spawn forks the user's shell as a login shell on a fresh PTY pair
//     and makes the master non-blocking. It returns promptly; it does
//     not wait for shell readiness.
//   - Read/Write/Resize/Signal operate on the live session and degrade
//     to no-ops once the child is gone. Expected dead-process errors
//     (ESRCH, ECHILD, EIO) are swallowed; the state machine converges
//     to exited via the next liveness check rather than raising.
//   - Kill sends SIGHUP then SIGKILL, reaps without blocking, and
//     releases the master. It is idempotent.
//
// Termination is modeled as a tagged variant (exited with a code, or
// killed by a signal) so the POSIX 128+signal convention stays in one
// place.
package pty
