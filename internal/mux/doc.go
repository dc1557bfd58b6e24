// Package mux multiplexes many independent terminal sessions through a
// single tagged upstream channel.
//
// Each logical terminal the caller opens gets its own dedicated
// connection to the shell service and its own relay goroutine; the
// session_id is purely a caller-chosen tag. The registry guarantees at
// most one live session per id: a repeated spawn tears the old session
// down first, and killing a session reclaims its connection
// synchronously so the id can be reused immediately.
//
// Ordering: events for one session are forwarded in the order the shell
// service produced them (single relay goroutine per connection). No
// ordering holds across different session ids.
//
// Fault isolation: a dropped service connection becomes exactly one
// synthesized exited{-1} for that session id, never an error that
// crosses session boundaries. The multiplexer never reconnects; the
// caller re-spawns.
package mux
