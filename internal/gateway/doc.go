// Package gateway is the outward-facing surface of shellmux. Each
// upstream WebSocket client gets its own session multiplexer; tagged
// commands route to it and every session event flows back retagged on
// the same socket. REST endpoints expose persisted session history.
package gateway
