// Package protocol defines the JSON messages spoken between terminal
// clients, the session multiplexer, and the shell service.
//
// One flat Message shape carries every frame; the Type field
// discriminates. The multiplexer boundary is the only place session_id
// appears: inbound commands carry it so they can be routed, outbound
// events are retagged with it before being forwarded upstream. The
// shell service itself never sees session ids — each of its connections
// is a single session by construction.
package protocol
