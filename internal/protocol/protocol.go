package protocol

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// Message types sent by callers.
const (
	TypeSpawn  = "spawn"
	TypeInput  = "input"
	TypeResize = "resize"
	TypeSignal = "signal"
	TypeKill   = "kill"
)

// Message types emitted by the shell service.
const (
	TypeShellInfo = "shell_info"
	TypeSpawned   = "spawned"
	TypeOutput    = "output"
	TypeExited    = "exited"
	TypeError     = "error"
)

// MaxFrameSize bounds a single protocol frame.
const MaxFrameSize = 1 << 20 // 1 MiB

// Message is the wire representation of every frame. Fields are a union
// across message types; ExitCode is a pointer so a zero exit code still
// serializes.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// spawn / resize
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	// input / output
	Data string `json:"data,omitempty"`

	// signal
	Sig string `json:"sig,omitempty"`

	// shell_info
	Shell string `json:"shell,omitempty"`
	User  string `json:"user,omitempty"`
	Home  string `json:"home,omitempty"`
	Cwd   string `json:"cwd,omitempty"`

	// spawned
	PID int `json:"pid,omitempty"`

	// exited
	ExitCode *int `json:"exit_code,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Encode serializes a message to its wire form.
func Encode(msg Message) ([]byte, error) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", msg.Type, err)
	}
	return data, nil
}

// Decode parses a wire frame. Frames without a type are rejected so the
// caller can drop them as malformed.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("decode frame: missing type")
	}
	return msg, nil
}

// ShellInfo builds the banner event sent once per connection.
func ShellInfo(shell, user, home, cwd string) Message {
	return Message{Type: TypeShellInfo, Shell: shell, User: user, Home: home, Cwd: cwd}
}

// Spawned builds the spawn confirmation event.
func Spawned(pid int, shell string) Message {
	return Message{Type: TypeSpawned, PID: pid, Shell: shell}
}

// Output builds a terminal output event. Invalid UTF-8 sequences are
// replaced rather than dropped, terminal output being arbitrary bytes.
func Output(data []byte) Message {
	return Message{Type: TypeOutput, Data: strings.ToValidUTF8(string(data), string(utf8.RuneError))}
}

// Exited builds a session-end event.
func Exited(code int) Message {
	return Message{Type: TypeExited, ExitCode: &code}
}

// Error builds an error event.
func Error(message string) Message {
	return Message{Type: TypeError, Message: message}
}
