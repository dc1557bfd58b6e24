package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSpawn(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"spawn","cols":120,"rows":30}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSpawn, msg.Type)
	assert.Equal(t, 120, msg.Cols)
	assert.Equal(t, 30, msg.Rows)
}

func TestDecodeTagged(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"input","session_id":"term-1","data":"ls\n"}`))
	require.NoError(t, err)
	assert.Equal(t, "term-1", msg.SessionID)
	assert.Equal(t, "ls\n", msg.Data)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"cols":80}`))
	assert.Error(t, err, "frames without a type are malformed")
}

func TestExitCodeZeroSerializes(t *testing.T) {
	data, err := Encode(Exited(0))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"exit_code":0`)

	msg, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, msg.ExitCode)
	assert.Equal(t, 0, *msg.ExitCode)
}

func TestExitedNegative(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"exited","exit_code":-1}`))
	require.NoError(t, err)
	require.NotNil(t, msg.ExitCode)
	assert.Equal(t, -1, *msg.ExitCode)
}

func TestOutputReplacesInvalidUTF8(t *testing.T) {
	msg := Output([]byte{'h', 'i', 0xff, 0xfe, '!'})
	assert.Contains(t, msg.Data, "hi")
	assert.Contains(t, msg.Data, "�")
	assert.NotContains(t, msg.Data, string([]byte{0xff}))

	// The event must survive a JSON round trip.
	data, err := Encode(msg)
	require.NoError(t, err)
	_, err = Decode(data)
	assert.NoError(t, err)
}

func TestRetag(t *testing.T) {
	msg := Spawned(4321, "/bin/zsh")
	msg.SessionID = "term-7"

	data, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "term-7", got.SessionID)
	assert.Equal(t, 4321, got.PID)
	assert.Equal(t, "/bin/zsh", got.Shell)
}

func TestShellInfo(t *testing.T) {
	data, err := Encode(ShellInfo("/bin/zsh", "ada", "/home/ada", "/home/ada"))
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeShellInfo, msg.Type)
	assert.Equal(t, "ada", msg.User)
	assert.Equal(t, "/home/ada", msg.Home)
}
