package pty

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectShell(t *testing.T) {
	shell := DetectShell()
	assert.NotEmpty(t, shell)
	assert.True(t, isFile(shell), "detected shell %q must exist", shell)
}

func TestDetectShellFallback(t *testing.T) {
	t.Setenv("SHELL", "/nonexistent/shell")
	shell := DetectShell()
	assert.NotEqual(t, "/nonexistent/shell", shell)
	assert.True(t, isFile(shell))
}

func TestCurrentUser(t *testing.T) {
	info := CurrentUser()
	assert.NotEmpty(t, info.User)
	assert.NotEmpty(t, info.Home)
	assert.NotEmpty(t, info.Shell)
	assert.Equal(t, info.Home, info.Cwd)
}
