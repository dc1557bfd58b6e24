package pty

import (
	"os"
	"os/user"
)

// UserInfo is the shell context reported to a client before any spawn.
type UserInfo struct {
	User  string `json:"user"`
	Home  string `json:"home"`
	Shell string `json:"shell"`
	Cwd   string `json:"cwd"`
}

// DetectShell finds the user's default shell: $SHELL first, then a
// fallback chain of common shells.
func DetectShell() string {
	if shell := os.Getenv("SHELL"); shell != "" && isFile(shell) {
		return shell
	}

	for _, candidate := range []string{"/bin/zsh", "/bin/bash", "/bin/sh"} {
		if isFile(candidate) {
			return candidate
		}
	}
	return "/bin/sh"
}

// CurrentUser gathers the user context for a shell session. Lookup
// failures degrade to environment variables rather than erroring.
func CurrentUser() UserInfo {
	username := os.Getenv("USER")
	home := os.Getenv("HOME")

	if u, err := user.Current(); err == nil {
		if u.Username != "" {
			username = u.Username
		}
		if u.HomeDir != "" {
			home = u.HomeDir
		}
	}
	if username == "" {
		username = "user"
	}
	if home == "" {
		home = "/tmp"
	}

	return UserInfo{
		User:  username,
		Home:  home,
		Shell: DetectShell(),
		Cwd:   home,
	}
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
