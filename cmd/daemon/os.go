package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/gofrs/flock"
)

// UserStateDir returns the default root directory for user specific state
// data: $XDG_STATE_HOME or $HOME/.local/state on Unix systems, the user
// config dir elsewhere.
func UserStateDir() (string, error) {
	switch runtime.GOOS {
	case "windows", "darwin", "ios", "plan9":
		return os.UserConfigDir()
	}

	if dir := os.Getenv("XDG_STATE_HOME"); len(dir) > 0 {
		return dir, nil
	}

	home := os.Getenv("HOME")
	if len(home) == 0 {
		return "", errors.New("neither $XDG_STATE_HOME nor $HOME are defined")
	}

	return filepath.Join(home, ".local", "state"), nil
}

// lockStateDir creates the state directory and takes an exclusive lock on
// it, so that two daemons never share pairing tokens.
func lockStateDir(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed creating state directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, "lockfile"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed locking state directory: %w", err)
	} else if !locked {
		return nil, fmt.Errorf("state directory %s is in use by another process", dir)
	}

	return lock, nil
}
