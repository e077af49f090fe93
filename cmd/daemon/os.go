package main

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// userStateDir returns $XDG_STATE_HOME, or $HOME/.local/state if unset, on Unix systems and
// os.UserConfigDir elsewhere. The os package has no equivalent.
func userStateDir() (string, error) {
	switch runtime.GOOS {
	case "windows", "darwin", "ios", "plan9":
		return os.UserConfigDir()
	default:
		if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
			return dir, nil
		}

		home := os.Getenv("HOME")
		if home == "" {
			return "", errors.New("neither $XDG_STATE_HOME nor $HOME are defined")
		}

		return filepath.Join(home, ".local", "state"), nil
	}
}

// defaultStorageDir is where the session is stored when using file storage and no directory
// was configured, it falls back to the working directory.
func defaultStorageDir() string {
	dir, err := userStateDir()
	if err != nil {
		return "."
	}

	return filepath.Join(dir, "go-adminconsole")
}
