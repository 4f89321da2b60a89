package keys

import (
	"os"
	"path/filepath"
)

// DefaultPath is where the proxy looks for a key file when none is
// configured: $XDG_CONFIG_HOME/deepinfra-proxy/keys.txt.
func DefaultPath() string {
	xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfigHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		xdgConfigHome = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(xdgConfigHome, "deepinfra-proxy", "keys.txt")
}

// ResolvePath returns configured if set, otherwise DefaultPath when that
// file exists, otherwise "".
func ResolvePath(configured string) string {
	if configured != "" {
		return configured
	}
	if p := DefaultPath(); p != "" && FileExists(p) {
		return p
	}
	return ""
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
