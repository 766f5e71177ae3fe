// Package workspace defines per-tenant naming rules and on-disk layout.
// Each workspace owns an isolated directory holding its protocol
// credentials; deleting that directory forces a full re-pairing.
package workspace

import (
	"os"
	"path/filepath"
)

// Dir returns the directory holding a workspace's credential material.
func Dir(dataDir, id string) string {
	return filepath.Join(dataDir, "workspaces", id)
}

// CredentialDBPath returns the whatsmeow session.db path for a workspace.
func CredentialDBPath(dataDir, id string) string {
	return filepath.Join(Dir(dataDir, id), "session.db")
}

// BridgeDBPath returns the path of the shared bridge database.
func BridgeDBPath(dataDir string) string {
	return filepath.Join(dataDir, "hivelink.db")
}

// LogPath returns the daemon log file path.
func LogPath(dataDir string) string {
	return filepath.Join(dataDir, "logs", "hivelinkd.log")
}

// ConfigPath returns the default config file path under dataDir's parent
// convention (~/.hivelink/config.toml when dataDir is the default).
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.toml")
}

// DefaultDataDir returns ~/.hivelink.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".hivelink")
}

// EnsureDir creates a workspace's credential directory with 0700 permissions.
func EnsureDir(dataDir, id string) error {
	return os.MkdirAll(Dir(dataDir, id), 0700)
}

// HasCredentials reports whether credential material exists on disk for
// the workspace. Used by restore to skip workspaces that were wiped.
func HasCredentials(dataDir, id string) bool {
	_, err := os.Stat(CredentialDBPath(dataDir, id))
	return err == nil
}

// WipeCredentials removes all credential material for a workspace.
// After this the workspace must go through QR pairing again.
func WipeCredentials(dataDir, id string) error {
	return os.RemoveAll(Dir(dataDir, id))
}
