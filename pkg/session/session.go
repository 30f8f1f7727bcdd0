// Package session derives the per-invocation session key and manages
// the tiny session files that persist agent identity across
// short-lived client processes without a daemon.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
)

// Key resolves the session key for this invocation. Precedence:
// the AQUA_SESSION_ID environment variable, the controlling terminal
// device path, the parent process id when a terminal is attached but
// unreadable, and finally the literal "default". The default exists
// because AI agents often run without a TTY; it keeps their identity
// stable across invocations in one project.
func Key() string {
	if id := os.Getenv("AQUA_SESSION_ID"); id != "" {
		return id
	}
	if isatty.IsTerminal(os.Stdin.Fd()) {
		if tty, err := os.Readlink("/proc/self/fd/0"); err == nil && strings.HasPrefix(tty, "/dev/") {
			return tty
		}
		return fmt.Sprintf("ppid-%d", os.Getppid())
	}
	return "default"
}

// FileName hashes a session key into the stable file name used under
// .aqua/sessions. Keys can contain path separators (tty device
// paths), so they are never used directly.
func FileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// filePath returns the session file location for key under aquaDir.
func filePath(aquaDir, key string) string {
	return filepath.Join(aquaDir, "sessions", FileName(key))
}

// Save binds the session key to an agent id on disk.
func Save(aquaDir, key, agentID string) error {
	dir := filepath.Join(aquaDir, "sessions")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	path := filePath(aquaDir, key)
	if err := os.WriteFile(path, []byte(agentID+"\n"), 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

// Load returns the agent id bound to the session key, or "" when no
// binding exists.
func Load(aquaDir, key string) (string, error) {
	data, err := os.ReadFile(filePath(aquaDir, key))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Remove deletes the session binding. Missing files are not an error.
func Remove(aquaDir, key string) error {
	err := os.Remove(filePath(aquaDir, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
