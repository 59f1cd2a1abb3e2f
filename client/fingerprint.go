package client

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// DefaultDataDir is where the client keeps its cache when no directory is
// configured.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "licensegate")
	}
	return filepath.Join(os.TempDir(), "licensegate")
}

// Fingerprint identifies this device: a SHA-256 over hostname, OS, arch, CPU
// count, user and data directory.
func Fingerprint(dataDir string) string {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	components := []string{
		hostname,
		runtime.GOOS,
		runtime.GOARCH,
		strconv.Itoa(runtime.NumCPU()),
		currentUser(),
		dataDir,
	}
	sum := sha256.Sum256([]byte(strings.Join(components, "|")))
	return hex.EncodeToString(sum[:])
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	for _, key := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "unknown"
}
