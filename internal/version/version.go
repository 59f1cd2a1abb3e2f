package version

import (
	"os"
	"strings"
)

// Version is set at build time with -ldflags "-X licensegate.app/cloud/internal/version.Version=1.2.3".
var Version = "dev"

// Resolve returns the build-time version unless it is the default, in which
// case the first line of the file at path is used when present.
func Resolve(path string) string {
	if Version != "dev" || path == "" {
		return Version
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Version
	}
	line, _, _ := strings.Cut(string(raw), "\n")
	if v := strings.TrimSpace(line); v != "" {
		return v
	}
	return Version
}
