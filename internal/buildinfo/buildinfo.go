// Package buildinfo holds version metadata stamped at compile time via
// ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// startTime records when the process started.
var startTime = time.Now()

// String returns a one-line summary for startup logging.
func String() string {
	return fmt.Sprintf("mioku %s (%s, %s/%s) built %s",
		Version, GitCommit, runtime.GOOS, runtime.GOARCH, BuildTime)
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent returns an HTTP User-Agent for outgoing requests.
func UserAgent() string {
	return fmt.Sprintf("mioku/%s (+https://github.com/jerryplusy/mioku)", Version)
}
