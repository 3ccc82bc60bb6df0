// Package buildinfo exposes the version metadata stamped into the
// binary at link time, plus process-level facts derived from it
// (uptime, the outbound User-Agent string).
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Stamped by the release build:
//
//	go build -ldflags "-X .../internal/buildinfo.Version=v1.2.3 ..."
//
// Unstamped builds report "dev".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var processStart = time.Now()

// Uptime reports how long the process has been running, truncated to
// whole seconds.
func Uptime() time.Duration {
	return time.Since(processStart).Truncate(time.Second)
}

// Info returns build and runtime facts keyed for the version endpoint
// and the version subcommand.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// String renders the one-line banner logged at startup.
func String() string {
	return fmt.Sprintf("Reeve %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// UserAgent is the User-Agent value for outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("reeve/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}
