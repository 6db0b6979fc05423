// Package version carries the build metadata stamped into the binary.
package version

import (
	"strings"
	"sync"
)

const unknownVersion = "dev"

// Info describes how the running binary was built.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// String renders the metadata the way it is shown by --version and in the
// console banner: "v1.2.0 (abc1234, 2026-01-02T03:04:05Z)".
func (i Info) String() string {
	var extra []string
	if i.Commit != "" {
		extra = append(extra, shortCommit(i.Commit))
	}
	if i.BuildTime != "" {
		extra = append(extra, i.BuildTime)
	}
	if len(extra) == 0 {
		return i.Version
	}
	return i.Version + " (" + strings.Join(extra, ", ") + ")"
}

// Labels returns the metadata as Prometheus label values in the order
// version, commit, build_time.
func (i Info) Labels() []string {
	return []string{i.Version, i.Commit, i.BuildTime}
}

func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}

var (
	mu      sync.RWMutex
	current = Info{Version: unknownVersion}
)

// Set records the metadata injected through -ldflags at startup.
func Set(v Info) {
	v.Version = strings.TrimSpace(v.Version)
	if v.Version == "" {
		v.Version = unknownVersion
	}
	mu.Lock()
	current = v
	mu.Unlock()
}

// Current returns the recorded build metadata.
func Current() Info {
	mu.RLock()
	defer mu.RUnlock()
	return current
}
