//go:build !linux

package cacheprobe

import (
	"context"
	"errors"

	"github.com/skobkin/pipebench/internal/refclock"
)

// Native probes residency with mincore(2). It is only available on Linux.
type Native struct {
	Dir   string
	Clock *refclock.Clock
}

// Probe always fails outside Linux.
func (Native) Probe(context.Context) (Snapshot, error) {
	return Snapshot{}, errors.ErrUnsupported
}
