package cacheprobe

import (
	"log/slog"
	"os/exec"

	"github.com/skobkin/pipebench/internal/refclock"
)

// New returns a vmtouch-backed prober when bin resolves on PATH and the
// built-in mincore prober otherwise.
func New(bin, dir string, clock *refclock.Clock, logger *slog.Logger) Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if bin != "" {
		if path, err := exec.LookPath(bin); err == nil {
			logger.Debug("using vmtouch cache probe", "bin", path, "dir", dir)
			return Vmtouch{Bin: path, Dir: dir, Clock: clock}
		}
		logger.Warn("vmtouch not found, using built-in cache probe", "bin", bin)
	}
	return Native{Dir: dir, Clock: clock}
}
