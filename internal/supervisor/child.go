package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/skobkin/pipebench/internal/csvlog"
)

// CollectCommand is the subcommand that runs the telemetry collector.
const CollectCommand = "collect"

// ChildArgs is everything that crosses the process boundary to the collector.
type ChildArgs struct {
	Reference string
	Layout    csvlog.Layout
	Device    string
	Interval  time.Duration
}

// Flags renders the collect subcommand flags.
func (a ChildArgs) Flags() []string {
	return []string{
		"--ref", a.Reference,
		"--out", a.Layout.Dir,
		"--run-id", a.Layout.RunID,
		"--device", a.Device,
		"--interval", a.Interval.String(),
	}
}

// Child is a running collector process.
type Child interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Err is the exit status, valid after Done is closed.
	Err() error
}

// Spawner starts the collector.
type Spawner interface {
	Spawn(ctx context.Context, args ChildArgs) (Child, error)
}

// ExecSpawner re-executes a binary with the collect subcommand.
type ExecSpawner struct {
	// Path defaults to the running executable.
	Path string
	// Args precede the child flags and default to the collect subcommand.
	Args []string
	// Env is inherited when nil.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Spawn starts the process. The returned child is not bound to ctx: the
// supervisor terminates it explicitly.
func (s ExecSpawner) Spawn(_ context.Context, args ChildArgs) (Child, error) {
	path := s.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = self
	}
	prefix := s.Args
	if prefix == nil {
		prefix = []string{CollectCommand}
	}

	// #nosec G204 -- re-executing our own binary.
	cmd := exec.Command(path, append(append([]string(nil), prefix...), args.Flags()...)...)
	cmd.Env = s.Env
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	setParentDeathSignal(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start collector: %w", err)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *process) Pid() int                   { return p.cmd.Process.Pid }
func (p *process) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *process) Kill() error                { return p.cmd.Process.Kill() }
func (p *process) Done() <-chan struct{}      { return p.done }
func (p *process) Err() error                 { return p.err }

// terminate asks the child to stop, then kills it once grace has passed.
// It returns after the child has been reaped.
func terminate(child Child, grace time.Duration, logger *slog.Logger) {
	select {
	case <-child.Done():
		logger.Warn("collector exited before termination", "pid", child.Pid(), "err", child.Err())
		return
	default:
	}

	if err := child.Signal(syscall.SIGTERM); err != nil {
		logger.Debug("signal collector", "pid", child.Pid(), "err", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-child.Done():
		logger.Info("collector stopped", "pid", child.Pid())
		return
	case <-timer.C:
	}

	logger.Warn("collector ignored SIGTERM, killing", "pid", child.Pid(), "grace", grace)
	if err := child.Kill(); err != nil {
		logger.Warn("kill collector", "pid", child.Pid(), "err", err)
	}
	<-child.Done()
}
