// Package process spawns service processes in their own process group and
// delivers signals to that group.
package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/loykin/sysinitd/internal/logger"
	"github.com/loykin/sysinitd/internal/service"
)

// Options carry the per-daemon settings every spawn needs.
type Options struct {
	Env      []string // final environment; nil inherits the daemon's
	Rotation logger.Rotation
}

// Process is one spawned OS process. It is owned by a single goroutine;
// Done and the exit accessors may be used from any goroutine.
type Process struct {
	id        string
	cmd       *exec.Cmd
	done      chan struct{}
	state     *os.ProcessState
	waitErr   error
	startedAt time.Time
}

// Spawn starts the service's start command. The returned process is reaped by
// an internal goroutine; Done is closed once it has exited.
func Spawn(rec service.Record, opts Options) (*Process, error) {
	cmd := exec.Command(rec.Start.Command.Command, rec.Start.Arguments...) // #nosec G204
	cmd.Env = opts.Env

	attrs, err := sysProcAttr(rec.Start.User)
	if err != nil {
		return nil, err
	}
	cmd.SysProcAttr = attrs

	streams, err := logger.Open(rec.Log, opts.Rotation)
	if err != nil {
		return nil, err
	}
	cmd.Stdin = streams.Stdin
	cmd.Stdout = streams.Stdout
	cmd.Stderr = streams.Stderr
	// Orphaned grandchildren may keep output pipes open after the leader exits.
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		_ = streams.Close()
		return nil, err
	}
	p := &Process{
		id:        rec.ID,
		cmd:       cmd,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	go func() {
		p.waitErr = cmd.Wait()
		p.state = cmd.ProcessState
		_ = streams.Close()
		close(p.done)
	}()
	return p, nil
}

func (p *Process) PID() int { return p.cmd.Process.Pid }

func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed when the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether Done is closed.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode is the exit status, or -1 if the process was killed by a signal.
// It must only be called after Done is closed.
func (p *Process) ExitCode() int {
	if p.state == nil {
		return -1
	}
	return p.state.ExitCode()
}

// Success reports a zero exit status. It must only be called after Done is closed.
func (p *Process) Success() bool {
	return p.state != nil && p.state.Success()
}

// Describe renders the exit, for example "exit status 3" or "signal: killed".
func (p *Process) Describe() string {
	if p.state != nil {
		return p.state.String()
	}
	if p.waitErr != nil {
		return p.waitErr.Error()
	}
	return "unknown"
}

// Signal delivers sig to the whole process group. A group that is already gone
// is not an error.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.Exited() {
		return nil
	}
	pid := p.PID()
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// The leader may have left its group; fall back to the process itself.
		err = syscall.Kill(pid, sig)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	return err
}

// Kill sends SIGKILL to the process group.
func (p *Process) Kill() error { return p.Signal(syscall.SIGKILL) }

// Wait blocks until the process exits or d elapses and reports which happened.
func (p *Process) Wait(d time.Duration) bool {
	if d <= 0 {
		return p.Exited()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}
