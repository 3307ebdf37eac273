// Package supervisor runs the lifecycle of exactly one service: it waits for
// its dependencies, spawns the process, applies the restart policy and carries
// out the termination procedure.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/loykin/sysinitd/internal/diagnosis"
	"github.com/loykin/sysinitd/internal/failure"
	"github.com/loykin/sysinitd/internal/latch"
	"github.com/loykin/sysinitd/internal/logger"
	"github.com/loykin/sysinitd/internal/metrics"
	"github.com/loykin/sysinitd/internal/process"
	"github.com/loykin/sysinitd/internal/service"
)

const (
	DefaultGracePeriod = 10 * time.Second
	// killWait bounds the wait for the kernel to reap a SIGKILLed group.
	killWait = 5 * time.Second
)

// Signals are the latches a supervisor waits on or fires. They are created by
// the orchestrator and shared only with the tasks that need them.
type Signals struct {
	Dependencies map[string]*latch.Latch // readiness of each direct dependency
	Ready        *latch.Latch            // fired by this supervisor
	Shutdown     *latch.Latch            // global shutdown broadcast
	Terminate    *latch.Latch            // termination request for this service
	Stopped      *latch.Latch            // fired by this supervisor once nothing runs
}

type Config struct {
	Record            service.Record
	Env               []string
	Rotation          logger.Rotation
	GracePeriod       time.Duration
	DiagnosisInterval time.Duration
	Diagnosis         *diagnosis.Evaluator
	Emit              func(Event)
	Logger            *slog.Logger
}

// Result is what Run returns once the supervisor reached Stopped or Failed.
type Result struct {
	Err     error
	Started bool // reached Running at least once
	Forced  bool
}

type Supervisor struct {
	cfg    Config
	sig    Signals
	status atomic.Pointer[Status]

	// Everything below is touched only by the Run goroutine.
	state     State
	attempts  int
	proc      *process.Process
	started   bool
	launched  time.Time
	startedAt time.Time
	lastExit  string
	severity  int
	health    string
	forced    bool
	lastErr   error
}

func New(cfg Config, sig Signals) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Diagnosis == nil {
		cfg.Diagnosis = diagnosis.New(cfg.Env, cfg.GracePeriod)
	}
	s := &Supervisor{cfg: cfg, sig: sig, state: StatePending}
	s.publish()
	return s
}

func (s *Supervisor) ID() string { return s.cfg.Record.ID }

// Status returns the last published snapshot.
func (s *Supervisor) Status() Status { return *s.status.Load() }

// Run drives the service until it is Stopped or Failed. Cancelling ctx has the
// same effect as a termination request.
func (s *Supervisor) Run(ctx context.Context) (res Result) {
	s.launched = time.Now()
	defer func() {
		res.Started = s.started
		readyErr := res.Err
		if readyErr == nil {
			readyErr = &failure.NotStartedError{Service: s.ID()}
		}
		s.sig.Ready.Fire(readyErr)
		s.sig.Stopped.Fire(res.Err)
	}()

	if err := s.awaitDependencies(ctx); err != nil {
		var blocked *failure.BlockedByDependencyError
		if errors.As(err, &blocked) {
			s.fail(err, Event{})
		} else {
			s.transition(StateStopped, Event{Err: err, Message: err.Error()})
		}
		return Result{Err: err}
	}

	s.transition(StateStarting, Event{})
	if d := s.cfg.Record.Start.Delay.Std(); d > 0 {
		if s.pause(ctx, d) {
			return s.stop(ctx)
		}
	}

	for {
		var cause Event
		if err := s.spawn(); err != nil {
			metrics.IncFailure(s.ID(), string(failure.KindSpawnFailure))
			if !s.retry(false) {
				s.fail(err, Event{})
				return Result{Err: err}
			}
			cause = Event{Err: err, Message: err.Error()}
		} else {
			if s.supervise(ctx) {
				return s.stop(ctx)
			}
			p := s.proc
			s.proc = nil
			s.lastExit = p.Describe()
			code := p.ExitCode()
			cause = Event{ExitCode: &code, Message: s.lastExit}
			if p.Success() && s.cfg.Record.Restart.Policy() != service.StrategyAlways {
				s.transition(StateStopped, cause)
				return Result{}
			}
			if !s.retry(p.Success()) {
				restarts := min(s.attempts, s.cfg.Record.Restart.Attempts)
				err := &failure.UnexpectedExitError{Service: s.ID(), Status: code, Attempts: restarts}
				metrics.IncFailure(s.ID(), string(failure.KindUnexpectedExit))
				s.fail(err, cause)
				return Result{Err: err}
			}
		}

		if s.restarting(ctx, cause) {
			return s.stop(ctx)
		}
		s.transition(StateStarting, Event{Attempt: s.attempts})
	}
}

// awaitDependencies blocks until every direct dependency is ready. It fails
// fast when any dependency reports an error.
func (s *Supervisor) awaitDependencies(ctx context.Context) error {
	if s.sig.Shutdown.Fired() || s.sig.Terminate.Fired() || ctx.Err() != nil {
		return &failure.NotStartedError{Service: s.ID()}
	}
	deps := s.sig.Dependencies
	if len(deps) == 0 {
		return nil
	}
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	fired := make(chan string, len(ids))
	quit := make(chan struct{})
	defer close(quit)
	for _, id := range ids {
		go func(id string, l *latch.Latch) {
			select {
			case <-l.Done():
				fired <- id
			case <-quit:
			}
		}(id, deps[id])
	}

	for remaining := len(ids); remaining > 0; {
		select {
		case id := <-fired:
			remaining--
			if err := deps[id].Err(); err != nil {
				return s.blockedBy(id, err)
			}
		case <-s.sig.Shutdown.Done():
			return &failure.NotStartedError{Service: s.ID()}
		case <-s.sig.Terminate.Done():
			return &failure.NotStartedError{Service: s.ID()}
		case <-ctx.Done():
			return &failure.NotStartedError{Service: s.ID()}
		}
	}
	return nil
}

func (s *Supervisor) blockedBy(dep string, err error) error {
	var notStarted *failure.NotStartedError
	if errors.As(err, &notStarted) {
		return &failure.NotStartedError{Service: s.ID()}
	}
	root := dep
	var upstream *failure.BlockedByDependencyError
	if errors.As(err, &upstream) && upstream.Root != "" {
		root = upstream.Root
	}
	return &failure.BlockedByDependencyError{Service: s.ID(), Dependency: dep, Root: root}
}

// pause waits d and reports whether a termination request arrived meanwhile.
func (s *Supervisor) pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-s.sig.Terminate.Done():
		return true
	case <-ctx.Done():
		return true
	}
}

func (s *Supervisor) spawn() error {
	p, err := process.Spawn(s.cfg.Record, process.Options{Env: s.cfg.Env, Rotation: s.cfg.Rotation})
	if err != nil {
		err = &failure.SpawnError{Service: s.ID(), Cause: err}
		s.lastErr = err
		s.cfg.Logger.Debug("spawn failed", "service", s.ID(), "error", err)
		return err
	}
	s.proc = p
	s.startedAt = p.StartedAt()
	s.severity, s.health = 0, ""
	metrics.IncStart(s.ID())
	s.transition(StateRunning, Event{PID: p.PID(), Attempt: s.attempts})
	if !s.started {
		s.started = true
		metrics.ObserveReady(s.ID(), time.Since(s.launched).Seconds())
		s.sig.Ready.Fire(nil)
	}
	return nil
}

// retry applies the restart policy after a spawn failure or an exit and
// reports whether another spawn is allowed.
func (s *Supervisor) retry(success bool) bool {
	restart := s.cfg.Record.Restart
	switch restart.Policy() {
	case service.StrategyNever:
		return false
	case service.StrategyOnFailure:
		if success {
			return false
		}
	}
	s.attempts++
	return s.attempts <= restart.Attempts
}

// restarting runs the Restarting state and reports whether a termination
// request preempted it.
func (s *Supervisor) restarting(ctx context.Context, cause Event) bool {
	cause.Attempt = s.attempts
	s.transition(StateRestarting, cause)
	metrics.IncRestart(s.ID())
	if hook := s.cfg.Record.Restart.Command; hook != nil {
		hctx, cancel := context.WithTimeout(ctx, s.cfg.GracePeriod)
		hookDone := make(chan struct{})
		go func() {
			select {
			case <-s.sig.Terminate.Done():
				cancel()
			case <-hookDone:
			}
		}()
		code, err := process.Run(hctx, *hook, s.cfg.Env)
		close(hookDone)
		cancel()
		if err != nil || code != 0 {
			s.cfg.Logger.Debug("restart hook failed", "service", s.ID(), "exit_code", code, "error", err)
		}
	}
	select {
	case <-s.sig.Terminate.Done():
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// supervise waits in Running until the process exits or termination is
// requested, evaluating the diagnosis ladder on the way. It reports true for
// a termination request.
func (s *Supervisor) supervise(ctx context.Context) bool {
	var tick <-chan time.Time
	if ladder := s.cfg.Record.Diagnosis; len(ladder) > 0 && s.cfg.DiagnosisInterval > 0 {
		t := time.NewTicker(s.cfg.DiagnosisInterval)
		defer t.Stop()
		tick = t.C
	}
	probeCtx, cancelProbe := context.WithCancel(ctx)
	results := make(chan diagnosis.Health, 1)
	probing := false
	defer func() {
		cancelProbe()
		if probing {
			<-results
		}
	}()

	for {
		select {
		case <-s.proc.Done():
			return false
		case <-s.sig.Terminate.Done():
			return true
		case <-ctx.Done():
			return true
		case <-tick:
			if probing {
				continue
			}
			probing = true
			go func() { results <- s.cfg.Diagnosis.Evaluate(probeCtx, s.cfg.Record.Diagnosis) }()
		case h := <-results:
			probing = false
			if probeCtx.Err() != nil {
				continue
			}
			s.observeHealth(h)
		}
	}
}

func (s *Supervisor) observeHealth(h diagnosis.Health) {
	changed := h.Severity != s.severity
	s.severity, s.health = h.Severity, h.String()
	metrics.SetHealth(s.ID(), h.Severity)
	s.publish()
	if changed {
		s.emit(Event{Type: EventHealth, From: s.state, State: s.state, Severity: h.Severity, Message: s.health})
	}
}

// stop carries out the termination procedure and always ends in Stopped.
func (s *Supervisor) stop(ctx context.Context) Result {
	s.transition(StateStopping, Event{})
	p := s.proc
	if p == nil || p.Exited() {
		s.proc = nil
		s.transition(StateStopped, Event{})
		if !s.started {
			return Result{Err: &failure.NotStartedError{Service: s.ID()}}
		}
		metrics.IncStop(s.ID(), false)
		return Result{}
	}

	term := s.cfg.Record.Shutdown()
	grace := s.cfg.GracePeriod
	exited := false
	if d := term.Delay.Std(); d > 0 {
		exited = p.Wait(d)
	}
	if !exited {
		s.applyTermination(ctx, term.Action, p)
		exited = p.Wait(grace)
	}
	if !exited {
		s.cfg.Logger.Debug("grace period elapsed, killing", "service", s.ID(), "grace", grace)
		_ = p.Kill()
		p.Wait(killWait)
		s.forced = true
	}

	s.lastExit = p.Describe()
	code := p.ExitCode()
	s.proc = nil
	s.transition(StateStopped, Event{ExitCode: &code, Forced: s.forced, Message: s.lastExit})
	metrics.IncStop(s.ID(), s.forced)
	if s.forced {
		return Result{Err: &failure.TerminationTimeoutError{Service: s.ID(), Grace: grace}, Forced: true}
	}
	return Result{}
}

func (s *Supervisor) applyTermination(ctx context.Context, action service.Action, p *process.Process) {
	switch a := action.(type) {
	case service.RunCommand:
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.GracePeriod)
		defer cancel()
		code, err := process.Run(cctx, a.Command, s.cfg.Env)
		if err != nil || code != 0 {
			s.cfg.Logger.Debug("termination command failed", "service", s.ID(), "exit_code", code, "error", err)
		}
	case service.SendSignal:
		sig, err := a.Number()
		if err != nil {
			s.cfg.Logger.Debug("unknown termination signal, using SIGTERM", "service", s.ID(), "signal", a.Signal)
			sig, _ = service.ParseSignal("SIGTERM")
		}
		if err := p.Signal(sig); err != nil {
			s.cfg.Logger.Debug("signal delivery failed", "service", s.ID(), "error", err)
		}
	}
}

func (s *Supervisor) fail(err error, e Event) {
	e.Err = err
	if e.Message == "" {
		e.Message = err.Error()
	}
	s.lastErr = err
	s.transition(StateFailed, e)
}

func (s *Supervisor) transition(to State, ev Event) {
	from := s.state
	s.state = to
	metrics.RecordStateTransition(s.ID(), from.String(), to.String())
	metrics.SetCurrentState(s.ID(), from.String(), false)
	metrics.SetCurrentState(s.ID(), to.String(), true)
	s.publish()

	ev.Type = eventFor(to)
	ev.From = from
	ev.State = to
	s.emit(ev)
}

func (s *Supervisor) emit(ev Event) {
	if s.cfg.Emit == nil {
		return
	}
	ev.Service = s.ID()
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.cfg.Emit(ev)
}

func (s *Supervisor) publish() {
	st := &Status{
		ID:        s.ID(),
		State:     s.state,
		Attempts:  s.attempts,
		LastExit:  s.lastExit,
		Severity:  s.severity,
		Health:    s.health,
		Forced:    s.forced,
		StartedAt: s.startedAt,
		Since:     time.Now(),
	}
	if s.proc != nil && !s.proc.Exited() {
		st.PID = s.proc.PID()
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	s.status.Store(st)
}
