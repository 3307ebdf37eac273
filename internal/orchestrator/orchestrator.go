// Package orchestrator starts every service in dependency order and stops
// them in reverse order.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/sysinitd/internal/env"
	"github.com/loykin/sysinitd/internal/failure"
	"github.com/loykin/sysinitd/internal/graph"
	"github.com/loykin/sysinitd/internal/latch"
	"github.com/loykin/sysinitd/internal/logger"
	"github.com/loykin/sysinitd/internal/metrics"
	"github.com/loykin/sysinitd/internal/service"
	"github.com/loykin/sysinitd/internal/supervisor"
)

const DefaultEventBuffer = 256

type Options struct {
	GracePeriod time.Duration
	// DiagnosisInterval of 0 disables diagnosis.
	DiagnosisInterval time.Duration
	Env               *env.Env
	Rotation          logger.Rotation
	Logger            *slog.Logger
	EventBuffer       int
}

// node bundles the latches of one service.
type node struct {
	sup       *supervisor.Supervisor
	ready     *latch.Latch
	terminate *latch.Latch
	stopped   *latch.Latch
	result    supervisor.Result
}

// Orchestrator owns one supervisor per service.
type Orchestrator struct {
	graph    *graph.Graph
	nodes    map[string]*node
	shutdown *latch.Latch
	log      *slog.Logger

	events   chan supervisor.Event
	eventBuf int
	emitMu   sync.Mutex
	seq      uint64
	closed   bool
	launch   sync.Once
	stopped  sync.Once
	stopErr  error
	done     chan struct{}
}

// New validates the dependency graph and prepares a supervisor per record.
// Nothing is spawned until Start.
func New(records map[string]service.Record, opts Options) (*Orchestrator, error) {
	g, err := graph.New(records)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Env == nil {
		opts.Env = env.New()
		opts.Env.FromOS()
	}
	buf := opts.EventBuffer
	if buf <= 0 {
		buf = DefaultEventBuffer
	}

	o := &Orchestrator{
		graph:    g,
		nodes:    make(map[string]*node, g.Len()),
		shutdown: latch.New(),
		log:      opts.Logger,
		// One extra slot per service holds its final stopped or failed event.
		events:   make(chan supervisor.Event, buf+g.Len()),
		eventBuf: buf,
		done:     make(chan struct{}),
	}
	for _, id := range g.Order() {
		o.nodes[id] = &node{ready: latch.New(), terminate: latch.New(), stopped: latch.New()}
	}
	for _, id := range g.Order() {
		n := o.nodes[id]
		deps := make(map[string]*latch.Latch)
		for _, dep := range g.Dependencies(id) {
			deps[dep] = o.nodes[dep].ready
		}
		rec := records[id]
		n.sup = supervisor.New(supervisor.Config{
			Record:            rec,
			Env:               opts.Env.Compose(rec.Environment),
			Rotation:          opts.Rotation,
			GracePeriod:       opts.GracePeriod,
			DiagnosisInterval: opts.DiagnosisInterval,
			Emit:              o.emit,
			Logger:            opts.Logger,
		}, supervisor.Signals{
			Dependencies: deps,
			Ready:        n.ready,
			Shutdown:     o.shutdown,
			Terminate:    n.terminate,
			Stopped:      n.stopped,
		})
	}
	return o, nil
}

func (o *Orchestrator) Graph() *graph.Graph { return o.graph }

// Events streams supervisor events. The channel is closed once every
// supervisor has finished. When the buffer is full, intermediate events are
// dropped; the final stopped or failed event of each service is always
// delivered.
func (o *Orchestrator) Events() <-chan supervisor.Event { return o.events }

// Done is closed once every supervisor has reached Stopped or Failed.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Start launches all supervisors and waits until every service has either
// become ready or failed to. Supervisors keep running after ctx ends; only
// Shutdown stops them.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.run()
	for _, id := range o.graph.Order() {
		select {
		case <-o.nodes[id].ready.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	agg := &failure.Aggregate{Phase: "startup"}
	for _, id := range o.graph.Order() {
		err := o.nodes[id].ready.Err()
		var notStarted *failure.NotStartedError
		if errors.As(err, &notStarted) {
			continue
		}
		agg.Add(err)
	}
	if err := agg.ErrOrNil(); err != nil {
		o.log.Debug("startup failed", "services", agg.Services())
		return err
	}
	return nil
}

func (o *Orchestrator) run() {
	o.launch.Do(func() {
		var g errgroup.Group
		for _, id := range o.graph.Order() {
			n := o.nodes[id]
			g.Go(func() error {
				n.result = n.sup.Run(context.Background())
				return nil
			})
		}
		go func() {
			_ = g.Wait()
			o.emitMu.Lock()
			o.closed = true
			close(o.events)
			o.emitMu.Unlock()
			close(o.done)
		}()
	})
}

// Shutdown stops every service in reverse dependency order: a service is asked
// to terminate only after all its dependents and its termination.before
// targets have stopped. Calling it more than once returns the first outcome.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopped.Do(func() { o.stopErr = o.shutdownAll(ctx) })
	return o.stopErr
}

func (o *Orchestrator) shutdownAll(ctx context.Context) error {
	o.shutdown.Fire(nil)
	o.run()

	var g errgroup.Group
	for _, id := range o.graph.Reverse() {
		n := o.nodes[id]
		prereqs := o.graph.StopPrerequisites(id)
		g.Go(func() error {
			for _, p := range prereqs {
				select {
				case <-o.nodes[p].stopped.Done():
				case <-ctx.Done():
				case <-o.done:
				}
			}
			n.terminate.Fire(nil)
			return nil
		})
	}
	_ = g.Wait()

	select {
	case <-o.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	agg := &failure.Aggregate{Phase: "shutdown"}
	for _, id := range o.graph.Reverse() {
		res := o.nodes[id].result
		if res.Err == nil {
			continue
		}
		if res.Forced || res.Started {
			agg.Add(res.Err)
		}
	}
	return agg.ErrOrNil()
}

// Status returns a snapshot of every service in start order.
func (o *Orchestrator) Status() []supervisor.Status {
	out := make([]supervisor.Status, 0, len(o.nodes))
	for _, id := range o.graph.Order() {
		out = append(out, o.nodes[id].sup.Status())
	}
	return out
}

// Lookup returns the status of one service.
func (o *Orchestrator) Lookup(id string) (supervisor.Status, bool) {
	n, ok := o.nodes[id]
	if !ok {
		return supervisor.Status{}, false
	}
	return n.sup.Status(), true
}

// Ready reports whether id has reached Running at least once.
func (o *Orchestrator) Ready(id string) bool {
	n, ok := o.nodes[id]
	return ok && n.ready.Fired() && n.ready.Err() == nil
}

// PIDs maps every running service to its process id.
func (o *Orchestrator) PIDs() map[string]int {
	out := make(map[string]int)
	for id, n := range o.nodes {
		if pid := n.sup.Status().PID; pid > 0 {
			out[id] = pid
		}
	}
	return out
}

func (o *Orchestrator) emit(ev supervisor.Event) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.seq++
	ev.Seq = o.seq
	if o.closed {
		return
	}
	if !isFinal(ev.Type) && len(o.events) >= o.eventBuf {
		metrics.IncEventsDropped()
		o.log.Debug("event dropped", "service", ev.Service, "type", ev.Type, "seq", ev.Seq)
		return
	}
	select {
	case o.events <- ev:
	default:
		metrics.IncEventsDropped()
		o.log.Debug("event dropped", "service", ev.Service, "type", ev.Type, "seq", ev.Seq)
	}
}

// isFinal reports whether t ends a supervisor's lifecycle. Every supervisor
// emits exactly one such event.
func isFinal(t supervisor.EventType) bool {
	return t == supervisor.EventStopped || t == supervisor.EventFailed
}
