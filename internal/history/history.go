// Package history exports service lifecycle events to external stores.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/sysinitd/internal/supervisor"
)

// Event is one lifecycle event as persisted by a sink. RunID identifies the
// daemon run that produced it; together with Seq it is unique.
type Event struct {
	RunID      uuid.UUID `json:"run_id"`
	Seq        uint64    `json:"seq"`
	Service    string    `json:"service"`
	Type       string    `json:"type"`
	From       string    `json:"from"`
	State      string    `json:"state"`
	PID        int       `json:"pid"`
	Attempt    int       `json:"attempt"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Severity   int       `json:"severity"`
	Forced     bool      `json:"forced"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func FromSupervisor(runID uuid.UUID, e supervisor.Event) Event {
	return Event{
		RunID:      runID,
		Seq:        e.Seq,
		Service:    e.Service,
		Type:       string(e.Type),
		From:       e.From.String(),
		State:      e.State.String(),
		PID:        e.PID,
		Attempt:    e.Attempt,
		ExitCode:   e.ExitCode,
		Severity:   e.Severity,
		Forced:     e.Forced,
		Message:    e.Message,
		OccurredAt: e.At.UTC(),
	}
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Recorder fans events out to every sink. A failing sink is logged and does
// not stop the others.
type Recorder struct {
	RunID   uuid.UUID
	Sinks   []Sink
	Logger  *slog.Logger
	Timeout time.Duration
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Recorder{RunID: uuid.New(), Sinks: sinks, Logger: log, Timeout: 5 * time.Second}
}

func (r *Recorder) Record(ctx context.Context, e supervisor.Event) error {
	ev := FromSupervisor(r.RunID, e)
	var errs []error
	for _, s := range r.Sinks {
		sctx, cancel := ctx, context.CancelFunc(func() {})
		if r.Timeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, r.Timeout)
		}
		if err := s.Send(sctx, ev); err != nil {
			r.Logger.Warn("history sink failed", "service", ev.Service, "seq", ev.Seq, "error", err)
			errs = append(errs, err)
		}
		cancel()
	}
	return errors.Join(errs...)
}

func (r *Recorder) Close() error {
	var errs []error
	for _, s := range r.Sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
