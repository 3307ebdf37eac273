// Package diagnosis evaluates a service's escalating health-check ladder.
package diagnosis

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/sysinitd/internal/process"
	"github.com/loykin/sysinitd/internal/service"
)

// Runner executes one probe command and returns its exit code.
type Runner func(ctx context.Context, c service.Command, env []string) (int, error)

// Health is the result of one evaluation. Severity is 0 when every configured
// level passed, otherwise the level of the first failing probe.
type Health struct {
	Severity int       `json:"severity"`
	ExitCode int       `json:"exit_code,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

func (h Health) Healthy() bool { return h.Severity == 0 }

func (h Health) String() string {
	if h.Healthy() {
		return "healthy"
	}
	if h.Error != "" {
		return fmt.Sprintf("level%d failed: %s", h.Severity, h.Error)
	}
	return fmt.Sprintf("level%d failed: exit status %d", h.Severity, h.ExitCode)
}

// Evaluator runs ladders with a per-probe timeout.
type Evaluator struct {
	Run     Runner
	Timeout time.Duration
	Env     []string
}

// New returns an evaluator that spawns probes as child processes.
func New(env []string, timeout time.Duration) *Evaluator {
	return &Evaluator{Run: process.Run, Timeout: timeout, Env: env}
}

// Evaluate walks the ladder front to back and stops at the first probe that
// exits non-zero or cannot be run.
func (e *Evaluator) Evaluate(ctx context.Context, ladder service.Ladder) Health {
	run := e.Run
	if run == nil {
		run = process.Run
	}
	for _, p := range ladder {
		pctx, cancel := ctx, context.CancelFunc(func() {})
		if e.Timeout > 0 {
			pctx, cancel = context.WithTimeout(ctx, e.Timeout)
		}
		code, err := run(pctx, p.Command, e.Env)
		cancel()
		if ctx.Err() != nil {
			return Health{At: time.Now()}
		}
		if err != nil {
			return Health{Severity: p.Level, ExitCode: -1, Error: err.Error(), At: time.Now()}
		}
		if code != 0 {
			return Health{Severity: p.Level, ExitCode: code, At: time.Now()}
		}
	}
	return Health{At: time.Now()}
}
