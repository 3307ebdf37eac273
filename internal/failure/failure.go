// Package failure defines the typed errors reported while loading, validating,
// starting, supervising and stopping services.
package failure

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error for callers that aggregate or report them.
type Kind string

const (
	KindUnknown               Kind = "unknown"
	KindDuplicateServiceID    Kind = "duplicate_service_id"
	KindNonExistentDependency Kind = "non_existent_dependency"
	KindCyclicDependency      Kind = "cyclic_dependency"
	KindSpawnFailure          Kind = "spawn_failure"
	KindUnexpectedExit        Kind = "unexpected_exit"
	KindBlockedByDependency   Kind = "blocked_by_dependency"
	KindTerminationTimeout    Kind = "termination_timeout"
	KindNotStarted            Kind = "not_started"
)

// ServiceError is implemented by every error tied to a single service.
type ServiceError interface {
	error
	Kind() Kind
	ServiceID() string
}

// DuplicateServiceIDError is returned by the loader when two records share an id.
type DuplicateServiceIDError struct {
	ID    string
	Paths []string
}

func (e *DuplicateServiceIDError) Error() string {
	msg := fmt.Sprintf("Service with ID '%s' defined more than once", e.ID)
	if len(e.Paths) > 0 {
		msg += " (" + strings.Join(e.Paths, ", ") + ")"
	}
	return msg
}

func (e *DuplicateServiceIDError) Kind() Kind        { return KindDuplicateServiceID }
func (e *DuplicateServiceIDError) ServiceID() string { return e.ID }

// NonExistentDependencyError names a service that references an id which was not loaded.
// Field is the record key the reference came from.
type NonExistentDependencyError struct {
	Service string
	Missing string
	Field   string
}

func (e *NonExistentDependencyError) Error() string {
	field := e.Field
	if field == "" {
		field = "start.dependencies"
	}
	return fmt.Sprintf("service %q references non-existent service %q in %s", e.Service, e.Missing, field)
}

func (e *NonExistentDependencyError) Kind() Kind        { return KindNonExistentDependency }
func (e *NonExistentDependencyError) ServiceID() string { return e.Service }

// CyclicDependencyError carries a readable trace of the cycle.
// Self is set when a service lists itself; Trace is then just its id.
type CyclicDependencyError struct {
	Trace string
	Self  bool
	// Relation is "dependency" for start ordering and "shutdown" for stop ordering.
	Relation string
}

func (e *CyclicDependencyError) Error() string {
	rel := e.Relation
	if rel == "" {
		rel = "dependency"
	}
	if e.Self {
		return fmt.Sprintf("cyclic %s: <-> %s (%s lists itself as a dependency)", rel, e.Trace, e.Trace)
	}
	return fmt.Sprintf("cyclic %s: %s", rel, e.Trace)
}

func (e *CyclicDependencyError) Kind() Kind { return KindCyclicDependency }

// SpawnError wraps the operating system error returned while creating a process.
type SpawnError struct {
	Service string
	Cause   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("service %q: spawn failed: %v", e.Service, e.Cause)
}

func (e *SpawnError) Unwrap() error     { return e.Cause }
func (e *SpawnError) Kind() Kind        { return KindSpawnFailure }
func (e *SpawnError) ServiceID() string { return e.Service }

// UnexpectedExitError reports a process exit the restart policy did not forgive.
// Status is -1 when the process was terminated by a signal.
type UnexpectedExitError struct {
	Service  string
	Status   int
	Attempts int
}

func (e *UnexpectedExitError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("service %q exited with status %d after %d restart attempt(s)", e.Service, e.Status, e.Attempts)
	}
	return fmt.Sprintf("service %q exited with status %d", e.Service, e.Status)
}

func (e *UnexpectedExitError) Kind() Kind        { return KindUnexpectedExit }
func (e *UnexpectedExitError) ServiceID() string { return e.Service }

// BlockedByDependencyError is reported for a service that never started because
// a dependency failed. Dependency is the direct dependency that reported the
// failure, Root is the service that actually reached Failed.
type BlockedByDependencyError struct {
	Service    string
	Dependency string
	Root       string
}

func (e *BlockedByDependencyError) Error() string {
	if e.Root != "" && e.Root != e.Dependency {
		return fmt.Sprintf("service %q blocked by failed dependency %q (via %q)", e.Service, e.Root, e.Dependency)
	}
	return fmt.Sprintf("service %q blocked by failed dependency %q", e.Service, e.Dependency)
}

func (e *BlockedByDependencyError) Kind() Kind        { return KindBlockedByDependency }
func (e *BlockedByDependencyError) ServiceID() string { return e.Service }

// TerminationTimeoutError is reported when a service had to be killed.
type TerminationTimeoutError struct {
	Service string
	Grace   time.Duration
}

func (e *TerminationTimeoutError) Error() string {
	return fmt.Sprintf("service %q did not stop within %s and was killed", e.Service, e.Grace)
}

func (e *TerminationTimeoutError) Kind() Kind        { return KindTerminationTimeout }
func (e *TerminationTimeoutError) ServiceID() string { return e.Service }

// NotStartedError is reported for a service whose start was cancelled by shutdown.
type NotStartedError struct {
	Service string
}

func (e *NotStartedError) Error() string {
	return fmt.Sprintf("service %q not started, shutdown requested", e.Service)
}

func (e *NotStartedError) Kind() Kind        { return KindNotStarted }
func (e *NotStartedError) ServiceID() string { return e.Service }

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// Aggregate collects every error of one phase. The order is the order in which
// errors were added.
type Aggregate struct {
	Phase  string
	Errors []error
}

func (a *Aggregate) Add(err error) {
	if err != nil {
		a.Errors = append(a.Errors, err)
	}
}

// ErrOrNil returns nil when nothing was collected.
func (a *Aggregate) ErrOrNil() error {
	if a == nil || len(a.Errors) == 0 {
		return nil
	}
	return a
}

func (a *Aggregate) Error() string {
	var b strings.Builder
	phase := a.Phase
	if phase == "" {
		phase = "operation"
	}
	fmt.Fprintf(&b, "%s failed for %d service(s)", phase, len(a.Errors))
	for _, err := range a.Errors {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (a *Aggregate) Unwrap() []error { return a.Errors }

// Services returns the ids of all service errors in a, in order.
func (a *Aggregate) Services() []string {
	out := make([]string, 0, len(a.Errors))
	for _, err := range a.Errors {
		var se ServiceError
		if errors.As(err, &se) {
			out = append(out, se.ServiceID())
		}
	}
	return out
}
