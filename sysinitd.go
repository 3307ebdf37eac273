package sysinitd

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/sysinitd/internal/config"
	"github.com/loykin/sysinitd/internal/failure"
	"github.com/loykin/sysinitd/internal/graph"
	"github.com/loykin/sysinitd/internal/metrics"
	"github.com/loykin/sysinitd/internal/orchestrator"
	iapi "github.com/loykin/sysinitd/internal/server"
	"github.com/loykin/sysinitd/internal/service"
	"github.com/loykin/sysinitd/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Record = service.Record

type Status = supervisor.Status

type Event = supervisor.Event

type State = supervisor.State

type Options = orchestrator.Options

type Config = cfg.Config

type Services = cfg.Services

// Aggregate is the error returned by Start and Shutdown when one or more
// services failed.
type Aggregate = failure.Aggregate

// Orchestrator is a thin facade over internal/orchestrator.
// It provides a stable public API for embedding.
type Orchestrator struct{ inner *orchestrator.Orchestrator }

// New validates the dependency graph of records. Nothing runs until Start.
func New(records map[string]Record, opts Options) (*Orchestrator, error) {
	o, err := orchestrator.New(records, opts)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{inner: o}, nil
}

func (o *Orchestrator) Start(ctx context.Context) error    { return o.inner.Start(ctx) }
func (o *Orchestrator) Shutdown(ctx context.Context) error { return o.inner.Shutdown(ctx) }
func (o *Orchestrator) Events() <-chan Event               { return o.inner.Events() }
func (o *Orchestrator) Done() <-chan struct{}              { return o.inner.Done() }
func (o *Orchestrator) Status() []Status                   { return o.inner.Status() }
func (o *Orchestrator) Lookup(id string) (Status, bool)    { return o.inner.Lookup(id) }
func (o *Orchestrator) StartOrder() []string               { return o.inner.Graph().Order() }
func (o *Orchestrator) ShutdownOrder() []string            { return o.inner.Graph().Reverse() }

// Validate checks records for missing references and cycles without
// preparing any supervisor.
func Validate(records map[string]Record) error {
	_, err := graph.New(records)
	return err
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// LoadServices reads every service definition below dirs. pattern defaults
// to **/*.yaml.
func LoadServices(dirs []string, pattern string) (*Services, error) {
	return cfg.LoadServices(dirs, pattern)
}

// Handler returns the read-only status API for o mounted under basePath.
func Handler(o *Orchestrator, records map[string]Record, basePath string) http.Handler {
	return iapi.NewRouter(o.inner, records, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return metrics.Handler(g)
}
