package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/sysinitd/internal/graph"
	"github.com/loykin/sysinitd/internal/service"
	"github.com/loykin/sysinitd/internal/supervisor"
)

// Source is the read-only view of a running daemon the API exposes.
type Source interface {
	Status() []supervisor.Status
	Lookup(id string) (supervisor.Status, bool)
	Ready(id string) bool
	Graph() *graph.Graph
}

// Router provides embeddable HTTP handlers for inspecting services.
// Endpoints:
//
//	GET {basePath}/healthz
//	GET {basePath}/services
//	GET {basePath}/services/:id
//	GET {basePath}/order
//	GET {basePath}/metrics   (only when a metrics handler is set)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      Source
	records  map[string]service.Record
	basePath string
	metrics  http.Handler
}

func NewRouter(src Source, records map[string]service.Record, basePath string) *Router {
	return &Router{src: src, records: records, basePath: sanitizeBase(basePath)}
}

// WithMetrics mounts h under {basePath}/metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/services", r.handleList)
	group.GET("/services/:id", r.handleService)
	group.GET("/order", r.handleOrder)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// Serve listens on addr and serves h until ctx is done. Bind errors are
// returned before serving starts.
func Serve(ctx context.Context, addr string, h http.Handler) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	return srv, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	OK       bool     `json:"ok"`
	Services int      `json:"services"`
	Failed   []string `json:"failed,omitempty"`
}

type detailResp struct {
	Status       supervisor.Status `json:"status"`
	Record       service.Record    `json:"record"`
	Dependencies []string          `json:"dependencies"`
	Dependents   []string          `json:"dependents"`
	WaitingOn    []string          `json:"waiting_on"`
}

type orderResp struct {
	Start    []string   `json:"start"`
	Shutdown []string   `json:"shutdown"`
	Layers   [][]string `json:"layers"`
}

func (r *Router) handleHealth(c *gin.Context) {
	st := r.src.Status()
	resp := healthResp{OK: true, Services: len(st)}
	for _, s := range st {
		if s.State == supervisor.StateFailed {
			resp.Failed = append(resp.Failed, s.ID)
		}
	}
	code := http.StatusOK
	if len(resp.Failed) > 0 {
		resp.OK = false
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, resp)
}

func (r *Router) handleList(c *gin.Context) {
	st := r.src.Status()
	if want := c.Query("state"); want != "" {
		filtered := st[:0:0]
		for _, s := range st {
			if s.State.String() == want {
				filtered = append(filtered, s)
			}
		}
		st = filtered
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleService(c *gin.Context) {
	id := c.Param("id")
	if !service.ValidID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service id"})
		return
	}
	st, ok := r.src.Lookup(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "service " + id + " not found"})
		return
	}
	g := r.src.Graph()
	writeJSON(c, http.StatusOK, detailResp{
		Status:       st,
		Record:       r.records[id],
		Dependencies: nonNil(g.Dependencies(id)),
		Dependents:   nonNil(g.Dependents(id)),
		WaitingOn:    nonNil(g.Waiting(id, r.src.Ready)),
	})
}

func (r *Router) handleOrder(c *gin.Context) {
	g := r.src.Graph()
	writeJSON(c, http.StatusOK, orderResp{Start: g.Order(), Shutdown: g.Reverse(), Layers: g.Layers()})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
