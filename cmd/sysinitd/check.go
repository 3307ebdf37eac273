package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loykin/sysinitd/internal/config"
	"github.com/loykin/sysinitd/internal/graph"
	"github.com/loykin/sysinitd/internal/logger"
)

type orderReport struct {
	Services int        `json:"services"`
	Start    []string   `json:"start"`
	Shutdown []string   `json:"shutdown"`
	Layers   [][]string `json:"layers"`
}

// runCheck validates the service definitions. With Watch it keeps re-checking
// on every change until interrupted and only reports problems.
func runCheck(ctx context.Context, w io.Writer, global GlobalFlags, f CheckFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		return err
	}
	dirs := append(cfg.ServiceDirs, f.ServiceDirs...)
	if len(dirs) == 0 {
		return errors.New("no service directories given")
	}

	if !f.Watch {
		return checkOnce(w, dirs, cfg.Pattern, f.JSON)
	}

	logOpts, err := cfg.LoggerOptions(global.Verbose, global.Quiet)
	if err != nil {
		return err
	}
	log := logger.New(logOpts)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	report := func() {
		if err := checkOnce(w, dirs, cfg.Pattern, f.JSON); err != nil {
			_, _ = fmt.Fprintln(w, renderError(err.Error()))
		}
	}
	report()
	return config.Watch(ctx, dirs, config.DefaultDebounce, log, report)
}

func checkOnce(w io.Writer, dirs []string, pattern string, asJSON bool) error {
	svcs, err := config.LoadServices(dirs, pattern)
	if err != nil {
		return err
	}
	g, err := graph.New(svcs.Records)
	if err != nil {
		return err
	}
	rep := orderReport{Services: g.Len(), Start: g.Order(), Shutdown: g.Reverse(), Layers: g.Layers()}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	_, _ = fmt.Fprintln(w, renderOK(fmt.Sprintf("%d service(s) valid", rep.Services)))
	_, _ = fmt.Fprintln(w, styleHeader.Render("start order"))
	for i, layer := range rep.Layers {
		_, _ = fmt.Fprintf(w, "  %d: %s\n", i, strings.Join(layer, " "))
	}
	_, _ = fmt.Fprintln(w, styleHeader.Render("shutdown order"))
	_, _ = fmt.Fprintf(w, "  %s\n", strings.Join(rep.Shutdown, " "))
	return nil
}
