package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sysinitd/internal/failure"
	"github.com/loykin/sysinitd/internal/history/sqlite"
	"github.com/loykin/sysinitd/internal/supervisor"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
}

func TestRunDaemonRecordsHistory(t *testing.T) {
	requireUnix(t)
	dir := writeServices(t, map[string]string{
		"setup.yaml": svcYAML("setup", "exit 0"),
		"app.yaml":   svcYAML("app", "sleep 0.2", "setup"),
	})
	db := filepath.Join(t.TempDir(), "history.db")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := runDaemon(ctx, GlobalFlags{Quiet: 3}, RunFlags{ServiceDirs: []string{dir}, HistoryDSN: db})
	require.NoError(t, err)

	sink, err := sqlite.New(db)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	for _, id := range []string{"setup", "app"} {
		n, err := sink.Count(context.Background(), id)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 3, id)
	}
}

func TestRunDaemonStopsOnCancel(t *testing.T) {
	requireUnix(t)
	dir := writeServices(t, map[string]string{"idle.yaml": svcYAML("idle", "sleep 30")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runDaemon(ctx, GlobalFlags{Quiet: 3}, RunFlags{ServiceDirs: []string{dir}, StopTimeout: 10 * time.Second})
	}()
	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestRunDaemonStartupFailure(t *testing.T) {
	requireUnix(t)
	missing := filepath.Join(t.TempDir(), "missing")
	dir := writeServices(t, map[string]string{
		"db.yaml":  "meta:\n  version: 1.0.0\nid: db\nstart:\n  command: " + missing + "\n",
		"web.yaml": svcYAML("web", "sleep 30", "db"),
	})

	err := runDaemon(context.Background(), GlobalFlags{Quiet: 3}, RunFlags{ServiceDirs: []string{dir}})
	var agg *failure.Aggregate
	require.ErrorAs(t, err, &agg)
	assert.Equal(t, "startup", agg.Phase)
	assert.Equal(t, []string{"db", "web"}, agg.Services())
}

func TestRunDaemonRejectsBadHistoryDSN(t *testing.T) {
	dir := writeServices(t, map[string]string{"a.yaml": svcYAML("a", "true")})
	err := runDaemon(context.Background(), GlobalFlags{Quiet: 3}, RunFlags{ServiceDirs: []string{dir}, HistoryDSN: "mysql://x"})
	assert.ErrorContains(t, err, "unsupported DSN format")
}

func TestLogEventLevels(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	code := 3

	logEvent(log, supervisor.Event{Seq: 1, Service: "web", Type: supervisor.EventFailed, From: supervisor.StateRunning,
		State: supervisor.StateFailed, ExitCode: &code, Err: errors.New("boom")})
	logEvent(log, supervisor.Event{Seq: 2, Service: "web", Type: supervisor.EventHealth, State: supervisor.StateRunning})

	require.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")), "healthy diagnosis is logged at trace")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "service failed", rec["msg"])
	assert.Equal(t, "web", rec["service"])
	assert.Equal(t, "running", rec["from"])
	assert.Equal(t, float64(3), rec["exit_code"])
	assert.Equal(t, "boom", rec["error"])
}

func TestLogFailuresOnePerError(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	agg := &failure.Aggregate{Phase: "shutdown"}
	agg.Add(&failure.TerminationTimeoutError{Service: "a"})
	agg.Add(&failure.TerminationTimeoutError{Service: "b"})

	logFailures(log, agg)
	dec := json.NewDecoder(&buf)
	for _, id := range []string{"a", "b"} {
		var rec map[string]any
		require.NoError(t, dec.Decode(&rec))
		assert.Equal(t, id, rec["service"])
		assert.Equal(t, "termination_timeout", rec["kind"])
	}
}
