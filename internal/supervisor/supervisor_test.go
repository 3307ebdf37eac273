package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loykin/sysinitd/internal/failure"
	"github.com/loykin/sysinitd/internal/latch"
	"github.com/loykin/sysinitd/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) types() []EventType {
	var out []EventType
	for _, e := range r.all() {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) count(t EventType) int {
	n := 0
	for _, e := range r.all() {
		if e.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	sup *Supervisor
	sig Signals
	rec *recorder
	res chan Result
}

func newSignals(deps map[string]*latch.Latch) Signals {
	return Signals{
		Dependencies: deps,
		Ready:        latch.New(),
		Shutdown:     latch.New(),
		Terminate:    latch.New(),
		Stopped:      latch.New(),
	}
}

func start(t *testing.T, cfg Config, sig Signals) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
	h := &harness{sig: sig, rec: &recorder{}, res: make(chan Result, 1)}
	cfg.Emit = h.rec.emit
	if cfg.Env == nil {
		cfg.Env = []string{"PATH=/usr/bin:/bin"}
	}
	h.sup = New(cfg, sig)
	go func() { h.res <- h.sup.Run(context.Background()) }()
	t.Cleanup(func() {
		sig.Terminate.Fire(nil)
		<-sig.Stopped.Done()
	})
	return h
}

func (h *harness) wait(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-h.res:
		return r
	case <-time.After(15 * time.Second):
		t.Fatal("supervisor did not finish")
	}
	return Result{}
}

func (h *harness) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-h.sig.Ready.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("service never became ready")
	}
}

func shRecord(id, script string) service.Record {
	return service.Record{
		Meta:  service.Meta{Version: "1.0.0"},
		ID:    id,
		Start: service.Start{Command: service.Command{Command: "/bin/sh", Arguments: []string{"-c", script}}},
	}
}

// countingScript appends a line to counter on every spawn before running rest.
func countingScript(counter, rest string) string {
	return "echo x >> '" + counter + "'; " + rest
}

func spawns(t *testing.T, counter string) int {
	t.Helper()
	b, err := os.ReadFile(counter)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(b), "x\n")
}

func TestOnFailureRestartsUntilAttemptsExhausted(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	rec := shRecord("flaky", countingScript(counter, "exit 1"))
	rec.Restart = service.Restart{Strategy: service.StrategyOnFailure, Attempts: 2}

	h := start(t, Config{Record: rec}, newSignals(nil))
	res := h.wait(t)

	var exitErr *failure.UnexpectedExitError
	require.ErrorAs(t, res.Err, &exitErr)
	assert.Equal(t, 1, exitErr.Status)
	assert.Equal(t, 2, exitErr.Attempts)
	assert.True(t, res.Started)

	assert.Equal(t, 3, spawns(t, counter))
	assert.Equal(t, 2, h.rec.count(EventRestarting))
	assert.Equal(t, []EventType{
		EventStarting, EventRunning, EventRestarting,
		EventStarting, EventRunning, EventRestarting,
		EventStarting, EventRunning, EventFailed,
	}, h.rec.types())
	assert.Equal(t, StateFailed, h.sup.Status().State)
	assert.NoError(t, h.sig.Ready.Err(), "readiness is fired by the first successful spawn")
}

func TestNeverPolicyFailsWithoutRespawn(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	rec := shRecord("once", countingScript(counter, "exit 4"))
	rec.Restart = service.Restart{Strategy: service.StrategyNever, Attempts: 3}

	h := start(t, Config{Record: rec}, newSignals(nil))
	res := h.wait(t)

	var exitErr *failure.UnexpectedExitError
	require.ErrorAs(t, res.Err, &exitErr)
	assert.Equal(t, 4, exitErr.Status)
	assert.Equal(t, 0, exitErr.Attempts)
	assert.Equal(t, 1, spawns(t, counter))
	assert.Zero(t, h.rec.count(EventRestarting))
	assert.Equal(t, StateFailed, h.sup.Status().State)
}

func TestCleanExitUnderOnFailureStops(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	rec := shRecord("job", countingScript(counter, "exit 0"))
	rec.Restart = service.Restart{Strategy: service.StrategyOnFailure, Attempts: 5}

	h := start(t, Config{Record: rec}, newSignals(nil))
	res := h.wait(t)

	require.NoError(t, res.Err)
	assert.Equal(t, 1, spawns(t, counter))
	assert.Equal(t, []EventType{EventStarting, EventRunning, EventStopped}, h.rec.types())
	assert.Equal(t, StateStopped, h.sup.Status().State)
}

func TestAlwaysPolicyRestartsCleanExit(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	rec := shRecord("loop", countingScript(counter, "exit 0"))
	rec.Restart = service.Restart{Strategy: service.StrategyAlways, Attempts: 1}

	h := start(t, Config{Record: rec}, newSignals(nil))
	res := h.wait(t)

	var exitErr *failure.UnexpectedExitError
	require.ErrorAs(t, res.Err, &exitErr)
	assert.Equal(t, 0, exitErr.Status)
	assert.Equal(t, 2, spawns(t, counter))
}

func TestSpawnFailure(t *testing.T) {
	rec := shRecord("ghost", "")
	rec.Start.Command = service.Command{Command: filepath.Join(t.TempDir(), "missing")}

	h := start(t, Config{Record: rec}, newSignals(nil))
	res := h.wait(t)

	var spawnErr *failure.SpawnError
	require.ErrorAs(t, res.Err, &spawnErr)
	assert.Equal(t, "ghost", spawnErr.Service)
	assert.False(t, res.Started)
	assert.Equal(t, []EventType{EventStarting, EventFailed}, h.rec.types())
	assert.ErrorAs(t, h.sig.Ready.Err(), &spawnErr)
	assert.NotEmpty(t, h.sup.Status().Error)
}

func TestSpawnFailureIsRetried(t *testing.T) {
	rec := shRecord("ghost", "")
	rec.Start.Command = service.Command{Command: filepath.Join(t.TempDir(), "missing")}
	rec.Restart = service.Restart{Strategy: service.StrategyOnFailure, Attempts: 2}

	h := start(t, Config{Record: rec}, newSignals(nil))
	res := h.wait(t)

	assert.Equal(t, failure.KindSpawnFailure, failure.KindOf(res.Err))
	assert.Equal(t, 2, h.rec.count(EventRestarting))
	assert.Zero(t, h.rec.count(EventRunning))
}

func TestBlockedByFailedDependency(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	db := latch.New()
	db.Fire(&failure.UnexpectedExitError{Service: "db", Status: 1})

	h := start(t, Config{Record: shRecord("web", countingScript(counter, "sleep 5"))},
		newSignals(map[string]*latch.Latch{"db": db}))
	res := h.wait(t)

	var blocked *failure.BlockedByDependencyError
	require.ErrorAs(t, res.Err, &blocked)
	assert.Equal(t, "web", blocked.Service)
	assert.Equal(t, "db", blocked.Dependency)
	assert.Equal(t, "db", blocked.Root)
	assert.Zero(t, spawns(t, counter))

	events := h.rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Type)
	assert.Equal(t, StatePending, events[0].From)
}

func TestBlockedKeepsRootCause(t *testing.T) {
	app := latch.New()
	app.Fire(&failure.BlockedByDependencyError{Service: "app", Dependency: "db", Root: "db"})

	h := start(t, Config{Record: shRecord("web", "sleep 5")},
		newSignals(map[string]*latch.Latch{"app": app}))
	res := h.wait(t)

	var blocked *failure.BlockedByDependencyError
	require.ErrorAs(t, res.Err, &blocked)
	assert.Equal(t, "app", blocked.Dependency)
	assert.Equal(t, "db", blocked.Root)
}

func TestWaitsForDependencies(t *testing.T) {
	db, cache := latch.New(), latch.New()
	h := start(t, Config{Record: shRecord("web", "sleep 30")},
		newSignals(map[string]*latch.Latch{"db": db, "cache": cache}))

	db.Fire(nil)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatePending, h.sup.Status().State)
	assert.Empty(t, h.rec.all())

	cache.Fire(nil)
	h.waitReady(t)
	require.NoError(t, h.sig.Ready.Err())
	assert.Greater(t, h.sup.Status().PID, 0)

	h.sig.Terminate.Fire(nil)
	res := h.wait(t)
	require.NoError(t, res.Err)
	assert.False(t, res.Forced)
}

func TestShutdownWhilePendingIsNotStarted(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	sig := newSignals(map[string]*latch.Latch{"db": latch.New()})
	h := start(t, Config{Record: shRecord("web", countingScript(counter, "sleep 5"))}, sig)

	sig.Shutdown.Fire(nil)
	res := h.wait(t)

	var notStarted *failure.NotStartedError
	require.ErrorAs(t, res.Err, &notStarted)
	assert.False(t, res.Started)
	assert.Zero(t, spawns(t, counter))
	assert.Equal(t, StateStopped, h.sup.Status().State)
	assert.ErrorAs(t, sig.Ready.Err(), &notStarted)
}

func TestStartDelayIsPreemptible(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	rec := shRecord("slow", countingScript(counter, "sleep 5"))
	rec.Start.Delay = service.Duration(30 * time.Second)

	h := start(t, Config{Record: rec}, newSignals(nil))
	require.Eventually(t, func() bool { return h.sup.Status().State == StateStarting },
		5*time.Second, 10*time.Millisecond)

	began := time.Now()
	h.sig.Terminate.Fire(nil)
	res := h.wait(t)

	assert.Less(t, time.Since(began), 5*time.Second)
	assert.Equal(t, failure.KindNotStarted, failure.KindOf(res.Err))
	assert.Zero(t, spawns(t, counter))
	assert.Equal(t, []EventType{EventStarting, EventStopping, EventStopped}, h.rec.types())
}

func TestTerminateWithSignal(t *testing.T) {
	h := start(t, Config{Record: shRecord("daemon", "sleep 30")}, newSignals(nil))
	h.waitReady(t)

	h.sig.Terminate.Fire(nil)
	res := h.wait(t)

	require.NoError(t, res.Err)
	assert.True(t, res.Started)
	assert.False(t, res.Forced)
	types := h.rec.types()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, []EventType{EventStopping, EventStopped}, types[len(types)-2:])
	assert.True(t, h.sig.Stopped.Fired())
}

func TestTerminateWithCustomSignal(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "usr1")
	ready := filepath.Join(dir, "ready")
	rec := shRecord("daemon", "trap 'touch "+marker+"; exit 0' USR1; touch "+ready+"; while :; do sleep 0.05; done")
	rec.Termination = &service.Termination{Action: service.SendSignal{Signal: "SIGUSR1"}}

	h := start(t, Config{Record: rec}, newSignals(nil))
	require.Eventually(t, func() bool { _, err := os.Stat(ready); return err == nil },
		5*time.Second, 10*time.Millisecond)

	h.sig.Terminate.Fire(nil)
	res := h.wait(t)
	require.NoError(t, res.Err)
	assert.FileExists(t, marker)
}

func TestTerminateWithCommand(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "stop")
	rec := shRecord("daemon", "while [ ! -f "+marker+" ]; do sleep 0.05; done")
	rec.Termination = &service.Termination{Action: service.RunCommand{
		Command: service.Command{Command: "/bin/sh", Arguments: []string{"-c", "touch " + marker}},
	}}

	h := start(t, Config{Record: rec, GracePeriod: 5 * time.Second}, newSignals(nil))
	h.waitReady(t)

	h.sig.Terminate.Fire(nil)
	res := h.wait(t)
	require.NoError(t, res.Err)
	assert.False(t, res.Forced)
	assert.FileExists(t, marker)
}

func TestForcedKillAfterGracePeriod(t *testing.T) {
	ready := filepath.Join(t.TempDir(), "ready")
	rec := shRecord("stubborn", "trap '' TERM; touch "+ready+"; while :; do sleep 0.1; done")

	h := start(t, Config{Record: rec, GracePeriod: 300 * time.Millisecond}, newSignals(nil))
	require.Eventually(t, func() bool { _, err := os.Stat(ready); return err == nil },
		5*time.Second, 10*time.Millisecond)

	h.sig.Terminate.Fire(nil)
	res := h.wait(t)

	var timeout *failure.TerminationTimeoutError
	require.ErrorAs(t, res.Err, &timeout)
	assert.Equal(t, 300*time.Millisecond, timeout.Grace)
	assert.True(t, res.Forced)

	events := h.rec.all()
	last := events[len(events)-1]
	assert.Equal(t, EventStopped, last.Type)
	assert.True(t, last.Forced)
	assert.True(t, h.sup.Status().Forced)
}

func TestRestartHookRunsBeforeRespawn(t *testing.T) {
	dir := t.TempDir()
	hook := filepath.Join(dir, "hook")
	rec := shRecord("flaky", "exit 1")
	rec.Restart = service.Restart{
		Strategy: service.StrategyOnFailure,
		Attempts: 1,
		Command:  &service.Command{Command: "/bin/sh", Arguments: []string{"-c", "echo x >> " + hook}},
	}

	h := start(t, Config{Record: rec}, newSignals(nil))
	res := h.wait(t)

	require.Error(t, res.Err)
	assert.Equal(t, 1, spawns(t, hook))
}

func TestTerminateInterruptsRestartHook(t *testing.T) {
	hookStarted := filepath.Join(t.TempDir(), "hook")
	rec := shRecord("looping", "exit 0")
	rec.Restart = service.Restart{
		Strategy: service.StrategyAlways,
		Attempts: 3,
		Command:  &service.Command{Command: "/bin/sh", Arguments: []string{"-c", "touch " + hookStarted + "; sleep 4"}},
	}

	h := start(t, Config{Record: rec, GracePeriod: 8 * time.Second}, newSignals(nil))
	require.Eventually(t, func() bool { _, err := os.Stat(hookStarted); return err == nil },
		5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	began := time.Now()
	h.sig.Terminate.Fire(nil)
	res := h.wait(t)

	assert.Less(t, time.Since(began), 2*time.Second)
	assert.NoError(t, res.Err)
	assert.True(t, res.Started)
	assert.Equal(t, StateStopped, h.sup.Status().State)
	types := h.rec.types()
	require.GreaterOrEqual(t, len(types), 3)
	assert.Equal(t, []EventType{EventRestarting, EventStopping, EventStopped}, types[len(types)-3:])
}

func TestDiagnosisEmitsHealthEvents(t *testing.T) {
	rec := shRecord("probed", "sleep 30")
	rec.Diagnosis = service.Ladder{
		{Level: 1, Command: service.Command{Command: "/bin/sh", Arguments: []string{"-c", "exit 0"}}},
		{Level: 2, Command: service.Command{Command: "/bin/sh", Arguments: []string{"-c", "exit 3"}}},
	}

	h := start(t, Config{Record: rec, DiagnosisInterval: 20 * time.Millisecond}, newSignals(nil))
	h.waitReady(t)
	require.Eventually(t, func() bool { return h.rec.count(EventHealth) > 0 },
		5*time.Second, 10*time.Millisecond)

	var health Event
	for _, e := range h.rec.all() {
		if e.Type == EventHealth {
			health = e
			break
		}
	}
	assert.Equal(t, 2, health.Severity)
	assert.Equal(t, StateRunning, health.State)
	assert.Equal(t, "level2 failed: exit status 3", health.Message)

	st := h.sup.Status()
	assert.Equal(t, 2, st.Severity)
	assert.Equal(t, StateRunning, st.State)

	h.sig.Terminate.Fire(nil)
	require.NoError(t, h.wait(t).Err)
}

func TestCancelledContextStops(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
	ctx, cancel := context.WithCancel(context.Background())
	sig := newSignals(nil)
	sup := New(Config{Record: shRecord("daemon", "sleep 30")}, sig)
	done := make(chan Result, 1)
	go func() { done <- sup.Run(ctx) }()

	<-sig.Ready.Done()
	cancel()
	select {
	case res := <-done:
		assert.NoError(t, res.Err)
	case <-time.After(15 * time.Second):
		t.Fatal("supervisor ignored cancellation")
	}
	assert.Equal(t, StateStopped, sup.Status().State)
}

func TestStateNames(t *testing.T) {
	names := make([]string, 0, len(AllStates()))
	for _, s := range AllStates() {
		names = append(names, s.String())
	}
	assert.Equal(t, []string{"pending", "starting", "running", "restarting", "stopping", "stopped", "failed"}, names)
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateStopping.Terminal())
	assert.Equal(t, EventFailed, eventFor(StateFailed))

	for _, s := range AllStates() {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("bogus")
	assert.Error(t, err)

	var st Status
	require.NoError(t, json.Unmarshal([]byte(`{"id":"web","state":"restarting"}`), &st))
	assert.Equal(t, StateRestarting, st.State)
}
