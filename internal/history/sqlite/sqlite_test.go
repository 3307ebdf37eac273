package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sysinitd/internal/history"
)

func event(run uuid.UUID, seq uint64, service, typ string) history.Event {
	return history.Event{
		RunID:      run,
		Seq:        seq,
		Service:    service,
		Type:       typ,
		From:       "starting",
		State:      "running",
		PID:        4242,
		OccurredAt: time.Now().UTC(),
	}
}

func TestSQLiteSinkFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + path)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, sink.Close()) })

	ctx := context.Background()
	run := uuid.New()
	require.NoError(t, sink.Send(ctx, event(run, 1, "db", "running")))

	stopped := event(run, 2, "db", "stopped")
	code := 0
	stopped.ExitCode = &code
	stopped.Forced = true
	stopped.Message = "signal: killed"
	require.NoError(t, sink.Send(ctx, stopped))
	require.NoError(t, sink.Send(ctx, event(run, 3, "web", "running")))

	n, err := sink.Count(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = sink.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSQLiteSinkReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := New(path)
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), event(uuid.New(), 1, "db", "running")))
	require.NoError(t, sink.Close())

	sink, err = New(path)
	require.NoError(t, err)
	defer sink.Close()
	n, err := sink.Count(context.Background(), "db")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSinkInMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	run := uuid.New()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, sink.Send(ctx, event(run, i, "cache", "health")))
	}
	n, err := sink.Count(ctx, "cache")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSQLiteSinkRejectsDuplicateSeq(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer sink.Close()

	run := uuid.New()
	require.NoError(t, sink.Send(context.Background(), event(run, 1, "db", "running")))
	assert.Error(t, sink.Send(context.Background(), event(run, 1, "db", "running")))
}

func TestSQLiteSinkCancelledContext(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer sink.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sink.Send(ctx, event(uuid.New(), 1, "db", "running")))
}

func TestSQLiteEmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
