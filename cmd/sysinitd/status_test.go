package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sysinitd/internal/supervisor"
)

func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	since := time.Now().Add(-90 * time.Second)
	all := []supervisor.Status{
		{ID: "db", State: supervisor.StateRunning, PID: 4242, Since: since},
		{ID: "web", State: supervisor.StateFailed, Attempts: 2, Error: "web exited with status 3 after 2 restart attempt(s)", Since: since},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/services":
			out := all
			if s := r.URL.Query().Get("state"); s != "" {
				out = nil
				for _, st := range all {
					if st.State.String() == s {
						out = append(out, st)
					}
				}
			}
			_ = json.NewEncoder(w).Encode(out)
		case r.URL.Path == "/services/db":
			_ = json.NewEncoder(w).Encode(map[string]any{"status": all[0]})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"service nope not found"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewAPIClientDefaults(t *testing.T) {
	c := NewAPIClient("", 0)
	assert.Equal(t, defaultAPIUrl, c.baseURL)
	assert.Equal(t, 10*time.Second, c.client.Timeout)

	c = NewAPIClient("http://example.com/api/", 5*time.Second)
	assert.Equal(t, "http://example.com/api", c.baseURL)
	assert.Equal(t, 5*time.Second, c.client.Timeout)
}

func TestClientServices(t *testing.T) {
	srv := fakeDaemon(t)
	c := NewAPIClient(srv.URL, time.Second)

	sts, err := c.Services("")
	require.NoError(t, err)
	require.Len(t, sts, 2)
	assert.Equal(t, supervisor.StateFailed, sts[1].State)

	sts, err = c.Services("running")
	require.NoError(t, err)
	require.Len(t, sts, 1)
	assert.Equal(t, "db", sts[0].ID)

	st, err := c.Service("db")
	require.NoError(t, err)
	assert.Equal(t, 4242, st.PID)

	_, err = c.Service("nope")
	assert.EqualError(t, err, "API error: service nope not found")
}

func TestClientUnreachable(t *testing.T) {
	c := NewAPIClient("http://127.0.0.1:1", 200*time.Millisecond)
	_, err := c.Services("")
	assert.Error(t, err)
}

func TestStatusTable(t *testing.T) {
	srv := fakeDaemon(t)
	var out bytes.Buffer
	require.NoError(t, runStatus(&out, StatusFlags{APIUrl: srv.URL, APITimeout: time.Second}))

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "SERVICE")
	assert.Contains(t, lines[0], "ATTEMPTS")
	assert.Contains(t, lines[1], "db")
	assert.Contains(t, lines[1], "running")
	assert.Contains(t, lines[1], "4242")
	assert.Contains(t, lines[2], "failed")
	assert.Contains(t, lines[2], "status 3")
}

func TestStatusJSONForOneService(t *testing.T) {
	srv := fakeDaemon(t)
	var out bytes.Buffer
	require.NoError(t, runStatus(&out, StatusFlags{APIUrl: srv.URL, ID: "db", JSON: true}))

	var sts []supervisor.Status
	require.NoError(t, json.Unmarshal(out.Bytes(), &sts))
	require.Len(t, sts, 1)
	assert.Equal(t, supervisor.StateRunning, sts[0].State)
}

func TestRenderStatusTableEmpty(t *testing.T) {
	assert.Contains(t, renderStatusTable(nil, time.Now()), "no services")
}
