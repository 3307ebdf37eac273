package sysinitd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func writeService(t *testing.T, dir, id, script string, deps ...string) {
	t.Helper()
	body := "meta:\n  version: 1.0.0\nid: " + id + "\nstart:\n  command: /bin/sh\n  arguments: [\"-c\", \"" + script + "\"]\n"
	if len(deps) > 0 {
		body += "  dependencies: [" + strings.Join(deps, ", ") + "]\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".yaml"), []byte(body), 0o644))
}

func TestFacadeLoadStartShutdown(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writeService(t, dir, "db", "sleep 30")
	writeService(t, dir, "web", "sleep 30", "db")

	svcs, err := LoadServices([]string{dir}, "")
	require.NoError(t, err)
	require.NoError(t, Validate(svcs.Records))

	o, err := New(svcs.Records, Options{GracePeriod: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "web"}, o.StartOrder())
	assert.Equal(t, []string{"web", "db"}, o.ShutdownOrder())

	require.NoError(t, o.Start(context.Background()))
	st, ok := o.Lookup("web")
	require.True(t, ok)
	assert.Equal(t, "running", st.State.String())

	gin.SetMode(gin.TestMode)
	rr := httptest.NewRecorder()
	Handler(o, svcs.Records, "/api").ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/services/web", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"waiting_on":[]`)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
	<-o.Done()
	for _, s := range o.Status() {
		assert.Equal(t, "stopped", s.State.String())
	}
}

func TestFacadeValidateRejectsCycle(t *testing.T) {
	dir := t.TempDir()
	writeService(t, dir, "a", "true", "b")
	writeService(t, dir, "b", "true", "a")

	svcs, err := LoadServices([]string{dir}, "")
	require.NoError(t, err)
	assert.ErrorContains(t, Validate(svcs.Records), "a -> b -> a")
	_, err = New(svcs.Records, Options{})
	assert.Error(t, err)
}

func TestLoadConfigDefaults(t *testing.T) {
	c, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, c.Shutdown.GracePeriod)
	assert.Equal(t, "**/*.yaml", c.Pattern)
}

func TestMetricsHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	require.NoError(t, RegisterMetricsDefault())

	rr := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
