package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsExposedOnHandler(t *testing.T) {
	m := New()
	m.ObserveCheck("ok")
	m.ObserveUpgrade("upgrade_all", "ok")
	m.ObserveSSHSessionDuration(2 * time.Second)
	m.IncReconnectAttempt()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	require.True(t, strings.Contains(text, `controlplane_checks_total{status="ok"} 1`))
	require.True(t, strings.Contains(text, `controlplane_upgrades_total{action="upgrade_all",status="ok"} 1`))
	require.True(t, strings.Contains(text, "controlplane_ssh_session_duration_seconds"))
	require.True(t, strings.Contains(text, "controlplane_ssh_reconnect_attempts_total 1"))
}

func TestNewBuildsIndependentRegistries(t *testing.T) {
	// Each Metrics must own its own registry: building two must not panic
	// on a duplicate-collector registration.
	a := New()
	b := New()
	a.ObserveCheck("ok")
	b.ObserveCheck("failed")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.False(t, strings.Contains(string(body), `status="ok"`))
	require.True(t, strings.Contains(string(body), `status="failed"`))
}
