package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	IncStart("service")
	IncStart("service")
	IncRestart("tunnel")
	IncStop("tunnel")
	SetUp("service", true)
	IncProbe(true)
	IncProbe(false)
	IncEndpointChange()
	IncPropagation("changed")
	SetState("monitoring", []string{"probing", "monitoring"})

	assert.Equal(t, 2.0, testutil.ToFloat64(processStarts.WithLabelValues("service")))
	assert.Equal(t, 1.0, testutil.ToFloat64(processRestarts.WithLabelValues("tunnel")))
	assert.Equal(t, 1.0, testutil.ToFloat64(processUp.WithLabelValues("service")))
	assert.Equal(t, 1.0, testutil.ToFloat64(probeAttempts.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(currentStates.WithLabelValues("monitoring")))
	assert.Equal(t, 0.0, testutil.ToFloat64(currentStates.WithLabelValues("probing")))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	want := map[string]bool{
		"tunnelkeeper_process_starts_total":        false,
		"tunnelkeeper_process_restarts_total":      false,
		"tunnelkeeper_probe_attempts_total":        false,
		"tunnelkeeper_endpoint_changes_total":      false,
		"tunnelkeeper_endpoint_propagations_total": false,
		"tunnelkeeper_supervisor_current_state":    false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for n, ok := range want {
		assert.True(t, ok, "expected metric %s", n)
	}
}

func TestHandlerServesText(t *testing.T) {
	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(b), "go_goroutines"))
}
