package monitoring

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(nil)

	m.Event("step_complete")
	m.Event("step_complete")
	m.ConnectAttempt(LinkSerial)
	m.SendFailure(LinkWireless)
	m.CommandSent("FC")
	m.RejectedPeer()
	m.TargetDiscovered()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("step_complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects.WithLabelValues(LinkSerial)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendFailures.WithLabelValues(LinkWireless)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsSent.WithLabelValues("FC")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejectedPeers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.targetsDiscovered))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Event("x")
	m.ConnectAttempt(LinkBus)
	m.SendFailure(LinkBus)
	m.CommandSent("ST")
	m.RejectedPeer()
	m.TargetDiscovered()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(nil)
	m.RejectedPeer()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "bridge_rejected_peers_total 1"), "body:\n%s", body)
}
