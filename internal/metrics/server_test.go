package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_ServesMetrics(t *testing.T) {
	PostsTotal.WithLabelValues("classification_rules").Inc()

	s := NewServer("127.0.0.1:0", "")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `ramrod_posts_total{opcode="classification_rules"}`)
}

func TestServer_BindError(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/m")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	other := NewServer(s.Addr(), "/m")
	assert.Error(t, other.Start(context.Background()))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(ProtocolMismatchTotal)
	ProtocolMismatchTotal.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ProtocolMismatchTotal))

	CreditAvailable.WithLabelValues("mac").Set(95)
	assert.Equal(t, float64(95), testutil.ToFloat64(CreditAvailable.WithLabelValues("mac")))
}
