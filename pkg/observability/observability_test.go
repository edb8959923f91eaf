package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthChecker_Status(t *testing.T) {
	tests := []struct {
		name   string
		checks []*HealthCheck
		want   HealthStatus
	}{
		{"no checks", nil, HealthStatusHealthy},
		{"all pass", []*HealthCheck{PingCheck(), BackendCheck("redis", pinger{})}, HealthStatusHealthy},
		{"critical fails", []*HealthCheck{PingCheck(), BackendCheck("redis", pinger{err: errors.New("down")})}, HealthStatusUnhealthy},
		{"optional fails", []*HealthCheck{{Name: "cache", CheckFunc: func(context.Context) error { return errors.New("slow") }}}, HealthStatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker()
			for _, c := range tt.checks {
				hc.RegisterCheck(c)
			}
			resp := hc.Check(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Checks, len(tt.checks))
			assert.Equal(t, Version, resp.Version)
		})
	}
}

func TestHealthChecker_Timeout(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:     "hang",
		Critical: true,
		Timeout:  10 * time.Millisecond,
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks["hang"].Message, "deadline")
}

func TestServer_Routes(t *testing.T) {
	InitMetrics()
	hc := NewHealthChecker()
	hc.RegisterCheck(BackendCheck("redis", pinger{err: errors.New("down")}))
	srv := httptest.NewServer(NewServer(":0", hc).Handler())
	defer srv.Close()

	tests := []struct {
		path string
		code int
	}{
		{"/health", http.StatusServiceUnavailable},
		{"/health/live", http.StatusOK},
		{"/health/ready", http.StatusServiceUnavailable},
		{"/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "down", body.Checks["redis"].Message)
}

func TestServer_StartStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer("127.0.0.1:0", nil).Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRecorders(t *testing.T) {
	InitMetrics()
	InitMetrics()

	before := testutil.ToFloat64(deltasTotal.WithLabelValues("accepted"))
	RecordDeltas("accepted", 3)
	RecordDeltas("accepted", 0)
	assert.Equal(t, before+3, testutil.ToFloat64(deltasTotal.WithLabelValues("accepted")))

	before = testutil.ToFloat64(gapErrorsTotal.WithLabelValues("session"))
	RecordGapError("session")
	assert.Equal(t, before+1, testutil.ToFloat64(gapErrorsTotal.WithLabelValues("session")))

	SetMergedMessages(12)
	assert.Equal(t, float64(12), testutil.ToFloat64(mergedMessages))

	RecordPageFetch("success", time.Millisecond)
	RecordMaterializePass("published", time.Millisecond)
	RecordLoadMore("loaded")
	RecordStaleResult("history")

	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "threadsync_load_more_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}
