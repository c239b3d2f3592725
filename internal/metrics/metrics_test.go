package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue 從 registry 讀取無標籤 counter / gauge 的值
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name || len(mf.GetMetric()) == 0 {
			continue
		}
		m := mf.GetMetric()[0]
		if m.GetCounter() != nil {
			return m.GetCounter().GetValue()
		}
		return m.GetGauge().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	collector, _ := newTestCollector(t)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsSubmitted, "jobsSubmitted counter should be initialized")
	assert.NotNil(t, collector.submissionFailures, "submissionFailures counter should be initialized")
	assert.NotNil(t, collector.jobsCompleted, "jobsCompleted counter should be initialized")
	assert.NotNil(t, collector.jobsFailed, "jobsFailed counter should be initialized")
	assert.NotNil(t, collector.refreshes, "refreshes counter should be initialized")
	assert.NotNil(t, collector.progressDelivered, "progressDelivered counter should be initialized")
	assert.NotNil(t, collector.progressDropped, "progressDropped counter should be initialized")
	assert.NotNil(t, collector.refreshDuration, "refreshDuration histogram should be initialized")
	assert.NotNil(t, collector.jobsPending, "jobsPending gauge should be initialized")
	assert.NotNil(t, collector.jobsInFlight, "jobsInFlight gauge should be initialized")
}

func TestNewCollectorDefaultRegisterer(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	assert.NotPanics(t, func() { NewCollector(nil) })
}

func TestRecordSubmitted(t *testing.T) {
	collector, reg := newTestCollector(t)

	for i := 0; i < 5; i++ {
		collector.RecordSubmitted()
	}
	collector.RecordSubmissionFailure()

	assert.Equal(t, 5.0, counterValue(t, reg, "refreshtree_jobs_submitted_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "refreshtree_submission_failures_total"))
}

func TestRecordJobOutcome(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.RecordJobOutcome(false)
	collector.RecordJobOutcome(false)
	collector.RecordJobOutcome(true)

	assert.Equal(t, 2.0, counterValue(t, reg, "refreshtree_jobs_completed_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "refreshtree_jobs_failed_total"))
}

func TestRecordProgress(t *testing.T) {
	collector, reg := newTestCollector(t)

	for i := 0; i < 3; i++ {
		collector.RecordProgress(true)
	}
	collector.RecordProgress(false)

	assert.Equal(t, 3.0, counterValue(t, reg, "refreshtree_progress_delivered_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "refreshtree_progress_dropped_total"))
}

func TestRecordRefresh(t *testing.T) {
	collector, reg := newTestCollector(t)

	testCases := []struct {
		name    string
		outcome string
	}{
		{"complete", OutcomeComplete},
		{"failed", OutcomeFailed},
		{"cancelled", OutcomeCancelled},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				collector.RecordRefresh(tc.outcome, 250*time.Millisecond)
			})
		})
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "refreshtree_refreshes_total" {
			assert.Len(t, mf.GetMetric(), 3)
		}
		if mf.GetName() == "refreshtree_refresh_duration_seconds" {
			assert.Equal(t, uint64(3), mf.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
}

func TestUpdateJobStats(t *testing.T) {
	collector, reg := newTestCollector(t)

	testCases := []struct {
		name     string
		pending  int
		inFlight int
	}{
		{"zero values", 0, 0},
		{"normal values", 10, 5},
		{"high in-flight", 5, 50},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			collector.UpdateJobStats(tc.pending, tc.inFlight)
			assert.Equal(t, float64(tc.pending), counterValue(t, reg, "refreshtree_jobs_pending"))
			assert.Equal(t, float64(tc.inFlight), counterValue(t, reg, "refreshtree_jobs_in_flight"))
		})
	}
}

func TestNilCollector(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordSubmitted()
		collector.RecordSubmissionFailure()
		collector.RecordJobOutcome(true)
		collector.RecordProgress(false)
		collector.RecordRefresh(OutcomeComplete, time.Second)
		collector.UpdateJobStats(1, 1)
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector, reg := newTestCollector(t)

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordSubmitted()
			collector.RecordProgress(true)
			collector.RecordJobOutcome(false)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	assert.Equal(t, 100.0, counterValue(t, reg, "refreshtree_jobs_submitted_total"))
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()

	collector1 := NewCollector(reg)
	require.NotNil(t, collector1)

	// Second collector on the same registry panics due to duplicate registration
	assert.Panics(t, func() {
		NewCollector(reg)
	})

	// A separate registry is fine
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
	})
}

func TestServe(t *testing.T) {
	collector, reg := newTestCollector(t)
	collector.RecordSubmitted()

	// 取得一個空閒端口
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, port, reg) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/metrics", port)
	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		body = string(data)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, strings.Contains(body, "refreshtree_jobs_submitted_total 1"))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
