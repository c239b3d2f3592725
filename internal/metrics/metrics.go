// ============================================================================
// Refreshtree Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 tree refresh 流程的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - refreshtree_jobs_submitted_total: 已提交的每索引刷新任務
//      - refreshtree_submission_failures_total: Job Service 拒絕的提交
//      - refreshtree_jobs_completed_total: 成功的刷新任務
//      - refreshtree_jobs_failed_total: 失敗的刷新任務
//      - refreshtree_refreshes_total{outcome}: 整次 refresh 的結果
//
//   2. 進度計數器 (Counter):
//      - refreshtree_progress_delivered_total: 追加到 owner 日誌的進度訊息
//      - refreshtree_progress_dropped_total: 格式錯誤或沒有 owner 而丟棄的通知
//
//   3. 性能指標 (Histogram):
//      - refreshtree_refresh_duration_seconds: 從 fan-out 到全部完成的時間
//
//   4. 狀態指標 (Gauge):
//      - refreshtree_jobs_pending / refreshtree_jobs_in_flight
//
// Prometheus 查詢示例:
//
//   # 刷新失敗率
//   rate(refreshtree_jobs_failed_total[5m]) / rate(refreshtree_jobs_submitted_total[5m])
//
//   # 95 分位刷新時間
//   histogram_quantile(0.95, refreshtree_refresh_duration_seconds_bucket)
//
// HTTP 端點:
//   通過 /metrics 端點暴露，默認端口 9090
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh outcomes used as label values
const (
	OutcomeComplete  = "complete"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Collector Prometheus 指標收集器
type Collector struct {
	jobsSubmitted      prometheus.Counter
	submissionFailures prometheus.Counter
	jobsCompleted      prometheus.Counter
	jobsFailed         prometheus.Counter
	refreshes          *prometheus.CounterVec

	progressDelivered prometheus.Counter
	progressDropped   prometheus.Counter

	refreshDuration prometheus.Histogram

	jobsPending  prometheus.Gauge
	jobsInFlight prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg；reg 為 nil 時使用預設註冊器
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refreshtree_jobs_submitted_total",
			Help: "Total number of per-index refresh jobs submitted",
		}),
		submissionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refreshtree_submission_failures_total",
			Help: "Total number of refresh jobs rejected by the job service",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refreshtree_jobs_completed_total",
			Help: "Total number of refresh jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refreshtree_jobs_failed_total",
			Help: "Total number of refresh jobs that failed",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refreshtree_refreshes_total",
			Help: "Total number of tree refreshes by outcome",
		}, []string{"outcome"}),
		progressDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refreshtree_progress_delivered_total",
			Help: "Progress messages appended to an owner job",
		}),
		progressDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refreshtree_progress_dropped_total",
			Help: "Progress notifications dropped as malformed or without owner",
		}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "refreshtree_refresh_duration_seconds",
			Help:    "Time from fan-out until every refresh job is done",
			Buckets: prometheus.DefBuckets,
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refreshtree_jobs_pending",
			Help: "Current number of pending jobs",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refreshtree_jobs_in_flight",
			Help: "Current number of in-flight jobs",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.submissionFailures,
		c.jobsCompleted,
		c.jobsFailed,
		c.refreshes,
		c.progressDelivered,
		c.progressDropped,
		c.refreshDuration,
		c.jobsPending,
		c.jobsInFlight,
	)

	return c
}

// 所有方法對 nil 的 Collector 都是 no-op，方便不需要指標的呼叫者

// RecordSubmitted 記錄任務提交
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordSubmissionFailure 記錄提交被拒絕
func (c *Collector) RecordSubmissionFailure() {
	if c == nil {
		return
	}
	c.submissionFailures.Inc()
}

// RecordJobOutcome 記錄單一刷新任務的結果
func (c *Collector) RecordJobOutcome(failed bool) {
	if c == nil {
		return
	}
	if failed {
		c.jobsFailed.Inc()
		return
	}
	c.jobsCompleted.Inc()
}

// RecordProgress 記錄進度通知；delivered 為 false 代表被丟棄
func (c *Collector) RecordProgress(delivered bool) {
	if c == nil {
		return
	}
	if delivered {
		c.progressDelivered.Inc()
		return
	}
	c.progressDropped.Inc()
}

// RecordRefresh 記錄整次刷新的結果與耗時
func (c *Collector) RecordRefresh(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.refreshes.WithLabelValues(outcome).Inc()
	c.refreshDuration.Observe(d.Seconds())
}

// UpdateJobStats 更新任務狀態統計
func (c *Collector) UpdateJobStats(pending, inFlight int) {
	if c == nil {
		return
	}
	c.jobsPending.Set(float64(pending))
	c.jobsInFlight.Set(float64(inFlight))
}

// Serve 在 port 上提供 /metrics，直到 ctx 結束
//
// 參數：
//   - gatherer: 要暴露的指標來源；nil 時使用預設 gatherer
func Serve(ctx context.Context, port int, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
