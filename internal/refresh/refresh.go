// ============================================================================
// Refreshtree 核心 - 樹狀重新索引協調器
// ============================================================================
//
// Package: internal/refresh
// 文件: refresh.go
// 功能: 對內容子樹觸發所有搜尋索引的重新索引，等待全部完成並彙總結果
//
// 組件:
//   - Coordinator: 每個未被略過的索引提交一個刷新任務 (FanOut)
//   - Waiter: 固定間隔輪詢，直到所有任務都回報 done (AwaitAll)
//   - Bridge: 等待期間訂閱 "item indexed" 事件，把項目路徑追加到 owner 任務的訊息日誌
//   - AnyFailed: 任一任務失敗即視為整體失敗
//
// Run 流程:
//   1. 驗證起始節點
//   2. Bridge.AttachScoped(owner) ─┐
//   3. Coordinator.FanOut         │ 任何離開路徑都會 Detach 一次
//   4. Waiter.AwaitAll            │
//   5. Bridge.Detach             ─┘
//   6. AnyFailed
//
// 並發模型:
//   - 任務在 Job Service 的 Worker 上執行
//   - 事件在發佈者（索引刷新）的 goroutine 上同步送達
//   - Waiter 在呼叫者的 goroutine 上輪詢，是唯一的阻塞點
//
// ============================================================================

package refresh

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/refreshtree/internal/event"
	"github.com/ChuLiYu/refreshtree/internal/jobmanager"
	"github.com/ChuLiYu/refreshtree/internal/metrics"
	"github.com/ChuLiYu/refreshtree/internal/registry"
	"github.com/ChuLiYu/refreshtree/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidArgument 起始節點為 nil
	ErrInvalidArgument = errors.New("refresh: start node is required")
	// ErrSubmission Job Service 拒絕了某個索引的任務
	ErrSubmission = errors.New("refresh: job submission rejected")
	// ErrWaitCancelled 等待期間 context 被取消
	ErrWaitCancelled = errors.New("refresh: wait cancelled")
	// ErrWaitTimeout 等待超過 MaxWait
	ErrWaitTimeout = errors.New("refresh: wait exceeded max wait")
)

// ============================================================================
// 外部協作者
// ============================================================================

// IndexSource 列出目前註冊的索引
type IndexSource interface {
	Indexes() []registry.Index
}

// StatusSource 依識別碼讀取任務狀態
type StatusSource interface {
	Status(types.JobHandle) (*types.JobStatus, bool)
}

// JobService 建立並查詢非同步任務
type JobService interface {
	StatusSource
	Submit(name string, fn jobmanager.Func) (types.JobHandle, error)
	AppendMessage(types.JobHandle, string) bool
}

// EventBus 進度事件的訂閱端
type EventBus interface {
	Subscribe(topic string, h event.Handler) event.Token
	Unsubscribe(event.Token) bool
}

// DefaultPollInterval 預設輪詢間隔
const DefaultPollInterval = 500 * time.Millisecond

// Config 刷新設定
type Config struct {
	PollInterval time.Duration // 輪詢間隔；0 使用 DefaultPollInterval
	MaxWait      time.Duration // 最長等待時間；0 代表不限
}

// Result 一次刷新的結果
type Result struct {
	Jobs      []types.RefreshJob // 成功建立的任務
	Failed    bool               // 任一任務失敗
	SubmitErr error              // 被拒絕的提交（合併後），沒有則為 nil
	Duration  time.Duration      // 從 fan-out 到全部完成的時間
}

// Succeeded 沒有任務失敗且沒有被拒絕的提交
func (r Result) Succeeded() bool {
	return !r.Failed && r.SubmitErr == nil
}

// Refresher 串接 Coordinator、Waiter、Bridge
type Refresher struct {
	coordinator *Coordinator
	waiter      *Waiter
	bridge      *Bridge
	jobs        JobService
	metrics     *metrics.Collector
}

// New 建立 Refresher；m 可以為 nil
func New(indexes IndexSource, jobs JobService, bus EventBus, cfg Config, m *metrics.Collector) *Refresher {
	return &Refresher{
		coordinator: NewCoordinator(indexes, jobs, m),
		waiter:      NewWaiter(jobs, cfg.PollInterval, cfg.MaxWait),
		bridge:      NewBridge(bus, jobs, m),
		jobs:        jobs,
		metrics:     m,
	}
}

// Run 對 req.StartNode 的子樹執行一次完整的刷新
//
// 錯誤處理：
//   - ErrInvalidArgument: 起始節點為 nil，不會提交任何任務
//   - ErrWaitCancelled / ErrWaitTimeout: 等待被中斷，Result 仍包含已建立的任務
//
// 提交失敗不會回傳 error，而是放在 Result.SubmitErr
func (r *Refresher) Run(ctx context.Context, req types.RefreshRequest) (Result, error) {
	if req.StartNode == nil {
		return Result{}, ErrInvalidArgument
	}

	// 同時執行的多次刷新共用同一個 topic，以 scope 區分各自的通知
	scope := event.Scope(uuid.NewString())
	ctx = event.WithScope(ctx, scope)

	sub := r.bridge.AttachScoped(req.Owner, scope)
	defer r.bridge.Detach(sub)

	start := time.Now()
	jobs, submitErr := r.coordinator.FanOut(ctx, req.StartNode, req.SkipGroups)
	res := Result{Jobs: jobs, SubmitErr: submitErr}

	if err := r.waiter.AwaitAll(ctx, jobs); err != nil {
		res.Duration = time.Since(start)
		r.metrics.RecordRefresh(metrics.OutcomeCancelled, res.Duration)
		log.Warn("Tree refresh interrupted", "node", req.StartNode.Path, "jobs", len(jobs), "error", err)
		return res, err
	}
	res.Duration = time.Since(start)

	for _, job := range jobs {
		if status, ok := r.jobs.Status(job.Handle); ok {
			r.metrics.RecordJobOutcome(status.Failed())
		}
	}

	res.Failed = AnyFailed(r.jobs, jobs)
	outcome := metrics.OutcomeComplete
	if res.Failed {
		outcome = metrics.OutcomeFailed
	}
	r.metrics.RecordRefresh(outcome, res.Duration)

	log.Info("Tree refresh finished",
		"node", req.StartNode.Path,
		"jobs", len(jobs),
		"failed", res.Failed,
		"duration", res.Duration)
	return res, nil
}
