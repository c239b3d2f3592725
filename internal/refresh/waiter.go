package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/refreshtree/pkg/types"
)

// Waiter 以固定間隔輪詢任務狀態
type Waiter struct {
	statuses StatusSource
	interval time.Duration
	maxWait  time.Duration
}

// NewWaiter 建立 Waiter；interval <= 0 使用 DefaultPollInterval，maxWait <= 0 代表不限時
func NewWaiter(statuses StatusSource, interval, maxWait time.Duration) *Waiter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxWait < 0 {
		maxWait = 0
	}
	return &Waiter{statuses: statuses, interval: interval, maxWait: maxWait}
}

// AwaitAll 阻塞直到 jobs 全部 done
//
// 已經 done 的任務不會再被輪詢。Job Service 不認得的識別碼視為已完成。
// ctx 取消時回傳 ErrWaitCancelled，超過 maxWait 回傳 ErrWaitTimeout；
// 兩種情況都不會動到任務本身。
func (w *Waiter) AwaitAll(ctx context.Context, jobs []types.RefreshJob) error {
	remaining := w.pending(jobs)
	if len(remaining) == 0 {
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if w.maxWait > 0 {
		timer := time.NewTimer(w.maxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %d job(s) still running: %w", ErrWaitCancelled, len(remaining), ctx.Err())

		case <-deadline:
			return fmt.Errorf("%w: %d job(s) still running after %s", ErrWaitTimeout, len(remaining), w.maxWait)

		case <-ticker.C:
			remaining = w.pending(remaining)
			if len(remaining) == 0 {
				return nil
			}
		}
	}
}

// pending 回傳尚未 done 的任務
func (w *Waiter) pending(jobs []types.RefreshJob) []types.RefreshJob {
	out := jobs[:0:0]
	for _, job := range jobs {
		status, ok := w.statuses.Status(job.Handle)
		if !ok || status.IsDone() {
			continue
		}
		out = append(out, job)
	}
	return out
}
