package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/refreshtree/internal/event"
	"github.com/ChuLiYu/refreshtree/internal/metrics"
	"github.com/ChuLiYu/refreshtree/internal/registry"
	"github.com/ChuLiYu/refreshtree/pkg/types"
)

// Coordinator 把一次刷新展開成每個索引一個任務
type Coordinator struct {
	indexes IndexSource
	jobs    JobService
	metrics *metrics.Collector
}

// NewCoordinator 建立 Coordinator；m 可以為 nil
func NewCoordinator(indexes IndexSource, jobs JobService, m *metrics.Collector) *Coordinator {
	return &Coordinator{indexes: indexes, jobs: jobs, metrics: m}
}

// FanOut 依註冊順序，對每個群組不在 skipGroups 中的索引提交一個刷新任務
//
// 被拒絕的提交不會中斷其餘索引；所有拒絕以 errors.Join 合併後回傳，
// 每一個都包裝 ErrSubmission。ctx 取消時停止提交剩餘的索引。
func (c *Coordinator) FanOut(ctx context.Context, startNode *types.NodeRef, skipGroups []types.GroupID) ([]types.RefreshJob, error) {
	if startNode == nil {
		return nil, ErrInvalidArgument
	}

	log.DebugContext(ctx, triggerMessage(startNode.Path, skipGroups))

	req := types.RefreshRequest{StartNode: startNode, SkipGroups: skipGroups}
	node := *startNode
	scope := event.ScopeFrom(ctx)

	var (
		jobs []types.RefreshJob
		errs []error
	)
	for _, idx := range c.indexes.Indexes() {
		if req.Skips(idx.Group()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		handle, err := c.jobs.Submit(jobName(idx, node), refreshFunc(idx, node, scope))
		if err != nil {
			c.metrics.RecordSubmissionFailure()
			log.Warn("Refresh job rejected", "index", idx.ID(), "error", err)
			errs = append(errs, fmt.Errorf("%w: index %s: %w", ErrSubmission, idx.ID(), err))
			continue
		}

		c.metrics.RecordSubmitted()
		jobs = append(jobs, types.RefreshJob{Handle: handle, IndexID: idx.ID()})
	}

	return jobs, errors.Join(errs...)
}

// refreshFunc 把 FanOut 的 scope 帶進任務的 context，讓索引發佈的通知可以被歸屬
func refreshFunc(idx registry.Index, node types.NodeRef, scope event.Scope) func(context.Context) error {
	return func(ctx context.Context) error {
		return idx.Refresh(event.WithScope(ctx, scope), node)
	}
}

func jobName(idx registry.Index, node types.NodeRef) string {
	return fmt.Sprintf("Refresh %s (%s)", idx.ID(), node.Path)
}

func triggerMessage(path string, skipGroups []types.GroupID) string {
	if len(skipGroups) == 0 {
		return fmt.Sprintf("RefreshTree triggered on item '%s'.", path)
	}
	names := make([]string, 0, len(skipGroups))
	for _, g := range skipGroups {
		names = append(names, string(g))
	}
	return fmt.Sprintf("RefreshTree triggered on item '%s'. Index groups to skip: '%s'.", path, strings.Join(names, ", "))
}
