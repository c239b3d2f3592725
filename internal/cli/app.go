package cli

// ============================================================================
// 職責說明：
// 1. 依設定組裝執行期元件：內容樹、事件匯流排、Job Service、索引註冊表、指標
// 2. 統一關閉所有資源
// ============================================================================

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/refreshtree/internal/content"
	"github.com/ChuLiYu/refreshtree/internal/event"
	"github.com/ChuLiYu/refreshtree/internal/jobmanager"
	"github.com/ChuLiYu/refreshtree/internal/metrics"
	"github.com/ChuLiYu/refreshtree/internal/registry"
	"github.com/ChuLiYu/refreshtree/internal/searchindex"
	"github.com/prometheus/client_golang/prometheus"
)

// app 一次命令執行所需的全部元件
type app struct {
	cfg      *Config
	store    *content.Store
	bus      *event.Bus
	jobs     *jobmanager.JobManager
	registry *registry.Registry
	indexes  map[string]*searchindex.Index
	promReg  *prometheus.Registry
	metrics  *metrics.Collector
}

// newApp 載入內容樹並建立所有索引
//
// 錯誤處理：
//   - 任一步驟失敗時，已建立的資源會被關閉
func newApp(cfg *Config) (*app, error) {
	if cfg.Content.File == "" {
		return nil, errors.New("content.file is not configured")
	}
	store, err := content.Load(cfg.Content.File)
	if err != nil {
		return nil, fmt.Errorf("failed to load content tree: %w", err)
	}

	promReg := prometheus.NewRegistry()
	a := &app{
		cfg:      cfg,
		store:    store,
		bus:      event.NewBus(),
		registry: registry.New(),
		indexes:  make(map[string]*searchindex.Index, len(cfg.Indexes)),
		promReg:  promReg,
		metrics:  metrics.NewCollector(promReg),
	}

	for _, ic := range cfg.Indexes {
		idx, err := searchindex.New(searchindex.Config{
			ID:        ic.ID,
			Group:     ic.Group,
			Path:      ic.Path,
			BatchSize: ic.BatchSize,
		}, store, a.bus)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open index: %w", err)
		}
		a.indexes[ic.ID] = idx
		if err := a.registry.Add(idx); err != nil {
			a.Close()
			return nil, err
		}
	}

	jobs, err := jobmanager.New(cfg.JobConfig())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.jobs = jobs

	slog.Debug("Runtime ready",
		"database", store.Database(),
		"items", store.Len(),
		"indexes", a.registry.Len(),
		"workers", cfg.Worker.WorkerCount)
	return a, nil
}

// syncJobStats 把 Job Service 的統計寫入 gauge
func (a *app) syncJobStats() {
	if a.jobs == nil {
		return
	}
	stats := a.jobs.Stats()
	a.metrics.UpdateJobStats(stats["pending"], stats["in_flight"])
}

// Close 等待任務結束後關閉所有索引
func (a *app) Close() {
	if a.jobs != nil {
		a.jobs.Close()
	}
	for id, idx := range a.indexes {
		if err := idx.Close(); err != nil {
			slog.Warn("Failed to close index", "index", id, "error", err)
		}
	}
}
