// ============================================================================
// Refreshtree 任務管理器 - Job Service 實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 接受非同步任務、在 Worker Pool 上執行、追蹤任務的完整生命週期
//
// 任務狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ Worker 取出任務開始執行
//   InFlight (執行中)
//      ↓ 任務函式回傳 nil / 回傳錯誤、panic、超時
//   Completed (已完成) / Dead (失敗)
//
//   由呼叫者驅動的任務（例如 owner 任務）:
//   Create() → InFlight → Complete(failed) → Completed / Dead
//
// 數據結構設計:
//   jobs map[JobHandle]*Job - 主存儲，作為單一真實來源
//   ├─ Job.State 字段標識當前狀態
//   └─ Job.status 是對外公開的 *types.JobStatus（done / failed / messages）
//
//   輔助索引:
//   - pending / inFlight / completed / dead 四個 map
//
// 並發安全:
//   - sync.RWMutex 保護 jobs 與狀態索引
//   - *types.JobStatus 自帶鎖，可在不持有 jm.mu 的情況下讀寫
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/refreshtree/internal/worker"
	"github.com/ChuLiYu/refreshtree/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不在執行中狀態
	ErrNotInFlight = errors.New("job not in flight")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務尚未結束
	ErrNotFinished = errors.New("job not finished")
	// Job Service 已關閉
	ErrServiceClosed = errors.New("job service is closed")
)

// State 任務生命週期狀態
type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
	StateDead      State = "dead"
)

// Func 任務的實際工作
type Func = worker.Func

// Config Job Service 設定
type Config struct {
	WorkerCount int           // Worker 數量
	BufferSize  int           // 任務與結果通道緩衝大小
	TaskTimeout time.Duration // 單一任務的超時時間；0 代表不限時
}

// DefaultConfig 回傳預設設定
func DefaultConfig() Config {
	return Config{
		WorkerCount: 4,
		BufferSize:  64,
		TaskTimeout: 10 * time.Minute,
	}
}

// Job 任務記錄
type Job struct {
	Handle    types.JobHandle `json:"handle"`
	Name      string          `json:"name"`
	State     State           `json:"state"`
	Error     string          `json:"error,omitempty"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`

	seq    uint64
	status *types.JobStatus
}

// JobView 任務在某一時刻的快照，用於報告
type JobView struct {
	Handle    types.JobHandle  `json:"handle"`
	Name      string           `json:"name"`
	State     State            `json:"state"`
	Error     string           `json:"error,omitempty"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
	Status    types.StatusView `json:"status"`
}

// JobManager Job Service，在 Worker Pool 上執行任務並追蹤狀態
type JobManager struct {
	mu        sync.RWMutex
	jobs      map[types.JobHandle]*Job
	pending   map[types.JobHandle]*Job
	inFlight  map[types.JobHandle]*Job
	completed map[types.JobHandle]*Job
	dead      map[types.JobHandle]*Job
	seq       uint64
	closed    bool

	cfg  Config
	pool *worker.Pool
	done chan struct{} // resultLoop 結束訊號
}

// ============================================================================
// 生命週期
// ============================================================================

// New 建立 Job Service 並啟動 Worker Pool
//
// 使用範例：
//
//	jm, err := New(DefaultConfig())
//	handle, err := jm.Submit("refresh master", func(ctx context.Context) error { ... })
//	defer jm.Close()
func New(cfg Config) (*JobManager, error) {
	def := DefaultConfig()
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	pool := worker.NewPool(cfg.BufferSize)
	if err := pool.Start(cfg.WorkerCount); err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	jm := &JobManager{
		jobs:      make(map[types.JobHandle]*Job),
		pending:   make(map[types.JobHandle]*Job),
		inFlight:  make(map[types.JobHandle]*Job),
		completed: make(map[types.JobHandle]*Job),
		dead:      make(map[types.JobHandle]*Job),
		cfg:       cfg,
		pool:      pool,
		done:      make(chan struct{}),
	}
	go jm.resultLoop()
	log.Debug("Job service started", "workers", pool.GetWorkerCount(), "buffer", cfg.BufferSize, "task_timeout", cfg.TaskTimeout)
	return jm, nil
}

// Close 停止接受新任務，等待已提交的任務全部結束
func (jm *JobManager) Close() {
	jm.mu.Lock()
	if jm.closed {
		jm.mu.Unlock()
		<-jm.done
		return
	}
	jm.closed = true
	jm.mu.Unlock()

	jm.pool.Stop()
	<-jm.done
	log.Debug("Job service closed", "stats", jm.Stats())
}

// resultLoop 收集 Worker 結果並結束對應任務
func (jm *JobManager) resultLoop() {
	defer close(jm.done)
	for {
		result, err := jm.pool.ReceiveResult()
		if err != nil {
			// ErrPoolClosed: 所有結果都已處理
			return
		}
		jm.finish(result.Handle, result.Error)
	}
}

// ============================================================================
// 提交與狀態轉換
// ============================================================================

// Submit 提交一個非同步任務，回傳任務識別碼
//
// 錯誤處理：
//   - ErrServiceClosed: Job Service 已關閉
func (jm *JobManager) Submit(name string, fn Func) (types.JobHandle, error) {
	jm.mu.Lock()
	if jm.closed {
		jm.mu.Unlock()
		return "", ErrServiceClosed
	}
	job := jm.newJobLocked(name, StatePending)
	jm.pending[job.Handle] = job
	jm.mu.Unlock()

	handle := job.Handle
	task := worker.Task{
		Handle: handle,
		Run: func(ctx context.Context) error {
			jm.markInFlight(handle)
			if fn == nil {
				return errors.New("no work function")
			}
			return fn(ctx)
		},
		Timeout: jm.cfg.TaskTimeout,
	}

	if err := jm.pool.Submit(task); err != nil {
		jm.discard(handle)
		if errors.Is(err, worker.ErrPoolClosed) {
			return "", ErrServiceClosed
		}
		return "", fmt.Errorf("failed to submit job %q: %w", name, err)
	}

	log.Debug("Job submitted", "handle", handle, "name", name)
	return handle, nil
}

// Create 建立一個由呼叫者驅動的任務，直接進入執行中狀態
// 呼叫者負責以 Complete 結束它
func (jm *JobManager) Create(name string) (types.JobHandle, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if jm.closed {
		return "", ErrServiceClosed
	}
	job := jm.newJobLocked(name, StateInFlight)
	jm.inFlight[job.Handle] = job
	return job.Handle, nil
}

// Complete 結束由 Create 建立的任務
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrNotInFlight: 任務不在執行中狀態
func (jm *JobManager) Complete(handle types.JobHandle, failed bool) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[handle]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StateInFlight {
		return ErrNotInFlight
	}

	var err error
	if failed {
		err = errors.New("marked failed by caller")
	}
	jm.finishLocked(job, err)
	return nil
}

func (jm *JobManager) newJobLocked(name string, state State) *Job {
	now := time.Now().UnixMilli()
	jm.seq++
	job := &Job{
		Handle:    types.JobHandle(uuid.NewString()),
		Name:      name,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
		seq:       jm.seq,
		status:    types.NewJobStatus(),
	}
	jm.jobs[job.Handle] = job
	return job
}

func (jm *JobManager) markInFlight(handle types.JobHandle) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.pending[handle]
	if !exists {
		return
	}
	delete(jm.pending, handle)
	job.State = StateInFlight
	job.UpdatedAt = time.Now().UnixMilli()
	jm.inFlight[handle] = job
}

func (jm *JobManager) finish(handle types.JobHandle, err error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[handle]
	if !exists {
		return
	}
	jm.finishLocked(job, err)
}

// finishLocked 將任務移到 completed 或 dead，最後才設定 done，
// 讓輪詢者看到 done 時狀態索引已經一致
func (jm *JobManager) finishLocked(job *Job, err error) {
	delete(jm.pending, job.Handle)
	delete(jm.inFlight, job.Handle)
	job.UpdatedAt = time.Now().UnixMilli()

	if err != nil {
		job.State = StateDead
		job.Error = err.Error()
		jm.dead[job.Handle] = job
		job.status.AddMessage(fmt.Sprintf("Job failed: %v", err))
		log.Warn("Job failed", "handle", job.Handle, "name", job.Name, "error", err)
	} else {
		job.State = StateCompleted
		jm.completed[job.Handle] = job
	}
	job.status.Finish(err != nil)
}

// discard 移除從未進入 Worker Pool 的任務
func (jm *JobManager) discard(handle types.JobHandle) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	delete(jm.jobs, handle)
	delete(jm.pending, handle)
}

// ============================================================================
// 查詢方法
// ============================================================================

// Status 取得任務的即時狀態
func (jm *JobManager) Status(handle types.JobHandle) (*types.JobStatus, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[handle]
	if !exists {
		return nil, false
	}
	return job.status, true
}

// AppendMessage 追加一則訊息到任務的訊息日誌，任務不存在時回傳 false
func (jm *JobManager) AppendMessage(handle types.JobHandle, msg string) bool {
	status, ok := jm.Status(handle)
	if !ok {
		return false
	}
	status.AddMessage(msg)
	return true
}

// GetJob 取得任務記錄的副本
func (jm *JobManager) GetJob(handle types.JobHandle) (Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[handle]
	if !exists {
		return Job{}, false
	}
	return *job, true
}

// Forget 移除已結束的任務
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrNotFinished: 任務仍在等待或執行中
func (jm *JobManager) Forget(handle types.JobHandle) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[handle]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StateCompleted && job.State != StateDead {
		return ErrNotFinished
	}
	delete(jm.jobs, handle)
	delete(jm.completed, handle)
	delete(jm.dead, handle)
	return nil
}

// Stats 取得各狀態任務的統計資訊
//
//	stats := jm.Stats()
//	log.Info("jobs", "pending", stats["pending"], "dead", stats["dead"])
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return map[string]int{
		"pending":   len(jm.pending),
		"in_flight": len(jm.inFlight),
		"completed": len(jm.completed),
		"dead":      len(jm.dead),
	}
}

// Snapshot 依建立順序回傳所有任務的快照
func (jm *JobManager) Snapshot() []JobView {
	jm.mu.RLock()
	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job)
	}
	views := make([]JobView, 0, len(jobs))
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].seq < jobs[j].seq })
	for _, job := range jobs {
		views = append(views, JobView{
			Handle:    job.Handle,
			Name:      job.Name,
			State:     job.State,
			Error:     job.Error,
			CreatedAt: job.CreatedAt,
			UpdatedAt: job.UpdatedAt,
			Status:    job.status.View(),
		})
	}
	jm.mu.RUnlock()
	return views
}
