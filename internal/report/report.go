package report

// ============================================================================
// 職責說明：
// 1. 將一次 tree refresh 的結果（每個索引任務的狀態 + owner 的進度訊息）
//    序列化為 JSON 報告檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 可選擇保留舊報告作為備份
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/refreshtree/internal/jobmanager"
	"github.com/ChuLiYu/refreshtree/internal/refresh"
	"github.com/ChuLiYu/refreshtree/pkg/types"
)

// SchemaVersion 目前的報告格式版本
const SchemaVersion = 1

// 備份檔名：<path>.bak.<timestamp>
const (
	backupInfix      = ".bak."
	backupTimeLayout = "20060102_150405.000000000"
)

// Outcome 文字，與 CLI 顯示的訊息一致
const (
	OutcomeComplete = "Re-index tree complete."
	OutcomeFailed   = "Re-index tree failed."
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedReport     = errors.New("report file is corrupted")
	ErrIncompatibleVersion = errors.New("report schema version is incompatible")
	ErrReportNotFound      = errors.New("report file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// JobEntry 單一索引任務的結果
type JobEntry struct {
	IndexID  string           `json:"index_id"`
	Handle   types.JobHandle  `json:"handle"`
	State    jobmanager.State `json:"state,omitempty"`
	Failed   bool             `json:"failed"`
	Error    string           `json:"error,omitempty"`
	Messages []string         `json:"messages,omitempty"`
}

// OwnerEntry owner 任務與其進度訊息
type OwnerEntry struct {
	Handle   types.JobHandle `json:"handle"`
	Name     string          `json:"name"`
	Messages []string        `json:"messages"`
}

// Report 一次 tree refresh 的報告
type Report struct {
	SchemaVer    int             `json:"schema_version"`
	GeneratedAt  time.Time       `json:"generated_at"`
	Node         types.NodeRef   `json:"node"`
	SkipGroups   []types.GroupID `json:"skip_groups"`
	Outcome      string          `json:"outcome"`
	Failed       bool            `json:"failed"`
	SubmitErrors string          `json:"submit_errors,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
	Owner        *OwnerEntry     `json:"owner,omitempty"`
	Jobs         []JobEntry      `json:"jobs"`
}

// Build 由請求、結果與 Job Service 快照組出報告
func Build(req types.RefreshRequest, res refresh.Result, views []jobmanager.JobView) Report {
	byHandle := make(map[types.JobHandle]jobmanager.JobView, len(views))
	for _, v := range views {
		byHandle[v.Handle] = v
	}

	r := Report{
		SchemaVer:   SchemaVersion,
		GeneratedAt: time.Now().UTC(),
		SkipGroups:  req.SkipGroups,
		Outcome:     OutcomeComplete,
		Failed:      !res.Succeeded(),
		DurationMs:  res.Duration.Milliseconds(),
		Jobs:        make([]JobEntry, 0, len(res.Jobs)),
	}
	if r.Failed {
		r.Outcome = OutcomeFailed
	}
	if req.StartNode != nil {
		r.Node = *req.StartNode
	}
	if res.SubmitErr != nil {
		r.SubmitErrors = res.SubmitErr.Error()
	}

	if v, ok := byHandle[req.Owner]; ok && req.Owner != "" {
		r.Owner = &OwnerEntry{Handle: v.Handle, Name: v.Name, Messages: v.Status.Messages}
	}

	for _, job := range res.Jobs {
		entry := JobEntry{IndexID: job.IndexID, Handle: job.Handle}
		if v, ok := byHandle[job.Handle]; ok {
			entry.State = v.State
			entry.Failed = v.Status.Failed
			entry.Error = v.Error
			entry.Messages = v.Status.Messages
		}
		r.Jobs = append(r.Jobs, entry)
	}
	return r
}

// Manager 報告檔管理器
type Manager struct {
	path string     // 報告檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立報告管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Write 原子性寫入報告
//
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(r Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(r)
}

func (m *Manager) writeLocked(r Report) error {
	r.SchemaVer = SchemaVersion

	// 帶縮排，方便人工閱讀
	jsonBytes, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}

	return nil
}

// Load 載入報告
//
// 錯誤處理：
//   - ErrReportNotFound: 檔案不存在
//   - ErrCorruptedReport: JSON 無法解析
//   - ErrIncompatibleVersion: schema 版本不符
func (m *Manager) Load() (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var r Report

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, fmt.Errorf("%w: %s", ErrReportNotFound, m.path)
		}
		return r, fmt.Errorf("failed to read report: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}

	if r.SchemaVer != SchemaVersion {
		return r, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, r.SchemaVer, SchemaVersion)
	}

	if r.Jobs == nil {
		r.Jobs = make([]JobEntry, 0)
	}
	return r, nil
}

// WriteWithBackup 寫入報告並保留最近 keepBackups 個舊版本
func (m *Manager) WriteWithBackup(r Report, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := m.path + backupInfix + time.Now().Format(backupTimeLayout)
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old report: %w", err)
		}
	}

	if err := m.writeLocked(r); err != nil {
		return err
	}
	return m.pruneBackupsLocked(keepBackups)
}

// Backups 依時間由舊到新列出備份檔
// 只認得 <path>.bak.<timestamp>，同目錄下的其他檔案不受影響
func (m *Manager) Backups() ([]string, error) {
	dir := filepath.Dir(m.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	prefix := filepath.Base(m.path) + backupInfix
	var backups []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		if _, err := time.Parse(backupTimeLayout, strings.TrimPrefix(name, prefix)); err != nil {
			continue
		}
		backups = append(backups, filepath.Join(dir, name))
	}
	// 時間戳是固定寬度，字典序即時間順序
	sort.Strings(backups)
	return backups, nil
}

func (m *Manager) pruneBackupsLocked(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.Backups()
	if err != nil {
		return fmt.Errorf("failed to list report backups: %w", err)
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to remove old report backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

// Exists 檢查報告檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得報告檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}
